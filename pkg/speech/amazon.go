package speech

import (
	"context"
	"fmt"
	"sync"

	"aura-coach/pkg/audio"
	"aura-coach/pkg/capture"
	"aura-coach/pkg/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/sirupsen/logrus"
)

// AmazonRecognizer streams microphone audio to Amazon Transcribe
type AmazonRecognizer struct {
	logger *logrus.Logger
	cfg    config.SpeechConfig
	mic    capture.AudioSource

	mu     sync.RWMutex
	client *transcribestreaming.Client
}

// NewAmazonRecognizer creates an Amazon Transcribe recognizer; call Initialize before use
func NewAmazonRecognizer(logger *logrus.Logger, cfg config.SpeechConfig, mic capture.AudioSource) *AmazonRecognizer {
	return &AmazonRecognizer{
		logger: logger,
		cfg:    cfg,
		mic:    mic,
	}
}

// Name returns the provider name
func (r *AmazonRecognizer) Name() string {
	return "amazon-transcribe"
}

// Initialize loads AWS configuration and creates the streaming client
func (r *AmazonRecognizer) Initialize(ctx context.Context) error {
	amazon := r.cfg.Amazon
	if amazon.AccessKeyID == "" || amazon.SecretAccessKey == "" {
		return fmt.Errorf("Amazon STT requires AWS access key ID and secret access key")
	}

	region := amazon.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(3),
		awsconfig.WithRetryMode(aws.RetryModeStandard),
		awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     amazon.AccessKeyID,
				SecretAccessKey: amazon.SecretAccessKey,
			}, nil
		})),
	)
	if err != nil {
		return fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	r.mu.Lock()
	r.client = transcribestreaming.NewFromConfig(cfg)
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"region":      region,
		"language":    r.cfg.Language,
		"sample_rate": r.cfg.SampleRate,
		"vocabulary":  amazon.VocabularyName,
	}).Info("Amazon Transcribe recognizer initialized successfully")
	return nil
}

// Recognize opens its own microphone stream and forwards finalized results
func (r *AmazonRecognizer) Recognize(ctx context.Context, sessionID string, onBatch func(Batch)) error {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("Amazon Transcribe client not initialized")
	}

	logger := r.logger.WithField("session_id", sessionID)

	mic, err := r.mic.Open(ctx)
	if err != nil {
		return err
	}
	defer mic.Close()

	input := &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(r.cfg.Language),
		MediaSampleRateHertz: aws.Int32(int32(r.cfg.SampleRate)),
		MediaEncoding:        types.MediaEncodingPcm,
	}
	if r.cfg.Amazon.VocabularyName != "" {
		input.VocabularyName = aws.String(r.cfg.Amazon.VocabularyName)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := client.StartStreamTranscription(streamCtx, input)
	if err != nil {
		return fmt.Errorf("failed to start transcription stream: %w", err)
	}
	stream := resp.GetStream()
	defer stream.Close()

	errChan := make(chan error, 1)

	// Audio sender
	go func() {
		for {
			select {
			case <-streamCtx.Done():
				return
			case chunk, ok := <-mic.Chunks():
				if !ok {
					return
				}
				event := &types.AudioStreamMemberAudioEvent{
					Value: types.AudioEvent{AudioChunk: audio.EncodePCM16(chunk)},
				}
				if err := stream.Send(streamCtx, event); err != nil {
					if streamCtx.Err() == nil {
						errChan <- fmt.Errorf("failed to send audio to Amazon Transcribe: %w", err)
					}
					return
				}
			}
		}
	}()

	for event := range stream.Events() {
		te, ok := event.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok {
			logger.WithField("event_type", fmt.Sprintf("%T", event)).Debug("Unknown transcription event type")
			continue
		}
		if batch := batchFromTranscript(te.Value); len(batch.Segments) > 0 {
			onBatch(batch)
		}
	}

	if streamCtx.Err() != nil {
		return nil
	}
	select {
	case err := <-errChan:
		return err
	default:
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("Amazon Transcribe stream error: %w", err)
	}
	return nil
}

func batchFromTranscript(event types.TranscriptEvent) Batch {
	var batch Batch
	if event.Transcript == nil {
		return batch
	}
	for _, result := range event.Transcript.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		batch.Segments = append(batch.Segments, Segment{
			Text:  aws.ToString(result.Alternatives[0].Transcript),
			Final: !result.IsPartial,
		})
	}
	return batch
}
