package speech

import (
	"context"
	"fmt"
	"io"
	"sync"

	"aura-coach/pkg/audio"
	"aura-coach/pkg/capture"
	"aura-coach/pkg/config"

	speechapi "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// GoogleRecognizer streams microphone audio to Google Speech-to-Text
type GoogleRecognizer struct {
	logger *logrus.Logger
	cfg    config.SpeechConfig
	mic    capture.AudioSource

	mu     sync.RWMutex
	client *speechapi.Client
}

// NewGoogleRecognizer creates a Google recognizer; call Initialize before use
func NewGoogleRecognizer(logger *logrus.Logger, cfg config.SpeechConfig, mic capture.AudioSource) *GoogleRecognizer {
	return &GoogleRecognizer{
		logger: logger,
		cfg:    cfg,
		mic:    mic,
	}
}

// Name returns the provider name
func (r *GoogleRecognizer) Name() string {
	return "google"
}

// Initialize creates the Speech client
func (r *GoogleRecognizer) Initialize(ctx context.Context) error {
	var clientOptions []option.ClientOption

	// Use API key if provided, otherwise use credentials file
	if r.cfg.Google.APIKey != "" {
		clientOptions = append(clientOptions, option.WithAPIKey(r.cfg.Google.APIKey))
		r.logger.Debug("Using Google STT API key authentication")
	} else if r.cfg.Google.CredentialsFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(r.cfg.Google.CredentialsFile))
		r.logger.WithField("credentials_file", r.cfg.Google.CredentialsFile).Debug("Using Google STT credentials file")
	} else {
		return fmt.Errorf("Google STT requires either API key or credentials file")
	}

	client, err := speechapi.NewClient(ctx, clientOptions...)
	if err != nil {
		return fmt.Errorf("failed to create Google Speech client: %w", err)
	}

	r.mu.Lock()
	r.client = client
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"language":         r.cfg.Language,
		"sample_rate":      r.cfg.SampleRate,
		"model":            r.cfg.Google.Model,
		"auto_punctuation": r.cfg.Google.EnableAutomaticPunctuation,
	}).Info("Google Speech-to-Text client initialized successfully")
	return nil
}

// Close releases the Speech client
func (r *GoogleRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// Recognize opens its own microphone stream and forwards finalized results
func (r *GoogleRecognizer) Recognize(ctx context.Context, sessionID string, onBatch func(Batch)) error {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("Google Speech client not initialized")
	}

	logger := r.logger.WithField("session_id", sessionID)

	mic, err := r.mic.Open(ctx)
	if err != nil {
		return err
	}
	defer mic.Close()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		return fmt.Errorf("failed to start Google Speech-to-Text stream: %w", err)
	}

	recognitionConfig := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(r.cfg.SampleRate),
		AudioChannelCount:          1,
		LanguageCode:               r.cfg.Language,
		EnableAutomaticPunctuation: r.cfg.Google.EnableAutomaticPunctuation,
	}
	if r.cfg.Google.Model != "" {
		recognitionConfig.Model = r.cfg.Google.Model
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig,
				InterimResults: true,
			},
		},
	}); err != nil {
		return fmt.Errorf("failed to send streaming config: %w", err)
	}

	errChan := make(chan error, 2)

	// Audio sender
	go func() {
		defer stream.CloseSend()
		for {
			select {
			case <-streamCtx.Done():
				return
			case chunk, ok := <-mic.Chunks():
				if !ok {
					return
				}
				if err := stream.Send(&speechpb.StreamingRecognizeRequest{
					StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
						AudioContent: audio.EncodePCM16(chunk),
					},
				}); err != nil {
					errChan <- fmt.Errorf("failed to send audio content: %w", err)
					return
				}
			}
		}
	}()

	// Result receiver
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if streamCtx.Err() != nil {
				return nil
			}
			select {
			case sendErr := <-errChan:
				return sendErr
			default:
			}
			return fmt.Errorf("error receiving streaming response: %w", err)
		}

		var batch Batch
		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			batch.Segments = append(batch.Segments, Segment{
				Text:  result.Alternatives[0].Transcript,
				Final: result.IsFinal,
			})
		}
		if len(batch.Segments) > 0 {
			logger.WithField("segments", len(batch.Segments)).Trace("Google transcript batch")
			onBatch(batch)
		}
	}
}
