package speech

import (
	"context"
	"errors"
	"sync"
	"time"

	"aura-coach/pkg/coaching"
	coacherrors "aura-coach/pkg/errors"
	"aura-coach/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// PatchSink accepts metric patches without blocking
type PatchSink interface {
	Apply(p coaching.Patch) bool
}

// TranscriberOptions configures linguistic tracking
type TranscriberOptions struct {
	Fillers        []string
	MinBatchTokens int
	MinBatchWPM    int
	Clock          func() time.Time
}

// Transcriber runs one recognition stream per session and feeds the
// linguistic tracker. A failed stream is not restarted within the session.
type Transcriber struct {
	logger     *logrus.Logger
	recognizer Recognizer
	sink       PatchSink
	opts       TranscriberOptions

	mu        sync.Mutex
	sessionID string
	tracker   *Tracker
	cancel    context.CancelFunc
	done      chan struct{}
	lastErr   error
}

// NewTranscriber creates a transcriber; recognizer may be nil
func NewTranscriber(logger *logrus.Logger, recognizer Recognizer, sink PatchSink, opts TranscriberOptions) *Transcriber {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if len(opts.Fillers) == 0 {
		opts.Fillers = DefaultFillers
	}
	if opts.MinBatchTokens <= 0 {
		opts.MinBatchTokens = DefaultMinBatchTokens
	}
	if opts.MinBatchWPM <= 0 {
		opts.MinBatchWPM = DefaultMinBatchWPM
	}
	return &Transcriber{
		logger:     logger,
		recognizer: recognizer,
		sink:       sink,
		opts:       opts,
	}
}

// Start begins recognition for sessionID. Pace is measured from startedAt.
// Any stream left from a previous session is stopped first.
func (t *Transcriber) Start(ctx context.Context, sessionID string, startedAt time.Time) error {
	t.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessionID = sessionID
	t.tracker = NewTracker(t.opts.Fillers, startedAt, t.opts.MinBatchTokens, t.opts.MinBatchWPM)
	t.lastErr = nil

	if t.recognizer == nil {
		t.logger.WithField("session_id", sessionID).Info("No speech recognizer configured, linguistic metrics disabled")
		return nil
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	tracker := t.tracker
	go t.run(streamCtx, done, sessionID, tracker)

	t.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"provider":   t.recognizer.Name(),
	}).Info("Speech recognition started")
	return nil
}

func (t *Transcriber) run(ctx context.Context, done chan struct{}, sessionID string, tracker *Tracker) {
	defer close(done)

	provider := t.recognizer.Name()
	err := t.recognizer.Recognize(ctx, sessionID, func(b Batch) {
		t.handleBatch(sessionID, provider, tracker, b)
	})
	if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}

	recErr := coacherrors.NewRecognition(provider, err).WithField("session_id", sessionID)
	t.mu.Lock()
	t.lastErr = recErr
	t.mu.Unlock()

	metrics.RecordTranscriptBatch(provider, "stream_error")
	t.logger.WithError(recErr).WithFields(logrus.Fields{
		"session_id": sessionID,
		"provider":   provider,
	}).Warn("Speech recognition stopped, linguistic metrics frozen for this session")
}

func (t *Transcriber) handleBatch(sessionID, provider string, tracker *Tracker, b Batch) {
	for _, s := range b.Segments {
		if !s.Final {
			t.logger.WithFields(logrus.Fields{
				"session_id": sessionID,
				"interim":    s.Text,
			}).Trace("Interim transcript")
		}
	}

	text := b.FinalText()
	if text == "" {
		return
	}

	res := tracker.Add(text, t.opts.Clock())
	if !res.Applied {
		metrics.RecordTranscriptBatch(provider, "noise")
		t.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"new_tokens": res.NewTokens,
		}).Debug("Discarding short slow batch as background noise")
		return
	}

	metrics.RecordTranscriptBatch(provider, "applied")
	t.sink.Apply(coaching.LinguisticsPatch{
		SessionID: sessionID,
		WPM:       res.WPM,
		Fillers:   res.Fillers,
	})
}

// Stop ends the current stream and waits for it to exit. Safe to call
// when nothing was started and safe to call twice.
func (t *Transcriber) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tracker returns the tracker of the current or most recent session
func (t *Transcriber) Tracker() *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracker
}

// Err returns the recognition error that stopped the current session's stream, if any
func (t *Transcriber) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}
