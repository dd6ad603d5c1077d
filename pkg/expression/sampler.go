// Package expression samples the camera on a fixed interval and labels the
// dominant facial expression.
package expression

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"aura-coach/pkg/capture"
	"aura-coach/pkg/coaching"
	"aura-coach/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// DefaultInterval is the sampling period
const DefaultInterval = 1200 * time.Millisecond

// FrameSource provides the latest camera frame
type FrameSource interface {
	Snapshot() (capture.Frame, bool)
}

// SessionGate reports the active session, if any
type SessionGate interface {
	Current() (sessionID string, active bool)
}

// PatchSink accepts metric patches without blocking
type PatchSink interface {
	Apply(p coaching.Patch) bool
}

// Sampler classifies one frame per tick. At most one classification is
// outstanding; a tick that finds one in flight is skipped.
type Sampler struct {
	logger     *logrus.Logger
	classifier capture.ExpressionClassifier
	source     FrameSource
	sink       PatchSink
	gate       SessionGate
	interval   time.Duration

	inFlight atomic.Bool
	wg       sync.WaitGroup
}

// NewSampler creates an expression sampler
func NewSampler(logger *logrus.Logger, classifier capture.ExpressionClassifier, source FrameSource, sink PatchSink, gate SessionGate, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		logger:     logger,
		classifier: classifier,
		source:     source,
		sink:       sink,
		gate:       gate,
		interval:   interval,
	}
}

// Run ticks until ctx is cancelled and waits for the last classification to return
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one sampling step and reports whether a classification was started
func (s *Sampler) Tick(ctx context.Context) bool {
	sessionID, active := s.gate.Current()
	if !active {
		return false
	}

	frame, ready := s.source.Snapshot()
	if !ready {
		metrics.RecordExpressionSample("not_ready")
		return false
	}

	if !s.inFlight.CompareAndSwap(false, true) {
		metrics.RecordExpressionSample("skipped_busy")
		s.logger.WithField("session_id", sessionID).Debug("Expression classification still in flight, skipping tick")
		return false
	}

	s.wg.Add(1)
	go s.classify(ctx, sessionID, frame)
	return true
}

func (s *Sampler) classify(ctx context.Context, sessionID string, frame capture.Frame) {
	defer s.wg.Done()
	defer s.inFlight.Store(false)

	done := metrics.ObserveDetectorLatency("expression")
	scores, err := s.classifier.Classify(ctx, frame)
	done()
	if err != nil {
		metrics.RecordExpressionSample("failed")
		s.logger.WithError(err).WithField("session_id", sessionID).Debug("Expression classification failed")
		return
	}

	label, ok := Dominant(scores)
	if !ok {
		metrics.RecordExpressionSample("empty")
		return
	}

	metrics.RecordExpressionSample("classified")
	s.sink.Apply(coaching.EmotionPatch{SessionID: sessionID, Emotion: Capitalize(label)})
}

// Busy reports whether a classification is currently outstanding
func (s *Sampler) Busy() bool {
	return s.inFlight.Load()
}

// Dominant returns the label with the highest score. Ties keep the first label.
func Dominant(scores []capture.ExpressionScore) (string, bool) {
	best := -1
	for i, sc := range scores {
		if sc.Label == "" {
			continue
		}
		if best < 0 || sc.Score > scores[best].Score {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	return scores[best].Label, true
}

// Capitalize upper-cases the first letter and lower-cases the rest
func Capitalize(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return label
	}
	r, size := utf8.DecodeRuneInString(label)
	return string(unicode.ToUpper(r)) + strings.ToLower(label[size:])
}
