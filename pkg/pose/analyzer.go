package pose

import (
	"context"

	"aura-coach/pkg/capture"
	"aura-coach/pkg/coaching"
	"aura-coach/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// SessionGate reports the active session, if any
type SessionGate interface {
	Current() (sessionID string, active bool)
}

// PatchSink accepts metric patches without blocking
type PatchSink interface {
	Apply(p coaching.Patch) bool
}

// Analyzer runs pose detection on every frame it can keep up with
type Analyzer struct {
	logger   *logrus.Logger
	detector capture.PoseDetector
	sink     PatchSink
	gate     SessionGate
}

// NewAnalyzer creates a pose analyzer
func NewAnalyzer(logger *logrus.Logger, detector capture.PoseDetector, sink PatchSink, gate SessionGate) *Analyzer {
	return &Analyzer{
		logger:   logger,
		detector: detector,
		sink:     sink,
		gate:     gate,
	}
}

// Run consumes frames until the channel closes or ctx is cancelled.
// It lives for the whole capture, not one session; frames that arrive
// while no session is active are not analyzed.
func (a *Analyzer) Run(ctx context.Context, frames <-chan capture.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			a.process(ctx, frame)
		}
	}
}

func (a *Analyzer) process(ctx context.Context, frame capture.Frame) {
	sessionID, active := a.gate.Current()
	if !active {
		metrics.RecordPoseFrame("idle")
		return
	}

	done := metrics.ObserveDetectorLatency("pose")
	landmarks, err := a.detector.Detect(ctx, frame)
	done()
	if err != nil {
		metrics.RecordPoseFrame("failed")
		a.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": sessionID,
			"frame_seq":  frame.Seq,
		}).Debug("Pose detection failed, skipping frame")
		return
	}

	m, ok := Measure(landmarks)
	if !ok {
		metrics.RecordPoseFrame("skipped")
		return
	}

	metrics.RecordPoseFrame("analyzed")
	a.sink.Apply(coaching.PosePatch{
		SessionID:  sessionID,
		Posture:    m.Posture,
		HeadTilt:   m.HeadTilt,
		EyeContact: m.EyeContact,
	})
}
