package simulate

import (
	"context"
	"fmt"
	"math"

	"aura-coach/pkg/capture"
)

// PoseDetector derives a slowly swaying pose from the frame sequence number.
// Every MissingEvery-th frame has no nose landmark.
type PoseDetector struct {
	MissingEvery uint64
}

// NewPoseDetector creates a synthetic pose detector
func NewPoseDetector() *PoseDetector {
	return &PoseDetector{MissingEvery: 20}
}

// Detect implements capture.PoseDetector
func (d *PoseDetector) Detect(ctx context.Context, frame capture.Frame) (*capture.Pose, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seq, ok := FrameSeq(frame.Data)
	if !ok {
		return nil, fmt.Errorf("frame %d is not a synthetic frame", frame.Seq)
	}
	return PoseAt(seq, d.MissingEvery), nil
}

// PoseAt is the synthetic pose for frame seq. The shoulder line drifts
// between level and a 0.1 drop; the nose wanders around frame center.
func PoseAt(seq, missingEvery uint64) *capture.Pose {
	t := float64(seq)
	drop := 0.05 + 0.05*math.Sin(t/60)
	left := capture.Point{X: 0.62, Y: 0.55}
	right := capture.Point{X: 0.38, Y: 0.55 + drop}

	pose := &capture.Pose{LeftShoulder: &left, RightShoulder: &right}
	if missingEvery == 0 || seq%missingEvery != 0 {
		pose.Nose = &capture.Point{X: 0.5 + 0.08*math.Sin(t/45), Y: 0.3}
	}
	return pose
}

// ExpressionClassifier rotates the dominant label on every call
type ExpressionClassifier struct {
	labels []string
}

// NewExpressionClassifier creates a synthetic classifier over labels
func NewExpressionClassifier(labels []string) *ExpressionClassifier {
	if len(labels) == 0 {
		labels = []string{"neutral", "happy", "surprised"}
	}
	return &ExpressionClassifier{labels: labels}
}

// Classify implements capture.ExpressionClassifier
func (c *ExpressionClassifier) Classify(ctx context.Context, frame capture.Frame) ([]capture.ExpressionScore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seq, _ := FrameSeq(frame.Data)
	return ScoresAt(seq, c.labels), nil
}

// ScoresAt scores labels for frame seq. The dominant label changes every
// 90 frames.
func ScoresAt(seq uint64, labels []string) []capture.ExpressionScore {
	if len(labels) == 0 {
		return nil
	}
	dominant := int(seq/90) % len(labels)
	rest := 0.4 / float64(len(labels))
	scores := make([]capture.ExpressionScore, len(labels))
	for i, l := range labels {
		scores[i] = capture.ExpressionScore{Label: l, Score: rest}
		if i == dominant {
			scores[i].Score = 0.6
		}
	}
	return scores
}
