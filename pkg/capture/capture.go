// Package capture defines the camera, microphone and detector capabilities the
// session engine runs on, plus ffmpeg-backed implementations of the devices.
package capture

import (
	"context"
	"time"
)

// Frame is one encoded video frame
type Frame struct {
	Seq        uint64
	Data       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// Point is a landmark position in normalized image coordinates (0..1)
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pose holds the landmarks the pose analyzer needs. A nil landmark means the
// detector did not find it in the frame.
type Pose struct {
	LeftShoulder  *Point `json:"left_shoulder,omitempty"`
	RightShoulder *Point `json:"right_shoulder,omitempty"`
	Nose          *Point `json:"nose,omitempty"`
}

// Complete reports whether every landmark is present
func (p *Pose) Complete() bool {
	return p != nil && p.LeftShoulder != nil && p.RightShoulder != nil && p.Nose != nil
}

// ExpressionScore is a classifier confidence for one label
type ExpressionScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// VideoSource delivers camera frames
type VideoSource interface {
	// Frames delivers frames at capture cadence; frames are dropped while
	// the consumer is still busy with the previous one
	Frames() <-chan Frame
	// Snapshot returns the most recent frame, false until the first frame arrives
	Snapshot() (Frame, bool)
	Close() error
}

// AudioSource opens microphone streams. Each pipeline opens its own stream
// and owns it until Close.
type AudioSource interface {
	Open(ctx context.Context) (AudioStream, error)
}

// AudioStream is a live microphone capture of mono float samples
type AudioStream interface {
	Chunks() <-chan []float32
	// Close stops the capture and releases the device; safe to call more than once
	Close() error
}

// PoseDetector finds body landmarks in a frame
type PoseDetector interface {
	Detect(ctx context.Context, frame Frame) (*Pose, error)
}

// ExpressionClassifier scores a frame against a fixed label set
type ExpressionClassifier interface {
	Classify(ctx context.Context, frame Frame) ([]ExpressionScore, error)
}
