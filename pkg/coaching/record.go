package coaching

import (
	"fmt"
	"time"
)

// EyeContact is the gaze classification written by the pose analyzer
type EyeContact string

const (
	EyeContactUnknown     EyeContact = "Unknown"
	EyeContactGood        EyeContact = "Good"
	EyeContactLookingAway EyeContact = "LookingAway"
)

// EmotionDetecting is shown until the first expression sample lands
const EmotionDetecting = "Detecting..."

// ToneNeutral is the tone before any voice feedback arrives
const ToneNeutral = "Neutral"

// Phase is the lifecycle state of a practice session
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseActive
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText lets phases render as strings in JSON payloads
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a phase rendered by MarshalText
func (p *Phase) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*p = PhaseIdle
	case "active":
		*p = PhaseActive
	case "ended":
		*p = PhaseEnded
	default:
		return fmt.Errorf("unknown phase %q", text)
	}
	return nil
}

// MetricsRecord is the live aggregate of every producer's latest output.
// Each field has exactly one writer, see the patch types.
type MetricsRecord struct {
	SessionID  string     `json:"session_id"`
	Posture    float64    `json:"posture"`
	HeadTilt   *int       `json:"headTilt,omitempty"`
	EyeContact EyeContact `json:"eyeContact"`
	Emotion    string     `json:"emotion"`
	WPM        int        `json:"wpm"`
	Fillers    int        `json:"fillers"`
	Volume     float64    `json:"volume"`
	Pitch      float64    `json:"pitch"`
	Tone       string     `json:"tone"`
}

// DefaultRecord returns the record a new session starts from
func DefaultRecord(sessionID string) MetricsRecord {
	return MetricsRecord{
		SessionID:  sessionID,
		EyeContact: EyeContactUnknown,
		Emotion:    EmotionDetecting,
		Tone:       ToneNeutral,
	}
}

// Clone returns a deep copy that shares no memory with r
func (r MetricsRecord) Clone() MetricsRecord {
	out := r
	if r.HeadTilt != nil {
		tilt := *r.HeadTilt
		out.HeadTilt = &tilt
	}
	return out
}

// Snapshot is the immutable copy of a record taken when a session is sealed
type Snapshot struct {
	Record    MetricsRecord `json:"record"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
}

// Duration returns how long the session was active
func (s Snapshot) Duration() time.Duration {
	if s.EndedAt.Before(s.StartedAt) {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// View is a point-in-time read of the aggregator
type View struct {
	Phase     Phase         `json:"phase"`
	StartedAt time.Time     `json:"started_at"`
	Record    MetricsRecord `json:"record"`
}
