package coaching

// Patch is a single producer's update to its own fields of the record.
// Patches are tagged with the session they were computed for so that
// late deliveries from a previous session can be rejected.
type Patch interface {
	Session() string
	Kind() string
	apply(r *MetricsRecord)
}

// PosePatch carries the pose analyzer's output
type PosePatch struct {
	SessionID  string
	Posture    float64
	HeadTilt   int
	EyeContact EyeContact
}

func (p PosePatch) Session() string { return p.SessionID }
func (p PosePatch) Kind() string    { return "pose" }

func (p PosePatch) apply(r *MetricsRecord) {
	tilt := p.HeadTilt
	r.Posture = p.Posture
	r.HeadTilt = &tilt
	r.EyeContact = p.EyeContact
}

// EmotionPatch carries the expression sampler's label
type EmotionPatch struct {
	SessionID string
	Emotion   string
}

func (p EmotionPatch) Session() string { return p.SessionID }
func (p EmotionPatch) Kind() string    { return "emotion" }

func (p EmotionPatch) apply(r *MetricsRecord) {
	r.Emotion = p.Emotion
}

// LinguisticsPatch carries the linguistic tracker's pace and filler count
type LinguisticsPatch struct {
	SessionID string
	WPM       int
	Fillers   int
}

func (p LinguisticsPatch) Session() string { return p.SessionID }
func (p LinguisticsPatch) Kind() string    { return "linguistics" }

func (p LinguisticsPatch) apply(r *MetricsRecord) {
	r.WPM = p.WPM
	// fillers never decrease within a session
	if p.Fillers > r.Fillers {
		r.Fillers = p.Fillers
	}
}

// VoicePatch carries the uplink's server-side voice analysis.
// VolumeOnly is set for silence heartbeats, which must not overwrite pitch or tone.
type VoicePatch struct {
	SessionID  string
	Volume     float64
	Pitch      float64
	Tone       string
	VolumeOnly bool
}

func (p VoicePatch) Session() string { return p.SessionID }
func (p VoicePatch) Kind() string    { return "voice" }

func (p VoicePatch) apply(r *MetricsRecord) {
	r.Volume = p.Volume
	if p.VolumeOnly {
		return
	}
	r.Pitch = p.Pitch
	if p.Tone != "" {
		r.Tone = p.Tone
	}
}
