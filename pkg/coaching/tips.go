package coaching

// Thresholds for live tips
const (
	PostureTipBelow = 60
	VolumeTipBelow  = 10
	FillerTipAbove  = 5
)

// Tip is a short piece of live advice
type Tip struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Tips derives the live advice for a record. Tips are independent of each
// other and always come back in the same order.
func Tips(r MetricsRecord) []Tip {
	tips := make([]Tip, 0, 5)

	if r.Posture < PostureTipBelow {
		tips = append(tips, Tip{Kind: "posture", Text: "Sit up straight and level your shoulders."})
	}
	if r.EyeContact != EyeContactGood {
		tips = append(tips, Tip{Kind: "eye_contact", Text: "Look at the camera to keep eye contact."})
	}
	if r.Volume < VolumeTipBelow {
		tips = append(tips, Tip{Kind: "volume", Text: "Speak a little louder."})
	}
	if r.Fillers > FillerTipAbove {
		tips = append(tips, Tip{Kind: "fillers", Text: "Pause instead of using filler words."})
	}
	if r.Tone == "Energetic" {
		tips = append(tips, Tip{Kind: "tone", Text: "Great energy, keep it up!"})
	}

	return tips
}
