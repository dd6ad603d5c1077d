package coaching

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func kinds(tips []Tip) []string {
	out := make([]string, 0, len(tips))
	for _, tip := range tips {
		out = append(out, tip.Kind)
	}
	return out
}

func TestTipsThresholds(t *testing.T) {
	good := MetricsRecord{Posture: 90, EyeContact: EyeContactGood, Volume: 20, Fillers: 2, Tone: "Calm"}

	testCases := []struct {
		name   string
		mutate func(r *MetricsRecord)
		want   []string
	}{
		{"AllGood", func(r *MetricsRecord) {}, []string{}},
		{"PostureBelow60", func(r *MetricsRecord) { r.Posture = 59.9 }, []string{"posture"}},
		{"PostureAt60", func(r *MetricsRecord) { r.Posture = 60 }, []string{}},
		{"LookingAway", func(r *MetricsRecord) { r.EyeContact = EyeContactLookingAway }, []string{"eye_contact"}},
		{"EyeContactUnknown", func(r *MetricsRecord) { r.EyeContact = EyeContactUnknown }, []string{"eye_contact"}},
		{"Quiet", func(r *MetricsRecord) { r.Volume = 9.99 }, []string{"volume"}},
		{"VolumeAt10", func(r *MetricsRecord) { r.Volume = 10 }, []string{}},
		{"FillersAbove5", func(r *MetricsRecord) { r.Fillers = 6 }, []string{"fillers"}},
		{"FillersAt5", func(r *MetricsRecord) { r.Fillers = 5 }, []string{}},
		{"Energetic", func(r *MetricsRecord) { r.Tone = "Energetic" }, []string{"tone"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := good
			tc.mutate(&r)
			assert.Equal(t, tc.want, kinds(Tips(r)))
		})
	}
}

func TestTipsCoOccurInFixedOrder(t *testing.T) {
	r := MetricsRecord{Posture: 10, EyeContact: EyeContactLookingAway, Volume: 1, Fillers: 12, Tone: "Energetic"}
	assert.Equal(t, []string{"posture", "eye_contact", "volume", "fillers", "tone"}, kinds(Tips(r)))
}

func TestTipsForDefaultRecord(t *testing.T) {
	assert.Equal(t, []string{"posture", "eye_contact", "volume"}, kinds(Tips(DefaultRecord("s"))))
}
