// Package pose turns body landmarks into posture, head tilt and eye contact.
package pose

import (
	"math"

	"aura-coach/pkg/capture"
	"aura-coach/pkg/coaching"
)

// FrameCenterX is the horizontal center of the frame in normalized coordinates
const FrameCenterX = 0.5

// EyeContactTolerance is the largest nose offset from center still counted as eye contact
const EyeContactTolerance = 0.05

// PosturePenalty is the score lost per unit of shoulder tilt
const PosturePenalty = 4

// Measurement is the pose analyzer's output for one frame
type Measurement struct {
	Posture    float64
	HeadTilt   int
	EyeContact coaching.EyeContact
}

// Measure computes all pose metrics. It returns false when any landmark is missing.
func Measure(p *capture.Pose) (Measurement, bool) {
	if !p.Complete() {
		return Measurement{}, false
	}
	return Measurement{
		Posture:    Posture(*p.LeftShoulder, *p.RightShoulder),
		HeadTilt:   HeadTilt(*p.LeftShoulder, *p.RightShoulder),
		EyeContact: EyeContact(*p.Nose),
	}, true
}

// ShoulderTilt is the vertical shoulder offset scaled to percent of frame height
func ShoulderTilt(left, right capture.Point) float64 {
	return (right.Y - left.Y) * 100
}

// Posture scores shoulder levelness from 0 to 100, rounded to hundredths
func Posture(left, right capture.Point) float64 {
	score := 100 - math.Abs(ShoulderTilt(left, right))*PosturePenalty
	score = math.Max(0, math.Min(100, score))
	return math.Round(score*100) / 100
}

// HeadTilt is the angle of the shoulder line in whole degrees, folded into [-90, 90]
func HeadTilt(left, right capture.Point) int {
	raw := math.Atan2(right.Y-left.Y, right.X-left.X) * 180 / math.Pi
	return NormalizeTilt(raw)
}

// NormalizeTilt folds an angle in (-180, 180] onto [-90, 90] and rounds it.
// Exactly ±90 is left as is, so 90 and -90 stay distinct.
func NormalizeTilt(deg float64) int {
	switch {
	case deg > 90:
		deg -= 180
	case deg < -90:
		deg += 180
	}
	return int(math.Round(deg))
}

// eyeContactNoise absorbs the representation error of coordinates such as
// 0.45, whose offset from center evaluates just under the tolerance
const eyeContactNoise = 1e-12

// EyeContact classifies the nose position relative to frame center. An
// offset within eyeContactNoise of the tolerance counts as the tolerance.
func EyeContact(nose capture.Point) coaching.EyeContact {
	if math.Abs(nose.X-FrameCenterX) < EyeContactTolerance-eyeContactNoise {
		return coaching.EyeContactGood
	}
	return coaching.EyeContactLookingAway
}
