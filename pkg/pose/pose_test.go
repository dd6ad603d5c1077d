package pose

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"

	"aura-coach/pkg/capture"
	"aura-coach/pkg/coaching"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pt(x, y float64) *capture.Point { return &capture.Point{X: x, Y: y} }

func TestMeasureReferenceFrame(t *testing.T) {
	m, ok := Measure(&capture.Pose{
		LeftShoulder:  pt(0.3, 0.40),
		RightShoulder: pt(0.7, 0.42),
		Nose:          pt(0.5, 0.3),
	})
	require.True(t, ok)
	assert.Equal(t, 92.0, m.Posture)
	assert.Equal(t, 3, m.HeadTilt)
	assert.Equal(t, coaching.EyeContactGood, m.EyeContact)
}

func TestMeasureMissingLandmarks(t *testing.T) {
	testCases := []*capture.Pose{
		nil,
		{},
		{LeftShoulder: pt(0.3, 0.4), RightShoulder: pt(0.7, 0.4)},
		{LeftShoulder: pt(0.3, 0.4), Nose: pt(0.5, 0.3)},
		{RightShoulder: pt(0.7, 0.4), Nose: pt(0.5, 0.3)},
	}
	for i, p := range testCases {
		_, ok := Measure(p)
		assert.False(t, ok, "case %d", i)
	}
}

func TestPostureBoundedAndMonotonic(t *testing.T) {
	left := capture.Point{X: 0.3, Y: 0.5}
	prev := math.Inf(1)
	for i := 0; i <= 100; i++ {
		dy := float64(i) * 0.005
		for _, sign := range []float64{1, -1} {
			score := Posture(left, capture.Point{X: 0.7, Y: 0.5 + sign*dy})
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 100.0)
			assert.LessOrEqual(t, score, prev, "posture must not rise as tilt grows (dy=%v)", dy)
		}
		prev = Posture(left, capture.Point{X: 0.7, Y: 0.5 + dy})
	}

	assert.Equal(t, 100.0, Posture(left, capture.Point{X: 0.7, Y: 0.5}))
	assert.Equal(t, 0.0, Posture(left, capture.Point{X: 0.7, Y: 0.9}))
}

func TestNormalizeTiltRange(t *testing.T) {
	for deg := -179.5; deg <= 180; deg += 0.5 {
		got := NormalizeTilt(deg)
		assert.GreaterOrEqual(t, got, -90, "deg=%v", deg)
		assert.LessOrEqual(t, got, 90, "deg=%v", deg)
	}
}

func TestNormalizeTiltFolding(t *testing.T) {
	testCases := []struct {
		deg  float64
		want int
	}{
		{0, 0},
		{2.86, 3},
		{-2.86, -3},
		{45, 45},
		{135, -45},
		{-135, 45},
		{180, 0},
		{179.6, 0},
		{-179.6, 0},
		{90, 90},
		{-90, -90},
		{90.4, -90},
		{-90.4, 90},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, NormalizeTilt(tc.deg), "deg=%v", tc.deg)
	}
}

func TestNormalizeTiltIgnoresLineDirection(t *testing.T) {
	// the shoulder line has no direction, so reversing it by 180 degrees
	// gives the same tilt everywhere except on the ±90 boundary
	for deg := -89.0; deg <= 89; deg += 1 {
		flipped := deg + 180
		if flipped > 180 {
			flipped -= 360
		}
		assert.Equal(t, NormalizeTilt(deg), NormalizeTilt(flipped), "deg=%v", deg)
	}

	assert.NotEqual(t, NormalizeTilt(90), NormalizeTilt(-90))
}

func TestHeadTiltSwappedShoulders(t *testing.T) {
	left := capture.Point{X: 0.3, Y: 0.40}
	right := capture.Point{X: 0.7, Y: 0.42}
	// a mirrored camera reports the shoulders the other way round
	assert.Equal(t, HeadTilt(left, right), HeadTilt(right, left))
}

func TestEyeContactBoundary(t *testing.T) {
	testCases := []struct {
		x    float64
		want coaching.EyeContact
	}{
		{0.5, coaching.EyeContactGood},
		{0.46, coaching.EyeContactGood},
		{0.54, coaching.EyeContactGood},
		{0.45, coaching.EyeContactLookingAway},
		{0.55, coaching.EyeContactLookingAway},
		{0.45 + 1e-10, coaching.EyeContactGood},
		{0.55 - 1e-10, coaching.EyeContactGood},
		{0.2, coaching.EyeContactLookingAway},
		{0.9, coaching.EyeContactLookingAway},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, EyeContact(capture.Point{X: tc.x, Y: 0.3}), "x=%v", tc.x)
	}
}

type fakeDetector struct {
	poses []*capture.Pose
	errs  []error
	calls int
}

func (d *fakeDetector) Detect(ctx context.Context, frame capture.Frame) (*capture.Pose, error) {
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.poses) {
		return d.poses[i], nil
	}
	return nil, nil
}

type recordingSink struct {
	mu      sync.Mutex
	patches []coaching.Patch
}

func (s *recordingSink) Apply(p coaching.Patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches = append(s.patches, p)
	return true
}

type staticGate struct {
	id     string
	active bool
}

func (g staticGate) Current() (string, bool) { return g.id, g.active }

func runFrames(a *Analyzer, n int) {
	frames := make(chan capture.Frame, n)
	for i := 0; i < n; i++ {
		frames <- capture.Frame{Seq: uint64(i + 1)}
	}
	close(frames)
	a.Run(context.Background(), frames)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestAnalyzerWritesOnlyCompleteFrames(t *testing.T) {
	full := &capture.Pose{LeftShoulder: pt(0.3, 0.40), RightShoulder: pt(0.7, 0.42), Nose: pt(0.5, 0.3)}
	partial := &capture.Pose{LeftShoulder: pt(0.3, 0.40)}

	det := &fakeDetector{
		poses: []*capture.Pose{full, partial, nil, full},
		errs:  []error{nil, nil, errors.New("inference timeout"), nil},
	}
	sink := &recordingSink{}
	a := NewAnalyzer(quietLogger(), det, sink, staticGate{id: "session_1", active: true})

	runFrames(a, 4)

	assert.Equal(t, 4, det.calls)
	require.Len(t, sink.patches, 2)
	patch := sink.patches[0].(coaching.PosePatch)
	assert.Equal(t, "session_1", patch.SessionID)
	assert.Equal(t, 92.0, patch.Posture)
	assert.Equal(t, 3, patch.HeadTilt)
	assert.Equal(t, coaching.EyeContactGood, patch.EyeContact)
}

func TestAnalyzerIdleWritesNothing(t *testing.T) {
	det := &fakeDetector{}
	sink := &recordingSink{}
	a := NewAnalyzer(quietLogger(), det, sink, staticGate{})

	runFrames(a, 3)

	assert.Empty(t, sink.patches)
	assert.Zero(t, det.calls)
}

func TestAnalyzerStopsOnCancel(t *testing.T) {
	a := NewAnalyzer(quietLogger(), &fakeDetector{}, &recordingSink{}, staticGate{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		a.Run(ctx, make(chan capture.Frame))
		close(done)
	}()
	<-done
}
