package simulate

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"aura-coach/pkg/audio"
	"aura-coach/pkg/capture"
	"aura-coach/pkg/coaching"
	"aura-coach/pkg/config"
	"aura-coach/pkg/detect"
	"aura-coach/pkg/pose"
	"aura-coach/pkg/session"
	"aura-coach/pkg/uplink"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func sine(freq, amplitude float64, n, sampleRate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func TestFramePayload(t *testing.T) {
	seq, ok := FrameSeq(FramePayload(4242))
	require.True(t, ok)
	assert.Equal(t, uint64(4242), seq)

	_, ok = FrameSeq([]byte{1, 2})
	assert.False(t, ok)
}

func TestPoseAt(t *testing.T) {
	p := PoseAt(1, 20)
	require.True(t, p.Complete())
	m, ok := pose.Measure(p)
	require.True(t, ok)
	assert.GreaterOrEqual(t, m.Posture, 60.0)
	assert.LessOrEqual(t, m.Posture, 100.0)

	assert.Nil(t, PoseAt(40, 20).Nose, "every 20th frame drops the nose")
	assert.NotNil(t, PoseAt(40, 0).Nose)
}

func TestPoseDetectorRejectsForeignFrames(t *testing.T) {
	_, err := NewPoseDetector().Detect(context.Background(), capture.Frame{Seq: 3, Data: []byte{0xff}})
	assert.Error(t, err)
}

func TestScoresAtRotatesDominant(t *testing.T) {
	labels := []string{"neutral", "happy", "sad"}
	dominant := func(seq uint64) string {
		best := capture.ExpressionScore{}
		for _, s := range ScoresAt(seq, labels) {
			if s.Score > best.Score {
				best = s
			}
		}
		return best.Label
	}
	assert.Equal(t, "neutral", dominant(0))
	assert.Equal(t, "happy", dominant(90))
	assert.Equal(t, "sad", dominant(200))
	assert.Equal(t, "neutral", dominant(270))
}

func TestCameraDeliversFrames(t *testing.T) {
	cam := NewCamera(context.Background(), quietLogger(), 200, 320, 240)

	select {
	case f := <-cam.Frames():
		seq, ok := FrameSeq(f.Data)
		require.True(t, ok)
		assert.Equal(t, f.Seq, seq)
		assert.Equal(t, 320, f.Width)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}

	_, ready := cam.Snapshot()
	assert.True(t, ready)

	require.NoError(t, cam.Close())
	require.NoError(t, cam.Close())
	for range cam.Frames() {
	}
}

func TestMicrophoneFollowsLevels(t *testing.T) {
	mic := NewMicrophone(quietLogger(), MicrophoneOptions{
		ChunkSize: 1600,
		Levels: []Level{
			{Amplitude: 0.1, Duration: 100 * time.Millisecond},
			{Amplitude: 0.0005, Duration: 100 * time.Millisecond},
		},
		Fast: true,
	})

	stream, err := mic.Open(context.Background())
	require.NoError(t, err)

	loud := <-stream.Chunks()
	quiet := <-stream.Chunks()
	assert.InDelta(t, 0.1, audio.RMS(loud), 0.005)
	assert.Less(t, audio.RMS(quiet), audio.NoiseFloorRMS)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
}

func TestEstimatePitch(t *testing.T) {
	assert.InDelta(t, 200, EstimatePitch(sine(200, 0.2, 4096, 16000), 16000), 5)
	assert.Zero(t, EstimatePitch(sine(1000, 0.2, 4096, 16000), 16000), "above speaking range")
	assert.Zero(t, EstimatePitch(nil, 16000))
}

func TestAnalyze(t *testing.T) {
	s := NewAnalysisServer(quietLogger(), 16000)

	_, ok := s.Analyze("session_a", make([]float32, 50))
	assert.False(t, ok, "too short")

	fb, ok := s.Analyze("session_a", sine(180, 0.0005, 2048, 16000))
	require.True(t, ok)
	assert.Equal(t, audio.ToneNoise, fb.Tone)
	assert.Zero(t, fb.Pitch)

	fb, ok = s.Analyze("session_a", sine(180, 0.2, 2048, 16000))
	require.True(t, ok)
	assert.Equal(t, audio.ToneEnergetic, fb.Tone)
	assert.InDelta(t, 14.14, fb.Volume, 0.05)
	assert.InDelta(t, 180, fb.Pitch, 10)
	assert.Equal(t, float64(148), fb.WPM)
}

func TestBuildReport(t *testing.T) {
	rec := coaching.DefaultRecord("session_a")
	rec.Posture = 65
	rec.EyeContact = coaching.EyeContactGood
	rec.Emotion = "Sad"
	rec.WPM = 170
	rec.Fillers = 7

	rep := BuildReport(StoredSession{Record: rec, AvgVolume: 3.456, AvgPitch: 181.04, DominantTone: "Calm"})
	assert.Equal(t, "You spoke at 170 WPM with 7 filler words. Avg volume: 3.5, pitch: 181.0 Hz.", rep.Summary)
	assert.Equal(t, "Your posture score was 65%, showing room for improvement.", rep.Insights["posture"])
	assert.Equal(t, "Eye contact was good, indicating engagement.", rep.Insights["eye_contact"])
	assert.Equal(t, "Vocal tone was mostly calm.", rep.Insights["tone"])
	assert.Equal(t, []string{
		"Slow down a bit for clarity and emphasis.",
		"Maintain upright shoulders and balanced head alignment.",
		"Reduce filler words such as 'um' and 'like' for smoother delivery.",
		"Consider adding energy to sound more engaging.",
		"A warmer tone and expression can improve connection.",
	}, rep.Recommendations)

	avg := 130.0
	rep = BuildReport(StoredSession{Record: coaching.DefaultRecord("b"), AvgWPM: &avg})
	assert.Equal(t, "Pace was balanced and natural.", rep.Recommendations[0])
	assert.Equal(t, "Vocal tone was mostly neutral.", rep.Insights["tone"])
}

func TestDominantTone(t *testing.T) {
	assert.Equal(t, coaching.ToneNeutral, dominantTone(nil))
	assert.Equal(t, "Calm", dominantTone([]string{"Energetic", "Calm", "Calm"}))
	assert.Equal(t, "Balanced", dominantTone([]string{"Calm", "Balanced"}))
}

type patchLog struct {
	mu      sync.Mutex
	patches []coaching.Patch
}

func (l *patchLog) Apply(p coaching.Patch) bool {
	l.mu.Lock()
	l.patches = append(l.patches, p)
	l.mu.Unlock()
	return true
}

func (l *patchLog) voice() []coaching.VoicePatch {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []coaching.VoicePatch
	for _, p := range l.patches {
		if v, ok := p.(coaching.VoicePatch); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestUplinkAndSessionLogAgainstAnalysisServer(t *testing.T) {
	s := NewAnalysisServer(quietLogger(), 16000)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close(context.Background())

	wsURL, err := config.AudioStreamURL(srv.URL)
	require.NoError(t, err)

	mic := NewMicrophone(quietLogger(), MicrophoneOptions{
		Levels: []Level{{Amplitude: 0.03, Duration: time.Hour}},
	})
	sink := &patchLog{}
	tr := uplink.NewTransport(quietLogger(), uplink.Options{URL: wsURL}, mic, sink)

	require.NoError(t, tr.Start(context.Background(), "session_sim"))
	require.Eventually(t, func() bool { return len(sink.voice()) >= 3 }, 5*time.Second, 20*time.Millisecond)
	tr.Stop()

	v := sink.voice()[0]
	assert.Equal(t, "session_sim", v.SessionID)
	assert.Equal(t, audio.ToneBalanced, v.Tone)
	assert.InDelta(t, 3.0, v.Volume, 0.1)

	rec := coaching.DefaultRecord("session_sim")
	rec.Posture = 91
	client := session.NewLogClient(quietLogger(), config.SessionLogConfig{BaseURL: srv.URL, RequestTimeout: 5 * time.Second})
	sub, err := client.Submit(context.Background(), coaching.Snapshot{Record: rec})
	require.NoError(t, err)
	assert.Equal(t, "session_sim", sub.SessionID)
	require.NotNil(t, sub.Report)
	assert.Equal(t, "Vocal tone was mostly balanced.", sub.Report.Insights["tone"])

	stored, ok := s.Session("session_sim")
	require.True(t, ok)
	assert.InDelta(t, 3.0, stored.AvgVolume, 0.1)

	// per-chunk wpm truncates 120+rms*200, so the average sits just under 126
	require.NotNil(t, stored.AvgWPM)
	assert.InDelta(t, 126, *stored.AvgWPM, 1)
	assert.True(t, strings.HasPrefix(sub.Report.Summary, fmt.Sprintf("You spoke at %d WPM", int(*stored.AvgWPM))))

	s.SetFailSubmissions(true)
	_, err = client.Submit(context.Background(), coaching.Snapshot{Record: rec})
	assert.Error(t, err)
}

func TestDetectorAPIs(t *testing.T) {
	s := NewAnalysisServer(quietLogger(), 16000)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	cfg := config.DetectorConfig{PoseURL: srv.URL, ExpressionURL: srv.URL}
	poseClient := detect.NewPoseClient(quietLogger(), cfg)
	exprClient := detect.NewExpressionClient(quietLogger(), cfg, []string{"calm", "excited"})

	require.NoError(t, detect.CheckAll(context.Background(), poseClient, exprClient))

	frame := capture.Frame{Seq: 5, Data: FramePayload(5)}
	p, err := poseClient.Detect(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, PoseAt(5, 20), p)

	scores, err := exprClient.Classify(context.Background(), capture.Frame{Data: FramePayload(100)})
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "excited", scores[1].Label)
	assert.Equal(t, 0.6, scores[1].Score)
}
