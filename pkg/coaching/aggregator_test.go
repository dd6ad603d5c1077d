package coaching

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"aura-coach/pkg/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func startAggregator(t *testing.T, mailbox int) *Aggregator {
	t.Helper()
	agg := NewAggregator(newTestLogger(), mailbox)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return agg
}

func TestAggregatorBeginResetsRecord(t *testing.T) {
	agg := startAggregator(t, 16)
	ctx := context.Background()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, agg.Begin(ctx, "session_a", start))
	require.True(t, agg.Apply(LinguisticsPatch{SessionID: "session_a", WPM: 120, Fillers: 3}))

	view, err := agg.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, view.Phase)
	assert.Equal(t, 3, view.Record.Fillers)

	require.NoError(t, agg.Begin(ctx, "session_b", start.Add(time.Minute)))
	view, err = agg.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultRecord("session_b"), view.Record)
	assert.Equal(t, start.Add(time.Minute), view.StartedAt)
}

func TestAggregatorPatchesWriteOwnFieldsOnly(t *testing.T) {
	agg := startAggregator(t, 16)
	ctx := context.Background()
	require.NoError(t, agg.Begin(ctx, "s1", time.Now()))

	agg.Apply(PosePatch{SessionID: "s1", Posture: 92, HeadTilt: 3, EyeContact: EyeContactGood})
	agg.Apply(EmotionPatch{SessionID: "s1", Emotion: "Happy"})
	agg.Apply(LinguisticsPatch{SessionID: "s1", WPM: 130, Fillers: 2})
	agg.Apply(VoicePatch{SessionID: "s1", Volume: 12.5, Pitch: 180, Tone: "Balanced"})
	agg.Apply(VoicePatch{SessionID: "s1", Volume: 0.05, Tone: "Noise", VolumeOnly: true})

	view, err := agg.Current(ctx)
	require.NoError(t, err)

	r := view.Record
	assert.Equal(t, 92.0, r.Posture)
	require.NotNil(t, r.HeadTilt)
	assert.Equal(t, 3, *r.HeadTilt)
	assert.Equal(t, EyeContactGood, r.EyeContact)
	assert.Equal(t, "Happy", r.Emotion)
	assert.Equal(t, 130, r.WPM)
	assert.Equal(t, 2, r.Fillers)
	assert.Equal(t, 0.05, r.Volume)
	assert.Equal(t, 180.0, r.Pitch, "silence heartbeat must not clear pitch")
	assert.Equal(t, "Balanced", r.Tone, "silence heartbeat must not overwrite tone")
}

func TestAggregatorFillersNeverDecrease(t *testing.T) {
	agg := startAggregator(t, 16)
	ctx := context.Background()
	require.NoError(t, agg.Begin(ctx, "s1", time.Now()))

	agg.Apply(LinguisticsPatch{SessionID: "s1", WPM: 100, Fillers: 4})
	agg.Apply(LinguisticsPatch{SessionID: "s1", WPM: 90, Fillers: 1})

	view, err := agg.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, view.Record.Fillers)
	assert.Equal(t, 90, view.Record.WPM)
}

func TestAggregatorRejectsStaleAndSealedPatches(t *testing.T) {
	agg := startAggregator(t, 16)
	ctx := context.Background()

	// nothing is active yet
	agg.Apply(EmotionPatch{SessionID: "s1", Emotion: "Sad"})

	require.NoError(t, agg.Begin(ctx, "s1", time.Now()))
	agg.Apply(EmotionPatch{SessionID: "old", Emotion: "Angry"})
	agg.Apply(EmotionPatch{SessionID: "s1", Emotion: "Happy"})

	snap, err := agg.Seal(ctx, "s1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "Happy", snap.Record.Emotion)

	agg.Apply(EmotionPatch{SessionID: "s1", Emotion: "Surprised"})
	agg.Apply(PosePatch{SessionID: "s1", Posture: 10, EyeContact: EyeContactLookingAway})

	view, err := agg.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseEnded, view.Phase)
	assert.Equal(t, "Happy", view.Record.Emotion)
	assert.Nil(t, view.Record.HeadTilt)
}

func TestAggregatorPatchQueuedBeforeSealIsApplied(t *testing.T) {
	agg := startAggregator(t, 64)
	ctx := context.Background()
	require.NoError(t, agg.Begin(ctx, "s1", time.Now()))

	for i := 1; i <= 20; i++ {
		require.True(t, agg.Apply(LinguisticsPatch{SessionID: "s1", WPM: i, Fillers: i}))
	}
	snap, err := agg.Seal(ctx, "s1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 20, snap.Record.WPM)
	assert.Equal(t, 20, snap.Record.Fillers)
}

func TestAggregatorSealIsIdempotentAndImmutable(t *testing.T) {
	agg := startAggregator(t, 16)
	ctx := context.Background()
	start := time.Now()
	require.NoError(t, agg.Begin(ctx, "s1", start))
	agg.Apply(PosePatch{SessionID: "s1", Posture: 80, HeadTilt: -4, EyeContact: EyeContactGood})

	first, err := agg.Seal(ctx, "s1", start.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, first.Duration())

	*first.Record.HeadTilt = 45

	second, err := agg.Seal(ctx, "s1", start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, -4, *second.Record.HeadTilt)
	assert.Equal(t, start.Add(90*time.Second), second.EndedAt)
}

func TestAggregatorSealUnknownSession(t *testing.T) {
	agg := startAggregator(t, 16)
	ctx := context.Background()

	_, err := agg.Seal(ctx, "missing", time.Now())
	assert.True(t, errors.IsErrorType(err, errors.ErrSessionNotActive))

	require.NoError(t, agg.Begin(ctx, "s1", time.Now()))
	_, err = agg.Seal(ctx, "s2", time.Now())
	assert.True(t, errors.IsErrorType(err, errors.ErrSessionNotActive))

	assert.Error(t, agg.Begin(ctx, "", time.Now()))
}

func TestAggregatorApplyDoesNotBlockWhenFull(t *testing.T) {
	// not running, so nothing drains the mailbox
	agg := NewAggregator(newTestLogger(), 2)

	assert.True(t, agg.Apply(EmotionPatch{SessionID: "s1", Emotion: "Happy"}))
	assert.True(t, agg.Apply(EmotionPatch{SessionID: "s1", Emotion: "Happy"}))

	done := make(chan bool, 1)
	go func() { done <- agg.Apply(EmotionPatch{SessionID: "s1", Emotion: "Sad"}) }()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Apply blocked on a full mailbox")
	}
}

func TestAggregatorControlRespectsContext(t *testing.T) {
	agg := NewAggregator(newTestLogger(), 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := agg.Current(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAggregatorStoppedReturnsUnavailable(t *testing.T) {
	agg := NewAggregator(newTestLogger(), 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	agg.Run(ctx)

	_, err := agg.Current(context.Background())
	assert.ErrorIs(t, err, errors.ErrUnavailable)
}

func TestAggregatorConcurrentProducers(t *testing.T) {
	agg := startAggregator(t, 1024)
	ctx := context.Background()
	require.NoError(t, agg.Begin(ctx, "s1", time.Now()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				switch i {
				case 0:
					agg.Apply(PosePatch{SessionID: "s1", Posture: float64(j), EyeContact: EyeContactGood})
				case 1:
					agg.Apply(EmotionPatch{SessionID: "s1", Emotion: "Neutral"})
				case 2:
					agg.Apply(LinguisticsPatch{SessionID: "s1", WPM: j, Fillers: j})
				case 3:
					agg.Apply(VoicePatch{SessionID: "s1", Volume: float64(j), Tone: "Calm"})
				}
			}
		}(i)
	}
	wg.Wait()

	snap, err := agg.Seal(ctx, "s1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 99.0, snap.Record.Posture)
	assert.Equal(t, 99, snap.Record.Fillers)
	assert.Equal(t, 99.0, snap.Record.Volume)
}
