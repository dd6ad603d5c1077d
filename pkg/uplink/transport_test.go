package uplink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"aura-coach/pkg/capture"
	"aura-coach/pkg/coaching"
	"aura-coach/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeStream struct {
	chunks chan []float32
	once   sync.Once
	closed chan struct{}
}

func (s *fakeStream) Chunks() <-chan []float32 { return s.chunks }

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeMic struct {
	err error

	mu      sync.Mutex
	streams []*fakeStream
}

func (m *fakeMic) Open(ctx context.Context) (capture.AudioStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeStream{chunks: make(chan []float32, 8), closed: make(chan struct{})}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMic) last() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[len(m.streams)-1]
}

type patchLog struct {
	mu      sync.Mutex
	patches []coaching.Patch
}

func (l *patchLog) Apply(p coaching.Patch) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.patches = append(l.patches, p)
	return true
}

func (l *patchLog) Snapshot() []coaching.Patch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]coaching.Patch(nil), l.patches...)
}

type received struct {
	msgType int
	data    []byte
}

// audioServer records every message and replies to binary frames with feedback
type audioServer struct {
	*httptest.Server
	feedback []Feedback

	mu       sync.Mutex
	messages []received
}

func newAudioServer(t *testing.T, feedback ...Feedback) *audioServer {
	s := &audioServer{feedback: feedback}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		replies := 0
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.messages = append(s.messages, received{msgType: mt, data: data})
			s.mu.Unlock()
			if mt == websocket.BinaryMessage && replies < len(s.feedback) {
				payload, _ := json.Marshal(s.feedback[replies])
				replies++
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *audioServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/api/audio-stream"
}

func (s *audioServer) Messages() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]received(nil), s.messages...)
}

func TestTransportBindsSessionThenStreamsPCM(t *testing.T) {
	srv := newAudioServer(t)
	mic := &fakeMic{}
	tr := NewTransport(quietLogger(), Options{URL: srv.wsURL(), ChunkSize: 4}, mic, &patchLog{})

	require.NoError(t, tr.Start(context.Background(), "session_abc"))
	assert.Equal(t, StateOpen, tr.State())

	// six samples regroup into one full chunk of four, the rest stays pending
	mic.last().chunks <- []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	assert.True(t, tr.Send([]float32{1, -1, 0}))

	assert.Eventually(t, func() bool { return len(srv.Messages()) >= 3 }, time.Second, time.Millisecond)
	tr.Stop()

	msgs := srv.Messages()
	require.Equal(t, websocket.TextMessage, msgs[0].msgType)
	var bind BindMessage
	require.NoError(t, json.Unmarshal(msgs[0].data, &bind))
	assert.Equal(t, "session_abc", bind.SessionID)

	var sizes []int
	for _, m := range msgs[1:] {
		assert.Equal(t, websocket.BinaryMessage, m.msgType)
		sizes = append(sizes, len(m.data))
	}
	assert.ElementsMatch(t, []int{8, 6}, sizes)
}

func TestTransportSendDropsWhenNotOpen(t *testing.T) {
	srv := newAudioServer(t)
	tr := NewTransport(quietLogger(), Options{URL: srv.wsURL()}, &fakeMic{}, &patchLog{})

	assert.False(t, tr.Send([]float32{0.5}), "not started")

	require.NoError(t, tr.Start(context.Background(), "session_1"))
	tr.Stop()
	assert.Equal(t, StateClosed, tr.State())
	assert.False(t, tr.Send([]float32{0.5}), "after stop")
}

func TestTransportFeedbackBecomesVoicePatches(t *testing.T) {
	srv := newAudioServer(t,
		Feedback{Volume: 42.5, Pitch: 180.2, Tone: "Balanced", WPM: 999},
		Feedback{Volume: 0.4, Tone: "Noise"},
	)
	sink := &patchLog{}
	tr := NewTransport(quietLogger(), Options{URL: srv.wsURL()}, &fakeMic{}, sink)
	require.NoError(t, tr.Start(context.Background(), "session_1"))
	defer tr.Stop()

	tr.Send([]float32{0.1})
	tr.Send([]float32{0.1})

	assert.Eventually(t, func() bool { return len(sink.Snapshot()) == 2 }, time.Second, time.Millisecond)
	patches := sink.Snapshot()
	assert.Equal(t, coaching.VoicePatch{SessionID: "session_1", Volume: 42.5, Pitch: 180.2, Tone: "Balanced"}, patches[0])
	assert.Equal(t, coaching.VoicePatch{SessionID: "session_1", Volume: 0.4, VolumeOnly: true}, patches[1])
}

func TestTransportStopIsIdempotentAndReleasesMicrophone(t *testing.T) {
	srv := newAudioServer(t)
	mic := &fakeMic{}
	tr := NewTransport(quietLogger(), Options{URL: srv.wsURL()}, mic, &patchLog{})

	tr.Stop()
	assert.Equal(t, StateIdle, tr.State())

	require.NoError(t, tr.Start(context.Background(), "session_1"))
	stream := mic.last()
	tr.Stop()
	tr.Stop()

	assert.True(t, stream.isClosed())
	assert.Equal(t, StateClosed, tr.State())
}

func TestTransportRestartUsesFreshConnection(t *testing.T) {
	srv := newAudioServer(t)
	mic := &fakeMic{}
	tr := NewTransport(quietLogger(), Options{URL: srv.wsURL()}, mic, &patchLog{})

	require.NoError(t, tr.Start(context.Background(), "session_1"))
	first := mic.last()
	require.NoError(t, tr.Start(context.Background(), "session_2"))
	defer tr.Stop()

	assert.True(t, first.isClosed(), "previous session capture released")
	assert.Eventually(t, func() bool {
		var binds []string
		for _, m := range srv.Messages() {
			if m.msgType == websocket.TextMessage {
				var b BindMessage
				json.Unmarshal(m.data, &b)
				binds = append(binds, b.SessionID)
			}
		}
		return assert.ObjectsAreEqual([]string{"session_1", "session_2"}, binds)
	}, time.Second, time.Millisecond)
}

func TestTransportConnectFailureIsNonBlocking(t *testing.T) {
	mic := &fakeMic{}
	tr := NewTransport(quietLogger(), Options{URL: "ws://127.0.0.1:1/api/audio-stream"}, mic, &patchLog{})

	err := tr.Start(context.Background(), "session_1")
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrTransport))
	assert.False(t, errors.IsBlocking(err))
	assert.True(t, mic.last().isClosed())
	assert.False(t, tr.Send([]float32{0.1}))
	tr.Stop()
}

func TestTransportMicrophoneFailureIsBlocking(t *testing.T) {
	mic := &fakeMic{err: errors.NewDeviceAccess("microphone", io.ErrUnexpectedEOF)}
	tr := NewTransport(quietLogger(), Options{URL: "ws://127.0.0.1:1"}, mic, &patchLog{})

	err := tr.Start(context.Background(), "session_1")
	require.Error(t, err)
	assert.True(t, errors.IsBlocking(err))
	assert.Equal(t, StateClosed, tr.State())
}

func TestTransportServerDropClosesUplink(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	tr := NewTransport(quietLogger(), Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, &fakeMic{}, &patchLog{})
	require.NoError(t, tr.Start(context.Background(), "session_1"))
	defer tr.Stop()

	assert.Eventually(t, func() bool { return tr.State() == StateClosed }, time.Second, time.Millisecond)
	assert.False(t, tr.Send([]float32{0.1}))
}

func TestTransportSendDoesNotBlockOnStalledPeer(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	tr := NewTransport(quietLogger(), Options{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		QueueSize:    4,
		WriteTimeout: 3 * time.Second,
	}, &fakeMic{}, &patchLog{})
	require.NoError(t, tr.Start(context.Background(), "session_1"))

	chunk := make([]float32, 16384)
	var worst time.Duration
	dropped := 0
	for i := 0; i < 1000; i++ {
		began := time.Now()
		if !tr.Send(chunk) {
			dropped++
		}
		if d := time.Since(began); d > worst {
			worst = d
		}
	}
	assert.Less(t, worst, 100*time.Millisecond)
	assert.Positive(t, dropped, "full queue drops chunks")

	began := time.Now()
	tr.State()
	assert.Less(t, time.Since(began), 100*time.Millisecond)

	began = time.Now()
	tr.Stop()
	assert.Less(t, time.Since(began), 2*time.Second)
	assert.Equal(t, StateClosed, tr.State())
}
