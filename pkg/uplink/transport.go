// Package uplink streams microphone audio to the session log service over a
// websocket and turns the service's voice analysis into metric patches.
package uplink

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"aura-coach/pkg/audio"
	"aura-coach/pkg/capture"
	"aura-coach/pkg/coaching"
	"aura-coach/pkg/errors"
	"aura-coach/pkg/metrics"
	"aura-coach/pkg/version"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle of one uplink connection
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialer opens websocket connections; *websocket.Dialer satisfies it
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// PatchSink accepts metric patches without blocking
type PatchSink interface {
	Apply(p coaching.Patch) bool
}

// BindMessage is the first frame on every connection
type BindMessage struct {
	SessionID string `json:"session_id"`
}

// Feedback is the service's analysis of one audio chunk
type Feedback struct {
	Volume float64 `json:"volume"`
	Pitch  float64 `json:"pitch"`
	Tone   string  `json:"tone"`
	WPM    float64 `json:"wpm"`
}

// Options configures a Transport
type Options struct {
	URL          string
	ChunkSize    int
	QueueSize    int
	WriteTimeout time.Duration
	Dialer       Dialer
}

// Transport is a best-effort audio uplink. Chunks captured while the
// connection is not open, or while the write queue is full, are dropped.
// A single writer goroutine owns the network writes.
type Transport struct {
	logger *logrus.Logger
	opts   Options
	mic    capture.AudioSource
	sink   PatchSink

	mu        sync.Mutex
	state     State
	sessionID string
	conn      *websocket.Conn
	out       chan []byte
	stream    capture.AudioStream
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewTransport creates an uplink transport
func NewTransport(logger *logrus.Logger, opts Options, mic capture.AudioSource, sink PatchSink) *Transport {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 2048
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Transport{
		logger: logger,
		opts:   opts,
		mic:    mic,
		sink:   sink,
	}
}

// Start captures the microphone and connects the uplink for sessionID.
// A microphone failure is returned as a device access error and leaves
// nothing running. A connection failure is returned as a transport error
// after releasing the microphone; callers treat it as non-fatal.
func (t *Transport) Start(ctx context.Context, sessionID string) error {
	t.Stop()

	logger := t.logger.WithField("session_id", sessionID)

	t.mu.Lock()
	t.state = StateConnecting
	t.sessionID = sessionID
	t.mu.Unlock()

	stream, err := t.mic.Open(ctx)
	if err != nil {
		t.setState(StateClosed)
		return err
	}

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	conn, _, err := t.opts.Dialer.DialContext(ctx, t.opts.URL, header)
	if err != nil {
		stream.Close()
		t.setState(StateClosed)
		return errors.NewTransport(sessionID, err).WithField("url", t.opts.URL)
	}

	bind, _ := json.Marshal(BindMessage{SessionID: sessionID})
	conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, bind); err != nil {
		conn.Close()
		stream.Close()
		t.setState(StateClosed)
		return errors.NewTransport(sessionID, err)
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	out := make(chan []byte, t.opts.QueueSize)

	t.mu.Lock()
	t.conn = conn
	t.out = out
	t.stream = stream
	t.cancel = cancel
	t.state = StateOpen
	t.mu.Unlock()

	t.wg.Add(3)
	go t.pump(pumpCtx, stream)
	go t.writeLoop(pumpCtx, conn, out, sessionID)
	go t.readFeedback(conn, sessionID)

	logger.WithField("url", t.opts.URL).Info("Audio uplink connected")
	return nil
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State returns the current connection state
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// pump regroups captured audio into fixed-size chunks and sends them
func (t *Transport) pump(ctx context.Context, stream capture.AudioStream) {
	defer t.wg.Done()

	chunker := audio.NewChunker(t.opts.ChunkSize)
	send := func(chunk []float32) { t.Send(chunk) }
	for {
		select {
		case <-ctx.Done():
			return
		case samples, ok := <-stream.Chunks():
			if !ok {
				return
			}
			chunker.Push(samples, send)
		}
	}
}

// Send encodes one chunk as PCM16 and queues it as a single binary message.
// It never blocks: false means the chunk was dropped because the connection
// is not open or the write queue is full.
func (t *Transport) Send(samples []float32) bool {
	frame := audio.EncodePCM16(samples)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateOpen || t.out == nil {
		metrics.RecordUplinkFrame("dropped")
		return false
	}

	select {
	case t.out <- frame:
		return true
	default:
		metrics.RecordUplinkFrame("dropped")
		return false
	}
}

// writeLoop drains the send queue onto the connection. A failed write closes
// the uplink for the rest of the session.
func (t *Transport) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte, sessionID string) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-out:
			conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				metrics.RecordUplinkFrame("dropped")

				t.mu.Lock()
				current := t.state == StateOpen && t.conn == conn
				if current {
					t.state = StateClosed
				}
				t.mu.Unlock()

				if current {
					t.logger.WithError(errors.NewTransport(sessionID, err)).WithField("session_id", sessionID).
						Warn("Audio uplink write failed, dropping further audio for this session")
				}
				return
			}
			metrics.RecordUplinkFrame("sent")
		}
	}
}

// readFeedback turns the service's per-chunk analysis into voice patches
func (t *Transport) readFeedback(conn *websocket.Conn, sessionID string) {
	defer t.wg.Done()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			dropped := t.state == StateOpen && t.conn == conn
			if dropped {
				t.state = StateClosed
			}
			t.mu.Unlock()

			if dropped && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.WithError(errors.NewTransport(sessionID, err)).WithField("session_id", sessionID).
					Warn("Audio uplink dropped, session continues without voice analysis")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var fb Feedback
		if err := json.Unmarshal(data, &fb); err != nil {
			t.logger.WithError(err).WithField("session_id", sessionID).Debug("Ignoring malformed uplink feedback")
			continue
		}

		metrics.RecordUplinkFeedback()
		t.sink.Apply(PatchFromFeedback(sessionID, fb))
	}
}

// PatchFromFeedback maps server feedback onto the voice fields. The server's
// wpm is ignored; pace belongs to the transcript tracker. Silence heartbeats
// only carry volume.
func PatchFromFeedback(sessionID string, fb Feedback) coaching.VoicePatch {
	if fb.Tone == audio.ToneNoise {
		return coaching.VoicePatch{SessionID: sessionID, Volume: fb.Volume, VolumeOnly: true}
	}
	return coaching.VoicePatch{
		SessionID: sessionID,
		Volume:    fb.Volume,
		Pitch:     fb.Pitch,
		Tone:      fb.Tone,
	}
}

// Stop closes the connection, stops the capture and releases the microphone.
// Every step runs even if an earlier one fails; calling Stop again is a no-op.
func (t *Transport) Stop() {
	t.mu.Lock()
	conn, stream, cancel := t.conn, t.stream, t.cancel
	sessionID := t.sessionID
	wasActive := conn != nil || stream != nil
	t.conn, t.out, t.stream, t.cancel = nil, nil, nil, nil
	if t.state != StateIdle {
		t.state = StateClosed
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// WriteControl and Close are safe alongside the writer goroutine
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	if stream != nil {
		stream.Close()
	}
	t.wg.Wait()

	if wasActive {
		t.logger.WithField("session_id", sessionID).Info("Audio uplink closed")
	}
}
