// Package simulate provides deterministic stand-ins for the camera,
// microphone, detector services and session log service, so the whole
// engine can run without hardware or a network.
package simulate

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"aura-coach/pkg/capture"

	"github.com/sirupsen/logrus"
)

// frameMagic tags synthetic frame payloads after the sequence number
var frameMagic = []byte("SIMFRAME")

// FramePayload encodes a frame sequence number as a synthetic image
func FramePayload(seq uint64) []byte {
	data := make([]byte, 8, 8+len(frameMagic))
	binary.BigEndian.PutUint64(data, seq)
	return append(data, frameMagic...)
}

// FrameSeq recovers the sequence number from a synthetic image
func FrameSeq(data []byte) (uint64, bool) {
	if len(data) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data[:8]), true
}

// Camera is a synthetic VideoSource producing numbered frames at a fixed rate
type Camera struct {
	*capture.FrameBuffer

	logger *logrus.Logger
	width  int
	height int
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewCamera starts a synthetic camera; Close stops it
func NewCamera(ctx context.Context, logger *logrus.Logger, fps, width, height int) *Camera {
	if fps <= 0 {
		fps = 30
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Camera{
		FrameBuffer: capture.NewFrameBuffer(),
		logger:      logger,
		width:       width,
		height:      height,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go c.run(ctx, time.Second/time.Duration(fps))

	logger.WithFields(logrus.Fields{
		"fps":    fps,
		"width":  width,
		"height": height,
	}).Info("Synthetic camera started")
	return c
}

func (c *Camera) run(ctx context.Context, period time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			seq++
			c.Offer(capture.Frame{
				Seq:        seq,
				Data:       FramePayload(seq),
				Width:      c.width,
				Height:     c.height,
				CapturedAt: now,
			})
		}
	}
}

// Close stops frame generation and closes the frame channel
func (c *Camera) Close() error {
	c.once.Do(func() {
		c.cancel()
		<-c.done
		c.FrameBuffer.Close()
		c.logger.Info("Synthetic camera stopped")
	})
	return nil
}

// Level is one step of the microphone's loudness schedule
type Level struct {
	Amplitude float64
	Duration  time.Duration
}

// DefaultLevels cycles through silence and the three tone classes
var DefaultLevels = []Level{
	{Amplitude: 0.0005, Duration: 2 * time.Second},
	{Amplitude: 0.012, Duration: 4 * time.Second},
	{Amplitude: 0.035, Duration: 4 * time.Second},
	{Amplitude: 0.15, Duration: 3 * time.Second},
}

// Microphone is a synthetic AudioSource emitting a sine voice whose loudness
// follows a schedule. Every Open starts an independent stream.
type Microphone struct {
	logger     *logrus.Logger
	sampleRate int
	chunkSize  int
	frequency  float64
	levels     []Level
	realtime   bool
}

// MicrophoneOptions configures a synthetic microphone
type MicrophoneOptions struct {
	SampleRate int
	ChunkSize  int
	Frequency  float64
	Levels     []Level
	// Fast emits chunks as quickly as they are consumed
	Fast bool
}

// NewMicrophone creates a synthetic microphone
func NewMicrophone(logger *logrus.Logger, opts MicrophoneOptions) *Microphone {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1024
	}
	if opts.Frequency <= 0 {
		opts.Frequency = 180
	}
	if len(opts.Levels) == 0 {
		opts.Levels = DefaultLevels
	}
	return &Microphone{
		logger:     logger,
		sampleRate: opts.SampleRate,
		chunkSize:  opts.ChunkSize,
		frequency:  opts.Frequency,
		levels:     opts.Levels,
		realtime:   !opts.Fast,
	}
}

// Open starts a new synthetic stream
func (m *Microphone) Open(ctx context.Context) (capture.AudioStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &micStream{
		chunks: make(chan []float32, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, m)
	m.logger.Debug("Synthetic microphone stream opened")
	return s, nil
}

// amplitudeAt returns the scheduled amplitude at elapsed time t
func (m *Microphone) amplitudeAt(t time.Duration) float64 {
	var cycle time.Duration
	for _, l := range m.levels {
		cycle += l.Duration
	}
	if cycle <= 0 {
		return m.levels[0].Amplitude
	}
	t %= cycle
	for _, l := range m.levels {
		if t < l.Duration {
			return l.Amplitude
		}
		t -= l.Duration
	}
	return m.levels[len(m.levels)-1].Amplitude
}

type micStream struct {
	chunks chan []float32
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *micStream) run(ctx context.Context, m *Microphone) {
	defer close(s.done)
	defer close(s.chunks)

	period := time.Duration(m.chunkSize) * time.Second / time.Duration(m.sampleRate)
	var ticker *time.Ticker
	if m.realtime {
		ticker = time.NewTicker(period)
		defer ticker.Stop()
	}

	var n int64
	step := 2 * math.Pi * m.frequency / float64(m.sampleRate)
	for {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}

		elapsed := time.Duration(n) * time.Second / time.Duration(m.sampleRate)
		amp := m.amplitudeAt(elapsed)
		chunk := make([]float32, m.chunkSize)
		for i := range chunk {
			chunk[i] = float32(amp * math.Sqrt2 * math.Sin(step*float64(n+int64(i))))
		}
		n += int64(m.chunkSize)

		select {
		case s.chunks <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

func (s *micStream) Chunks() <-chan []float32 {
	return s.chunks
}

func (s *micStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		// drain so the generator can observe cancellation
		go func() {
			for range s.chunks {
			}
		}()
		<-s.done
	})
	return nil
}
