package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"aura-coach/pkg/errors"

	"github.com/sirupsen/logrus"
)

// FFmpegOptions describes the capture devices handed to ffmpeg
type FFmpegOptions struct {
	Binary      string
	AudioFormat string
	AudioDevice string
	VideoFormat string
	VideoDevice string
	FrameRate   int
	Width       int
	Height      int
	SampleRate  int
	ChunkSize   int
}

// CheckFFmpeg verifies the ffmpeg binary is on PATH
func CheckFFmpeg(binary string) error {
	if binary == "" {
		binary = "ffmpeg"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return errors.NewDeviceAccess("ffmpeg", err)
	}
	return nil
}

// stderrTail keeps the last bytes ffmpeg wrote to stderr for error reports
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

func (s *stderrTail) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	if len(s.buf) > 2048 {
		s.buf = s.buf[len(s.buf)-2048:]
	}
	return len(p), nil
}

func (s *stderrTail) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(bytes.TrimSpace(s.buf))
}

// process wraps a running ffmpeg command whose stdout carries the capture
type process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	stderr *stderrTail

	stopping atomic.Bool
	stopOnce sync.Once
}

func startProcess(binary string, args []string) (*process, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	tail := &stderrTail{}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}

	return &process{cmd: cmd, cancel: cancel, stdout: stdout, stderr: tail}, nil
}

// stop kills ffmpeg and reaps it
func (p *process) stop() {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		p.cancel()
		p.cmd.Wait()
	})
}

// failure wraps a read error with whatever ffmpeg printed
func (p *process) failure(err error) error {
	if tail := p.stderr.String(); tail != "" {
		return fmt.Errorf("%w: %s", err, tail)
	}
	return err
}

// FFmpegMicrophone is an AudioSource reading mono float32 PCM from ffmpeg
type FFmpegMicrophone struct {
	logger *logrus.Logger
	opts   FFmpegOptions
}

// NewFFmpegMicrophone creates a microphone source
func NewFFmpegMicrophone(logger *logrus.Logger, opts FFmpegOptions) *FFmpegMicrophone {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 2048
	}
	return &FFmpegMicrophone{logger: logger, opts: opts}
}

func (m *FFmpegMicrophone) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", m.opts.AudioFormat,
		"-i", m.opts.AudioDevice,
		"-ac", "1",
		"-ar", strconv.Itoa(m.opts.SampleRate),
		"-f", "f32le",
		"-",
	}
}

// Open starts a capture and waits for the first chunk so that a missing or
// denied device is reported here rather than as a silent empty stream.
func (m *FFmpegMicrophone) Open(ctx context.Context) (AudioStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	proc, err := startProcess(m.opts.Binary, m.args())
	if err != nil {
		return nil, errors.NewDeviceAccess("microphone", err)
	}

	reader := bufio.NewReaderSize(proc.stdout, m.opts.ChunkSize*4)
	first, err := readFloatChunk(reader, m.opts.ChunkSize)
	if err != nil {
		proc.stop()
		return nil, errors.NewDeviceAccess("microphone", proc.failure(err))
	}

	s := &ffmpegAudioStream{
		logger: m.logger,
		proc:   proc,
		chunks: make(chan []float32, 16),
		done:   make(chan struct{}),
	}
	s.chunks <- first
	go s.readLoop(reader, m.opts.ChunkSize)

	m.logger.WithFields(logrus.Fields{
		"format":      m.opts.AudioFormat,
		"device":      m.opts.AudioDevice,
		"sample_rate": m.opts.SampleRate,
	}).Info("Microphone capture started")

	return s, nil
}

type ffmpegAudioStream struct {
	logger *logrus.Logger
	proc   *process
	chunks chan []float32
	done   chan struct{}

	closeOnce sync.Once
}

func (s *ffmpegAudioStream) readLoop(r io.Reader, size int) {
	defer close(s.done)
	defer close(s.chunks)

	dropped := 0
	for {
		chunk, err := readFloatChunk(r, size)
		if err != nil {
			if !s.proc.stopping.Load() && err != io.EOF && err != io.ErrUnexpectedEOF {
				s.logger.WithError(s.proc.failure(err)).Warn("Microphone capture ended")
			}
			if dropped > 0 {
				s.logger.WithField("dropped_chunks", dropped).Debug("Microphone consumer fell behind")
			}
			return
		}
		select {
		case s.chunks <- chunk:
		default:
			dropped++
		}
	}
}

func (s *ffmpegAudioStream) Chunks() <-chan []float32 {
	return s.chunks
}

func (s *ffmpegAudioStream) Close() error {
	s.closeOnce.Do(func() {
		s.proc.stop()
		<-s.done
		s.logger.Debug("Microphone capture released")
	})
	return nil
}

// readFloatChunk reads size little-endian float32 samples
func readFloatChunk(r io.Reader, size int) ([]float32, error) {
	buf := make([]byte, size*4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	out := make([]float32, size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

// FFmpegCamera is a VideoSource reading an MJPEG stream from ffmpeg
type FFmpegCamera struct {
	logger *logrus.Logger
	opts   FFmpegOptions
	buffer *FrameBuffer
	proc   *process
	done   chan struct{}

	closeOnce sync.Once
}

// OpenFFmpegCamera starts the camera and waits for its first frame
func OpenFFmpegCamera(ctx context.Context, logger *logrus.Logger, opts FFmpegOptions) (*FFmpegCamera, error) {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = 30
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", opts.VideoFormat,
		"-framerate", strconv.Itoa(opts.FrameRate),
	}
	if opts.Width > 0 && opts.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", opts.Width, opts.Height))
	}
	args = append(args,
		"-i", opts.VideoDevice,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)

	proc, err := startProcess(opts.Binary, args)
	if err != nil {
		return nil, errors.NewDeviceAccess("camera", err)
	}

	c := &FFmpegCamera{
		logger: logger,
		opts:   opts,
		buffer: NewFrameBuffer(),
		proc:   proc,
		done:   make(chan struct{}),
	}

	scanner := bufio.NewScanner(proc.stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), 8*1024*1024)
	scanner.Split(SplitJPEG)

	if !scanner.Scan() {
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		proc.stop()
		return nil, errors.NewDeviceAccess("camera", proc.failure(err))
	}
	c.publish(1, scanner.Bytes())

	go c.readLoop(scanner)

	logger.WithFields(logrus.Fields{
		"format":     opts.VideoFormat,
		"device":     opts.VideoDevice,
		"frame_rate": opts.FrameRate,
	}).Info("Camera capture started")

	return c, nil
}

func (c *FFmpegCamera) publish(seq uint64, data []byte) {
	frame := Frame{
		Seq:        seq,
		Data:       append([]byte(nil), data...),
		Width:      c.opts.Width,
		Height:     c.opts.Height,
		CapturedAt: time.Now(),
	}
	c.buffer.Offer(frame)
}

func (c *FFmpegCamera) readLoop(scanner *bufio.Scanner) {
	defer close(c.done)
	defer c.buffer.Close()

	seq := uint64(1)
	for scanner.Scan() {
		seq++
		c.publish(seq, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil && !c.proc.stopping.Load() {
		c.logger.WithError(c.proc.failure(err)).Warn("Camera capture ended")
	}
}

func (c *FFmpegCamera) Frames() <-chan Frame {
	return c.buffer.Frames()
}

func (c *FFmpegCamera) Snapshot() (Frame, bool) {
	return c.buffer.Snapshot()
}

// Close stops ffmpeg and releases the camera; safe to call more than once
func (c *FFmpegCamera) Close() error {
	c.closeOnce.Do(func() {
		c.proc.stop()
		<-c.done
		c.logger.Debug("Camera capture released")
	})
	return nil
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// SplitJPEG is a bufio.SplitFunc cutting a concatenated MJPEG stream into
// individual JPEG images. Bytes before a start-of-image marker are skipped.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xFF in case it begins a marker
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+2:], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}
