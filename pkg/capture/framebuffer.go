package capture

import (
	"sync"
)

// FrameBuffer keeps the latest frame for snapshots and hands frames to a
// single consumer through a one-slot mailbox. When the consumer has not
// picked up the pending frame yet, the pending frame is replaced.
type FrameBuffer struct {
	mu     sync.RWMutex
	latest Frame
	ready  bool
	closed bool

	frames    chan Frame
	closeOnce sync.Once
}

// NewFrameBuffer creates an empty frame buffer
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{frames: make(chan Frame, 1)}
}

// Offer publishes a frame. It returns false when an undelivered frame
// had to be discarded to make room.
func (b *FrameBuffer) Offer(f Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}

	b.latest = f
	b.ready = true

	select {
	case b.frames <- f:
		return true
	default:
	}

	// coalesce: drop the stale pending frame and queue the new one
	select {
	case <-b.frames:
	default:
	}
	b.frames <- f
	return false
}

// Frames returns the consumer channel; it is closed by Close
func (b *FrameBuffer) Frames() <-chan Frame {
	return b.frames
}

// Snapshot returns the most recent frame
func (b *FrameBuffer) Snapshot() (Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest, b.ready
}

// Close stops accepting frames and closes the consumer channel
func (b *FrameBuffer) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.frames)
		b.mu.Unlock()
	})
	return nil
}
