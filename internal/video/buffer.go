package video

import (
	"sync"
	"sync/atomic"
)

const (
	MinBufferSize = 3
	MaxBufferSize = 10
)

// FrameBuffer is a bounded frame queue that evicts the oldest frame when full.
// Push never blocks.
type FrameBuffer struct {
	frames  chan *Frame
	mu      sync.Mutex // serializes producers so evict+send stays atomic
	closed  bool
	dropped atomic.Uint64
}

// NewFrameBuffer creates a buffer; capacity is clamped to [3, 10]
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity < MinBufferSize {
		capacity = MinBufferSize
	}
	if capacity > MaxBufferSize {
		capacity = MaxBufferSize
	}
	return &FrameBuffer{frames: make(chan *Frame, capacity)}
}

// Push admits a frame, evicting the oldest one if the buffer is full.
// It reports whether a frame was dropped.
func (b *FrameBuffer) Push(frame *Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	select {
	case b.frames <- frame:
		return false
	default:
	}

	dropped := false
	select {
	case <-b.frames:
		dropped = true
		b.dropped.Add(1)
	default:
	}

	select {
	case b.frames <- frame:
	default:
		// unreachable while producers hold mu
		b.dropped.Add(1)
		dropped = true
	}
	return dropped
}

// Frames returns the consumer side of the buffer
func (b *FrameBuffer) Frames() <-chan *Frame {
	return b.frames
}

// Close stops admission and closes the consumer channel
func (b *FrameBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.frames)
	}
}

// Len returns the number of buffered frames
func (b *FrameBuffer) Len() int {
	return len(b.frames)
}

// Cap returns the buffer capacity
func (b *FrameBuffer) Cap() int {
	return cap(b.frames)
}

// Dropped returns the number of frames evicted so far
func (b *FrameBuffer) Dropped() uint64 {
	return b.dropped.Load()
}
