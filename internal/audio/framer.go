package audio

import "sync"

// Framer cuts an arbitrarily chunked byte stream into fixed-size frames.
// WebSocket messages from the browser rarely line up with analysis frames.
// It is backed by a ring that keeps the newest bytes when a slow consumer
// lets it fill up.
type Framer struct {
	mu        sync.Mutex
	ring      []byte
	read      int
	length    int
	frameSize int
	dropped   int64
}

// NewFramer creates a framer holding up to capacity frames
func NewFramer(frameSize, capacity int) *Framer {
	if frameSize < 1 {
		frameSize = FrameBytes
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Framer{
		ring:      make([]byte, frameSize*capacity),
		frameSize: frameSize,
	}
}

// Write appends data, discarding the oldest bytes on overflow
func (f *Framer) Write(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	size := len(f.ring)
	if len(data) > size {
		f.dropped += int64(len(data) - size)
		data = data[len(data)-size:]
	}
	if over := f.length + len(data) - size; over > 0 {
		f.read = (f.read + over) % size
		f.length -= over
		f.dropped += int64(over)
	}

	write := (f.read + f.length) % size
	n := copy(f.ring[write:], data)
	copy(f.ring, data[n:])
	f.length += len(data)
}

// ReadFrame fills frame with the next whole frame. It reports false, leaving
// frame untouched, when less than a frame is buffered.
func (f *Framer) ReadFrame(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.length < f.frameSize || len(frame) < f.frameSize {
		return false
	}
	n := copy(frame[:f.frameSize], f.ring[f.read:])
	copy(frame[n:f.frameSize], f.ring)
	f.read = (f.read + f.frameSize) % len(f.ring)
	f.length -= f.frameSize
	return true
}

// Buffered returns the number of bytes waiting
func (f *Framer) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.length
}

// Dropped returns the number of bytes discarded on overflow so far
func (f *Framer) Dropped() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Reset discards everything buffered
func (f *Framer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = 0
	f.length = 0
}
