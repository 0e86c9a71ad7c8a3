package audio

import "sync"

// Framer buffers incoming PCM bytes and re-emits them as fixed-size chunks
// suitable for the STT stream. Producers call Write as bytes arrive from the
// socket; the consumer drains complete chunks with Next.
//
// The pending buffer is capped at [MaxBufferBytes]; writes that would exceed
// the cap are dropped whole, so a stalled consumer loses audio rather than
// growing without bound.
//
// All methods are safe for concurrent use.
type Framer struct {
	mu        sync.Mutex
	chunkSize int
	buf       []byte
	dropped   int64
}

// NewFramer creates a Framer emitting chunks sized for the given sample rate.
// A sampleRate of 0 defaults to [SampleRate].
func NewFramer(sampleRate int) *Framer {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	return &Framer{chunkSize: ChunkSize(sampleRate)}
}

// ChunkSize returns the size in bytes of chunks emitted by Next.
func (f *Framer) ChunkSize() int { return f.chunkSize }

// Write appends p to the pending buffer. If the buffer would exceed
// [MaxBufferBytes], p is dropped whole and Write returns false.
func (f *Framer) Write(p []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.buf)+len(p) > MaxBufferBytes {
		f.dropped += int64(len(p))
		return false
	}
	f.buf = append(f.buf, p...)
	return true
}

// Next pops one complete chunk from the buffer. Returns (nil, false) when
// fewer than ChunkSize bytes are pending.
func (f *Framer) Next() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.buf) < f.chunkSize {
		return nil, false
	}
	chunk := make([]byte, f.chunkSize)
	copy(chunk, f.buf[:f.chunkSize])
	f.buf = f.buf[f.chunkSize:]
	return chunk, true
}

// Flush returns any partial chunk remaining in the buffer and resets it.
// Used at stream end so trailing audio is not lost.
func (f *Framer) Flush() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.buf) == 0 {
		return nil
	}
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	f.buf = f.buf[:0]
	return out
}

// Buffered returns the number of pending bytes.
func (f *Framer) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

// Dropped returns the total bytes dropped due to the buffer cap.
func (f *Framer) Dropped() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
