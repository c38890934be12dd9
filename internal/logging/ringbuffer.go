package logging

import (
	"os"
	"sync"
)

// RingBuffer is a thread-safe circular byte buffer implementing io.Writer.
// When full it overwrites the oldest data, so it always holds the most
// recent log output. Used for post-mortem dumps (SIGQUIT).
type RingBuffer struct {
	mu      sync.Mutex
	buf     []byte
	cap     int
	write   int
	wrapped bool
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 4 * 1024 * 1024
	}
	return &RingBuffer{buf: make([]byte, capacity), cap: capacity}
}

// Write implements io.Writer. Never fails; wraps when full.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	if n >= rb.cap {
		// Larger than the whole buffer: keep only the tail.
		copy(rb.buf, p[n-rb.cap:])
		rb.write = 0
		rb.wrapped = true
		return n, nil
	}

	head := rb.cap - rb.write
	if n <= head {
		copy(rb.buf[rb.write:], p)
		rb.write += n
		if rb.write == rb.cap {
			rb.write = 0
			rb.wrapped = true
		}
		return n, nil
	}

	copy(rb.buf[rb.write:], p[:head])
	copy(rb.buf, p[head:])
	rb.write = n - head
	rb.wrapped = true
	return n, nil
}

// Bytes returns the contents in chronological order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.wrapped {
		out := make([]byte, rb.write)
		copy(out, rb.buf[:rb.write])
		return out
	}

	out := make([]byte, rb.cap)
	copy(out, rb.buf[rb.write:])
	copy(out[rb.cap-rb.write:], rb.buf[:rb.write])
	return out
}

// DumpToFile writes the buffer contents to path in chronological order.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o644)
}
