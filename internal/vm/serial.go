package vm

import (
	"io"
	"sync"
)

// serialBuffer accumulates raw console output. The reader appends whatever
// bytes arrive, never waiting for a complete line: a guest that emits a
// partial line and pauses must still become visible to marker waits.
// Markers are matched against the accumulated buffer, so a pattern split
// across reads is still found.
type serialBuffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
	err    error
}

// feed copies short raw reads from r into the buffer until r is exhausted.
// Intended to run on its own goroutine for the life of the VM process.
func (b *serialBuffer) feed(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			b.mu.Lock()
			b.data = append(b.data, chunk[:n]...)
			b.mu.Unlock()
		}
		if err != nil {
			b.mu.Lock()
			b.closed = true
			if err != io.EOF {
				b.err = err
			}
			b.mu.Unlock()
			return
		}
	}
}

// append adds bytes directly, bypassing the reader.
func (b *serialBuffer) append(p []byte) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
}

// tail returns a copy of the trailing n bytes.
func (b *serialBuffer) tail(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) <= n {
		return append([]byte(nil), b.data...)
	}
	return append([]byte(nil), b.data[len(b.data)-n:]...)
}

// snapshot returns a copy of the whole buffer.
func (b *serialBuffer) snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// done reports whether the producer side has closed, with any read error.
func (b *serialBuffer) done() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed, b.err
}
