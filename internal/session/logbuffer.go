package session

import (
	"sync"
)

const defaultLogBufferSize = 256 * 1024

// LogBuffer is a bounded append buffer for a session's human-readable output.
// Offsets are absolute across the session's lifetime, so a poller can ask
// "everything after offset N" and keep its place even after old bytes were
// trimmed. Bounding prevents memory exhaustion from chatty agents.
type LogBuffer struct {
	mu    sync.RWMutex
	buf   []byte
	max   int
	start int64 // absolute offset of buf[0]
}

// NewLogBuffer creates a buffer retaining at most max bytes of tail.
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = defaultLogBufferSize
	}
	return &LogBuffer{max: max}
}

// Write implements io.Writer. When the retained tail exceeds the bound, the
// oldest bytes are dropped and the start offset advances past them.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
		b.start += int64(over)
	}
	return len(p), nil
}

// ReadFrom returns the bytes at or after the absolute offset, plus the next
// offset to poll from. Offsets older than the retained tail are clamped to
// the oldest retained byte.
func (b *LogBuffer) ReadFrom(offset int64) (string, int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	end := b.start + int64(len(b.buf))
	if offset < b.start {
		offset = b.start
	}
	if offset >= end {
		return "", end
	}
	return string(b.buf[offset-b.start:]), end
}

// String returns the retained tail.
func (b *LogBuffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return string(b.buf)
}

// End returns the absolute offset one past the last written byte.
func (b *LogBuffer) End() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.start + int64(len(b.buf))
}
