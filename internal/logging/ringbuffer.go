package logging

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is one captured log record. The console handler keeps a copy
// of every record it writes so the daemon can serve its recent log
// tail from the /logs debug endpoint next to the metrics listener.
type Entry struct {
	Time      time.Time         `json:"time"`
	Level     string            `json:"level"`
	Component string            `json:"component,omitempty"`
	Message   string            `json:"message"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// ringBuffer is a fixed-size circular store of entries.
type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{entries: make([]Entry, size)}
}

func (rb *ringBuffer) add(e Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % len(rb.entries)
	if rb.count < len(rb.entries) {
		rb.count++
	}
}

// last returns up to n of the newest entries, oldest first.
func (rb *ringBuffer) last(n int) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if n > rb.count {
		n = rb.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]Entry, n)
	start := (rb.head - n + len(rb.entries)) % len(rb.entries)
	for i := range out {
		out[i] = rb.entries[(start+i)%len(rb.entries)]
	}
	return out
}

const recentCapacity = 1000

var (
	recentOnce sync.Once
	recentBuf  *ringBuffer
)

func recentBuffer() *ringBuffer {
	recentOnce.Do(func() {
		recentBuf = newRingBuffer(recentCapacity)
	})
	return recentBuf
}

// Recent returns up to n of the most recently logged entries in
// chronological order.
func Recent(n int) []Entry {
	return recentBuffer().last(n)
}

func levelString(level slog.Level) string {
	switch {
	case level <= slog.LevelDebug:
		return "debug"
	case level <= slog.LevelInfo:
		return "info"
	case level <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}
