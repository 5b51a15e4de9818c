// Package logbuf keeps a bounded, most-recent-first window of process output.
package logbuf

import (
	"sync"
	"time"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1000

// Buffer is a fixed-capacity circular buffer of log lines.
type Buffer struct {
	mu       sync.Mutex
	entries  []domain.LogLine
	writeIdx int
	count    int
	seq      uint64
}

// New creates a buffer holding at most capacity lines.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{entries: make([]domain.LogLine, capacity)}
}

// Append stores a line, evicting the oldest when full. Seq and Time are
// assigned here; a zero Time is replaced with now.
func (b *Buffer) Append(line domain.LogLine) domain.LogLine {
	if line.Time.IsZero() {
		line.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	line.Seq = b.seq
	b.entries[b.writeIdx] = line
	b.writeIdx = (b.writeIdx + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
	return line
}

// Recent returns up to n of the most recent lines, oldest first.
func (b *Buffer) Recent(n int) []domain.LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || b.count == 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}

	size := len(b.entries)
	out := make([]domain.LogLine, n)
	start := (b.writeIdx - n + size) % size
	for i := 0; i < n; i++ {
		out[i] = b.entries[(start+i)%size]
	}
	return out
}

// Len returns the number of buffered lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.entries)
}

// Reset drops all lines. Sequence numbers keep increasing.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.entries)
	b.writeIdx = 0
	b.count = 0
}
