package agents

import (
	"sync"
	"time"
)

// outputRing is a bounded, ordered buffer of output lines with an
// accounted byte budget. When appending a line would exceed the budget
// the oldest lines are dropped whole, preserving line boundaries. The
// ring holds only the in-memory tail; the full stream goes to the
// append-only disk log. Safe for one writer plus concurrent readers.
type outputRing struct {
	mu        sync.Mutex
	lines     []OutputLine
	bytes     int
	maxBytes  int
	truncated bool
}

func newOutputRing(maxBytes int) *outputRing {
	if maxBytes <= 0 {
		maxBytes = 256 * 1024
	}
	return &outputRing{maxBytes: maxBytes}
}

// Append adds line to the ring, evicting from the front as needed. A
// single line larger than the whole budget replaces the ring contents
// and is kept: the newest output is always retained.
func (r *outputRing) Append(ts time.Time, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cost := len(line) + 1
	for len(r.lines) > 0 && r.bytes+cost > r.maxBytes {
		r.bytes -= len(r.lines[0].Line) + 1
		r.lines = r.lines[1:]
		r.truncated = true
	}
	r.lines = append(r.lines, OutputLine{Timestamp: ts, Line: line})
	r.bytes += cost
}

// Lines returns a copy of the retained tail.
func (r *outputRing) Lines() []OutputLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OutputLine(nil), r.lines...)
}

// Bytes returns the accounted size of the retained tail.
func (r *outputRing) Bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Truncated reports whether any line has been evicted.
func (r *outputRing) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.truncated
}

// Tail returns up to n of the most recent lines.
func (r *outputRing) Tail(n int) []OutputLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || len(r.lines) == 0 {
		return nil
	}
	if n > len(r.lines) {
		n = len(r.lines)
	}
	return append([]OutputLine(nil), r.lines[len(r.lines)-n:]...)
}
