// Package timeline records which speaker was active while audio was sent and
// resolves delayed transcription results back to that speaker.
package timeline

import (
	"sync"
	"time"
)

const (
	// UnknownSpeaker is the label used when nothing better is known.
	UnknownSpeaker = "Unknown User"

	DefaultCapacity       = 1000
	DefaultChangeCapacity = 500
)

var placeholders = map[string]bool{
	"":             true,
	UnknownSpeaker: true,
	"User":         true,
	"Unknown":      true,
}

// IsPlaceholder reports whether label carries no speaker identity.
func IsPlaceholder(label string) bool { return placeholders[label] }

// Record is one audio send: who was believed to be talking, when, and for
// how long the sent chunk lasts.
type Record struct {
	At         time.Time
	Speaker    string
	DurationMs float64
}

// Change is a speaker-change event reported by the roster.
type Change struct {
	At      time.Time
	Speaker string
}

// Timeline is a bounded, insertion-ordered ring of Records. Oldest records
// are evicted on overflow. Safe for concurrent use.
type Timeline struct {
	mu       sync.Mutex
	records  []Record
	capacity int
}

func New(capacity int) *Timeline {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Timeline{capacity: capacity}
}

func (t *Timeline) Append(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, r)
	if n := len(t.records) - t.capacity; n > 0 {
		t.records = append(t.records[:0:0], t.records[n:]...)
	}
}

// Window returns records with start <= At <= end in insertion order.
func (t *Timeline) Window(start, end time.Time) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Record
	for _, r := range t.records {
		if !r.At.Before(start) && !r.At.After(end) {
			out = append(out, r)
		}
	}
	return out
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *Timeline) Reset() {
	t.mu.Lock()
	t.records = nil
	t.mu.Unlock()
}

// ChangeLog is the bounded list of speaker changes. Safe for concurrent use.
type ChangeLog struct {
	mu       sync.Mutex
	changes  []Change
	capacity int
}

func NewChangeLog(capacity int) *ChangeLog {
	if capacity <= 0 {
		capacity = DefaultChangeCapacity
	}
	return &ChangeLog{capacity: capacity}
}

func (c *ChangeLog) Record(ch Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, ch)
	if n := len(c.changes) - c.capacity; n > 0 {
		c.changes = append(c.changes[:0:0], c.changes[n:]...)
	}
}

// Window returns changes with start <= At <= end in insertion order.
func (c *ChangeLog) Window(start, end time.Time) []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Change
	for _, ch := range c.changes {
		if !ch.At.Before(start) && !ch.At.After(end) {
			out = append(out, ch)
		}
	}
	return out
}

func (c *ChangeLog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}
