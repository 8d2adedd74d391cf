// Package events carries the human-readable status feed of a filesfer
// server: lifecycle and transfer milestones retained in a bounded ring,
// pushed to live subscribers and forwarded to external sinks.
package events

import (
	"sync"
	"time"
)

// DefaultRetention is the number of events kept in memory.
const DefaultRetention = 50

// Event is an immutable timestamped status message.
type Event struct {
	Time    time.Time
	Message string
}

// String renders the event as "15:04:05 - message".
func (e Event) String() string {
	return e.Time.Format(time.TimeOnly) + " - " + e.Message
}

// Emitter is the write side of the feed handed to server components.
type Emitter interface {
	Emit(msg string)
	Emitf(format string, args ...any)
}

// Ring keeps the most recent events up to a fixed capacity; older events are
// dropped. Safe for concurrent use.
type Ring struct {
	mu    sync.Mutex
	buf   []Event
	start int
	count int
}

// NewRing creates a ring holding at most capacity events. A non-positive
// capacity selects DefaultRetention.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRetention
	}

	return &Ring{buf: make([]Event, capacity)}
}

// Append adds e, evicting the oldest event when full.
func (r *Ring) Append(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.start + r.count) % len(r.buf)
	r.buf[idx] = e
	if r.count < len(r.buf) {
		r.count++
		return
	}

	r.start = (r.start + 1) % len(r.buf)
}

// Snapshot returns the retained events, oldest first.
func (r *Ring) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}

	return out
}

// Len returns the number of retained events.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}
