// Package retention keeps the in-memory list of events found unique.
package retention

import (
	"sync"

	"github.com/rzbill/aggregator/internal/event"
)

// List is an append-only sequence of unique events in processing order.
// With a positive limit the oldest entries are evicted once it is reached;
// a limit of zero keeps everything. Nothing here is persisted.
type List struct {
	mu      sync.RWMutex
	limit   int
	events  []event.Event
	evicted uint64
}

// New returns an empty list. limit <= 0 means unbounded.
func New(limit int) *List {
	if limit < 0 {
		limit = 0
	}
	return &List{limit: limit}
}

// Append adds ev at the tail.
func (l *List) Append(ev event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && len(l.events) >= l.limit {
		drop := len(l.events) - l.limit + 1
		// shift in place so the backing array does not grow without bound
		n := copy(l.events, l.events[drop:])
		clear(l.events[n:])
		l.events = l.events[:n]
		l.evicted += uint64(drop)
	}
	l.events = append(l.events, ev)
}

// List returns a copy of the retained events in order. An empty topic
// matches every topic; filter further restricts the result.
func (l *List) List(topic string, filter event.Filter) []event.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]event.Event, 0, len(l.events))
	for _, ev := range l.events {
		if topic != "" && ev.Topic != topic {
			continue
		}
		if !filter.Match(ev) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Len reports the number of retained events.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Evicted reports how many events the limit has dropped since New. Clear
// does not reset it, so it can back a monotonic counter.
func (l *List) Evicted() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.evicted
}

// Clear drops every retained event and returns how many there were.
func (l *List) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.events)
	l.events = nil
	return n
}
