// Package queue implements the bounded FIFO admission queue between ingress
// and the consumer loop.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rzbill/aggregator/internal/event"
)

var (
	// ErrQueueFull is returned when admitting would exceed capacity. Retryable.
	ErrQueueFull = errors.New("queue: full")
	// ErrBatchTooLarge is returned for a batch that could never fit.
	ErrBatchTooLarge = errors.New("queue: batch larger than capacity")
	// ErrClosed is returned once the queue stops admitting.
	ErrClosed = errors.New("queue: closed")
)

// Entry is a queued event stamped with the generation it was admitted in.
type Entry struct {
	Event event.Event
	Gen   uint64
}

// Queue is a bounded FIFO. Enqueue never blocks: when there is no room the
// caller is rejected. Dequeue blocks until an item arrives or ctx ends.
type Queue struct {
	// mu serializes producers so a batch is admitted whole or not at all.
	mu      sync.Mutex
	items   chan Entry
	closed  bool
	onAdmit func(n int)
	// gen advances on every drain; entries from older generations are stale.
	gen atomic.Uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithAdmitHook calls fn with the batch size before the batch becomes
// visible to Dequeue, so counters see admissions before processing.
func WithAdmitHook(fn func(n int)) Option {
	return func(q *Queue) { q.onAdmit = fn }
}

// New returns a queue holding at most capacity events.
func New(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{items: make(chan Entry, capacity)}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue admits one event.
func (q *Queue) Enqueue(ev event.Event) error {
	_, err := q.EnqueueBatch([]event.Event{ev})
	return err
}

// EnqueueBatch admits all of evs in order, or none of them.
func (q *Queue) EnqueueBatch(evs []event.Event) (int, error) {
	if len(evs) > cap(q.items) {
		return 0, ErrBatchTooLarge
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	// Only producers add and they hold mu; the consumer can only make room.
	if cap(q.items)-len(q.items) < len(evs) {
		return 0, ErrQueueFull
	}
	if q.onAdmit != nil {
		q.onAdmit(len(evs))
	}
	gen := q.gen.Load()
	for _, ev := range evs {
		q.items <- Entry{Event: ev, Gen: gen}
	}
	return len(evs), nil
}

// Dequeue returns the oldest entry. It returns ctx.Err() if ctx is done
// before an entry is available, without consuming one.
func (q *Queue) Dequeue(ctx context.Context) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case e := <-q.items:
		return e, nil
	}
}

// Current reports whether e was admitted after the most recent drain. An
// entry taken off the queue just before a drain is no longer current.
func (q *Queue) Current(e Entry) bool { return e.Gen == q.gen.Load() }

// Len reports the number of queued events.
func (q *Queue) Len() int { return len(q.items) }

// Cap reports the capacity.
func (q *Queue) Cap() int { return cap(q.items) }

// Drain discards every queued event and returns how many were dropped.
func (q *Queue) Drain() int { return q.DrainAndHold(nil) }

// DrainAndHold discards every queued event and marks entries already
// dequeued as stale, then runs fn before any producer is admitted again.
// Producers arriving meanwhile wait for fn to return.
func (q *Queue) DrainAndHold(fn func()) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gen.Add(1)
	n := 0
	for {
		select {
		case <-q.items:
			n++
		default:
			if fn != nil {
				fn()
			}
			return n
		}
	}
}

// Close stops admission. Queued events remain available to Dequeue.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
