// Package consumer runs the single sequential worker that drains the
// admission queue through the idempotency gate.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/aggregator/internal/event"
	"github.com/rzbill/aggregator/internal/queue"
	logpkg "github.com/rzbill/aggregator/pkg/log"
)

// State is the loop's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateProcessing
	StateCancelling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateCancelling:
		return "cancelling"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Outcome classifies how one event was handled.
type Outcome int

const (
	OutcomeUnique Outcome = iota
	OutcomeDuplicate
	OutcomeStoreError
	OutcomePanic
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnique:
		return "unique"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeStoreError:
		return "store_error"
	case OutcomePanic:
		return "panic"
	case OutcomeStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Source yields queued entries. Current reports false for entries that a
// reset discarded after they were dequeued.
type Source interface {
	Dequeue(ctx context.Context) (queue.Entry, error)
	Current(e queue.Entry) bool
}

// Gate decides uniqueness.
type Gate interface {
	CheckAndMark(ctx context.Context, topic, eventID string, ts time.Time) (bool, error)
}

// Recorder receives unique events for counting.
type Recorder interface {
	RecordUnique(topic string)
}

// Sink retains unique events.
type Sink interface {
	Append(ev event.Event)
}

// Observer is told about every handled event. Optional.
type Observer interface {
	ObserveOutcome(outcome Outcome, elapsed time.Duration)
}

// ProcessingError reports an unexpected failure while handling one event.
type ProcessingError struct {
	Topic   string
	EventID string
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("consumer: processing %s/%s: %v", e.Topic, e.EventID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Options wires the loop's collaborators.
type Options struct {
	Source   Source
	Gate     Gate
	Stats    Recorder
	Retained Sink
	Observer Observer
	Logger   logpkg.Logger

	// Delay is slept after every event as a throughput governor. Zero disables it.
	Delay time.Duration
	// ErrorPause is slept after a ProcessingError before resuming.
	ErrorPause time.Duration
}

// Loop is the single consumer. Run must be called at most once.
type Loop struct {
	opts   Options
	logger logpkg.Logger

	state atomic.Int32
	// mu is held for the whole of each event so Exclusive can wait out the
	// in-flight item.
	mu   sync.Mutex
	done chan struct{}
}

// New returns a loop that is not yet running.
func New(opts Options) (*Loop, error) {
	if opts.Source == nil || opts.Gate == nil || opts.Stats == nil || opts.Retained == nil {
		return nil, errors.New("consumer: Source, Gate, Stats and Retained are required")
	}
	if opts.Delay < 0 || opts.ErrorPause < 0 {
		return nil, errors.New("consumer: negative delay")
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	l := &Loop{
		opts:   opts,
		logger: opts.Logger.WithComponent("consumer"),
		done:   make(chan struct{}),
	}
	l.state.Store(int32(StateIdle))
	return l, nil
}

// State reports the current state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Exclusive runs fn while no event is being processed.
func (l *Loop) Exclusive(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

// Run drains the source until ctx is cancelled. Cancellation is observed only
// while waiting for the next event or pausing; an event already dequeued is
// always processed to completion. Remaining queued events are left in place.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.state.Store(int32(StateStopped))

	l.logger.Info("consumer started",
		logpkg.Dur("delay", l.opts.Delay), logpkg.Dur("error_pause", l.opts.ErrorPause))
	for {
		l.state.Store(int32(StateIdle))
		entry, err := l.opts.Source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return l.stop()
			}
			l.logger.Error("dequeue failed", logpkg.Err(err))
			if !l.sleep(ctx, l.opts.ErrorPause) {
				return l.stop()
			}
			continue
		}

		// The in-flight event must not see the shutdown signal half way
		// through its gate commit.
		stale, perr := l.handle(context.WithoutCancel(ctx), entry)
		if perr != nil {
			l.logger.Error("event processing failed",
				logpkg.Str("topic", perr.Topic), logpkg.Str("event_id", perr.EventID), logpkg.Err(perr.Err))
			if !l.sleep(ctx, l.opts.ErrorPause) {
				return l.stop()
			}
			continue
		}
		if stale {
			continue
		}
		if !l.sleep(ctx, l.opts.Delay) {
			return l.stop()
		}
	}
}

func (l *Loop) stop() error {
	l.state.Store(int32(StateCancelling))
	l.logger.Info("consumer stopping")
	return nil
}

// handle processes one entry under mu. Panics are turned into a ProcessingError.
// stale reports an entry discarded because a drain happened after it was dequeued.
func (l *Loop) handle(ctx context.Context, entry queue.Entry) (stale bool, perr *ProcessingError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := time.Now()
	ev := entry.Event
	if !l.opts.Source.Current(entry) {
		l.observe(OutcomeStale, start)
		l.logger.Debug("discarding event from before reset",
			logpkg.Str("topic", ev.Topic), logpkg.Str("event_id", ev.EventID))
		return true, nil
	}
	l.state.Store(int32(StateProcessing))

	defer func() {
		if r := recover(); r != nil {
			l.observe(OutcomePanic, start)
			l.logger.Debug("recovered panic", logpkg.Str("stack", string(debug.Stack())))
			perr = &ProcessingError{Topic: ev.Topic, EventID: ev.EventID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	unique, err := l.opts.Gate.CheckAndMark(ctx, ev.Topic, ev.EventID, ev.Timestamp)
	switch {
	case err != nil:
		// already logged by the gate; the event is dropped uncounted
		l.observe(OutcomeStoreError, start)
	case unique:
		l.opts.Stats.RecordUnique(ev.Topic)
		l.opts.Retained.Append(ev)
		l.observe(OutcomeUnique, start)
	default:
		l.observe(OutcomeDuplicate, start)
	}
	return false, nil
}

func (l *Loop) observe(o Outcome, start time.Time) {
	if l.opts.Observer != nil {
		l.opts.Observer.ObserveOutcome(o, time.Since(start))
	}
}

// sleep waits for d or until ctx is done. It reports false when ctx ended.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
