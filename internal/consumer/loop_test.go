package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/aggregator/internal/event"
	"github.com/rzbill/aggregator/internal/queue"
	"github.com/rzbill/aggregator/internal/retention"
	"github.com/rzbill/aggregator/internal/stats"
)

// mapGate is an in-memory gate; hooks let tests inject panics, errors and blocking.
type mapGate struct {
	mu   sync.Mutex
	seen map[string]bool
	dups int
	hook func(id string) error
}

func newMapGate() *mapGate { return &mapGate{seen: map[string]bool{}} }

func (g *mapGate) CheckAndMark(_ context.Context, topic, id string, _ time.Time) (bool, error) {
	if g.hook != nil {
		if err := g.hook(id); err != nil {
			return false, err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	k := topic + "\x00" + id
	if g.seen[k] {
		g.dups++
		return false, nil
	}
	g.seen[k] = true
	return true, nil
}

type outcomes struct {
	mu  sync.Mutex
	got []Outcome
}

func (o *outcomes) ObserveOutcome(out Outcome, _ time.Duration) {
	o.mu.Lock()
	o.got = append(o.got, out)
	o.mu.Unlock()
}

func (o *outcomes) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.got)
}

type harness struct {
	q     *queue.Queue
	gate  *mapGate
	stats *stats.Aggregator
	kept  *retention.List
	obs   *outcomes
	loop  *Loop
}

func newHarness(t *testing.T, delay, pause time.Duration) *harness {
	t.Helper()
	h := &harness{
		q:     queue.New(100),
		gate:  newMapGate(),
		stats: stats.New(time.Now()),
		kept:  retention.New(0),
		obs:   &outcomes{},
	}
	loop, err := New(Options{
		Source:     h.q,
		Gate:       h.gate,
		Stats:      h.stats,
		Retained:   h.kept,
		Observer:   h.obs,
		Delay:      delay,
		ErrorPause: pause,
	})
	require.NoError(t, err)
	h.loop = loop
	return h
}

func (h *harness) start(t *testing.T) (cancel func()) {
	ctx, c := context.WithCancel(context.Background())
	go func() { _ = h.loop.Run(ctx) }()
	return func() {
		c()
		select {
		case <-h.loop.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("loop did not stop")
		}
	}
}

func ev(topic, id string) event.Event {
	return event.Event{Topic: topic, EventID: id, Timestamp: time.Now(), Source: "s", Payload: map[string]interface{}{}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestProcessesUniqueAndDuplicates(t *testing.T) {
	h := newHarness(t, 0, 0)
	stop := h.start(t)
	defer stop()

	_, err := h.q.EnqueueBatch([]event.Event{ev("a", "1"), ev("b", "2"), ev("a", "1"), ev("b", "1")})
	require.NoError(t, err)
	waitFor(t, func() bool { return h.obs.count() == 4 })

	s := h.stats.Snapshot(0)
	assert.EqualValues(t, 3, s.UniqueProcessed)
	assert.Equal(t, map[string]uint64{"a": 1, "b": 2}, s.TopicsProcessed)
	assert.Equal(t, 1, h.gate.dups)

	kept := h.kept.List("", event.Filter{})
	require.Len(t, kept, 3)
	assert.Equal(t, "1", kept[0].EventID)
	assert.Equal(t, "2", kept[1].EventID)
	assert.Equal(t, "b", kept[2].Topic)
}

func TestPanicIsRecoveredAndLoopContinues(t *testing.T) {
	h := newHarness(t, 0, 20*time.Millisecond)
	h.gate.hook = func(id string) error {
		if id == "boom" {
			panic("gate exploded")
		}
		return nil
	}
	stop := h.start(t)
	defer stop()

	require.NoError(t, h.q.Enqueue(ev("t", "boom")))
	require.NoError(t, h.q.Enqueue(ev("t", "ok")))
	waitFor(t, func() bool { return h.kept.Len() == 1 })

	h.obs.mu.Lock()
	assert.Equal(t, []Outcome{OutcomePanic, OutcomeUnique}, h.obs.got)
	h.obs.mu.Unlock()
	assert.EqualValues(t, 1, h.stats.Snapshot(0).UniqueProcessed)
}

func TestStoreErrorDropsEventUncounted(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.gate.hook = func(id string) error {
		if id == "bad" {
			return errors.New("disk gone")
		}
		return nil
	}
	stop := h.start(t)
	defer stop()

	require.NoError(t, h.q.Enqueue(ev("t", "bad")))
	require.NoError(t, h.q.Enqueue(ev("t", "good")))
	waitFor(t, func() bool { return h.obs.count() == 2 })

	s := h.stats.Snapshot(0)
	assert.EqualValues(t, 1, s.UniqueProcessed)
	assert.Zero(t, s.DuplicateDropped)
	assert.Equal(t, 0, h.gate.dups)
}

func TestCancelCompletesInFlightAndLeavesQueue(t *testing.T) {
	h := newHarness(t, 0, 0)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.gate.hook = func(id string) error {
		if id == "slow" {
			close(entered)
			<-release
		}
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.loop.Run(ctx) }()

	_, err := h.q.EnqueueBatch([]event.Event{ev("t", "slow"), ev("t", "next-1"), ev("t", "next-2")})
	require.NoError(t, err)
	<-entered
	assert.Equal(t, StateProcessing, h.loop.State())

	cancel()
	close(release)
	select {
	case <-h.loop.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop")
	}

	assert.Equal(t, StateStopped, h.loop.State())
	assert.EqualValues(t, 1, h.stats.Snapshot(0).UniqueProcessed, "in-flight item completes")
	assert.Equal(t, 2, h.q.Len(), "queued items are not drained on cancel")
}

func TestStopsWithoutAnyEvent(t *testing.T) {
	h := newHarness(t, 0, 0)
	stop := h.start(t)
	waitFor(t, func() bool { return h.loop.State() == StateIdle })
	stop()
	assert.Equal(t, StateStopped, h.loop.State())
}

func TestExclusiveWaitsForInFlight(t *testing.T) {
	h := newHarness(t, 0, 0)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.gate.hook = func(string) error {
		close(entered)
		<-release
		return nil
	}
	stop := h.start(t)
	defer stop()

	require.NoError(t, h.q.Enqueue(ev("t", "x")))
	<-entered

	ran := make(chan int64, 1)
	go h.loop.Exclusive(func() { ran <- int64(h.stats.Snapshot(0).UniqueProcessed) })

	select {
	case <-ran:
		t.Fatalf("exclusive ran while an event was in flight")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	select {
	case n := <-ran:
		assert.EqualValues(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatalf("exclusive never ran")
	}
}

func TestPacingDelay(t *testing.T) {
	h := newHarness(t, 15*time.Millisecond, 0)
	stop := h.start(t)
	defer stop()

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, h.q.Enqueue(ev("t", fmt.Sprint(i))))
	}
	waitFor(t, func() bool { return h.obs.count() == 4 })
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Source: queue.New(1), Gate: newMapGate(), Stats: stats.New(time.Now()), Retained: retention.New(0), Delay: -1})
	assert.Error(t, err)
}

func TestDrainUnderExclusive(t *testing.T) {
	// the pacing delay gives Exclusive the lock before "old" is dequeued
	h := newHarness(t, 50*time.Millisecond, 0)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.gate.hook = func(id string) error {
		if id == "slow" {
			close(entered)
			<-release
		}
		return nil
	}
	stop := h.start(t)
	defer stop()

	_, err := h.q.EnqueueBatch([]event.Event{ev("t", "slow"), ev("t", "old")})
	require.NoError(t, err)
	<-entered

	drained := make(chan int, 1)
	go h.loop.Exclusive(func() { drained <- h.q.Drain() })
	time.Sleep(10 * time.Millisecond)
	close(release)
	assert.Equal(t, 1, <-drained)

	require.NoError(t, h.q.Enqueue(ev("t", "new")))
	waitFor(t, func() bool { return h.kept.Len() == 2 })
	kept := h.kept.List("", event.Filter{})
	assert.Equal(t, "slow", kept[0].EventID)
	assert.Equal(t, "new", kept[1].EventID)
}

// staleSource marks chosen event ids as dequeued before a drain.
type staleSource struct {
	*queue.Queue
	stale map[string]bool
}

func (s staleSource) Current(e queue.Entry) bool { return !s.stale[e.Event.EventID] }

func TestStaleEntryIsSkipped(t *testing.T) {
	h := newHarness(t, 0, 0)
	loop, err := New(Options{
		Source:   staleSource{Queue: h.q, stale: map[string]bool{"old": true}},
		Gate:     h.gate,
		Stats:    h.stats,
		Retained: h.kept,
		Observer: h.obs,
	})
	require.NoError(t, err)
	h.loop = loop
	stop := h.start(t)
	defer stop()

	_, err = h.q.EnqueueBatch([]event.Event{ev("t", "old"), ev("t", "fresh")})
	require.NoError(t, err)
	waitFor(t, func() bool { return h.obs.count() == 2 })

	h.obs.mu.Lock()
	assert.Equal(t, []Outcome{OutcomeStale, OutcomeUnique}, h.obs.got)
	h.obs.mu.Unlock()
	assert.EqualValues(t, 1, h.stats.Snapshot(0).UniqueProcessed)
	assert.Len(t, h.gate.seen, 1, "stale entries never reach the gate")
}

func TestStaleEntriesSkipPacing(t *testing.T) {
	h := newHarness(t, 0, 0)
	stale := map[string]bool{}
	for i := 0; i < 5; i++ {
		stale[fmt.Sprint("old-", i)] = true
	}
	loop, err := New(Options{
		Source:   staleSource{Queue: h.q, stale: stale},
		Gate:     h.gate,
		Stats:    h.stats,
		Retained: h.kept,
		Observer: h.obs,
		Delay:    time.Hour,
	})
	require.NoError(t, err)
	h.loop = loop
	stop := h.start(t)
	defer stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.q.Enqueue(ev("t", fmt.Sprint("old-", i))))
	}
	require.NoError(t, h.q.Enqueue(ev("t", "fresh")))
	waitFor(t, func() bool { return h.kept.Len() == 1 })
	assert.Equal(t, 6, h.obs.count())
}
