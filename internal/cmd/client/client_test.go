package client

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transports "github.com/rzbill/aggregator/internal/cmd/client/transports"
	cfgpkg "github.com/rzbill/aggregator/internal/config"
	"github.com/rzbill/aggregator/internal/event"
	"github.com/rzbill/aggregator/internal/runtime"
	httpserver "github.com/rzbill/aggregator/internal/server/http"
	"github.com/rzbill/aggregator/internal/stats"
)

// fakeTransport answers publishes with errs in order, then success.
type fakeTransport struct {
	mu        sync.Mutex
	errs      []error
	always    error
	published [][]event.Event
	snap      stats.Snapshot
	resets    int
}

func (f *fakeTransport) Publish(_ context.Context, evs []event.Event) (transports.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.always != nil {
		return transports.PublishResult{}, f.always
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return transports.PublishResult{}, err
	}
	f.published = append(f.published, evs)
	return transports.PublishResult{Status: "accepted", Count: len(evs)}, nil
}

func (f *fakeTransport) Stats(context.Context) (stats.Snapshot, error) { return f.snap, nil }

func (f *fakeTransport) Events(context.Context, string, string) ([]event.Event, error) {
	return []event.Event{}, nil
}

func (f *fakeTransport) Reset(context.Context) (transports.ResetResult, error) {
	f.resets++
	return transports.ResetResult{Status: "success", Message: "wiped"}, nil
}

func (f *fakeTransport) Health(context.Context) error { return nil }

func useTransport(t *testing.T, tr transports.Transport) {
	t.Helper()
	prev := newTransport
	newTransport = func(string) transports.Transport { return tr }
	t.Cleanup(func() { newTransport = prev })
}

func noURL() string { return "http://unused" }

func fastOpts(total int) SimulateOptions {
	opts := DefaultSimulateOptions()
	opts.Total = total
	opts.BatchSize = 10
	opts.RetryDelay = time.Millisecond
	opts.BatchesPerSecond = 0
	opts.WaitReady = 0
	opts.Seed = 42
	return opts
}

func TestParseEvents(t *testing.T) {
	one := `{"topic":"a","event_id":"1","timestamp":"2025-01-01T00:00:00Z","source":"s","payload":{}}`

	evs, err := parseEvents([]byte(`{"events":[` + one + `,` + one + `]}`))
	require.NoError(t, err)
	assert.Len(t, evs, 2)

	evs, err = parseEvents([]byte(`[` + one + `]`))
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	evs, err = parseEvents([]byte("  " + one + "\n"))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "1", evs[0].EventID)

	_, err = parseEvents([]byte("  "))
	assert.Error(t, err)
	_, err = parseEvents([]byte(`{"events":`))
	assert.Error(t, err)
}

func TestFillDefaults(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	evs := []event.Event{{}, {Topic: "keep", EventID: "x", Source: "src", Timestamp: now.Add(time.Hour)}}
	fillDefaults(evs, "orders", "cli", now)

	assert.Equal(t, "orders", evs[0].Topic)
	assert.Equal(t, "cli", evs[0].Source)
	assert.NotEmpty(t, evs[0].EventID)
	assert.Equal(t, now, evs[0].Timestamp)
	assert.NotNil(t, evs[0].Payload)

	assert.Equal(t, "keep", evs[1].Topic)
	assert.Equal(t, "x", evs[1].EventID)
	assert.Equal(t, now.Add(time.Hour), evs[1].Timestamp)
}

func TestBuildEventsDuplicateShare(t *testing.T) {
	opts := fastOpts(120)
	evs, unique, dups := buildEvents(opts, rand.New(rand.NewPCG(1, 2)), time.Now())
	assert.Equal(t, 100, unique)
	assert.Equal(t, 20, dups)
	require.Len(t, evs, 120)

	ids := map[string]int{}
	for _, ev := range evs {
		ids[ev.EventID]++
	}
	assert.Len(t, ids, 100)
}

func TestSimulateRetriesOnBackpressure(t *testing.T) {
	ft := &fakeTransport{errs: []error{
		&transports.BackpressureError{RetryAfter: time.Second},
		&transports.BackpressureError{RetryAfter: time.Second},
	}}
	sum, err := Simulate(context.Background(), ft, fastOpts(24), nil)
	require.NoError(t, err)
	assert.False(t, sum.Aborted)
	assert.Equal(t, 2, sum.Backpressured)
	assert.Equal(t, 24, sum.Sent)
	assert.Equal(t, 24, sum.Accepted)
	assert.Equal(t, 3, sum.Batches)
}

func TestSimulateAbortsWhenRetriesExhausted(t *testing.T) {
	ft := &fakeTransport{always: errors.New("connection refused")}
	opts := fastOpts(30)
	opts.Retries = 4
	sum, err := Simulate(context.Background(), ft, opts, nil)
	require.NoError(t, err)
	assert.True(t, sum.Aborted)
	assert.Equal(t, 1, sum.Batches)
	assert.Equal(t, 1, sum.FailedBatches)
	assert.Zero(t, sum.Sent)
}

func TestSimulateSkipsRejectedBatches(t *testing.T) {
	ft := &fakeTransport{errs: []error{&transports.StatusError{Code: 400, Message: "bad"}}}
	sum, err := Simulate(context.Background(), ft, fastOpts(20), nil)
	require.NoError(t, err)
	assert.False(t, sum.Aborted)
	assert.Equal(t, 1, sum.FailedBatches)
	assert.Equal(t, 10, sum.Sent)
}

func TestSimulateAgainstServer(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	rt, err := runtime.Open(runtime.Options{Config: cfg})
	require.NoError(t, err)
	defer rt.Close()
	srv := httptest.NewServer(httpserver.New(rt, nil).Handler())
	defer srv.Close()

	opts := fastOpts(60)
	opts.WaitReady = time.Second
	tr := transports.NewHTTPTransport(srv.URL, srv.Client())
	sum, err := Simulate(context.Background(), tr, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 60, sum.Accepted)

	require.Eventually(t, func() bool {
		s := rt.Stats()
		return s.UniqueProcessed+s.DuplicateDropped == 60
	}, 5*time.Second, 5*time.Millisecond)
	s := rt.Stats()
	assert.EqualValues(t, sum.Unique, s.UniqueProcessed)
	assert.EqualValues(t, sum.Duplicates, s.DuplicateDropped)

	evs, err := tr.Events(context.Background(), opts.Topic, "")
	require.NoError(t, err)
	assert.Len(t, evs, sum.Unique)
}

func TestHTTPTransportBackpressure(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.QueueCapacity = 1
	cfg.ConsumerDelayMs = 500
	rt, err := runtime.Open(runtime.Options{Config: cfg})
	require.NoError(t, err)
	defer rt.Close()
	srv := httptest.NewServer(httpserver.New(rt, nil).Handler())
	defer srv.Close()
	tr := transports.NewHTTPTransport(srv.URL, srv.Client())

	ev := func(id string) []event.Event {
		return []event.Event{{Topic: "t", EventID: id, Timestamp: time.Now(), Source: "s", Payload: map[string]interface{}{}}}
	}
	_, err = tr.Publish(context.Background(), ev("0"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rt.Stats().QueueSize == 0 }, time.Second, time.Millisecond)
	_, err = tr.Publish(context.Background(), ev("1"))
	require.NoError(t, err)

	_, err = tr.Publish(context.Background(), ev("2"))
	require.ErrorIs(t, err, transports.ErrQueueFull)
	var bp *transports.BackpressureError
	require.True(t, errors.As(err, &bp))
	assert.Equal(t, time.Second, bp.RetryAfter)

	_, err = tr.Publish(context.Background(), []event.Event{{EventID: "no-topic"}})
	var se *transports.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 400, se.Code)
}

func TestStatsCommand(t *testing.T) {
	useTransport(t, &fakeTransport{snap: stats.Snapshot{
		Received: 3, UniqueProcessed: 2, DuplicateDropped: 1,
		TopicsProcessed: map[string]uint64{"orders": 2},
	}})
	cmd := newStatsCommand(noURL)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "unique_processed")
	assert.Contains(t, out, "topic orders")
}

func TestResetCommandRequiresConfirm(t *testing.T) {
	ft := &fakeTransport{}
	useTransport(t, ft)

	cmd := newResetCommand(noURL)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)
	assert.Error(t, cmd.Execute())
	assert.Zero(t, ft.resets)

	cmd = newResetCommand(noURL)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--confirm"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, 1, ft.resets)
	assert.Contains(t, buf.String(), "warning: wiped")
}

func TestPublishCommand(t *testing.T) {
	ft := &fakeTransport{}
	useTransport(t, ft)

	cmd := newPublishCommand(noURL)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--topic", "orders", "--data", `{"payload":{"k":"v"}}`})
	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(buf.String(), "status: accepted count: 1"))

	require.Len(t, ft.published, 1)
	ev := ft.published[0][0]
	assert.Equal(t, "orders", ev.Topic)
	assert.Equal(t, "cli", ev.Source)
	assert.NotEmpty(t, ev.EventID)
}
