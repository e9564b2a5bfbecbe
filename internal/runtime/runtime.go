package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cfgpkg "github.com/rzbill/aggregator/internal/config"
	"github.com/rzbill/aggregator/internal/consumer"
	"github.com/rzbill/aggregator/internal/dedup"
	"github.com/rzbill/aggregator/internal/event"
	"github.com/rzbill/aggregator/internal/metrics"
	"github.com/rzbill/aggregator/internal/queue"
	"github.com/rzbill/aggregator/internal/retention"
	"github.com/rzbill/aggregator/internal/schema"
	"github.com/rzbill/aggregator/internal/stats"
	pebblestore "github.com/rzbill/aggregator/internal/storage/pebble"
	logpkg "github.com/rzbill/aggregator/pkg/log"
)

// ErrClosed is returned by operations on a closed Runtime.
var ErrClosed = errors.New("runtime: closed")

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	// Metrics is optional; a private registry is created when nil.
	Metrics *metrics.Metrics
}

// ResetReport describes what a reset discarded.
type ResetReport struct {
	DiscardedQueued int `json:"discarded_queued"`
	ClearedRetained int `json:"cleared_retained"`
}

// Runtime owns every pipeline component of a single aggregator instance
// and their startup and shutdown order.
type Runtime struct {
	config  cfgpkg.Config
	logger  logpkg.Logger
	metrics *metrics.Metrics

	db       *pebblestore.DB
	schema   schema.Info
	stats    *stats.Aggregator
	queue    *queue.Queue
	gate     *dedup.Gate
	retained *retention.List
	loop     *consumer.Loop

	stopLoop  context.CancelFunc
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Open starts an instance: open store, ensure schema, load stats, start the
// consumer loop. On error everything opened so far is closed again.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	logger = logger.WithComponent("runtime")
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       cfg.DataDir,
		Fsync:         cfg.FsyncMode(),
		FsyncInterval: cfg.FsyncInterval(),
		Metrics:       m.Store(),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	info, err := schema.Ensure(context.Background(), db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	r := &Runtime{
		config:  cfg,
		logger:  logger,
		metrics: m,
		db:      db,
		schema:  info,
		closed:  make(chan struct{}),
	}
	r.stats = stats.Load(db, cfg.StatsKey, opts.Logger)
	r.queue = queue.New(cfg.QueueCapacity, queue.WithAdmitHook(r.stats.IncReceived))
	r.gate = dedup.NewGate(db, r.stats, opts.Logger)
	dedupRecords, err := r.gate.Count()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	r.retained = retention.New(cfg.RetainLimit)

	r.loop, err = consumer.New(consumer.Options{
		Source:     r.queue,
		Gate:       r.gate,
		Stats:      r.stats,
		Retained:   r.retained,
		Observer:   m,
		Logger:     opts.Logger,
		Delay:      cfg.ConsumerDelay(),
		ErrorPause: cfg.ErrorPause(),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	m.RegisterQueueDepth(r.queue.Len, r.queue.Cap)
	m.RegisterRetained(r.retained.Len, r.retained.Evicted)

	loopCtx, cancel := context.WithCancel(context.Background())
	r.stopLoop = cancel
	go func() {
		if err := r.loop.Run(loopCtx); err != nil {
			r.logger.Error("consumer exited", logpkg.Err(err))
		}
	}()

	logger.Info("runtime started",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Int("schema_version", info.Version),
		logpkg.Int("dedup_records", dedupRecords),
		logpkg.Int("queue_capacity", r.queue.Cap()),
		logpkg.Int("retain_limit", cfg.RetainLimit))
	return r, nil
}

// Close stops the consumer after its in-flight event, persists stats and
// closes the store. Events still queued are discarded. Safe to call twice.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.queue.Close()
		r.stopLoop()
		<-r.loop.Done()

		if n := r.queue.Len(); n > 0 {
			r.logger.Warn("discarding queued events at shutdown", logpkg.Int("count", n))
		}
		var errs []error
		if err := r.stats.Save(context.Background(), r.db, r.config.StatsKey); err != nil {
			r.logger.Error("stats save failed", logpkg.Err(err))
			errs = append(errs, err)
		}
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
		r.closeErr = errors.Join(errs...)
		r.logger.Info("runtime stopped")
	})
	return r.closeErr
}

func (r *Runtime) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// Ingest validates evs and admits them as one all-or-nothing batch. It
// returns queue.ErrQueueFull when the queue lacks room and
// queue.ErrBatchTooLarge for batches above the configured maximum.
func (r *Runtime) Ingest(_ context.Context, evs []event.Event) (int, error) {
	if r.isClosed() {
		r.metrics.IncRejected(metrics.ReasonClosed, len(evs))
		return 0, ErrClosed
	}
	if len(evs) > r.config.EffectiveMaxBatch() {
		r.metrics.IncRejected(metrics.ReasonTooLarge, len(evs))
		return 0, queue.ErrBatchTooLarge
	}
	if err := (&event.Batch{Events: evs}).Validate(); err != nil {
		r.metrics.IncRejected(metrics.ReasonInvalid, len(evs))
		return 0, err
	}
	if len(evs) == 0 {
		return 0, nil
	}

	n, err := r.queue.EnqueueBatch(evs)
	if err != nil {
		reason := metrics.ReasonQueueFull
		switch {
		case errors.Is(err, queue.ErrBatchTooLarge):
			reason = metrics.ReasonTooLarge
		case errors.Is(err, queue.ErrClosed):
			reason = metrics.ReasonClosed
		}
		r.metrics.IncRejected(reason, len(evs))
		r.logger.Debug("batch rejected", logpkg.Int("size", len(evs)), logpkg.Err(err))
		return 0, err
	}
	r.metrics.AddAdmitted(n)
	return n, nil
}

// Stats returns a point-in-time snapshot including the current queue depth.
func (r *Runtime) Stats() stats.Snapshot {
	return r.stats.Snapshot(r.queue.Len())
}

// Events lists retained events, optionally restricted to topic and to a CEL
// filter expression.
func (r *Runtime) Events(topic, filterExpr string) ([]event.Event, error) {
	f, err := event.CompileFilter(filterExpr)
	if err != nil {
		return nil, err
	}
	return r.retained.List(topic, f), nil
}

// Reset wipes the dedup table, queued events, retained events and counters,
// then persists the zeroed counters. It runs while the consumer is between
// events and producers are held off. Irreversible.
func (r *Runtime) Reset(ctx context.Context) (ResetReport, error) {
	if r.isClosed() {
		return ResetReport{}, ErrClosed
	}
	var (
		report ResetReport
		err    error
	)
	r.logger.Warn("reset requested")
	r.loop.Exclusive(func() {
		report.DiscardedQueued = r.queue.DrainAndHold(func() {
			if err = r.gate.Clear(ctx); err != nil {
				return
			}
			report.ClearedRetained = r.retained.Clear()
			r.stats.Reset(time.Now())
			err = r.stats.Save(ctx, r.db, r.config.StatsKey)
		})
	})
	if err != nil {
		r.logger.Error("reset failed", logpkg.Err(err))
		return report, err
	}
	r.metrics.IncReset()
	r.logger.Warn("reset complete",
		logpkg.Int("discarded_queued", report.DiscardedQueued),
		logpkg.Int("cleared_retained", report.ClearedRetained))
	return report, nil
}

// CheckHealth reports an error when the store is closed or the consumer has stopped.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.isClosed() || r.db.Closed() {
		return errors.New("store not open")
	}
	if r.loop.State() == consumer.StateStopped {
		return errors.New("consumer stopped")
	}
	if _, _, err := r.db.GetMetadata("schema"); err != nil {
		return err
	}
	return nil
}

// ConsumerState reports the consumer loop state.
func (r *Runtime) ConsumerState() consumer.State { return r.loop.State() }

// QueueCapacity reports the admission queue capacity.
func (r *Runtime) QueueCapacity() int { return r.queue.Cap() }

// Schema returns the schema record found or written at startup.
func (r *Runtime) Schema() schema.Info { return r.schema }

// Metrics returns the collectors used by this instance.
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
