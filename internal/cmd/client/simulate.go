package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	transports "github.com/rzbill/aggregator/internal/cmd/client/transports"
	"github.com/rzbill/aggregator/internal/event"
	logpkg "github.com/rzbill/aggregator/pkg/log"
)

// SimulateOptions drives a load test with at-least-once style duplicates.
type SimulateOptions struct {
	Total      int
	DupRate    float64
	BatchSize  int
	Retries    int
	RetryDelay time.Duration
	// BatchesPerSecond paces sends; 0 means unlimited.
	BatchesPerSecond float64
	Topic            string
	Source           string
	// WaitReady polls health for up to this long before sending; 0 skips it.
	WaitReady time.Duration
	// Seed makes event order reproducible; 0 picks a random seed.
	Seed uint64
}

// DefaultSimulateOptions mirrors the reference load profile.
func DefaultSimulateOptions() SimulateOptions {
	return SimulateOptions{
		Total:            5000,
		DupRate:          0.20,
		BatchSize:        100,
		Retries:          5,
		RetryDelay:       time.Second,
		BatchesPerSecond: 100,
		Topic:            "test.topic.log",
		Source:           "sim-pub",
		WaitReady:        20 * time.Second,
	}
}

// SimulateSummary reports what a run sent and how the server answered.
type SimulateSummary struct {
	Planned         int           `json:"planned"`
	Unique          int           `json:"expected_unique"`
	Duplicates      int           `json:"expected_duplicates"`
	Sent            int           `json:"sent"`
	Accepted        int           `json:"accepted"`
	Batches         int           `json:"batches"`
	FailedBatches   int           `json:"failed_batches"`
	Backpressured   int           `json:"backpressure_retries"`
	Aborted         bool          `json:"aborted"`
	Elapsed         time.Duration `json:"elapsed_ns"`
	EventsPerSecond float64       `json:"events_per_second"`
}

// buildEvents returns unique events plus duplicates sampled from them, shuffled.
func buildEvents(opts SimulateOptions, rng *rand.Rand, now time.Time) (evs []event.Event, unique, dups int) {
	unique = int(float64(opts.Total) / (1 + opts.DupRate))
	dups = opts.Total - unique

	evs = make([]event.Event, 0, opts.Total)
	for i := 0; i < unique; i++ {
		evs = append(evs, event.Event{
			Topic:     opts.Topic,
			EventID:   uuid.NewString(),
			Timestamp: now,
			Source:    opts.Source,
			Payload:   map[string]interface{}{"data": fmt.Sprintf("Log message %d at %s", i, now.Format(time.RFC3339Nano))},
		})
	}
	if unique > 0 {
		if dups <= unique {
			for _, idx := range rng.Perm(unique)[:dups] {
				evs = append(evs, evs[idx])
			}
		} else {
			for i := 0; i < dups; i++ {
				evs = append(evs, evs[rng.IntN(unique)])
			}
		}
	}
	rng.Shuffle(len(evs), func(i, j int) { evs[i], evs[j] = evs[j], evs[i] })
	return evs, unique, dups
}

// Simulate sends the generated events in batches. A batch rejected with 503
// or a transport error is retried up to Retries times; exhausting them stops
// the run. Other failures skip the batch.
func Simulate(ctx context.Context, t transports.Transport, opts SimulateOptions, logger logpkg.Logger) (SimulateSummary, error) {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	if opts.BatchSize <= 0 || opts.Total < 0 || opts.DupRate < 0 {
		return SimulateSummary{}, errors.New("simulate: batch size must be positive, total and dup rate non-negative")
	}
	if opts.WaitReady > 0 {
		if err := waitReady(ctx, t, opts.WaitReady, opts.RetryDelay, logger); err != nil {
			return SimulateSummary{}, err
		}
	}

	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	evs, unique, dups := buildEvents(opts, rng, time.Now().UTC())
	sum := SimulateSummary{Planned: len(evs), Unique: unique, Duplicates: dups}
	logger.Info("simulation planned",
		logpkg.Int("total", len(evs)), logpkg.Int("unique", unique), logpkg.Int("duplicates", dups))

	limit := rate.Inf
	if opts.BatchesPerSecond > 0 {
		limit = rate.Limit(opts.BatchesPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	cb := gobreaker.NewCircuitBreaker[transports.PublishResult](gobreaker.Settings{
		Name:        "simulate-publish",
		MaxRequests: 1,
		Timeout:     opts.RetryDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// backpressure means the server is alive
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, transports.ErrQueueFull)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				logpkg.Str("breaker", name), logpkg.Str("from", from.String()), logpkg.Str("to", to.String()))
		},
	})

	start := time.Now()
	totalBatches := (len(evs) + opts.BatchSize - 1) / opts.BatchSize
	for i := 0; i < len(evs); i += opts.BatchSize {
		batch := evs[i:min(i+opts.BatchSize, len(evs))]
		n := i/opts.BatchSize + 1
		if err := limiter.Wait(ctx); err != nil {
			return finish(sum, start), err
		}
		sum.Batches++

		attempts := 0
		for {
			res, err := cb.Execute(func() (transports.PublishResult, error) {
				return t.Publish(ctx, batch)
			})
			if err == nil {
				sum.Sent += len(batch)
				sum.Accepted += res.Count
				logger.Debug("batch accepted", logpkg.Int("batch", n), logpkg.Int("of", totalBatches), logpkg.Int("count", res.Count))
				break
			}
			if ctx.Err() != nil {
				return finish(sum, start), ctx.Err()
			}
			var status *transports.StatusError
			if errors.As(err, &status) {
				logger.Error("batch failed", logpkg.Int("batch", n), logpkg.Int("status", status.Code), logpkg.Err(err))
				sum.FailedBatches++
				break
			}
			if errors.Is(err, transports.ErrQueueFull) {
				sum.Backpressured++
			}
			attempts++
			if attempts >= opts.Retries {
				logger.Error("batch failed after retries, stopping", logpkg.Int("batch", n), logpkg.Int("retries", attempts), logpkg.Err(err))
				sum.FailedBatches++
				sum.Aborted = true
				return finish(sum, start), nil
			}
			logger.Warn("batch not admitted, retrying", logpkg.Int("batch", n), logpkg.Dur("delay", opts.RetryDelay), logpkg.Err(err))
			select {
			case <-ctx.Done():
				return finish(sum, start), ctx.Err()
			case <-time.After(opts.RetryDelay):
			}
		}
	}
	return finish(sum, start), nil
}

func finish(sum SimulateSummary, start time.Time) SimulateSummary {
	sum.Elapsed = time.Since(start)
	if secs := sum.Elapsed.Seconds(); secs > 0 {
		sum.EventsPerSecond = float64(sum.Sent) / secs
	}
	return sum
}

func waitReady(ctx context.Context, t transports.Transport, within, every time.Duration, logger logpkg.Logger) error {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	deadline := time.Now().Add(within)
	for {
		err := t.Health(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("aggregator not ready after %s: %w", within, err)
		}
		logger.Debug("waiting for aggregator", logpkg.Err(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(every):
		}
	}
}

func newSimulateCommand(baseURL BaseURLFunc) *cobra.Command {
	def := DefaultSimulateOptions()
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Send generated events with duplicates and report throughput",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := def
			f := cmd.Flags()
			opts.Total, _ = f.GetInt("total")
			opts.DupRate, _ = f.GetFloat64("dup-rate")
			opts.BatchSize, _ = f.GetInt("batch")
			opts.Retries, _ = f.GetInt("retries")
			opts.RetryDelay, _ = f.GetDuration("retry-delay")
			opts.BatchesPerSecond, _ = f.GetFloat64("rate")
			opts.Topic, _ = f.GetString("topic")
			opts.Source, _ = f.GetString("source")
			opts.WaitReady, _ = f.GetDuration("wait")
			opts.Seed, _ = f.GetUint64("seed")

			logger := logpkg.NewLogger(
				logpkg.WithLevel(logpkg.InfoLevel),
				logpkg.WithFormatter(&logpkg.TextFormatter{}),
				logpkg.WithOutput(logpkg.NewWriterOutput(cmd.ErrOrStderr())),
			).WithComponent("simulate")

			sum, err := Simulate(cmd.Context(), newTransport(baseURL()), opts, logger)
			if perr := printJSON(cmd.OutOrStdout(), sum); perr != nil && err == nil {
				err = perr
			}
			if err == nil && sum.Aborted {
				err = errors.New("simulation aborted: a batch exhausted its retries")
			}
			return err
		},
	}
	f := cmd.Flags()
	f.Int("total", def.Total, "Total events to send, duplicates included")
	f.Float64("dup-rate", def.DupRate, "Duplicates relative to unique events")
	f.Int("batch", def.BatchSize, "Events per publish request")
	f.Int("retries", def.Retries, "Attempts per batch on 503 or connection errors")
	f.Duration("retry-delay", def.RetryDelay, "Delay between attempts")
	f.Float64("rate", def.BatchesPerSecond, "Batches per second (0 = unlimited)")
	f.String("topic", def.Topic, "Event topic")
	f.String("source", def.Source, "Event source")
	f.Duration("wait", def.WaitReady, "Wait this long for the server to become healthy (0 = skip)")
	f.Uint64("seed", 0, "Shuffle seed (0 = random)")
	return cmd
}
