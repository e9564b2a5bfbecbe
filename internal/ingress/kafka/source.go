// Package kafka feeds events from a Kafka topic into the same ingress path
// as HTTP publish. Offsets are committed only after a message was admitted,
// so delivery into the aggregator is at-least-once and duplicates are left
// to the idempotency gate.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/thejerf/suture/v4"

	cfgpkg "github.com/rzbill/aggregator/internal/config"
	"github.com/rzbill/aggregator/internal/event"
	"github.com/rzbill/aggregator/internal/queue"
	"github.com/rzbill/aggregator/internal/runtime"
	logpkg "github.com/rzbill/aggregator/pkg/log"
)

// Ingester admits a batch. *runtime.Runtime implements it.
type Ingester interface {
	Ingest(ctx context.Context, evs []event.Event) (int, error)
}

// messageReader is the part of *kafkago.Reader the source uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

const (
	defaultMinBackoff = 100 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// Source consumes one topic with a consumer group.
type Source struct {
	reader messageReader
	ingest Ingester
	logger logpkg.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// New builds a Source for cfg. The reader connects lazily on first fetch.
func New(cfg cfgpkg.KafkaConfig, ingest Ingester, logger logpkg.Logger) *Source {
	startOffset := kafkago.FirstOffset
	if strings.EqualFold(cfg.StartOffset, "latest") {
		startOffset = kafkago.LastOffset
	}
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		Dialer:      &kafkago.Dialer{Timeout: 10 * time.Second},
		StartOffset: startOffset,
	})
	return newSource(r, ingest, logger)
}

func newSource(r messageReader, ingest Ingester, logger logpkg.Logger) *Source {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &Source{
		reader:     r,
		ingest:     ingest,
		logger:     logger.WithComponent("kafka"),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
}

// Serve fetches, admits and commits until ctx is done. It returns an error
// wrapping suture.ErrDoNotRestart once the runtime is closed.
func (s *Source) Serve(ctx context.Context) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		if err := s.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Source) handle(ctx context.Context, msg kafkago.Message) error {
	evs, err := decodeMessage(msg)
	if err != nil {
		s.logger.Warn("skipping undecodable message",
			logpkg.Int("partition", msg.Partition),
			logpkg.Int64("offset", msg.Offset),
			logpkg.Err(err))
		return s.commit(ctx, msg)
	}

	backoff := s.minBackoff
	for {
		_, err := s.ingest.Ingest(ctx, evs)
		var verr *event.ValidationError
		switch {
		case err == nil:
			return s.commit(ctx, msg)
		case errors.Is(err, queue.ErrQueueFull):
			s.logger.Debug("queue full, backing off", logpkg.Dur("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, s.maxBackoff)
		case errors.Is(err, runtime.ErrClosed), errors.Is(err, queue.ErrClosed):
			return fmt.Errorf("%w: runtime closed", suture.ErrDoNotRestart)
		case errors.As(err, &verr), errors.Is(err, queue.ErrBatchTooLarge):
			s.logger.Warn("skipping rejected message",
				logpkg.Int("partition", msg.Partition),
				logpkg.Int64("offset", msg.Offset),
				logpkg.Int("events", len(evs)),
				logpkg.Err(err))
			return s.commit(ctx, msg)
		default:
			return fmt.Errorf("kafka ingest: %w", err)
		}
	}
}

func (s *Source) commit(ctx context.Context, msg kafkago.Message) error {
	if err := s.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka commit: %w", err)
	}
	return nil
}

// Close closes the underlying reader.
func (s *Source) Close() error { return s.reader.Close() }

func (s *Source) String() string { return "kafka-source" }

// decodeMessage accepts either a batch body {"events":[...]} or a single
// event. Missing topic and source default to the Kafka topic.
func decodeMessage(msg kafkago.Message) ([]event.Event, error) {
	var batch struct {
		Events []event.Event `json:"events"`
	}
	if err := json.Unmarshal(msg.Value, &batch); err != nil {
		return nil, err
	}
	evs := batch.Events
	if evs == nil {
		var ev event.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return nil, err
		}
		evs = []event.Event{ev}
	}
	for i := range evs {
		if evs[i].Topic == "" {
			evs[i].Topic = msg.Topic
		}
		if evs[i].Source == "" {
			evs[i].Source = "kafka:" + msg.Topic
		}
	}
	return evs, nil
}
