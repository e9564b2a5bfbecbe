// Package dedup implements the idempotency gate: the single place that
// decides whether a (topic, event_id) pair is seen for the first time.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/rzbill/aggregator/internal/schema"
	pebblestore "github.com/rzbill/aggregator/internal/storage/pebble"
	"github.com/rzbill/aggregator/pkg/log"
)

// Store is the subset of the key store the gate needs.
type Store interface {
	InsertIfAbsent(ctx context.Context, key, value []byte) (pebblestore.InsertResult, error)
	DeletePrefix(ctx context.Context, prefix []byte) error
	CountPrefix(prefix []byte) (int, error)
}

// DuplicateCounter receives one call per rejected duplicate.
type DuplicateCounter interface {
	IncDuplicate()
}

// Gate marks (topic, event_id) pairs as processed in the durable store.
type Gate struct {
	store   Store
	counter DuplicateCounter
	logger  log.Logger
}

// NewGate returns a gate over store. Duplicates are reported to counter.
func NewGate(store Store, counter DuplicateCounter, logger log.Logger) *Gate {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Gate{store: store, counter: counter, logger: logger.WithComponent("dedup")}
}

// CheckAndMark records the pair and reports whether it was new.
//
// A duplicate increments the duplicate counter and returns (false, nil). A
// store failure is logged and returned without touching any counter; the
// caller must treat the event as neither unique nor duplicate.
func (g *Gate) CheckAndMark(ctx context.Context, topic, eventID string, ts time.Time) (bool, error) {
	key := KeyFor(topic, eventID)
	res, err := g.store.InsertIfAbsent(ctx, key, EncodeRecord(Record{Topic: topic, Timestamp: ts}))
	if err != nil {
		g.logger.Error("dedup check failed",
			log.Str("topic", topic), log.Str("event_id", eventID), log.Err(err))
		return false, fmt.Errorf("dedup: check %s/%s: %w", topic, eventID, err)
	}

	switch res {
	case pebblestore.Inserted:
		g.logger.Debug("unique event", log.Str("topic", topic), log.Str("event_id", eventID))
		return true, nil
	case pebblestore.AlreadyExists:
		if g.counter != nil {
			g.counter.IncDuplicate()
		}
		g.logger.Debug("duplicate dropped", log.Str("topic", topic), log.Str("event_id", eventID))
		return false, nil
	default:
		return false, fmt.Errorf("dedup: unexpected insert result %v", res)
	}
}

// Clear removes every dedup record. Previously seen pairs become unique again.
func (g *Gate) Clear(ctx context.Context) error {
	if err := g.store.DeletePrefix(ctx, schema.DedupPrefix()); err != nil {
		return fmt.Errorf("dedup: clear: %w", err)
	}
	g.logger.Info("dedup table cleared")
	return nil
}

// Count reports how many pairs are recorded. It scans the whole table.
func (g *Gate) Count() (int, error) {
	n, err := g.store.CountPrefix(schema.DedupPrefix())
	if err != nil {
		return 0, fmt.Errorf("dedup: count: %w", err)
	}
	return n, nil
}
