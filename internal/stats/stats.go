// Package stats holds the process-wide counters and their persisted form.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/rzbill/aggregator/pkg/log"
)

// DefaultKey is the metadata entry holding the persisted snapshot.
const DefaultKey = "system_metrics"

// Row is the persisted form of the counters.
type Row struct {
	Received         uint64            `json:"received"`
	UniqueProcessed  uint64            `json:"unique_processed"`
	DuplicateDropped uint64            `json:"duplicate_dropped"`
	TopicsProcessed  map[string]uint64 `json:"topics_processed"`
	StartTime        time.Time         `json:"start_time"`
}

// Snapshot is a point-in-time view served to queries.
type Snapshot struct {
	Received         uint64            `json:"received"`
	QueueSize        int               `json:"queue_size"`
	UniqueProcessed  uint64            `json:"unique_processed"`
	DuplicateDropped uint64            `json:"duplicate_dropped"`
	TopicsProcessed  map[string]uint64 `json:"topics_processed"`
	UptimeSeconds    float64           `json:"uptime_seconds"`
	StartTime        time.Time         `json:"start_time"`
}

// Topics returns topic names sorted by name.
func (s Snapshot) Topics() []string {
	out := make([]string, 0, len(s.TopicsProcessed))
	for t := range s.TopicsProcessed {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MetadataStore is the part of the key store used for persistence.
type MetadataStore interface {
	GetMetadata(key string) (string, bool, error)
	PutMetadata(ctx context.Context, key, value string) error
}

// Aggregator holds the counters. received is bumped by ingress; the other
// counters are written only by the consumer loop.
type Aggregator struct {
	received  atomic.Uint64
	duplicate atomic.Uint64

	// mu keeps unique and topics in step so their sum always matches.
	mu        sync.RWMutex
	unique    uint64
	topics    map[string]uint64
	startTime time.Time
	baseline  time.Time

	now func() time.Time
}

// New returns zeroed counters with the uptime baseline at now.
func New(now time.Time) *Aggregator {
	return &Aggregator{
		topics:    make(map[string]uint64),
		startTime: now,
		baseline:  now,
		now:       time.Now,
	}
}

// IncReceived counts n admitted events.
func (a *Aggregator) IncReceived(n int) {
	if n > 0 {
		a.received.Add(uint64(n))
	}
}

// RecordUnique counts one unique event for topic.
func (a *Aggregator) RecordUnique(topic string) {
	a.mu.Lock()
	a.unique++
	a.topics[topic]++
	a.mu.Unlock()
}

// IncDuplicate counts one dropped duplicate.
func (a *Aggregator) IncDuplicate() { a.duplicate.Add(1) }

// Snapshot copies the counters. queueSize is reported as is.
func (a *Aggregator) Snapshot(queueSize int) Snapshot {
	a.mu.RLock()
	topics := make(map[string]uint64, len(a.topics))
	for t, n := range a.topics {
		topics[t] = n
	}
	unique := a.unique
	start, baseline := a.startTime, a.baseline
	a.mu.RUnlock()

	uptime := a.now().Sub(baseline).Seconds()
	return Snapshot{
		Received:         a.received.Load(),
		QueueSize:        queueSize,
		UniqueProcessed:  unique,
		DuplicateDropped: a.duplicate.Load(),
		TopicsProcessed:  topics,
		UptimeSeconds:    math.Round(uptime*100) / 100,
		StartTime:        start,
	}
}

func (a *Aggregator) row() Row {
	s := a.Snapshot(0)
	return Row{
		Received:         s.Received,
		UniqueProcessed:  s.UniqueProcessed,
		DuplicateDropped: s.DuplicateDropped,
		TopicsProcessed:  s.TopicsProcessed,
		StartTime:        s.StartTime,
	}
}

// Reset zeroes every counter and moves the uptime baseline to now.
func (a *Aggregator) Reset(now time.Time) {
	a.mu.Lock()
	a.received.Store(0)
	a.duplicate.Store(0)
	a.unique = 0
	a.topics = make(map[string]uint64)
	a.startTime = now
	a.baseline = now
	a.mu.Unlock()
}

// Save writes the counters to the metadata entry key.
func (a *Aggregator) Save(ctx context.Context, store MetadataStore, key string) error {
	b, err := json.Marshal(a.row())
	if err != nil {
		return fmt.Errorf("stats: encode: %w", err)
	}
	if err := store.PutMetadata(ctx, key, string(b)); err != nil {
		return fmt.Errorf("stats: save: %w", err)
	}
	return nil
}

var errInconsistent = errors.New("stats: persisted counters are inconsistent")

// DecodeRow parses and sanity checks a persisted row.
func DecodeRow(raw string) (Row, error) {
	var r Row
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Row{}, fmt.Errorf("stats: decode: %w", err)
	}
	var sum uint64
	for _, n := range r.TopicsProcessed {
		sum += n
	}
	if sum != r.UniqueProcessed || r.Received < r.UniqueProcessed+r.DuplicateDropped {
		return Row{}, errInconsistent
	}
	return r, nil
}

// Load restores counters from the metadata entry key. A missing, unreadable
// or inconsistent entry yields zeroed counters; the latter two log a warning.
// The uptime baseline always starts at the time of the call.
func Load(store MetadataStore, key string, logger log.Logger) *Aggregator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = logger.WithComponent("stats")
	now := time.Now()
	a := New(now)

	raw, ok, err := store.GetMetadata(key)
	if err != nil {
		logger.Warn("stats load failed, starting from zero", log.Str("key", key), log.Err(err))
		return a
	}
	if !ok {
		logger.Info("no persisted stats, starting from zero", log.Str("key", key))
		return a
	}
	r, err := DecodeRow(raw)
	if err != nil {
		logger.Warn("persisted stats unusable, starting from zero", log.Str("key", key), log.Err(err))
		return a
	}

	a.received.Store(r.Received)
	a.duplicate.Store(r.DuplicateDropped)
	a.unique = r.UniqueProcessed
	for t, n := range r.TopicsProcessed {
		a.topics[t] = n
	}
	if !r.StartTime.IsZero() {
		a.startTime = r.StartTime
	}
	logger.Info("stats restored",
		log.Uint64("received", r.Received),
		log.Uint64("unique_processed", r.UniqueProcessed),
		log.Uint64("duplicate_dropped", r.DuplicateDropped))
	return a
}
