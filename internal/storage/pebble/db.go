package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways forces a WAL fsync on every committed batch.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever never forces a WAL sync from the application.
	FsyncModeNever
)

// ParseFsyncMode maps "always", "interval" and "never" to a FsyncMode.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "", "always":
		return FsyncModeAlways, nil
	case "interval":
		return FsyncModeInterval, nil
	case "never":
		return FsyncModeNever, nil
	default:
		return FsyncModeUnspecified, fmt.Errorf("pebble: unknown fsync mode %q", s)
	}
}

// InsertResult reports the outcome of InsertIfAbsent.
type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// ErrClosed is wrapped by StoreError when the database has been closed.
var ErrClosed = errors.New("pebble: database closed")

// StoreError wraps every I/O failure surfaced by DB.
type StoreError struct {
	Op  string
	Key []byte
	Err error
}

func (e *StoreError) Error() string {
	if len(e.Key) == 0 {
		return fmt.Sprintf("pebble %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("pebble %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, key []byte, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Key: append([]byte(nil), key...), Err: err}
}

// metaPrefix namespaces the metadata table.
var metaPrefix = []byte("m/")

// MetaKey returns the storage key of metadata entry name.
func MetaKey(name string) []byte {
	return append(append(make([]byte, 0, len(metaPrefix)+len(name)), metaPrefix...), name...)
}

// Options configures the Pebble store wrapper.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL. Unspecified means Always.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning of Pebble.
	PebbleOptions *pebble.Options
	// Metrics observes read and commit latencies. Optional.
	Metrics MetricsHook
}

// MetricsHook is a minimal hook surface for storage observations.
type MetricsHook interface {
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, bytes int)
	ObserveError(op string)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveRead(time.Duration, int)        {}
func (NoopMetrics) ObserveBatchCommit(time.Duration, int) {}
func (NoopMetrics) ObserveError(string)                   {}

// DB wraps a Pebble database with an fsync policy, an atomic insert-if-absent
// primitive and a small metadata table.
type DB struct {
	// mu serializes writers so the read-then-write in InsertIfAbsent is
	// atomic; readers share it so Close cannot race an in-flight Get.
	mu        sync.RWMutex
	inner     *pebble.DB
	closed    bool
	writeSync bool
	metrics   MetricsHook
}

// Open creates or opens a Pebble database with the provided options.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	switch opts.Fsync {
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		interval := opts.FsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncModeNever:
	default:
		opts.Fsync = FsyncModeAlways
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, storeErr("open", nil, err)
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &DB{
		inner:     inner,
		writeSync: opts.Fsync != FsyncModeNever,
		metrics:   metrics,
	}, nil
}

// Close flushes and closes the Pebble database. It is safe to call twice.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	if err := db.inner.Flush(); err != nil {
		_ = db.inner.Close()
		return storeErr("flush", nil, err)
	}
	return storeErr("close", nil, db.inner.Close())
}

// Closed reports whether Close has been called.
func (db *DB) Closed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}

func (db *DB) writeOptions() *pebble.WriteOptions {
	if db.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// commit applies b with the configured fsync policy. Callers hold db.mu.
func (db *DB) commit(op string, key []byte, b *pebble.Batch) error {
	start := time.Now()
	size := b.Len()
	if err := b.Commit(db.writeOptions()); err != nil {
		db.metrics.ObserveError(op)
		return storeErr(op, key, err)
	}
	db.metrics.ObserveBatchCommit(time.Since(start), size)
	return nil
}

// get reads key without locking. ok is false when the key is absent.
func (db *DB) get(op string, key []byte) (val []byte, ok bool, err error) {
	start := time.Now()
	raw, closer, err := db.inner.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		db.metrics.ObserveError(op)
		return nil, false, storeErr(op, key, err)
	}
	val = append([]byte(nil), raw...)
	_ = closer.Close()
	db.metrics.ObserveRead(time.Since(start), len(val))
	return val, true, nil
}

// InsertIfAbsent writes key=value unless key already exists. The existence
// check and the synced commit happen under one writer lock, so concurrent
// callers on the same key see exactly one Inserted.
func (db *DB) InsertIfAbsent(ctx context.Context, key, value []byte) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr("insert", key, err)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, storeErr("insert", key, ErrClosed)
	}

	_, exists, err := db.get("insert", key)
	if err != nil {
		return 0, err
	}
	if exists {
		return AlreadyExists, nil
	}

	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Set(key, value, nil); err != nil {
		return 0, storeErr("insert", key, err)
	}
	if err := db.commit("insert", key, b); err != nil {
		return 0, err
	}
	return Inserted, nil
}

// Get copies the value for key. ok is false when the key does not exist.
func (db *DB) Get(key []byte) (val []byte, ok bool, err error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, false, storeErr("get", key, ErrClosed)
	}
	return db.get("get", key)
}

// DeletePrefix removes every key that starts with prefix in one synced batch.
func (db *DB) DeletePrefix(ctx context.Context, prefix []byte) error {
	if err := ctx.Err(); err != nil {
		return storeErr("delete_prefix", prefix, err)
	}
	if len(prefix) == 0 {
		return storeErr("delete_prefix", prefix, errors.New("empty prefix"))
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storeErr("delete_prefix", prefix, ErrClosed)
	}

	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(prefix, PrefixEnd(prefix), nil); err != nil {
		return storeErr("delete_prefix", prefix, err)
	}
	return db.commit("delete_prefix", prefix, b)
}

// CountPrefix counts keys that start with prefix.
func (db *DB) CountPrefix(prefix []byte) (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return 0, storeErr("count_prefix", prefix, ErrClosed)
	}
	iter, err := db.inner.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: PrefixEnd(prefix)})
	if err != nil {
		return 0, storeErr("count_prefix", prefix, err)
	}
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	if err := iter.Close(); err != nil {
		return 0, storeErr("count_prefix", prefix, err)
	}
	return n, nil
}

// GetMetadata reads metadata entry name.
func (db *DB) GetMetadata(name string) (string, bool, error) {
	val, ok, err := db.Get(MetaKey(name))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(val), true, nil
}

// PutMetadata writes metadata entry name, replacing any previous value.
func (db *DB) PutMetadata(ctx context.Context, name, value string) error {
	key := MetaKey(name)
	if err := ctx.Err(); err != nil {
		return storeErr("put_metadata", key, err)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storeErr("put_metadata", key, ErrClosed)
	}

	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Set(key, []byte(value), nil); err != nil {
		return storeErr("put_metadata", key, err)
	}
	return db.commit("put_metadata", key, b)
}

// PrefixEnd returns the smallest key greater than every key with prefix.
// A prefix of all 0xff bytes has no upper bound and yields nil.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
