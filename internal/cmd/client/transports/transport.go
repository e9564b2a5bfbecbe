package transports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/aggregator/internal/event"
	"github.com/rzbill/aggregator/internal/stats"
)

// ErrQueueFull is returned when the server signals backpressure (503).
var ErrQueueFull = errors.New("aggregator queue full")

// StatusError is a non-success response that is not backpressure.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Message)
}

// BackpressureError carries the server's retry hint along with ErrQueueFull.
type BackpressureError struct {
	RetryAfter time.Duration
}

func (e *BackpressureError) Error() string { return ErrQueueFull.Error() }
func (e *BackpressureError) Unwrap() error { return ErrQueueFull }

// PublishResult mirrors the 202 body of POST /publish.
type PublishResult struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// ResetResult mirrors the body of POST /reset-stats.
type ResetResult struct {
	Status          string `json:"status"`
	Message         string `json:"message"`
	DiscardedQueued int    `json:"discarded_queued"`
	ClearedRetained int    `json:"cleared_retained"`
}

// Transport abstracts how the CLI reaches an aggregator.
type Transport interface {
	Publish(ctx context.Context, evs []event.Event) (PublishResult, error)
	Stats(ctx context.Context) (stats.Snapshot, error)
	Events(ctx context.Context, topic, filter string) ([]event.Event, error)
	Reset(ctx context.Context) (ResetResult, error)
	Health(ctx context.Context) error
}
