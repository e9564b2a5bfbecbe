// Package metrics exposes Prometheus collectors for the ingest pipeline,
// the key store and the HTTP surface. Each Metrics value owns its registry
// so several runtimes can coexist in one process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rzbill/aggregator/internal/consumer"
)

const namespace = "aggregator"

// Rejection reasons used by IncRejected.
const (
	ReasonQueueFull = "queue_full"
	ReasonTooLarge  = "batch_too_large"
	ReasonInvalid   = "invalid"
	ReasonClosed    = "closed"
)

// Metrics holds every collector.
type Metrics struct {
	reg *prometheus.Registry

	admitted       prometheus.Counter
	rejected       *prometheus.CounterVec
	processed      *prometheus.CounterVec
	processingTime prometheus.Histogram
	resets         prometheus.Counter

	storeCommit    prometheus.Histogram
	storeReadBytes prometheus.Counter
	storeErrors    *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		admitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_admitted_total",
			Help: "Events accepted into the admission queue.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_rejected_total",
			Help: "Events refused at ingress, by reason.",
		}, []string{"reason"}),
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_processed_total",
			Help: "Events handled by the consumer, by outcome.",
		}, []string{"outcome"}),
		processingTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "event_processing_seconds",
			Help:    "Time spent handling one event, excluding pacing.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		resets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "resets_total",
			Help: "Completed reset operations.",
		}),
		storeCommit: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "store", Name: "commit_seconds",
			Help:    "Latency of synced batch commits.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		storeReadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "read_bytes_total",
			Help: "Bytes returned by point reads.",
		}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "errors_total",
			Help: "Store operations that failed, by operation.",
		}, []string{"op"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RegisterQueueDepth exposes depth and capacity as gauges read on scrape.
func (m *Metrics) RegisterQueueDepth(depth, capacity func() int) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "queue", Name: "depth",
		Help: "Events waiting in the admission queue.",
	}, func() float64 { return float64(depth()) })
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "queue", Name: "capacity",
		Help: "Admission queue capacity.",
	}, func() float64 { return float64(capacity()) })
}

// RegisterRetained exposes the retained list length and the number of
// events the retention limit has evicted.
func (m *Metrics) RegisterRetained(length func() int, evicted func() uint64) {
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "retained_events",
		Help: "Unique events held in memory for queries.",
	}, func() float64 { return float64(length()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "retained_evicted_total",
		Help: "Retained events dropped by the retention limit.",
	}, func() float64 { return float64(evicted()) })
}

func (m *Metrics) AddAdmitted(n int) { m.admitted.Add(float64(n)) }

func (m *Metrics) IncRejected(reason string, n int) {
	m.rejected.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) IncReset() { m.resets.Inc() }

// ObserveOutcome implements consumer.Observer.
func (m *Metrics) ObserveOutcome(o consumer.Outcome, elapsed time.Duration) {
	m.processed.WithLabelValues(o.String()).Inc()
	m.processingTime.Observe(elapsed.Seconds())
}

// Store returns a pebblestore.MetricsHook backed by m.
func (m *Metrics) Store() StoreHook { return StoreHook{m: m} }

// StoreHook adapts Metrics to the key store's hook interface.
type StoreHook struct{ m *Metrics }

func (h StoreHook) ObserveRead(_ time.Duration, bytes int) {
	h.m.storeReadBytes.Add(float64(bytes))
}

func (h StoreHook) ObserveBatchCommit(elapsed time.Duration, _ int) {
	h.m.storeCommit.Observe(elapsed.Seconds())
}

func (h StoreHook) ObserveError(op string) { h.m.storeErrors.WithLabelValues(op).Inc() }

// Middleware records request counts and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
