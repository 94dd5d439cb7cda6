// Package metrics provides Prometheus metrics for the chat runtime.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. Each instance owns its registry so several
// runtimes (and tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Session metrics
	SessionsCached    prometheus.Gauge
	SessionLoadsTotal prometheus.Counter
	FlushesTotal      prometheus.Counter
	StreamsTotal      *prometheus.CounterVec

	// Recovery metrics
	DirtyResponsesRepairedTotal prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notechat_store_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notechat_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	m.SessionsCached = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "notechat_sessions_cached",
			Help: "Number of session runtimes currently cached",
		},
	)

	m.SessionLoadsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "notechat_session_loads_total",
			Help: "Total number of session loads that reached the store",
		},
	)

	m.FlushesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "notechat_stream_flushes_total",
			Help: "Total number of coalesced partial writes during streaming",
		},
	)

	m.StreamsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notechat_streams_total",
			Help: "Total number of finished generations by terminal state",
		},
		[]string{"state"},
	)

	m.DirtyResponsesRepairedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "notechat_dirty_responses_repaired_total",
			Help: "Total number of orphaned streaming responses rewritten by the recovery sweep",
		},
	)

	return m
}

// Handler returns the HTTP handler exposing this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordStoreOperation records a store operation. Safe on a nil receiver.
func (m *Metrics) RecordStoreOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordFlush counts one coalesced partial write. Safe on a nil receiver.
func (m *Metrics) RecordFlush() {
	if m == nil {
		return
	}
	m.FlushesTotal.Inc()
}

// RecordStream counts a finished generation. Safe on a nil receiver.
func (m *Metrics) RecordStream(state string) {
	if m == nil {
		return
	}
	m.StreamsTotal.WithLabelValues(state).Inc()
}

// RecordSessionLoad counts a session load and updates the cache gauge. Safe on a nil receiver.
func (m *Metrics) RecordSessionLoad(cached int) {
	if m == nil {
		return
	}
	m.SessionLoadsTotal.Inc()
	m.SessionsCached.Set(float64(cached))
}

// SetSessionsCached updates the cache gauge. Safe on a nil receiver.
func (m *Metrics) SetSessionsCached(cached int) {
	if m == nil {
		return
	}
	m.SessionsCached.Set(float64(cached))
}

// RecordRepaired counts rewritten dirty responses. Safe on a nil receiver.
func (m *Metrics) RecordRepaired(n int) {
	if m == nil {
		return
	}
	m.DirtyResponsesRepairedTotal.Add(float64(n))
}
