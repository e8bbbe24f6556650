// Package metrics owns the prometheus collectors for one connector instance.
// Collectors are registered on a per-instance registry, never the global one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spot_connect"

type Metrics struct {
	Requests         *prometheus.CounterVec
	Retries          prometheus.Counter
	RateLimited      prometheus.Counter
	StreamMessages   *prometheus.CounterVec
	InvalidMessages  prometheus.Counter
	StateTransitions *prometheus.CounterVec
	LifecycleDropped prometheus.Counter
	Reconnects       prometheus.Counter
	Resyncs          *prometheus.CounterVec
	BufferOverflows  *prometheus.CounterVec
	BookSynced       *prometheus.GaugeVec
	AppliedDiffs     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates collectors on a fresh registry that also exports Go runtime stats.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := newMetrics()
	m.registry = reg
	m.register(reg)
	return m
}

// Discard returns unregistered collectors for components built without metrics.
func Discard() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rest_requests_total",
			Help:      "REST attempts by path and outcome.",
		}, []string{"path", "outcome"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rest_retries_total",
			Help:      "REST attempts repeated after a transient failure.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rest_rate_limited_total",
			Help:      "Requests refused by the local token bucket.",
		}),
		StreamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "Decoded stream messages by kind.",
		}, []string{"kind"}),
		InvalidMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_invalid_messages_total",
			Help:      "Stream frames dropped because they could not be decoded.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_state_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"to"}),
		LifecycleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_lifecycle_dropped_total",
			Help:      "Lifecycle events dropped because no consumer kept up.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Connection attempts after a failure.",
		}),
		Resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "book_resyncs_total",
			Help:      "Snapshot requests by symbol and reason.",
		}, []string{"symbol", "reason"}),
		BufferOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "book_buffer_overflows_total",
			Help:      "Unsynced diff buffers that hit their limit.",
		}, []string{"symbol"}),
		BookSynced: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "book_synced",
			Help:      "1 when the local book for the symbol is synced.",
		}, []string{"symbol"}),
		AppliedDiffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "book_applied_diffs_total",
			Help:      "Diff events applied to local books.",
		}, []string{"symbol"}),
	}
}

func (m *Metrics) register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.Requests,
		m.Retries,
		m.RateLimited,
		m.StreamMessages,
		m.InvalidMessages,
		m.StateTransitions,
		m.LifecycleDropped,
		m.Reconnects,
		m.Resyncs,
		m.BufferOverflows,
		m.BookSynced,
		m.AppliedDiffs,
	)
}

// RegisterGauge exports a value sampled at scrape time, e.g. bucket tokens.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m.registry == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
