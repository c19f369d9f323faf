// Package metrics exposes Prometheus instrumentation for the delivery pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hostlink"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	DeliveriesTotal    *prometheus.CounterVec
	AttemptDuration    *prometheus.HistogramVec
	OutboxSweepItems   *prometheus.CounterVec
	PersistentFailures prometheus.Counter
	InboundTransfers   *prometheus.CounterVec
	FeedItemsTotal     *prometheus.CounterVec
	AwaitingKeys       prometheus.Gauge
}

// New creates collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transit",
				Name:      "deliveries_total",
				Help:      "Per-recipient delivery attempts by entry point and resulting status",
			},
			[]string{"path", "status"},
		),

		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "transit",
				Name:      "attempt_duration_seconds",
				Help:      "Duration of one outbound attempt in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		OutboxSweepItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "sweep_items_total",
				Help:      "Items handled by outbox sweeps by result (completed, retried, dead)",
			},
			[]string{"result"},
		),

		PersistentFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "persistent_failures_total",
				Help:      "Items that exceeded the attempt cap",
			},
		),

		InboundTransfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "perimeter",
				Name:      "transfers_total",
				Help:      "Inbound perimeter requests by kind and response code",
			},
			[]string{"kind", "code"},
		),

		FeedItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "feed",
				Name:      "items_total",
				Help:      "Feed distribution decisions and deliveries by result",
			},
			[]string{"result"},
		),

		AwaitingKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transit",
				Name:      "awaiting_transfer_keys",
				Help:      "Recipients waiting for a capability token after the last key sweep",
			},
		),
	}

	m.registry.MustRegister(
		m.DeliveriesTotal,
		m.AttemptDuration,
		m.OutboxSweepItems,
		m.PersistentFailures,
		m.InboundTransfers,
		m.FeedItemsTotal,
		m.AwaitingKeys,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordDelivery counts one per-recipient result.
func (m *Metrics) RecordDelivery(path, status string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(path, status).Inc()
}

// RecordAttemptDuration observes the time one attempt took.
func (m *Metrics) RecordAttemptDuration(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.AttemptDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordSweepItem counts one outbox item handled by a sweep.
func (m *Metrics) RecordSweepItem(result string) {
	if m == nil {
		return
	}
	m.OutboxSweepItems.WithLabelValues(result).Inc()
}

// RecordPersistentFailure counts one item moved to the dead state.
func (m *Metrics) RecordPersistentFailure() {
	if m == nil {
		return
	}
	m.PersistentFailures.Inc()
}

// RecordInbound counts one perimeter response.
func (m *Metrics) RecordInbound(kind, code string) {
	if m == nil {
		return
	}
	m.InboundTransfers.WithLabelValues(kind, code).Inc()
}

// RecordFeed counts one feed router result.
func (m *Metrics) RecordFeed(result string) {
	if m == nil {
		return
	}
	m.FeedItemsTotal.WithLabelValues(result).Inc()
}

// SetAwaitingKeys sets the awaiting-key gauge.
func (m *Metrics) SetAwaitingKeys(n int) {
	if m == nil {
		return
	}
	m.AwaitingKeys.Set(float64(n))
}
