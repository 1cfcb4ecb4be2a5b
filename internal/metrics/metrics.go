// Package metrics holds the Prometheus instruments for the tracking engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the tracking engine.
type Metrics struct {
	// Ingestion
	FixesAccepted *prometheus.CounterVec
	FixesRejected *prometheus.CounterVec
	IngestLatency *prometheus.HistogramVec

	// Alerts
	AlertsEmitted *prometheus.CounterVec

	// Fan-out
	HubSessions  prometheus.Gauge
	HubDelivered *prometheus.CounterVec

	// Persistence
	HistoryWrites  *prometheus.CounterVec
	HistoryLatency prometheus.Histogram

	// Degraded-mode flags: 1 means the tier is down.
	CacheDegraded   prometheus.Gauge
	HistoryDegraded prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses the
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		FixesAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safetrail_fixes_accepted_total",
				Help: "Position fixes accepted into the engine",
			},
			[]string{"role"},
		),

		FixesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safetrail_fixes_rejected_total",
				Help: "Position fixes rejected before state update",
			},
			[]string{"reason"}, // validation, rate_limited, consent, stale, unauthorized
		),

		IngestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "safetrail_ingest_duration_seconds",
				Help:    "End-to-end ingest pipeline duration per fix",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		AlertsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safetrail_alerts_emitted_total",
				Help: "Alerts emitted after dedupe",
			},
			[]string{"kind", "severity"},
		),

		HubSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "safetrail_hub_sessions",
				Help: "Currently connected websocket sessions",
			},
		),

		HubDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safetrail_hub_messages_delivered_total",
				Help: "Messages delivered to websocket sessions",
			},
			[]string{"verb"},
		),

		HistoryWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safetrail_history_writes_total",
				Help: "Durable history appends by outcome",
			},
			[]string{"outcome"}, // ok, error, skipped
		),

		HistoryLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "safetrail_history_write_duration_seconds",
				Help:    "Durable history append duration",
				Buckets: prometheus.DefBuckets,
			},
		),

		CacheDegraded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "safetrail_cache_degraded",
				Help: "1 when the live-position cache is unreachable",
			},
		),

		HistoryDegraded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "safetrail_history_degraded",
				Help: "1 when the history database is unreachable",
			},
		),
	}
}
