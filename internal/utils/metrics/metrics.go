package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the metering service.
type Metrics struct {
	UsageEventsTotal      *prometheus.CounterVec
	UsageUnitsTotal       *prometheus.CounterVec
	DebitsTotal           *prometheus.CounterVec
	CreditsTotal          *prometheus.CounterVec
	LimitChecksTotal      *prometheus.CounterVec
	LimitCrossingsTotal   prometheus.Counter
	ReportsTotal          *prometheus.CounterVec
	RateLookupsTotal      *prometheus.CounterVec
	RateCacheRefreshes    prometheus.Counter
	ReporterQueueDepth    prometheus.Gauge
	RecordDurationSeconds prometheus.Histogram
}

// New creates all collectors and registers them with the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		UsageEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_total",
			Help:      "Usage events recorded, by feature, model and success.",
		}, []string{"feature", "model", "success"}),

		UsageUnitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_units_total",
			Help:      "Input and output units metered, by model and direction.",
		}, []string{"model", "direction"}),

		DebitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_debits_total",
			Help:      "Ledger debit attempts by outcome (charged, insufficient, unlimited, skipped).",
		}, []string{"outcome"}),

		CreditsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_total",
			Help:      "Ledger credits applied, by entry type.",
		}, []string{"type"}),

		LimitChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limit_checks_total",
			Help:      "Spending limit pre-flight checks, by decision.",
		}, []string{"allowed"}),

		LimitCrossingsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limit_crossings_total",
			Help:      "First-time 100% monthly cap crossings.",
		}),

		ReportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_reports_total",
			Help:      "External billing processor reports, by status (reported, skipped, failed, dropped).",
		}, []string{"status"}),

		RateLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_lookups_total",
			Help:      "Pricing lookups, by source (rate_table, fallback, estimate, zero).",
		}, []string{"source"}),

		RateCacheRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_cache_refreshes_total",
			Help:      "Rate and settings snapshot refreshes from the database.",
		}),

		ReporterQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reporter_queue_depth",
			Help:      "Jobs currently buffered for the billing reporter.",
		}),

		RecordDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "record_duration_seconds",
			Help:      "Latency of the synchronous portion of usage recording.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
