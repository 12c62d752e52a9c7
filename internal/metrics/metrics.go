// Package metrics holds the prometheus collectors for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	MessagesConsumed  *prometheus.CounterVec
	MessagesFiltered  *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	PublishFailures   prometheus.Counter
	StageOutcomes     *prometheus.CounterVec
	DedupeHits        prometheus.Counter
	HandleDuration    *prometheus.HistogramVec
	ActiveSessions    prometheus.Gauge
	CoolingChecks     prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demised_messages_consumed_total",
			Help: "Messages received by a stage, including ones it filtered out.",
		}, []string{"stage"}),
		MessagesFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demised_messages_filtered_total",
			Help: "Messages dropped by a stage's routing predicate.",
		}, []string{"stage"}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demised_messages_published_total",
			Help: "Messages published to the pipeline subject, by action.",
		}, []string{"action"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "demised_publish_failures_total",
			Help: "Publishes that were not acknowledged by the broker.",
		}),
		StageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demised_stage_outcomes_total",
			Help: "Stage executions by outcome (success, failed, error).",
		}, []string{"stage", "outcome"}),
		DedupeHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "demised_dedupe_hits_total",
			Help: "Redelivered messages suppressed by the idempotency ledger.",
		}),
		HandleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "demised_handle_duration_seconds",
			Help:    "Time spent executing a stage for one message.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "demised_cooling_sessions",
			Help: "Cooling sessions currently being monitored.",
		}),
		CoolingChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "demised_cooling_checks_total",
			Help: "Power status checks performed by the cooling monitor.",
		}),
	}

	reg.MustRegister(
		m.MessagesConsumed, m.MessagesFiltered, m.MessagesPublished,
		m.PublishFailures, m.StageOutcomes, m.DedupeHits, m.HandleDuration,
		m.ActiveSessions, m.CoolingChecks,
	)
	return m
}
