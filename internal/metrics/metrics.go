// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the billing collectors.
type Metrics struct {
	registry *prometheus.Registry

	TransitionsTotal     *prometheus.CounterVec
	LedgerReplaysTotal   *prometheus.CounterVec
	SelfHealTotal        *prometheus.CounterVec
	JobRunsTotal         *prometheus.CounterVec
	JobDuration          *prometheus.HistogramVec
	LockSkipsTotal       *prometheus.CounterVec
	PaymentAttemptsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_transitions_total",
				Help: "Subscription lifecycle events written to the ledger",
			},
			[]string{"event_type"},
		),
		LedgerReplaysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_ledger_replays_total",
				Help: "Ledger writes that found an existing event and did nothing",
			},
			[]string{"event_type"},
		),
		SelfHealTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_self_heal_total",
				Help: "Confirmations that had to recover missing or voided records",
			},
			[]string{"kind"},
		),
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_job_runs_total",
				Help: "Scheduled job runs by outcome",
			},
			[]string{"job", "outcome"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_job_duration_seconds",
				Help:    "Scheduled job run duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		LockSkipsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_lock_skips_total",
				Help: "Work skipped because a lock was held elsewhere",
			},
			[]string{"scope"},
		),
		PaymentAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_payment_attempts_total",
				Help: "Payment collaborator calls by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		m.TransitionsTotal,
		m.LedgerReplaysTotal,
		m.SelfHealTotal,
		m.JobRunsTotal,
		m.JobDuration,
		m.LockSkipsTotal,
		m.PaymentAttemptsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
