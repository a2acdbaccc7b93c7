// Package metrics defines the Prometheus collectors for the router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector. A single instance is constructed at
// startup and injected where needed; tests build their own against a fresh
// registry.
type Metrics struct {
	Registry *prometheus.Registry

	JobsProcessed *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsDead      *prometheus.CounterVec

	EscalationsOpened   *prometheus.CounterVec
	EscalationsResolved *prometheus.CounterVec
	KnowledgeLearned    *prometheus.CounterVec

	ReconnectAttempts *prometheus.CounterVec
	Connected         *prometheus.GaugeVec

	QueueDepth prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapflow_jobs_processed_total",
			Help: "Inbound jobs processed successfully.",
		}, []string{"tenant", "role"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapflow_jobs_failed_total",
			Help: "Job processing failures, before retry accounting.",
		}, []string{"tenant"}),
		JobsDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapflow_jobs_dead_lettered_total",
			Help: "Jobs moved to the dead-letter sink.",
		}, []string{"tenant"}),
		EscalationsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapflow_escalations_opened_total",
			Help: "Escalation records created.",
		}, []string{"tenant", "trigger"}),
		EscalationsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapflow_escalations_resolved_total",
			Help: "Escalation records resolved.",
		}, []string{"tenant"}),
		KnowledgeLearned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapflow_knowledge_entries_total",
			Help: "Knowledge entries learned from escalations.",
		}, []string{"tenant"}),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapflow_reconnect_attempts_total",
			Help: "Transport reconnect attempts scheduled.",
		}, []string{"key"}),
		Connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zapflow_transport_connected",
			Help: "Whether a tenant-instance transport is connected.",
		}, []string{"key"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zapflow_queue_depth",
			Help: "Jobs waiting or leased in the inbound queue.",
		}),
	}

	reg.MustRegister(
		m.JobsProcessed, m.JobsFailed, m.JobsDead,
		m.EscalationsOpened, m.EscalationsResolved, m.KnowledgeLearned,
		m.ReconnectAttempts, m.Connected, m.QueueDepth,
	)
	return m
}
