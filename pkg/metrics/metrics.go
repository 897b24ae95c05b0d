// Package metrics exposes the platform's Prometheus instrumentation. A
// single Metrics instance is created at wiring time and handed to the
// gateway, which serves the exposition on /metrics (loopback-only,
// unauthenticated). Gauges added with RegisterGaugeFunc read live component
// state; the counters, the task-duration histogram and the audit head gauge
// are registered but no component records to them, so they stay at zero.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the platform records.
type Metrics struct {
	registry *prometheus.Registry

	TasksTotal          *prometheus.CounterVec
	TaskDuration        prometheus.Histogram
	SwarmRunsTotal      *prometheus.CounterVec
	DelegationsTotal    *prometheus.CounterVec
	AuditHeadSeq        prometheus.Gauge
	RateLimitDenials    *prometheus.CounterVec
	IntegrationMessages *prometheus.CounterVec
}

// New creates the registry with all platform collectors plus the standard
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tasks_total",
			Help: "Tasks by terminal status.",
		}, []string{"status", "type"}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_task_duration_seconds",
			Help:    "Wall time of terminal tasks.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		SwarmRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_swarm_runs_total",
			Help: "Swarm runs by terminal status and strategy.",
		}, []string{"status", "strategy"}),
		DelegationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_delegations_total",
			Help: "Delegations by terminal status.",
		}, []string{"status"}),
		AuditHeadSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_audit_head_seq",
			Help: "Sequence number at the audit chain head.",
		}),
		RateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_rate_limit_denials_total",
			Help: "Admission denials by rule.",
		}, []string{"rule"}),
		IntegrationMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_integration_messages_total",
			Help: "Platform messages by integration and direction.",
		}, []string{"integration_id", "direction"}),
	}

	reg.MustRegister(
		m.TasksTotal, m.TaskDuration,
		m.SwarmRunsTotal, m.DelegationsTotal, m.AuditHeadSeq,
		m.RateLimitDenials, m.IntegrationMessages,
	)
	return m
}

// RegisterGaugeFunc registers a live gauge backed by a callback, for values
// owned by another component (scheduler load, hub client count).
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, fn))
}

// Handler returns the Prometheus text exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
