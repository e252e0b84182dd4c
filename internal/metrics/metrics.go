// Package metrics exposes Prometheus collectors for the audit service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors observed by the pipeline and API layers.
type Metrics struct {
	auditsTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	auditDuration prometheus.Histogram
	activeAudits  prometheus.Gauge
	rateLimited   prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers the service collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		auditsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_jobs_total",
				Help: "Total number of audits reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_stage_duration_seconds",
				Help:    "Histogram of per-stage pipeline latencies, labeled by stage.",
				Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 30, 60},
			},
			[]string{"stage"},
		),
		auditDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audit_duration_seconds",
				Help:    "Histogram of end-to-end audit pipeline latencies.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
		),
		activeAudits: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_active_pipelines",
				Help: "Number of audit pipelines currently running.",
			},
		),
		rateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_rate_limited_total",
				Help: "Total number of submissions rejected by the rate limiter.",
			},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_http_requests_total",
				Help: "Total HTTP requests served, labeled by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "route"},
		),
	}
}

// AuditStarted marks a pipeline as in flight.
func (m *Metrics) AuditStarted() {
	if m == nil {
		return
	}
	m.activeAudits.Inc()
}

// AuditFinished records a terminal outcome and the end-to-end duration.
func (m *Metrics) AuditFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeAudits.Dec()
	m.auditsTotal.WithLabelValues(status).Inc()
	m.auditDuration.Observe(d.Seconds())
}

// ObserveStage records one pipeline stage's latency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RateLimited counts a rejected submission.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
