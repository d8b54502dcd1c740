package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

// Metrics exposes stage counters on a private Prometheus registry. It
// implements telemetry.Telemetry so the stage service records into it
// directly.
type Metrics struct {
	registry *prometheus.Registry

	stageRequests *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	items         *prometheus.CounterVec
	findings      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doomscope_stage_requests_total",
			Help: "Stage runs handled, by final status",
		}, []string{"stage", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doomscope_stage_duration_seconds",
			Help:    "Stage run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"stage"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doomscope_items_total",
			Help: "Fan-out items processed, by outcome",
		}, []string{"stage", "outcome"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doomscope_findings_total",
			Help: "Findings reported, by severity",
		}, []string{"stage", "severity"}),
	}
	m.registry.MustRegister(m.stageRequests, m.stageDuration, m.items, m.findings)
	return m
}

func (m *Metrics) RecordStage(stage string, status types.StageStatus, elapsed time.Duration) {
	m.stageRequests.WithLabelValues(stage, string(status)).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordItems(stage string, succeeded, failed int) {
	m.items.WithLabelValues(stage, "success").Add(float64(succeeded))
	m.items.WithLabelValues(stage, "failure").Add(float64(failed))
}

func (m *Metrics) RecordFinding(stage string, severity types.Severity) {
	m.findings.WithLabelValues(stage, string(severity)).Inc()
}

func (m *Metrics) Close() error { return nil }

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
