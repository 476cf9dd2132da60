// Package metrics exposes the Prometheus instrumentation for the
// server. All collectors live on a private registry so tests can build
// isolated instances without tripping duplicate-registration panics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the server reports.
type Metrics struct {
	registry *prometheus.Registry

	TriggerFires   *prometheus.CounterVec
	ActionOutcomes *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	ActionSlots    prometheus.Gauge
	BundleBuilds   *prometheus.CounterVec
	BuildDuration  prometheus.Histogram
	Downloads      *prometheus.CounterVec
	AuthAttempts   *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TriggerFires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "latchflow_trigger_fires_total",
				Help: "Trigger events emitted, by capability key.",
			},
			[]string{"capability"},
		),

		ActionOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "latchflow_action_outcomes_total",
				Help: "Action invocation attempts by final status.",
			},
			[]string{"capability", "status"},
		),

		ActionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "latchflow_action_duration_seconds",
				Help:    "Wall time of action executions.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"capability"},
		),

		ActionSlots: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "latchflow_action_slots_in_use",
				Help: "Concurrency slots currently held by running actions.",
			},
		),

		BundleBuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "latchflow_bundle_builds_total",
				Help: "Bundle builds by result (success, failure, noop).",
			},
			[]string{"result"},
		),

		BuildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "latchflow_bundle_build_duration_seconds",
				Help:    "Wall time of bundle archive builds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		Downloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "latchflow_downloads_total",
				Help: "Recipient download attempts by result.",
			},
			[]string{"result"},
		),

		AuthAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "latchflow_auth_attempts_total",
				Help: "Authentication attempts by flow and result.",
			},
			[]string{"flow", "result"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTriggerFire counts one emitted trigger event.
func (m *Metrics) RecordTriggerFire(capability string) {
	m.TriggerFires.WithLabelValues(capability).Inc()
}

// RecordActionOutcome counts one finished invocation attempt and its
// duration.
func (m *Metrics) RecordActionOutcome(capability, status string, elapsed time.Duration) {
	m.ActionOutcomes.WithLabelValues(capability, status).Inc()
	m.ActionDuration.WithLabelValues(capability).Observe(elapsed.Seconds())
}

// RecordBundleBuild counts one build outcome.
func (m *Metrics) RecordBundleBuild(result string, elapsed time.Duration) {
	m.BundleBuilds.WithLabelValues(result).Inc()
	m.BuildDuration.Observe(elapsed.Seconds())
}

// RecordDownload counts one download attempt outcome.
func (m *Metrics) RecordDownload(result string) {
	m.Downloads.WithLabelValues(result).Inc()
}

// RecordAuthAttempt counts one auth flow outcome.
func (m *Metrics) RecordAuthAttempt(flow, result string) {
	m.AuthAttempts.WithLabelValues(flow, result).Inc()
}

// Gather returns the current families; used by the shutdown flush to
// log a final snapshot before the process exits.
func (m *Metrics) Gather() ([]*MetricSnapshot, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make([]*MetricSnapshot, 0, len(families))
	for _, fam := range families {
		var total float64
		for _, metric := range fam.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
		out = append(out, &MetricSnapshot{Name: fam.GetName(), Total: total})
	}
	return out, nil
}

// MetricSnapshot is a flattened family total for the shutdown log line.
type MetricSnapshot struct {
	Name  string
	Total float64
}
