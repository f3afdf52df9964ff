package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mslt/pkg/domain"
)

// PrometheusMetricsRecorder exports operation latency, result counters and the
// latest per-scenario totals on its own registry.
type PrometheusMetricsRecorder struct {
	registry   *prometheus.Registry
	duration   *prometheus.HistogramVec
	results    *prometheus.CounterVec
	population *prometheus.GaugeVec
	haly       *prometheus.GaugeVec
	deaths     *prometheus.GaugeVec
}

// NewPrometheusMetricsRecorder registers the engine collectors on a fresh
// registry. A nil registry creates one.
func NewPrometheusMetricsRecorder(registry *prometheus.Registry) *PrometheusMetricsRecorder {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)
	return &PrometheusMetricsRecorder{
		registry: registry,
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mslt_operation_duration_seconds",
			Help:    "Duration of engine operations",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
		}, []string{"operation"}),
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mslt_operations_total",
			Help: "Engine operations by outcome",
		}, []string{"operation", "status"}),
		population: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mslt_population",
			Help: "Population after the latest step",
		}, []string{"scenario"}),
		haly: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mslt_haly",
			Help: "Health-adjusted life years accrued in the latest step",
		}, []string{"scenario"}),
		deaths: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mslt_deaths",
			Help: "Deaths in the latest step",
		}, []string{"scenario"}),
	}
}

// Registry exposes the registry for scraping or textfile export.
func (r *PrometheusMetricsRecorder) Registry() *prometheus.Registry { return r.registry }

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.duration.WithLabelValues(operation).Observe(duration.Seconds())
	r.results.WithLabelValues(operation, status).Inc()
}

// RecordTotals implements TotalsRecorder.
func (r *PrometheusMetricsRecorder) RecordTotals(scenario domain.Scenario, totals domain.Totals) {
	label := scenario.String()
	r.population.WithLabelValues(label).Set(totals.Population)
	r.haly.WithLabelValues(label).Set(totals.HALY)
	r.deaths.WithLabelValues(label).Set(totals.Deaths)
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (r *PrometheusMetricsRecorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
