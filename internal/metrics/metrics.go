// Package metrics holds the Prometheus collectors for the service and its workers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pixshift"

type Metrics struct {
	registry *prometheus.Registry

	FreeUnits        *prometheus.CounterVec
	Transformations  *prometheus.CounterVec
	TransformLatency prometheus.Histogram
	TransformRetries prometheus.Counter
	BillingReconcile *prometheus.CounterVec
	Purges           *prometheus.CounterVec
	SweepRuns        *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	HTTPRequests     *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		FreeUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "free_units_total",
			Help:      "Free-tier consumption attempts by result.",
		}, []string{"result"}),
		Transformations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transformations_total",
			Help:      "Transformations reaching a terminal state.",
		}, []string{"status"}),
		TransformLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_transform_duration_seconds",
			Help:      "Latency of remote transform calls including retries.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		TransformRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_transform_retries_total",
			Help:      "Retried remote transform attempts.",
		}),
		BillingReconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_reconciliations_total",
			Help:      "Webhook reconciliations by outcome.",
		}, []string{"outcome"}),
		Purges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purges_total",
			Help:      "Purge attempts by trigger and result.",
		}, []string{"trigger", "result"}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Sweep invocations by result.",
		}, []string{"result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of completed sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FreeUnits,
		m.Transformations,
		m.TransformLatency,
		m.TransformRetries,
		m.BillingReconcile,
		m.Purges,
		m.SweepRuns,
		m.SweepDuration,
		m.HTTPRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
