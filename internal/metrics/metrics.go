package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the service collectors. Each instance owns its registry so
// tests can build handlers without colliding on the global one.
type Metrics struct {
	Registry *prometheus.Registry

	Requests          *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	InferenceDuration prometheus.Histogram
	Failures          *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			}, []string{"path", "method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"path"},
		),
		InferenceDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "inference_duration_seconds",
				Help:    "Duration of a single forward pass in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		Failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyze_failures_total",
				Help: "Failed analyze requests by failure kind",
			}, []string{"kind"},
		),
	}
	m.Registry.MustRegister(
		m.Requests,
		m.RequestDuration,
		m.InferenceDuration,
		m.Failures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
