// metrics.go - Metrics collection for the pool daemon
package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the daemon registry. Library packages register their collectors on it.
type Metrics struct {
	Registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
	payouts  *prometheus.CounterVec
	limited  prometheus.Counter
}

// NewMetrics creates a registry with the process and Go runtime collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shieldpool",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by status code and method.",
		}, []string{"code", "method"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shieldpool",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code", "method"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "shieldpool",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "HTTP requests being served.",
		}),
		payouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shieldpool",
			Name:      "payouts_total",
			Help:      "Custody releases, by destination.",
		}, []string{"destination"}),
		limited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "shieldpool",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests refused by the rate limiter.",
		}),
	}
}

// Instrument wraps next with request counting and latency tracking.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(m.inflight,
		promhttp.InstrumentHandlerDuration(m.duration,
			promhttp.InstrumentHandlerCounter(m.requests, next)))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
