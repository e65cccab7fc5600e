// Package metrics defines the gateway's Prometheus instrumentation. Metric
// failures never affect request handling; counters here are observability
// only.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	AdmissionDropped   prometheus.Counter
	BreakerTransitions *prometheus.CounterVec
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CommandsPublished  *prometheus.CounterVec
	ResultsConsumed    *prometheus.CounterVec
}

// New creates and registers all gateway collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legacy_gateway_requests_total",
			Help: "SOAP requests by action and outcome.",
		}, []string{"action", "outcome"}),
		AdmissionDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legacy_gateway_admission_dropped_total",
			Help: "Requests shed by the admission controller.",
		}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legacy_gateway_breaker_transitions_total",
			Help: "Circuit breaker state transitions by backend and new state.",
		}, []string{"backend", "to"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legacy_gateway_cache_hits_total",
			Help: "Read-path cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legacy_gateway_cache_misses_total",
			Help: "Read-path cache misses.",
		}),
		CommandsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legacy_gateway_commands_published_total",
			Help: "Write commands published to the event channel by family.",
		}, []string{"family"}),
		ResultsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legacy_gateway_results_consumed_total",
			Help: "Terminal result events committed by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.AdmissionDropped,
		m.BreakerTransitions,
		m.CacheHits,
		m.CacheMisses,
		m.CommandsPublished,
		m.ResultsConsumed,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
