// Package metrics provides Prometheus metrics collection
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the request lifecycle.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Resolver metrics
	ResolverOutcomes *prometheus.CounterVec

	// Chaos metrics
	ChaosInjections    *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	BulkheadRejections *prometheus.CounterVec

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Recorder metrics
	RecorderAppends prometheus.Counter
	RecorderDrops   prometheus.Counter

	service  string
	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered on a fresh
// registry, so multiple engines in one process do not collide.
func New(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mock_requests_total",
				Help: "Total number of handled requests",
			},
			[]string{"service", "protocol", "operation", "source", "status_class"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mock_request_duration_seconds",
				Help:    "Request handling duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "protocol", "operation"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mock_requests_in_flight",
				Help: "Current number of requests being processed",
			},
		),
		ResolverOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mock_resolver_outcomes_total",
				Help: "Resolver step outcomes",
			},
			[]string{"service", "resolver", "outcome"},
		),
		ChaosInjections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mock_chaos_injections_total",
				Help: "Chaos layer injections by kind",
			},
			[]string{"service", "kind"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mock_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"service", "endpoint", "from", "to"},
		),
		BulkheadRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mock_bulkhead_rejections_total",
				Help: "Requests rejected by the bulkhead",
			},
			[]string{"service", "reason"},
		),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mock_response_cache_hits_total",
			Help: "Response cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mock_response_cache_misses_total",
			Help: "Response cache misses",
		}),
		RecorderAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mock_recorder_appends_total",
			Help: "Journal entries appended",
		}),
		RecorderDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mock_recorder_drops_total",
			Help: "Journal entries dropped on queue overflow",
		}),
		service:  serviceName,
		registry: registry,
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ResolverOutcomes,
		m.ChaosInjections,
		m.BreakerTransitions,
		m.BulkheadRejections,
		m.CacheHits,
		m.CacheMisses,
		m.RecorderAppends,
		m.RecorderDrops,
	)

	return m
}

// Registry returns the underlying registry for transports to mount.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(protocol, operation, source string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(m.service, protocol, operation, source, statusClass(status)).Inc()
	m.RequestDuration.WithLabelValues(m.service, protocol, operation).Observe(duration.Seconds())
}

// ObserveResolver records a resolver step outcome.
func (m *Metrics) ObserveResolver(resolver, outcome string) {
	m.ResolverOutcomes.WithLabelValues(m.service, resolver, outcome).Inc()
}

// ObserveChaos records a chaos injection by kind.
func (m *Metrics) ObserveChaos(kind string) {
	m.ChaosInjections.WithLabelValues(m.service, kind).Inc()
}

// ObserveBreakerTransition records a circuit breaker state change.
func (m *Metrics) ObserveBreakerTransition(endpoint, from, to string) {
	m.BreakerTransitions.WithLabelValues(m.service, endpoint, from, to).Inc()
}

// ObserveBulkheadRejection records a bulkhead rejection.
func (m *Metrics) ObserveBulkheadRejection(reason string) {
	m.BulkheadRejections.WithLabelValues(m.service, reason).Inc()
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "ok"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
