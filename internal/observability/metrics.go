package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the access layer.
// Each Metrics owns its registry so isolated instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Call metrics
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	// Breaker metrics
	BreakerTransitions *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec

	// Pool metrics
	PoolExhausted  *prometheus.CounterVec
	PoolIdle       *prometheus.GaugeVec
	PoolCheckedOut *prometheus.GaugeVec

	// Throttle metrics
	ThrottleRejections *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Fallback metrics
	FallbackServed *prometheus.CounterVec
}

// NewMetrics creates a metrics collector backed by a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "egress_calls_total",
				Help: "Total number of calls through the access layer",
			},
			[]string{"service", "operation", "outcome"},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "egress_call_duration_seconds",
				Help:    "Call duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "operation"},
		),

		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "egress_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"service", "from", "to"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "egress_breaker_state",
				Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),

		PoolExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "egress_pool_exhausted_total",
				Help: "Total number of acquisitions rejected because the pool was full",
			},
			[]string{"service"},
		),
		PoolIdle: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "egress_pool_idle_connections",
				Help: "Number of idle pooled connections",
			},
			[]string{"service"},
		),
		PoolCheckedOut: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "egress_pool_checked_out_connections",
				Help: "Number of pooled connections currently checked out",
			},
			[]string{"service"},
		),

		ThrottleRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "egress_throttle_rejections_total",
				Help: "Total number of calls rejected by the throttler",
			},
			[]string{"service", "limit"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "egress_cache_hits_total",
				Help: "Total number of result cache hits",
			},
			[]string{"service"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "egress_cache_misses_total",
				Help: "Total number of result cache misses",
			},
			[]string{"service"},
		),

		FallbackServed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "egress_fallback_served_total",
				Help: "Total number of calls answered from the fallback store",
			},
			[]string{"service"},
		),
	}
}

// Registry returns the underlying registry for exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCall records a completed call attempt.
func (m *Metrics) RecordCall(service, operation, outcome string, duration time.Duration) {
	m.CallsTotal.WithLabelValues(service, operation, outcome).Inc()
	m.CallDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordBreakerTransition records a state transition and updates the gauge.
func (m *Metrics) RecordBreakerTransition(service, from, to string, stateValue float64) {
	m.BreakerTransitions.WithLabelValues(service, from, to).Inc()
	m.BreakerState.WithLabelValues(service).Set(stateValue)
}

// RecordPoolExhausted increments the pool exhaustion counter.
func (m *Metrics) RecordPoolExhausted(service string) {
	m.PoolExhausted.WithLabelValues(service).Inc()
}

// SetPoolOccupancy updates the idle/checked-out gauges for a service.
func (m *Metrics) SetPoolOccupancy(service string, idle, checkedOut int) {
	m.PoolIdle.WithLabelValues(service).Set(float64(idle))
	m.PoolCheckedOut.WithLabelValues(service).Set(float64(checkedOut))
}

// RecordThrottleRejection increments the throttle rejection counter.
func (m *Metrics) RecordThrottleRejection(service, limit string) {
	m.ThrottleRejections.WithLabelValues(service, limit).Inc()
}

// RecordCacheHit increments the cache hit counter.
func (m *Metrics) RecordCacheHit(service string) {
	m.CacheHits.WithLabelValues(service).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (m *Metrics) RecordCacheMiss(service string) {
	m.CacheMisses.WithLabelValues(service).Inc()
}

// RecordFallbackServed increments the fallback served counter.
func (m *Metrics) RecordFallbackServed(service string) {
	m.FallbackServed.WithLabelValues(service).Inc()
}
