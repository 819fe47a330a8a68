// Package metrics provides Prometheus metrics collection for the voucher service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common labels used across metrics.
const (
	LabelService  = "service"
	LabelMethod   = "method"
	LabelPath     = "path"
	LabelStatus   = "status"
	LabelProvider = "provider"
	LabelErrorKey = "error_key"
	LabelCall     = "call"
)

// Metrics contains all Prometheus metrics for the service.
type Metrics struct {
	serviceName string
	registry    *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Authentication flow metrics
	authAttemptsTotal   *prometheus.CounterVec
	authFailuresTotal   *prometheus.CounterVec
	providerCallSeconds *prometheus.HistogramVec

	// Rate limiter metrics
	rateLimitDropped *prometheus.CounterVec

	// State store metrics
	statesActive *prometheus.GaugeVec
}

// Config holds metrics configuration.
type Config struct {
	ServiceName string
	Namespace   string
	Subsystem   string
}

// New creates a new Metrics instance.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "voucher"
	}

	registry := prometheus.NewRegistry()

	// Register default Go metrics
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		serviceName: cfg.ServiceName,
		registry:    registry,
	}

	factory := promauto.With(registry)

	// HTTP metrics
	m.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{LabelService, LabelMethod, LabelPath, LabelStatus},
	)

	m.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelMethod, LabelPath, LabelStatus},
	)

	m.httpRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed.",
		},
	)

	// Authentication flow metrics
	m.authAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication attempts.",
		},
		[]string{LabelProvider},
	)

	m.authFailuresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "auth_failures_total",
			Help:      "Total number of failed authentication attempts by error key.",
		},
		[]string{LabelProvider, LabelErrorKey},
	)

	m.providerCallSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "provider_call_duration_seconds",
			Help:      "Identity provider round-trip latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelProvider, LabelCall},
	)

	// Rate limiter metrics
	m.rateLimitDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rate_limit_dropped_total",
			Help:      "Total number of requests dropped by the rate limiter.",
		},
		[]string{LabelService, LabelPath},
	)

	// State store metrics
	m.statesActive = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "auth_states_active",
			Help:      "Number of pending authorization states in the store.",
		},
		[]string{LabelService},
	)

	return m
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(m.serviceName, method, path, statusStr).Inc()
	m.httpRequestDuration.WithLabelValues(m.serviceName, method, path, statusStr).Observe(duration.Seconds())
}

// IncHTTPInFlight increments the in-flight request gauge.
func (m *Metrics) IncHTTPInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecHTTPInFlight decrements the in-flight request gauge.
func (m *Metrics) DecHTTPInFlight() {
	m.httpRequestsInFlight.Dec()
}

// RecordAuthAttempt records the start of an authentication attempt.
func (m *Metrics) RecordAuthAttempt(provider string) {
	m.authAttemptsTotal.WithLabelValues(provider).Inc()
}

// RecordAuthFailure records a failed authentication attempt.
func (m *Metrics) RecordAuthFailure(provider, errorKey string) {
	m.authFailuresTotal.WithLabelValues(provider, errorKey).Inc()
}

// RecordProviderCall records the latency of a provider round trip.
func (m *Metrics) RecordProviderCall(provider, call string, duration time.Duration) {
	m.providerCallSeconds.WithLabelValues(provider, call).Observe(duration.Seconds())
}

// RecordRateLimitDrop records a request dropped by the rate limiter.
func (m *Metrics) RecordRateLimitDrop(path string) {
	m.rateLimitDropped.WithLabelValues(m.serviceName, path).Inc()
}

// SetActiveStates sets the number of pending authorization states.
func (m *Metrics) SetActiveStates(n int) {
	m.statesActive.WithLabelValues(m.serviceName).Set(float64(n))
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Global metrics instance.
var globalMetrics *Metrics

// Init initializes the global metrics instance.
func Init(cfg Config) *Metrics {
	globalMetrics = New(cfg)
	return globalMetrics
}

// Default returns the global metrics instance.
func Default() *Metrics {
	if globalMetrics == nil {
		globalMetrics = New(Config{ServiceName: "voucher"})
	}
	return globalMetrics
}
