package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Dependency call metrics
	DependencyRequestsTotal   *prometheus.CounterVec
	DependencyRequestDuration *prometheus.HistogramVec
	BlockedRequestsTotal      *prometheus.CounterVec
	FallbacksTotal            *prometheus.CounterVec
	RetriesTotal              *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerTransitionsTotal *prometheus.CounterVec
	BreakerOpen             *prometheus.GaugeVec
	EcosystemOpenBreakers   prometheus.Gauge

	// Health classification metrics
	DegradationState   *prometheus.GaugeVec
	HealthRecomputes   *prometheus.CounterVec
	ProbeDuration      *prometheus.HistogramVec
	ProbeFailuresTotal *prometheus.CounterVec

	// Ecosystem rollup metrics
	IntegrationScore        *prometheus.GaugeVec
	EcosystemScore          prometheus.Gauge
	EcosystemStatus         prometheus.Gauge
	HealthChangeEventsTotal prometheus.Counter

	// Event bus metrics
	EventsPublishedTotal *prometheus.CounterVec
	EventsConsumedTotal  *prometheus.CounterVec
	PublishErrorsTotal   *prometheus.CounterVec

	// HTTP server metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "pulsemesh",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		DependencyRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "dependency_requests_total",
				Help:      "Total number of outbound dependency requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		DependencyRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "dependency_request_duration_seconds",
				Help:      "Outbound dependency request duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
			},
			[]string{"service", "method", "path"},
		),
		BlockedRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "blocked_requests_total",
				Help:      "Requests blocked by the health gate before any network attempt",
			},
			[]string{"service", "reason"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallbacks_total",
				Help:      "Total number of fallback resolutions",
			},
			[]string{"service", "kind"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retries_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"service"},
		),
		BreakerTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		BreakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_open",
				Help:      "Whether the named circuit breaker is open (1) or not (0)",
			},
			[]string{"service", "breaker"},
		),
		EcosystemOpenBreakers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "ecosystem_open_breakers",
				Help:      "Number of open circuit breakers across the ecosystem",
			},
		),
		DegradationState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "degradation_state",
				Help:      "Current degradation state per dependency (-1 unknown through 3 unavailable)",
			},
			[]string{"service"},
		),
		HealthRecomputes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "health_recomputes_total",
				Help:      "Health classification recomputations",
			},
			[]string{"service", "trigger"},
		),
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "probe_duration_seconds",
				Help:      "Dependency health probe duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"service", "status"},
		),
		ProbeFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "probe_failures_total",
				Help:      "Failed or timed-out dependency health probes",
			},
			[]string{"service"},
		),
		IntegrationScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "integration_score",
				Help:      "Per-dependency integration score (0-100)",
			},
			[]string{"service"},
		),
		EcosystemScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "ecosystem_score",
				Help:      "Ecosystem-wide integration score (0-100)",
			},
		),
		EcosystemStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "ecosystem_status",
				Help:      "Ecosystem status (0 UP, 1 DEGRADED, 2 DOWN)",
			},
		),
		HealthChangeEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "health_change_events_total",
				Help:      "Ecosystem health change events published",
			},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "events_published_total",
				Help:      "Events published to the event bus",
			},
			[]string{"type"},
		),
		EventsConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "events_consumed_total",
				Help:      "Events consumed from the event bus",
			},
			[]string{"type"},
		),
		PublishErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "publish_errors_total",
				Help:      "Event bus publish errors (best-effort, never propagated)",
			},
			[]string{"type"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests served",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.DependencyRequestsTotal,
		m.DependencyRequestDuration,
		m.BlockedRequestsTotal,
		m.FallbacksTotal,
		m.RetriesTotal,
		m.BreakerTransitionsTotal,
		m.BreakerOpen,
		m.EcosystemOpenBreakers,
		m.DegradationState,
		m.HealthRecomputes,
		m.ProbeDuration,
		m.ProbeFailuresTotal,
		m.IntegrationScore,
		m.EcosystemScore,
		m.EcosystemStatus,
		m.HealthChangeEventsTotal,
		m.EventsPublishedTotal,
		m.EventsConsumedTotal,
		m.PublishErrorsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// RecordDependencyRequest records one outbound dependency call outcome
func (m *Metrics) RecordDependencyRequest(service, method, path string, statusCode int, duration time.Duration) {
	if m.DependencyRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.DependencyRequestsTotal.WithLabelValues(service, method, path, statusStr).Inc()
	m.DependencyRequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordBlockedRequest records a request blocked by the health gate
func (m *Metrics) RecordBlockedRequest(service, reason string) {
	if m.BlockedRequestsTotal == nil {
		return
	}

	m.BlockedRequestsTotal.WithLabelValues(service, reason).Inc()
}

// RecordFallback records a fallback resolution
func (m *Metrics) RecordFallback(service, kind string) {
	if m.FallbacksTotal == nil {
		return
	}

	m.FallbacksTotal.WithLabelValues(service, kind).Inc()
}

// RecordRetry records one retry attempt
func (m *Metrics) RecordRetry(service string) {
	if m.RetriesTotal == nil {
		return
	}

	m.RetriesTotal.WithLabelValues(service).Inc()
}

// RecordBreakerTransition records a circuit breaker state transition
func (m *Metrics) RecordBreakerTransition(breaker, from, to string) {
	if m.BreakerTransitionsTotal == nil {
		return
	}

	m.BreakerTransitionsTotal.WithLabelValues(breaker, from, to).Inc()
}

// UpdateBreakerOpen updates the open gauge for a breaker
func (m *Metrics) UpdateBreakerOpen(service, breaker string, open bool) {
	if m.BreakerOpen == nil {
		return
	}

	value := 0.0
	if open {
		value = 1.0
	}
	m.BreakerOpen.WithLabelValues(service, breaker).Set(value)
}

// UpdateEcosystemOpenBreakers updates the ecosystem-wide open breaker count
func (m *Metrics) UpdateEcosystemOpenBreakers(count int) {
	if m.EcosystemOpenBreakers == nil {
		return
	}

	m.EcosystemOpenBreakers.Set(float64(count))
}

// UpdateDegradationState updates the degradation state gauge for a dependency
func (m *Metrics) UpdateDegradationState(service string, state int) {
	if m.DegradationState == nil {
		return
	}

	m.DegradationState.WithLabelValues(service).Set(float64(state))
}

// RecordHealthRecompute records a classification recomputation
func (m *Metrics) RecordHealthRecompute(service, trigger string) {
	if m.HealthRecomputes == nil {
		return
	}

	m.HealthRecomputes.WithLabelValues(service, trigger).Inc()
}

// RecordProbe records a health probe outcome
func (m *Metrics) RecordProbe(service, status string, duration time.Duration) {
	if m.ProbeDuration == nil {
		return
	}

	m.ProbeDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

// RecordProbeFailure records a failed or timed-out probe
func (m *Metrics) RecordProbeFailure(service string) {
	if m.ProbeFailuresTotal == nil {
		return
	}

	m.ProbeFailuresTotal.WithLabelValues(service).Inc()
}

// UpdateIntegrationScore updates per-dependency and ecosystem score gauges
func (m *Metrics) UpdateIntegrationScore(service string, score float64) {
	if m.IntegrationScore == nil {
		return
	}

	m.IntegrationScore.WithLabelValues(service).Set(score)
}

// UpdateEcosystemScore updates the ecosystem-wide score gauge
func (m *Metrics) UpdateEcosystemScore(score float64) {
	if m.EcosystemScore == nil {
		return
	}

	m.EcosystemScore.Set(score)
}

// UpdateEcosystemStatus updates the overall status gauge
func (m *Metrics) UpdateEcosystemStatus(status float64) {
	if m.EcosystemStatus == nil {
		return
	}

	m.EcosystemStatus.Set(status)
}

// RecordHealthChangeEvent records a published health change event
func (m *Metrics) RecordHealthChangeEvent() {
	if m.HealthChangeEventsTotal == nil {
		return
	}

	m.HealthChangeEventsTotal.Inc()
}

// RecordEventPublished records a published event bus message
func (m *Metrics) RecordEventPublished(eventType string) {
	if m.EventsPublishedTotal == nil {
		return
	}

	m.EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordEventConsumed records a consumed event bus message
func (m *Metrics) RecordEventConsumed(eventType string) {
	if m.EventsConsumedTotal == nil {
		return
	}

	m.EventsConsumedTotal.WithLabelValues(eventType).Inc()
}

// RecordPublishError records a swallowed event bus publish error
func (m *Metrics) RecordPublishError(eventType string) {
	if m.PublishErrorsTotal == nil {
		return
	}

	m.PublishErrorsTotal.WithLabelValues(eventType).Inc()
}

// RecordHTTPRequest records HTTP server request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
