package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics, or one built with
// Enabled=false, accepts every Record/Update call and drops it.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Worker call metrics
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec
	CallsTotal      *prometheus.CounterVec
	TierAttempts    *prometheus.CounterVec
	FallbacksTotal  *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	// Limiter metrics
	LimiterInFlight      *prometheus.GaugeVec
	LimiterWaiting       *prometheus.GaugeVec
	LimiterQueueWait     *prometheus.HistogramVec
	LimiterQueueTimeouts *prometheus.CounterVec

	// Health metrics
	HealthSuccessRate *prometheus.GaugeVec
	HealthP95Latency  *prometheus.GaugeVec

	// Convergence metrics
	ConvergenceRuns       *prometheus.CounterVec
	ConvergenceIterations *prometheus.HistogramVec
	ConvergenceBestScore  *prometheus.HistogramVec

	// Dispatch metrics
	DispatchQueueDepth *prometheus.GaugeVec
	DispatchTasks      *prometheus.CounterVec

	// Report metrics
	ReportWrites *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec
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
		Namespace: "refinery",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates all Prometheus metrics and registers them on a private
// registry, so several instances can coexist in one process.
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, labels)
	}

	callBuckets := []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal:    counter("http_requests_total", "Total number of HTTP requests", "method", "path", "status_code"),
		HTTPRequestDuration:  histogram("http_request_duration_seconds", "HTTP request duration in seconds", prometheus.DefBuckets, "method", "path", "status_code"),
		HTTPRequestsInFlight: gauge("http_requests_in_flight", "Number of HTTP requests currently being processed", "method", "path"),

		AttemptsTotal:   counter("worker_attempts_total", "Attempts against the external worker by outcome", "resource_class", "outcome"),
		AttemptDuration: histogram("worker_attempt_duration_seconds", "Duration of a single worker attempt", callBuckets, "resource_class", "outcome"),
		RetriesTotal:    counter("worker_retries_total", "Retries scheduled after a retryable failure", "resource_class", "error_type"),
		CallsTotal:      counter("worker_calls_total", "Logical worker calls by final status", "resource_class", "status"),
		TierAttempts:    counter("timeout_tier_attempts_total", "Progressive timeout tier attempts", "resource_class", "tier", "outcome"),
		FallbacksTotal:  counter("timeout_fallbacks_total", "Fallback values produced after every tier timed out", "resource_class"),

		BreakerState:       gauge("circuit_breaker_state", "Circuit state per resource class (0 closed, 1 open, 2 half-open)", "resource_class"),
		BreakerTransitions: counter("circuit_breaker_transitions_total", "Circuit breaker state transitions", "resource_class", "from", "to"),
		BreakerRejections:  counter("circuit_breaker_rejections_total", "Calls rejected by an open circuit", "resource_class"),

		LimiterInFlight:      gauge("limiter_in_flight", "Slots currently held per resource class", "resource_class"),
		LimiterWaiting:       gauge("limiter_waiting", "Callers queued for a slot per resource class", "resource_class"),
		LimiterQueueWait:     histogram("limiter_queue_wait_seconds", "Time spent queued for a slot", callBuckets, "resource_class"),
		LimiterQueueTimeouts: counter("limiter_queue_timeouts_total", "Callers that gave up waiting for a slot", "resource_class"),

		HealthSuccessRate: gauge("health_success_rate", "Success rate over the rolling attempt window", "resource_class"),
		HealthP95Latency:  gauge("health_p95_latency_seconds", "p95 attempt latency over the rolling window", "resource_class"),

		ConvergenceRuns:       counter("convergence_runs_total", "Convergence runs by stop reason", "stop_reason"),
		ConvergenceIterations: histogram("convergence_iterations", "Iterations used per convergence run", []float64{1, 2, 3, 4, 5, 7, 10, 15, 20}, "stop_reason"),
		ConvergenceBestScore:  histogram("convergence_best_score", "Best composite score per run", []float64{1, 2, 3, 4, 5, 6, 7, 8, 8.5, 9, 9.5, 10}, "stop_reason"),

		DispatchQueueDepth: gauge("dispatch_queue_depth", "Queued runs per priority", "priority"),
		DispatchTasks:      counter("dispatch_tasks_total", "Dispatched runs by priority and status", "priority", "status"),

		ReportWrites: counter("report_writes_total", "Report sink writes", "sink", "status"),

		ErrorsTotal: counter("errors_total", "Total number of errors", "component", "error_type"),
		PanicsTotal: counter("panics_total", "Total number of panics", "component"),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.RetriesTotal,
		m.CallsTotal,
		m.TierAttempts,
		m.FallbacksTotal,
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerRejections,
		m.LimiterInFlight,
		m.LimiterWaiting,
		m.LimiterQueueWait,
		m.LimiterQueueTimeouts,
		m.HealthSuccessRate,
		m.HealthP95Latency,
		m.ConvergenceRuns,
		m.ConvergenceIterations,
		m.ConvergenceBestScore,
		m.DispatchQueueDepth,
		m.DispatchTasks,
		m.ReportWrites,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	return m
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if !m.enabled() {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if !m.enabled() {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordAttempt records one try against the worker.
func (m *Metrics) RecordAttempt(resourceClass, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}

	m.AttemptsTotal.WithLabelValues(resourceClass, outcome).Inc()
	m.AttemptDuration.WithLabelValues(resourceClass, outcome).Observe(duration.Seconds())
}

// RecordRetry records a scheduled retry
func (m *Metrics) RecordRetry(resourceClass, errorType string) {
	if !m.enabled() {
		return
	}

	m.RetriesTotal.WithLabelValues(resourceClass, errorType).Inc()
}

// RecordCall records the final status of a logical call
func (m *Metrics) RecordCall(resourceClass, status string) {
	if !m.enabled() {
		return
	}

	m.CallsTotal.WithLabelValues(resourceClass, status).Inc()
}

// RecordTierAttempt records one progressive timeout tier
func (m *Metrics) RecordTierAttempt(resourceClass, tier, outcome string) {
	if !m.enabled() {
		return
	}

	m.TierAttempts.WithLabelValues(resourceClass, tier, outcome).Inc()
}

// RecordFallback records a fallback value being used
func (m *Metrics) RecordFallback(resourceClass string) {
	if !m.enabled() {
		return
	}

	m.FallbacksTotal.WithLabelValues(resourceClass).Inc()
}

// RecordBreakerTransition records a state change and updates the state gauge.
func (m *Metrics) RecordBreakerTransition(resourceClass, from, to string, state int) {
	if !m.enabled() {
		return
	}

	m.BreakerTransitions.WithLabelValues(resourceClass, from, to).Inc()
	m.BreakerState.WithLabelValues(resourceClass).Set(float64(state))
}

// RecordBreakerRejection records a call rejected by an open circuit
func (m *Metrics) RecordBreakerRejection(resourceClass string) {
	if !m.enabled() {
		return
	}

	m.BreakerRejections.WithLabelValues(resourceClass).Inc()
}

// UpdateLimiter sets the limiter gauges for a resource class
func (m *Metrics) UpdateLimiter(resourceClass string, inFlight, waiting int) {
	if !m.enabled() {
		return
	}

	m.LimiterInFlight.WithLabelValues(resourceClass).Set(float64(inFlight))
	m.LimiterWaiting.WithLabelValues(resourceClass).Set(float64(waiting))
}

// RecordQueueWait records time spent waiting for a slot
func (m *Metrics) RecordQueueWait(resourceClass string, wait time.Duration, timedOut bool) {
	if !m.enabled() {
		return
	}

	m.LimiterQueueWait.WithLabelValues(resourceClass).Observe(wait.Seconds())
	if timedOut {
		m.LimiterQueueTimeouts.WithLabelValues(resourceClass).Inc()
	}
}

// UpdateHealth sets the rolling health gauges for a resource class
func (m *Metrics) UpdateHealth(resourceClass string, successRate float64, p95 time.Duration) {
	if !m.enabled() {
		return
	}

	m.HealthSuccessRate.WithLabelValues(resourceClass).Set(successRate)
	m.HealthP95Latency.WithLabelValues(resourceClass).Set(p95.Seconds())
}

// RecordConvergenceRun records a finished convergence run
func (m *Metrics) RecordConvergenceRun(stopReason string, iterations int, bestScore float64) {
	if !m.enabled() {
		return
	}

	m.ConvergenceRuns.WithLabelValues(stopReason).Inc()
	m.ConvergenceIterations.WithLabelValues(stopReason).Observe(float64(iterations))
	m.ConvergenceBestScore.WithLabelValues(stopReason).Observe(bestScore)
}

// UpdateQueueDepth updates dispatch queue depth
func (m *Metrics) UpdateQueueDepth(priority string, depth int) {
	if !m.enabled() {
		return
	}

	m.DispatchQueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordDispatchTask records a dispatched task outcome
func (m *Metrics) RecordDispatchTask(priority, status string) {
	if !m.enabled() {
		return
	}

	m.DispatchTasks.WithLabelValues(priority, status).Inc()
}

// RecordReportWrite records a report sink write
func (m *Metrics) RecordReportWrite(sink, status string) {
	if !m.enabled() {
		return
	}

	m.ReportWrites.WithLabelValues(sink, status).Inc()
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if !m.enabled() {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if !m.enabled() {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.enabled() {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MetricsCollector periodically samples state that is not pushed by the
// components themselves (for example rolling health gauges).
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	sample   func(*Metrics)
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, interval time.Duration, sample func(*Metrics)) *MetricsCollector {
	return &MetricsCollector{
		metrics:  metrics,
		interval: interval,
		sample:   sample,
		stopCh:   make(chan struct{}),
	}
}

// Start begins metrics collection and blocks until ctx is done or Stop is called.
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			if mc.sample != nil {
				mc.sample(mc.metrics)
			}
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}
