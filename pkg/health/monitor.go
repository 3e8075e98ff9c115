package health

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/metrics"
	"github.com/NikhilSetiya/refinery/pkg/resilience"
)

const (
	// DefaultWindowSize is how many recent attempts are kept per resource class.
	DefaultWindowSize = 100

	HealthyThreshold  = 0.95
	DegradedThreshold = 0.85
)

// Record is the derived health of one resource class over its window.
type Record struct {
	ResourceClass       string        `json:"resource_class"`
	Status              Status        `json:"status"`
	SuccessRate         float64       `json:"success_rate"`
	FailureRate         float64       `json:"failure_rate"`
	TimeoutRate         float64       `json:"timeout_rate"`
	AvgLatency          time.Duration `json:"avg_latency"`
	P95Latency          time.Duration `json:"p95_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	WindowAttempts      int           `json:"window_attempts"`
	TotalAttempts       int64         `json:"total_attempts"`
}

// StatusChangeFunc is called, outside the monitor's lock, when a class moves
// between statuses.
type StatusChangeFunc func(resourceClass string, from, to Status, record Record)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	WindowSize     int
	OnStatusChange StatusChangeFunc
	Alerts         *resilience.AlertManager
	Metrics        *metrics.Metrics
	Logger         *logging.Logger
}

type sample struct {
	outcome resilience.Outcome
	latency time.Duration
}

// ring is a fixed-size attempt window for one class.
type ring struct {
	samples   []sample
	next      int
	count     int
	successes int
	timeouts  int

	consecutiveFailures int
	lastSuccess         time.Time
	total               int64
	status              Status
}

func (r *ring) push(s sample) {
	if r.count == len(r.samples) {
		evicted := r.samples[r.next]
		r.adjust(evicted.outcome, -1)
	} else {
		r.count++
	}
	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
	r.adjust(s.outcome, 1)
}

func (r *ring) adjust(outcome resilience.Outcome, delta int) {
	switch outcome {
	case resilience.OutcomeSuccess:
		r.successes += delta
	case resilience.OutcomeTimeout:
		r.timeouts += delta
	}
}

func (r *ring) successRate() float64 {
	if r.count == 0 {
		return 0
	}
	return float64(r.successes) / float64(r.count)
}

func (r *ring) record(class string) Record {
	rec := Record{
		ResourceClass:       class,
		Status:              r.status,
		ConsecutiveFailures: r.consecutiveFailures,
		LastSuccess:         r.lastSuccess,
		WindowAttempts:      r.count,
		TotalAttempts:       r.total,
	}
	if r.count == 0 {
		rec.Status = StatusUnknown
		return rec
	}

	rec.SuccessRate = r.successRate()
	rec.FailureRate = 1 - rec.SuccessRate
	rec.TimeoutRate = float64(r.timeouts) / float64(r.count)

	latencies := make([]time.Duration, 0, r.count)
	var sum time.Duration
	for i := 0; i < r.count; i++ {
		l := r.samples[i].latency
		latencies = append(latencies, l)
		sum += l
	}
	rec.AvgLatency = sum / time.Duration(r.count)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	rank := int(math.Ceil(0.95 * float64(len(latencies))))
	rec.P95Latency = latencies[rank-1]
	return rec
}

// statusFor maps a success rate onto a status.
func statusFor(count int, successRate float64) Status {
	switch {
	case count == 0:
		return StatusUnknown
	case successRate >= HealthyThreshold:
		return StatusHealthy
	case successRate >= DegradedThreshold:
		return StatusDegraded
	default:
		return StatusCritical
	}
}

// Monitor keeps a rolling window of attempts per resource class and derives
// health from it. It implements resilience.AttemptRecorder.
type Monitor struct {
	windowSize int
	onChange   StatusChangeFunc
	alerts     *resilience.AlertManager
	metrics    *metrics.Metrics
	logger     *logging.Logger

	mu      sync.RWMutex
	classes map[string]*ring
}

// NewMonitor creates a new health monitor
func NewMonitor(config MonitorConfig) *Monitor {
	if config.WindowSize <= 0 {
		config.WindowSize = DefaultWindowSize
	}
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}
	return &Monitor{
		windowSize: config.WindowSize,
		onChange:   config.OnStatusChange,
		alerts:     config.Alerts,
		metrics:    config.Metrics,
		logger:     config.Logger,
		classes:    make(map[string]*ring),
	}
}

// RecordAttempt appends an attempt to its class window.
func (m *Monitor) RecordAttempt(attempt resilience.Attempt) {
	m.mu.Lock()
	r, ok := m.classes[attempt.ResourceClass]
	if !ok {
		r = &ring{samples: make([]sample, m.windowSize), status: StatusUnknown}
		m.classes[attempt.ResourceClass] = r
	}

	r.push(sample{outcome: attempt.Outcome, latency: attempt.Latency()})
	r.total++
	if attempt.Outcome == resilience.OutcomeSuccess {
		r.consecutiveFailures = 0
		r.lastSuccess = attempt.EndedAt
	} else {
		r.consecutiveFailures++
	}

	from := r.status
	r.status = statusFor(r.count, r.successRate())
	var rec Record
	changed := from != r.status
	if changed {
		rec = r.record(attempt.ResourceClass)
	}
	m.mu.Unlock()

	if changed {
		m.statusChanged(attempt.ResourceClass, from, rec)
	}
}

func (m *Monitor) statusChanged(class string, from Status, rec Record) {
	m.logger.Info("Resource class health changed",
		"resource_class", class,
		"from", string(from),
		"to", string(rec.Status),
		"success_rate", rec.SuccessRate,
	)
	if m.onChange != nil {
		m.onChange(class, from, rec.Status, rec)
	}
	if from == StatusUnknown && rec.Status == StatusHealthy {
		return
	}

	severity := resilience.SeverityInfo
	switch rec.Status {
	case StatusDegraded:
		severity = resilience.SeverityWarning
	case StatusCritical:
		severity = resilience.SeverityCritical
	}
	_ = m.alerts.SendAlert(context.Background(), resilience.Alert{
		Severity:      severity,
		Title:         "Resource Class Health Changed",
		Description:   fmt.Sprintf("%s moved from %s to %s (success rate %.2f)", class, from, rec.Status, rec.SuccessRate),
		Source:        "health_monitor",
		ResourceClass: class,
		Tags: map[string]string{
			"from": string(from),
			"to":   string(rec.Status),
		},
		Metadata: map[string]interface{}{
			"p95_latency":          rec.P95Latency.String(),
			"consecutive_failures": rec.ConsecutiveFailures,
		},
	})
}

// Snapshot returns the current record for a class. Unknown classes report
// StatusUnknown.
func (m *Monitor) Snapshot(resourceClass string) Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.classes[resourceClass]
	if !ok {
		return Record{ResourceClass: resourceClass, Status: StatusUnknown}
	}
	return r.record(resourceClass)
}

// SnapshotAll returns a record for every class seen so far.
func (m *Monitor) SnapshotAll() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Record, len(m.classes))
	for class, r := range m.classes {
		out[class] = r.record(class)
	}
	return out
}

// Classes lists the known resource classes, sorted.
func (m *Monitor) Classes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	classes := make([]string, 0, len(m.classes))
	for class := range m.classes {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

// Reset clears the window of a class.
func (m *Monitor) Reset(resourceClass string) {
	m.mu.Lock()
	delete(m.classes, resourceClass)
	m.mu.Unlock()
	m.metrics.UpdateHealth(resourceClass, 0, 0)
}

// OverallStatus folds every class with data into one status: critical when
// at least three quarters of them are critical, degraded when any is not
// healthy.
func (m *Monitor) OverallStatus() Status {
	records := m.SnapshotAll()

	known, critical, unhealthy := 0, 0, 0
	for _, rec := range records {
		if rec.Status == StatusUnknown {
			continue
		}
		known++
		if rec.Status == StatusCritical {
			critical++
		}
		if rec.Status != StatusHealthy {
			unhealthy++
		}
	}

	switch {
	case known == 0:
		return StatusUnknown
	case critical*4 >= known*3:
		return StatusCritical
	case unhealthy > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// PublishMetrics pushes every class's record to the health gauges. It is
// meant for a periodic metrics.MetricsCollector.
func (m *Monitor) PublishMetrics() {
	for class, rec := range m.SnapshotAll() {
		m.metrics.UpdateHealth(class, rec.SuccessRate, rec.P95Latency)
	}
}

// MonitorChecker exposes one resource class as a health Checker.
type MonitorChecker struct {
	monitor       *Monitor
	resourceClass string
}

// NewMonitorChecker creates a checker for resourceClass
func NewMonitorChecker(monitor *Monitor, resourceClass string) *MonitorChecker {
	return &MonitorChecker{monitor: monitor, resourceClass: resourceClass}
}

// Check reports the class's current rolling health.
func (mc *MonitorChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	rec := mc.monitor.Snapshot(mc.resourceClass)

	check := &Check{
		Name:      mc.resourceClass,
		Status:    rec.Status,
		Timestamp: start,
		Metadata: map[string]string{
			"success_rate":         fmt.Sprintf("%.3f", rec.SuccessRate),
			"p95_latency":          rec.P95Latency.String(),
			"consecutive_failures": fmt.Sprintf("%d", rec.ConsecutiveFailures),
			"window_attempts":      fmt.Sprintf("%d", rec.WindowAttempts),
		},
	}
	switch rec.Status {
	case StatusUnknown:
		check.Message = "no attempts recorded yet"
	case StatusHealthy:
		check.Message = "resource class is healthy"
	default:
		check.Message = fmt.Sprintf("success rate %.1f%% over last %d attempts", rec.SuccessRate*100, rec.WindowAttempts)
	}
	check.Duration = time.Since(start)
	return check
}
