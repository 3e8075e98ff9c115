package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/metrics"
	"github.com/NikhilSetiya/refinery/pkg/resilience"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func attempt(class string, outcome resilience.Outcome, latency time.Duration) resilience.Attempt {
	return resilience.Attempt{
		ResourceClass: class,
		StartedAt:     epoch,
		EndedAt:       epoch.Add(latency),
		Outcome:       outcome,
	}
}

func newTestMonitor(window int) *Monitor {
	return NewMonitor(MonitorConfig{WindowSize: window, Logger: logging.NewDiscardLogger()})
}

func feed(m *Monitor, class string, successes, failures int) {
	for i := 0; i < successes; i++ {
		m.RecordAttempt(attempt(class, resilience.OutcomeSuccess, 10*time.Millisecond))
	}
	for i := 0; i < failures; i++ {
		m.RecordAttempt(attempt(class, resilience.OutcomeFailure, 10*time.Millisecond))
	}
}

func TestMonitor_UnknownWithoutData(t *testing.T) {
	m := newTestMonitor(10)

	rec := m.Snapshot("security")
	assert.Equal(t, StatusUnknown, rec.Status)
	assert.Zero(t, rec.WindowAttempts)
	assert.Equal(t, StatusUnknown, m.OverallStatus())
}

func TestMonitor_StatusThresholds(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		failures  int
		want      Status
	}{
		{"all success", 100, 0, StatusHealthy},
		{"exactly 95 percent", 95, 5, StatusHealthy},
		{"just under healthy", 94, 6, StatusDegraded},
		{"exactly 85 percent", 85, 15, StatusDegraded},
		{"just under degraded", 84, 16, StatusCritical},
		{"all failures", 0, 100, StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(100)
			feed(m, "cost", tt.successes, tt.failures)

			rec := m.Snapshot("cost")
			assert.Equal(t, tt.want, rec.Status)
			assert.InDelta(t, float64(tt.successes)/100, rec.SuccessRate, 1e-9)
			assert.InDelta(t, 1-rec.SuccessRate, rec.FailureRate, 1e-9)
		})
	}
}

func TestMonitor_WindowEvictsOldest(t *testing.T) {
	m := newTestMonitor(4)

	feed(m, "risk", 0, 4)
	assert.Equal(t, StatusCritical, m.Snapshot("risk").Status)

	feed(m, "risk", 4, 0)
	rec := m.Snapshot("risk")
	assert.Equal(t, StatusHealthy, rec.Status)
	assert.Equal(t, 4, rec.WindowAttempts)
	assert.Equal(t, int64(8), rec.TotalAttempts)
	assert.Equal(t, 1.0, rec.SuccessRate)
}

func TestMonitor_LatencyStats(t *testing.T) {
	m := newTestMonitor(100)
	for i := 1; i <= 20; i++ {
		m.RecordAttempt(attempt("security", resilience.OutcomeSuccess, time.Duration(i)*time.Millisecond))
	}

	rec := m.Snapshot("security")
	// nearest rank: ceil(0.95*20) = 19th smallest
	assert.Equal(t, 19*time.Millisecond, rec.P95Latency)
	assert.Equal(t, 10500*time.Microsecond, rec.AvgLatency)
}

func TestMonitor_ConsecutiveFailuresAndLastSuccess(t *testing.T) {
	m := newTestMonitor(10)

	ok := attempt("cost", resilience.OutcomeSuccess, time.Millisecond)
	m.RecordAttempt(ok)
	m.RecordAttempt(attempt("cost", resilience.OutcomeTimeout, time.Millisecond))
	m.RecordAttempt(attempt("cost", resilience.OutcomeFailure, time.Millisecond))

	rec := m.Snapshot("cost")
	assert.Equal(t, 2, rec.ConsecutiveFailures)
	assert.Equal(t, ok.EndedAt, rec.LastSuccess)
	assert.InDelta(t, 1.0/3, rec.TimeoutRate, 1e-9)

	m.RecordAttempt(ok)
	assert.Equal(t, 0, m.Snapshot("cost").ConsecutiveFailures)
}

func TestMonitor_Reset(t *testing.T) {
	m := newTestMonitor(10)
	feed(m, "cost", 1, 5)
	feed(m, "risk", 3, 0)

	m.Reset("cost")

	assert.Equal(t, StatusUnknown, m.Snapshot("cost").Status)
	assert.Equal(t, []string{"risk"}, m.Classes())
	assert.Len(t, m.SnapshotAll(), 1)
}

func TestMonitor_OverallStatus(t *testing.T) {
	tests := []struct {
		name    string
		classes map[string][2]int
		want    Status
	}{
		{"all healthy", map[string][2]int{"a": {10, 0}, "b": {10, 0}}, StatusHealthy},
		{"one degraded", map[string][2]int{"a": {10, 0}, "b": {9, 1}}, StatusDegraded},
		{"half critical", map[string][2]int{"a": {10, 0}, "b": {0, 10}}, StatusDegraded},
		{"three of four critical", map[string][2]int{"a": {10, 0}, "b": {0, 10}, "c": {0, 10}, "d": {0, 10}}, StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(10)
			for class, counts := range tt.classes {
				feed(m, class, counts[0], counts[1])
			}
			assert.Equal(t, tt.want, m.OverallStatus())
		})
	}
}

type recordingHandler struct {
	mu     sync.Mutex
	alerts []resilience.Alert
}

func (h *recordingHandler) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, alert)
	return nil
}

func (h *recordingHandler) Name() string { return "recording" }

func TestMonitor_StatusTransitions(t *testing.T) {
	handler := &recordingHandler{}
	alerts := resilience.NewAlertManager(resilience.AlertManagerConfig{Logger: logging.NewDiscardLogger()})
	alerts.AddHandler(handler)

	type change struct{ from, to Status }
	var changes []change
	m := NewMonitor(MonitorConfig{
		WindowSize: 10,
		Alerts:     alerts,
		Logger:     logging.NewDiscardLogger(),
		OnStatusChange: func(class string, from, to Status, rec Record) {
			assert.Equal(t, "security", class)
			assert.Equal(t, to, rec.Status)
			changes = append(changes, change{from, to})
		},
	})

	feed(m, "security", 10, 0)
	feed(m, "security", 0, 1)
	feed(m, "security", 0, 1)

	require.Equal(t, []change{
		{StatusUnknown, StatusHealthy},
		{StatusHealthy, StatusDegraded},
		{StatusDegraded, StatusCritical},
	}, changes)

	// First healthy reading is not worth an alert.
	require.Len(t, handler.alerts, 2)
	assert.Equal(t, resilience.SeverityWarning, handler.alerts[0].Severity)
	assert.Equal(t, resilience.SeverityCritical, handler.alerts[1].Severity)
	assert.Equal(t, "security", handler.alerts[1].ResourceClass)
}

func TestMonitor_PublishMetrics(t *testing.T) {
	m := NewMonitor(MonitorConfig{WindowSize: 10, Metrics: metrics.NewMetrics(nil), Logger: logging.NewDiscardLogger()})
	feed(m, "security", 3, 1)
	assert.NotPanics(t, m.PublishMetrics)

	withoutMetrics := newTestMonitor(10)
	feed(withoutMetrics, "security", 1, 0)
	assert.NotPanics(t, withoutMetrics.PublishMetrics)
}

func TestMonitor_ConcurrentRecording(t *testing.T) {
	m := newTestMonitor(50)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordAttempt(attempt("cost", resilience.OutcomeSuccess, time.Millisecond))
				_ = m.Snapshot("cost")
			}
		}()
	}
	wg.Wait()

	rec := m.Snapshot("cost")
	assert.Equal(t, int64(800), rec.TotalAttempts)
	assert.Equal(t, 50, rec.WindowAttempts)
}

func TestMonitorChecker(t *testing.T) {
	m := newTestMonitor(10)
	checker := NewMonitorChecker(m, "risk")

	check := checker.Check(context.Background())
	assert.Equal(t, StatusUnknown, check.Status)
	assert.Equal(t, "risk", check.Name)

	feed(m, "risk", 5, 5)
	check = checker.Check(context.Background())
	assert.Equal(t, StatusCritical, check.Status)
	assert.Equal(t, "0.500", check.Metadata["success_rate"])
	assert.Contains(t, check.Message, "50.0%")
}
