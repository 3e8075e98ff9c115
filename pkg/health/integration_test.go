package health_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/NikhilSetiya/refinery/pkg/errors"
	"github.com/NikhilSetiya/refinery/pkg/health"
	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/metrics"
	"github.com/NikhilSetiya/refinery/pkg/resilience"
)

type collectingHandler struct {
	mu      sync.Mutex
	sources map[string]int
}

func (h *collectingHandler) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources[alert.Source]++
	return nil
}

func (h *collectingHandler) Name() string { return "collecting" }

// flakyWorker fails while down is set.
type flakyWorker struct {
	down  atomic.Bool
	calls atomic.Int32
}

func (w *flakyWorker) call(ctx context.Context, payload interface{}) (interface{}, error) {
	w.calls.Add(1)
	if w.down.Load() {
		return nil, apperrors.NewTransientError("security", "503 service unavailable")
	}
	return 7.5, nil
}

func TestCoordinatorFeedsMonitorAndBreaker(t *testing.T) {
	logger := logging.NewDiscardLogger()
	m := metrics.NewMetrics(nil)
	handler := &collectingHandler{sources: map[string]int{}}
	alerts := resilience.NewAlertManager(resilience.AlertManagerConfig{Logger: logger})
	alerts.AddHandler(handler)

	monitor := health.NewMonitor(health.MonitorConfig{WindowSize: 20, Alerts: alerts, Metrics: m, Logger: logger})

	breakerConfig := resilience.DefaultCircuitBreakerConfig("")
	breakerConfig.FailureThreshold = 3
	breakerConfig.Timeout = 50 * time.Millisecond
	breakerConfig.SuccessThreshold = 1
	breakerConfig.Logger = logger
	breakerConfig.OnStateChange = resilience.BreakerTransitionHook(alerts, m)
	breakers := resilience.NewBreakerSet(breakerConfig)

	retryConfig := resilience.DefaultRetryConfig()
	retryConfig.MaxRetries = 1
	retryConfig.BaseDelay = time.Millisecond
	retryConfig.MaxDelay = 2 * time.Millisecond

	coordinator := resilience.NewRetryCoordinator(retryConfig, resilience.CoordinatorDeps{
		Limiter:  resilience.NewConcurrencyLimiter(resilience.LimiterConfig{MaxConcurrent: 2, QueueTimeout: time.Second, Metrics: m}),
		Breakers: breakers,
		Executor: resilience.NewProgressiveTimeoutExecutor(resilience.TimeoutConfig{
			Tiers:  []resilience.Tier{{Name: "fast", Timeout: 100 * time.Millisecond}},
			Logger: logger,
		}),
		Recorder: monitor,
		Metrics:  m,
		Logger:   logger,
	})

	worker := &flakyWorker{}
	item := resilience.WorkItem{ResourceClass: "security", Call: worker.call}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := coordinator.Run(ctx, item)
		require.NoError(t, err)
		assert.Equal(t, 7.5, result.Value)
	}
	assert.Equal(t, health.StatusHealthy, monitor.Snapshot("security").Status)

	worker.down.Store(true)
	_, err := coordinator.Run(ctx, item)
	require.Error(t, err)
	_, err = coordinator.Run(ctx, item)
	require.Error(t, err)
	assert.True(t, resilience.IsCircuitOpenError(err), "third failure inside the window opens the circuit")

	rec := monitor.Snapshot("security")
	assert.Equal(t, 3, rec.ConsecutiveFailures)
	assert.Equal(t, int64(8), rec.TotalAttempts)
	assert.Equal(t, health.StatusCritical, rec.Status)

	callsWhileOpen := worker.calls.Load()
	_, err = coordinator.Run(ctx, item)
	assert.True(t, resilience.IsCircuitOpenError(err))
	assert.Equal(t, callsWhileOpen, worker.calls.Load())

	worker.down.Store(false)
	time.Sleep(60 * time.Millisecond)
	result, err := coordinator.Run(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, 7.5, result.Value)
	assert.Equal(t, resilience.StateClosed, breakers.Get("security").State())
	assert.Equal(t, 0, monitor.Snapshot("security").ConsecutiveFailures)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.GreaterOrEqual(t, handler.sources["circuit_breaker"], 3)
	assert.GreaterOrEqual(t, handler.sources["health_monitor"], 1)
}
