package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apperrors "github.com/NikhilSetiya/refinery/pkg/errors"
	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/metrics"
)

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (r *fakeRecorder) RecordAttempt(attempt Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
}

func (r *fakeRecorder) outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, 0, len(r.attempts))
	for _, a := range r.attempts {
		out = append(out, a.Outcome)
	}
	return out
}

type coordinatorFixture struct {
	coordinator *RetryCoordinator
	recorder    *fakeRecorder
	limiter     *ConcurrencyLimiter
	breakers    *BreakerSet
	delays      []time.Duration
}

func newCoordinatorFixture(maxRetries, failureThreshold int, tiers []Tier) *coordinatorFixture {
	clock := newFakeClock()
	m := metrics.NewMetrics(nil)
	logger := logging.NewDiscardLogger()

	breakerConfig := DefaultCircuitBreakerConfig("")
	breakerConfig.FailureThreshold = failureThreshold
	breakerConfig.Clock = clock.Now
	breakerConfig.Logger = logger

	f := &coordinatorFixture{
		recorder: &fakeRecorder{},
		limiter:  NewConcurrencyLimiter(LimiterConfig{MaxConcurrent: 2, QueueTimeout: time.Second, Metrics: m}),
		breakers: NewBreakerSet(breakerConfig),
	}

	config := DefaultRetryConfig()
	config.MaxRetries = maxRetries
	config.BaseDelay = time.Millisecond
	config.MaxDelay = 10 * time.Millisecond
	config.Jitter = false

	f.coordinator = NewRetryCoordinator(config, CoordinatorDeps{
		Limiter:  f.limiter,
		Breakers: f.breakers,
		Executor: NewProgressiveTimeoutExecutor(TimeoutConfig{Tiers: tiers, Metrics: m, Logger: logger}),
		Recorder: f.recorder,
		Metrics:  m,
		Logger:   logger,
	})
	f.coordinator.sleep = func(ctx context.Context, d time.Duration) error {
		f.delays = append(f.delays, d)
		return ctx.Err()
	}
	return f
}

func shortTiers() []Tier {
	return []Tier{{Name: "fast", Timeout: 5 * time.Millisecond}, {Name: "slow", Timeout: 10 * time.Millisecond}}
}

func alwaysFail(calls *atomic.Int32, err error) func(context.Context, interface{}) (interface{}, error) {
	return func(ctx context.Context, payload interface{}) (interface{}, error) {
		calls.Add(1)
		return nil, err
	}
}

func TestRetryCoordinator_SuccessFirstAttempt(t *testing.T) {
	f := newCoordinatorFixture(3, 5, shortTiers())

	result, err := f.coordinator.Run(context.Background(), WorkItem{
		ResourceClass: "security",
		Payload:       "doc",
		Call: func(ctx context.Context, payload interface{}) (interface{}, error) {
			return payload.(string) + ":scored", nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "doc:scored", result.Value)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 0, result.Retries)
	assert.Equal(t, "fast", result.Tier)
	assert.Equal(t, []Outcome{OutcomeSuccess}, f.recorder.outcomes())
	assert.Equal(t, 0, f.limiter.InFlight("security"))
	assert.NotEmpty(t, f.recorder.attempts[0].WorkItemID)
}

func TestRetryCoordinator_RetryExhaustion(t *testing.T) {
	f := newCoordinatorFixture(2, 5, shortTiers())
	var calls atomic.Int32
	transient := apperrors.NewTransientError("cost", "upstream 503")

	result, err := f.coordinator.Run(context.Background(), WorkItem{
		ID:            "item-1",
		ResourceClass: "cost",
		Call:          alwaysFail(&calls, transient),
	})

	assert.ErrorIs(t, err, transient)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 2, result.Retries)
	assert.Equal(t, []Outcome{OutcomeFailure, OutcomeFailure, OutcomeFailure}, f.recorder.outcomes())
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, f.delays)

	snap := f.breakers.Get("cost").Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 3, snap.ConsecutiveFailures)

	for i, a := range f.recorder.attempts {
		assert.Equal(t, i, a.Index)
		assert.Equal(t, "item-1", a.WorkItemID)
	}
}

func TestRetryCoordinator_NonRetryableFailsImmediately(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permanent", apperrors.NewPermanentError("risk", "400 bad request")},
		{"validation", apperrors.NewValidationError("payload rejected")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCoordinatorFixture(3, 5, shortTiers())
			var calls atomic.Int32

			result, err := f.coordinator.Run(context.Background(), WorkItem{ResourceClass: "risk", Call: alwaysFail(&calls, tt.err)})

			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, int32(1), calls.Load())
			assert.Equal(t, 1, result.Attempts)
			assert.Empty(t, f.delays)
		})
	}
}

func TestRetryCoordinator_OpenCircuitRejectsWithoutAttempt(t *testing.T) {
	f := newCoordinatorFixture(0, 1, shortTiers())
	var calls atomic.Int32
	item := WorkItem{ResourceClass: "security", Call: alwaysFail(&calls, apperrors.NewTransientError("security", "502"))}

	_, err := f.coordinator.Run(context.Background(), item)
	require.Error(t, err)
	assert.Equal(t, StateOpen, f.breakers.Get("security").State())

	result, err := f.coordinator.Run(context.Background(), item)
	require.Error(t, err)
	assert.True(t, IsCircuitOpenError(err))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeCircuitOpen))
	assert.Equal(t, 0, result.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, f.recorder.outcomes(), 1)
	assert.Equal(t, 0, f.limiter.InFlight("security"))
}

func TestRetryCoordinator_CircuitOpeningStopsRetries(t *testing.T) {
	f := newCoordinatorFixture(5, 2, shortTiers())
	var calls atomic.Int32

	result, err := f.coordinator.Run(context.Background(), WorkItem{
		ResourceClass: "cost",
		Call:          alwaysFail(&calls, apperrors.NewTransientError("cost", "reset")),
	})

	assert.True(t, IsCircuitOpenError(err))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 2, result.Retries)
}

func TestRetryCoordinator_ThrottledHonorsRetryAfter(t *testing.T) {
	f := newCoordinatorFixture(1, 5, shortTiers())
	var calls atomic.Int32

	result, err := f.coordinator.Run(context.Background(), WorkItem{
		ResourceClass: "risk",
		Call: func(ctx context.Context, payload interface{}) (interface{}, error) {
			if calls.Add(1) == 1 {
				return nil, apperrors.NewThrottledError("risk", 7*time.Millisecond)
			}
			return 8.5, nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, 8.5, result.Value)
	assert.Equal(t, []time.Duration{7 * time.Millisecond}, f.delays)
	assert.Equal(t, []Outcome{OutcomeFailure, OutcomeSuccess}, f.recorder.outcomes())
}

func TestRetryCoordinator_FallbackCountsAsTimeout(t *testing.T) {
	f := newCoordinatorFixture(3, 5, shortTiers())
	var calls atomic.Int32

	result, err := f.coordinator.Run(context.Background(), WorkItem{
		ResourceClass: "security",
		Call: func(ctx context.Context, payload interface{}) (interface{}, error) {
			calls.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
		Fallback: func(ctx context.Context, lastErr error) (interface{}, error) {
			return 5.0, nil
		},
	})

	require.NoError(t, err)
	assert.True(t, result.UsedFallback)
	assert.Equal(t, 5.0, result.Value)
	assert.Equal(t, "slow", result.Tier)
	assert.Equal(t, 0, result.Retries)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []Outcome{OutcomeTimeout}, f.recorder.outcomes())
	assert.Equal(t, 1, f.breakers.Get("security").Snapshot().WindowFailures)
}

func TestRetryCoordinator_DeadlineOverride(t *testing.T) {
	f := newCoordinatorFixture(0, 5, escalatingTiers())
	var calls atomic.Int32

	start := time.Now()
	result, err := f.coordinator.Run(context.Background(), WorkItem{
		ResourceClass: "security",
		Deadline:      5 * time.Millisecond,
		Call: func(ctx context.Context, payload interface{}) (interface{}, error) {
			calls.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDeadlinesExhausted))
	assert.Equal(t, OverrideTierName, result.Tier)
	assert.Equal(t, int32(1), calls.Load())
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, []Outcome{OutcomeTimeout}, f.recorder.outcomes())
}

func TestRetryCoordinator_CancelledDuringAttemptIsNotRecorded(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newCoordinatorFixture(3, 1, escalatingTiers())
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	go func() {
		<-started
		cancel()
	}()

	_, err := f.coordinator.Run(ctx, WorkItem{
		ResourceClass: "cost",
		Call: func(ctx context.Context, payload interface{}) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.recorder.outcomes())
	assert.Equal(t, 0, f.limiter.InFlight("cost"))
	snap := f.breakers.Get("cost").Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.WindowFailures)
}

func TestRetryCoordinator_CancelledDuringBackoffReleasesSlot(t *testing.T) {
	f := newCoordinatorFixture(3, 5, shortTiers())
	f.coordinator.sleep = sleepContext
	f.coordinator.backoff = Backoff{Base: time.Second, Max: time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var calls atomic.Int32
	result, err := f.coordinator.Run(ctx, WorkItem{
		ResourceClass: "risk",
		Call:          alwaysFail(&calls, apperrors.NewTransientError("risk", "503")),
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, result.Retries)
	assert.Equal(t, 0, f.limiter.InFlight("risk"))
}

func TestRetryCoordinator_ConcurrentCallsRespectLimit(t *testing.T) {
	f := newCoordinatorFixture(0, 50, escalatingTiers())
	var current, peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coordinator.Run(context.Background(), WorkItem{
				ResourceClass: "security",
				Call: func(ctx context.Context, payload interface{}) (interface{}, error) {
					n := current.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					current.Add(-1)
					return nil, nil
				},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Len(t, f.recorder.outcomes(), 10)
}

func TestRetryCoordinator_RequiresCall(t *testing.T) {
	f := newCoordinatorFixture(0, 5, shortTiers())

	result, err := f.coordinator.Run(context.Background(), WorkItem{ResourceClass: "security"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.NotNil(t, result)
}
