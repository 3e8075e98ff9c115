package resilience

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/refinery/pkg/errors"
	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/metrics"
	"github.com/NikhilSetiya/refinery/pkg/tracing"
)

// Outcome is the result class of a single attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Attempt is one try at running a work item. It is never mutated after
// the coordinator hands it to the recorder.
type Attempt struct {
	WorkItemID    string
	ResourceClass string
	Index         int
	StartedAt     time.Time
	EndedAt       time.Time
	Outcome       Outcome
	Tier          string
	Err           error
}

// Latency is the wall time of the attempt.
func (a Attempt) Latency() time.Duration {
	return a.EndedAt.Sub(a.StartedAt)
}

// AttemptRecorder receives every attempt exactly once. health.Monitor
// implements it.
type AttemptRecorder interface {
	RecordAttempt(attempt Attempt)
}

// WorkItem is an immutable unit of work routed through the coordinator.
type WorkItem struct {
	ID            string
	ResourceClass string
	Payload       interface{}
	// Deadline, when positive, replaces the tier chain with a single tier.
	Deadline time.Duration
	// Call performs one invocation of the worker for this item.
	Call func(ctx context.Context, payload interface{}) (interface{}, error)
	// Fallback is optional; see ProgressiveTimeoutExecutor.
	Fallback FallbackFunc
}

// RunResult describes a logical call. It is returned alongside errors too,
// so callers can account for the attempts that were made.
type RunResult struct {
	Value        interface{}
	Attempts     int
	Retries      int
	Tier         string
	UsedFallback bool
	Duration     time.Duration
}

// CoordinatorDeps are the explicitly constructed handles the coordinator
// routes every call through. Limiter, Breakers and Executor are required.
type CoordinatorDeps struct {
	Limiter  *ConcurrencyLimiter
	Breakers *BreakerSet
	Executor *ProgressiveTimeoutExecutor
	Recorder AttemptRecorder
	Metrics  *metrics.Metrics
	Tracer   *tracing.TracingService
	Logger   *logging.Logger
}

// RetryCoordinator runs work items: slot, circuit check, progressive
// timeout, then retry with backoff for retryable failures.
type RetryCoordinator struct {
	config   RetryConfig
	backoff  Backoff
	limiter  *ConcurrencyLimiter
	breakers *BreakerSet
	executor *ProgressiveTimeoutExecutor
	recorder AttemptRecorder
	metrics  *metrics.Metrics
	tracer   *tracing.TracingService
	logger   *logging.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewRetryCoordinator creates a coordinator.
func NewRetryCoordinator(config RetryConfig, deps CoordinatorDeps) *RetryCoordinator {
	defaults := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.RetryableErrors == nil {
		config.RetryableErrors = DefaultRetryableErrors
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetLogger()
	}

	return &RetryCoordinator{
		config:   config,
		backoff:  Backoff{Base: config.BaseDelay, Max: config.MaxDelay, Jitter: config.Jitter},
		limiter:  deps.Limiter,
		breakers: deps.Breakers,
		executor: deps.Executor,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		logger:   deps.Logger,
		sleep:    sleepContext,
	}
}

// Breakers exposes the breaker set, for snapshots and manual reset.
func (rc *RetryCoordinator) Breakers() *BreakerSet {
	return rc.breakers
}

// Limiter exposes the concurrency limiter.
func (rc *RetryCoordinator) Limiter() *ConcurrencyLimiter {
	return rc.limiter
}

// Run executes item. The limiter slot is held for the whole logical call,
// backoff waits included, and each retry starts again from the circuit
// check. Permanent failures and open circuits surface at once; a rejected
// call is not an attempt and is not recorded.
func (rc *RetryCoordinator) Run(ctx context.Context, item WorkItem) (*RunResult, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Call == nil {
		return &RunResult{}, errors.NewValidationError("work item has no call")
	}

	ctx, span := rc.tracer.StartCallSpan(ctx, item.ResourceClass, item.ID)
	defer span.End()

	started := time.Now()
	result := &RunResult{}
	finish := func(status string, err error) (*RunResult, error) {
		result.Duration = time.Since(started)
		rc.metrics.RecordCall(item.ResourceClass, status)
		if err != nil {
			rc.tracer.RecordError(span, err)
		}
		return result, err
	}

	slot, err := rc.limiter.Acquire(ctx, item.ResourceClass)
	if err != nil {
		return finish("rejected", err)
	}
	defer slot.Release()

	breaker := rc.breakers.Get(item.ResourceClass)
	tiers := rc.executor.Tiers()
	if item.Deadline > 0 {
		tiers = []Tier{{Name: OverrideTierName, Timeout: item.Deadline}}
	}
	call := func(ctx context.Context) (interface{}, error) {
		return item.Call(ctx, item.Payload)
	}

	for retry := 0; ; retry++ {
		generation, err := breaker.Allow()
		if err != nil {
			rc.metrics.RecordBreakerRejection(item.ResourceClass)
			return finish("circuit_open", err)
		}

		attempt := Attempt{
			WorkItemID:    item.ID,
			ResourceClass: item.ResourceClass,
			Index:         retry,
			StartedAt:     time.Now(),
		}
		tr, err := rc.executor.ExecuteTiers(ctx, item.ResourceClass, tiers, call, item.Fallback)
		attempt.EndedAt = time.Now()

		if ctx.Err() != nil {
			// The caller went away; the worker is not to blame.
			breaker.Release(generation)
			return finish("cancelled", ctx.Err())
		}

		result.Attempts++
		if tr != nil {
			attempt.Tier = tr.Tier
			result.Tier = tr.Tier
		}

		switch {
		case err == nil && !tr.UsedFallback:
			attempt.Outcome = OutcomeSuccess
			breaker.RecordSuccess(generation)
		case err == nil:
			attempt.Outcome = OutcomeTimeout
			breaker.RecordFailure(generation)
		case errors.IsType(err, errors.ErrorTypeTimeout), errors.IsType(err, errors.ErrorTypeDeadlinesExhausted):
			attempt.Outcome = OutcomeTimeout
			attempt.Err = err
			breaker.RecordFailure(generation)
		default:
			attempt.Outcome = OutcomeFailure
			attempt.Err = err
			breaker.RecordFailure(generation)
		}
		rc.record(ctx, attempt)

		if err == nil {
			result.Value = tr.Value
			result.UsedFallback = tr.UsedFallback
			if tr.UsedFallback {
				return finish("fallback", nil)
			}
			return finish("success", nil)
		}

		if !rc.config.RetryableErrors(err) || retry >= rc.config.MaxRetries {
			return finish("failure", err)
		}

		delay := rc.backoff.Delay(retry, err)
		result.Retries++
		rc.metrics.RecordRetry(item.ResourceClass, string(errors.GetType(err)))
		rc.logger.WithContext(ctx).WithField("resource_class", item.ResourceClass).
			WithField("work_item_id", item.ID).
			WithField("attempt", retry+1).
			WithField("delay", delay.String()).
			Debugf("Worker call failed, retrying: %v", err)
		if rc.config.OnRetry != nil {
			rc.config.OnRetry(retry+1, err, delay)
		}

		if err := rc.sleep(ctx, delay); err != nil {
			return finish("cancelled", err)
		}
	}
}

func (rc *RetryCoordinator) record(ctx context.Context, attempt Attempt) {
	rc.metrics.RecordAttempt(attempt.ResourceClass, string(attempt.Outcome), attempt.Latency())
	if attempt.Outcome != OutcomeSuccess {
		rc.logger.LogAttemptEvent(ctx, attempt.ResourceClass, attempt.WorkItemID, attempt.Index,
			string(attempt.Outcome), attempt.Latency(), nil)
	}
	if rc.recorder != nil {
		rc.recorder.RecordAttempt(attempt)
	}
}
