package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/NikhilSetiya/refinery/pkg/errors"
	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/metrics"
)

// Tier is one named deadline in a progressive timeout chain.
type Tier struct {
	Name    string
	Timeout time.Duration
}

// DefaultTiers returns the fast/normal/slow chain used for worker calls.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "fast", Timeout: 10 * time.Second},
		{Name: "normal", Timeout: 30 * time.Second},
		{Name: "slow", Timeout: 90 * time.Second},
	}
}

// OverrideTierName names the single tier used when a work item carries its own deadline.
const OverrideTierName = "override"

// CallFunc is one invocation of the external worker. It must return promptly
// once ctx is done.
type CallFunc func(ctx context.Context) (interface{}, error)

// FallbackFunc synthesizes a default result after every tier timed out.
type FallbackFunc func(ctx context.Context, lastErr error) (interface{}, error)

// TimeoutResult reports how a progressive call finished.
type TimeoutResult struct {
	Value        interface{}
	Tier         string
	TierIndex    int
	Attempts     int
	UsedFallback bool
}

// TimeoutConfig holds configuration for the progressive timeout executor
type TimeoutConfig struct {
	Tiers   []Tier
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// ProgressiveTimeoutExecutor runs a call under escalating deadlines. A tier
// that times out has its context cancelled before the next tier starts.
type ProgressiveTimeoutExecutor struct {
	tiers   []Tier
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewProgressiveTimeoutExecutor creates an executor. Tiers must be ordered
// shortest first; an empty list uses DefaultTiers.
func NewProgressiveTimeoutExecutor(config TimeoutConfig) *ProgressiveTimeoutExecutor {
	tiers := config.Tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}
	return &ProgressiveTimeoutExecutor{
		tiers:   append([]Tier(nil), tiers...),
		metrics: config.Metrics,
		logger:  config.Logger,
	}
}

// Tiers returns a copy of the configured tiers
func (e *ProgressiveTimeoutExecutor) Tiers() []Tier {
	return append([]Tier(nil), e.tiers...)
}

// Execute runs call under the configured tiers.
func (e *ProgressiveTimeoutExecutor) Execute(ctx context.Context, resourceClass string, call CallFunc, fallback FallbackFunc) (*TimeoutResult, error) {
	return e.ExecuteTiers(ctx, resourceClass, e.tiers, call, fallback)
}

// ExecuteTiers runs call under each tier in turn. A timeout moves on to the
// next tier; any other error is returned at once. When the last tier also
// times out the fallback is used if present, otherwise the error is
// deadlines_exhausted. Parent cancellation returns ctx.Err() without fallback.
func (e *ProgressiveTimeoutExecutor) ExecuteTiers(ctx context.Context, resourceClass string, tiers []Tier, call CallFunc, fallback FallbackFunc) (*TimeoutResult, error) {
	if len(tiers) == 0 {
		return nil, errors.NewValidationError("progressive timeout needs at least one tier")
	}

	var lastErr error
	for i, tier := range tiers {
		value, err := e.runTier(ctx, tier, call)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch {
		case err == nil:
			e.metrics.RecordTierAttempt(resourceClass, tier.Name, "success")
			return &TimeoutResult{Value: value, Tier: tier.Name, TierIndex: i, Attempts: i + 1}, nil
		case errors.IsType(err, errors.ErrorTypeTimeout):
			e.metrics.RecordTierAttempt(resourceClass, tier.Name, "timeout")
			e.logger.Debug("Timeout tier exceeded",
				"resource_class", resourceClass,
				"tier", tier.Name,
				"timeout", tier.Timeout,
			)
			lastErr = err
		default:
			e.metrics.RecordTierAttempt(resourceClass, tier.Name, "error")
			return &TimeoutResult{Tier: tier.Name, TierIndex: i, Attempts: i + 1}, err
		}
	}

	last := len(tiers) - 1
	if fallback != nil {
		value, err := fallback(ctx, lastErr)
		if err != nil {
			return &TimeoutResult{Tier: tiers[last].Name, TierIndex: last, Attempts: len(tiers)},
				fmt.Errorf("fallback failed after all deadlines: %w", err)
		}
		e.metrics.RecordFallback(resourceClass)
		return &TimeoutResult{
			Value:        value,
			Tier:         tiers[last].Name,
			TierIndex:    last,
			Attempts:     len(tiers),
			UsedFallback: true,
		}, nil
	}

	return &TimeoutResult{Tier: tiers[last].Name, TierIndex: last, Attempts: len(tiers)},
		errors.NewDeadlinesExhaustedError(len(tiers), tiers[last].Name).WithCause(lastErr)
}

type callOutcome struct {
	value interface{}
	err   error
}

// runTier runs one attempt under the tier deadline. The call runs in its own
// goroutine so a call that is slow to notice cancellation cannot hold the
// executor past the deadline; the goroutine exits when the call returns.
func (e *ProgressiveTimeoutExecutor) runTier(ctx context.Context, tier Tier, call CallFunc) (interface{}, error) {
	tierCtx, cancel := context.WithTimeout(ctx, tier.Timeout)
	defer cancel()

	done := make(chan callOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callOutcome{err: errors.NewInternalError(fmt.Sprintf("worker call panicked: %v", r))}
			}
		}()
		value, err := call(tierCtx)
		done <- callOutcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && tierCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, errors.NewTimeoutError("tier " + tier.Name).WithDetail(errors.DetailTier, tier.Name).WithCause(out.err)
		}
		return out.value, out.err
	case <-tierCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewTimeoutError("tier "+tier.Name).WithDetail(errors.DetailTier, tier.Name)
	}
}
