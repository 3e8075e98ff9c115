package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/NikhilSetiya/refinery/pkg/errors"
	"github.com/NikhilSetiya/refinery/pkg/logging"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay caps every delay, jitter included
	MaxDelay time.Duration
	// Jitter adds up to 10% randomness to each delay
	Jitter bool
	// RetryableErrors decides whether an error is worth another attempt
	RetryableErrors func(error) bool
	// OnRetry is called before each retry
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		Jitter:          true,
		RetryableErrors: DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors retries timeouts, throttling, transient failures and
// exhausted deadline chains. Everything else surfaces immediately.
func DefaultRetryableErrors(err error) bool {
	if err == nil || IsCircuitOpenError(err) {
		return false
	}
	return errors.IsRetryable(err)
}

// Backoff computes exponential delays: base * 2^retry, capped at max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
	rand   func() float64
}

// Delay returns the wait before retry number retry (0 for the first retry).
// A throttled error's retry-after hint raises the floor but never the cap.
func (b Backoff) Delay(retry int, err error) time.Duration {
	delay := float64(b.Base) * math.Pow(2, float64(retry))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter {
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		delay += r() * 0.1 * delay
	}

	if hint := errors.RetryAfter(err); hint > 0 && float64(hint) > delay {
		delay = float64(hint)
	}

	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier retries a plain operation with exponential backoff. It has no
// limiter, breaker or health bookkeeping; RetryCoordinator does that for
// worker calls.
type Retrier struct {
	config  RetryConfig
	backoff Backoff
	logger  *logging.Logger
}

// NewRetrier creates a new retrier with the given configuration
func NewRetrier(config RetryConfig) *Retrier {
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

	return &Retrier{
		config:  config,
		backoff: Backoff{Base: config.BaseDelay, Max: config.MaxDelay, Jitter: config.Jitter},
		logger:  logging.GetLogger(),
	}
}

// Execute executes the given function with retry logic
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) error) error {
	var lastErr error
	attempts := r.config.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := operation(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("Operation succeeded after retry", "attempt", attempt+1)
			}
			return nil
		}

		lastErr = err
		if !r.config.RetryableErrors(err) {
			r.logger.Debug("Error is not retryable, stopping", "error", err, "attempt", attempt+1)
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := r.backoff.Delay(attempt, err)
		r.logger.Debug("Operation failed, retrying",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", attempts,
			"delay", delay,
		)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt+1, err, delay)
		}

		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// ExecuteWithResult executes the given function with retry logic and returns a result
func (r *Retrier) ExecuteWithResult(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	var result interface{}
	err := r.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = operation(ctx)
		return err
	})
	return result, err
}
