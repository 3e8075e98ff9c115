package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/NikhilSetiya/refinery/pkg/errors"
)

func fastRetryConfig(maxRetries int) RetryConfig {
	config := DefaultRetryConfig()
	config.MaxRetries = maxRetries
	config.BaseDelay = time.Millisecond
	config.MaxDelay = 10 * time.Millisecond
	config.Jitter = false
	return config
}

func TestRetrier_SuccessOnFirstAttempt(t *testing.T) {
	retrier := NewRetrier(DefaultRetryConfig())

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_SuccessAfterRetries(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(3))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return appErrors.NewTransientError("redis", "connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetrier_FailureAfterMaxRetries(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(2))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return appErrors.NewTimeoutError("test")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "operation failed after 3 attempts")
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeTimeout))
}

func TestRetrier_NonRetryableError(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(3))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return appErrors.NewPermanentError("scorer", "malformed payload")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, err.Error(), "malformed payload")
}

func TestRetrier_ContextCancellation(t *testing.T) {
	config := fastRetryConfig(5)
	config.BaseDelay = 100 * time.Millisecond
	config.MaxDelay = time.Second
	retrier := NewRetrier(config)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	err := retrier.Execute(ctx, func(ctx context.Context) error {
		attempts++
		return appErrors.NewTimeoutError("test")
	})

	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_CustomRetryableErrors(t *testing.T) {
	config := fastRetryConfig(3)
	config.RetryableErrors = func(err error) bool {
		return err.Error() == "retryable"
	}
	retrier := NewRetrier(config)

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("retryable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	attempts = 0
	err = retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("not retryable")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_OnRetryCallback(t *testing.T) {
	config := fastRetryConfig(3)

	var retryAttempts []int
	var retryDelays []time.Duration
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		retryAttempts = append(retryAttempts, attempt)
		retryDelays = append(retryDelays, delay)
	}

	retrier := NewRetrier(config)
	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return appErrors.NewTimeoutError("test")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, retryAttempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, retryDelays)
}

func TestRetrier_ExecuteWithResult(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(1))

	result, err := retrier.ExecuteWithResult(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "success", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "success", result)

	_, err = retrier.ExecuteWithResult(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, appErrors.NewValidationError("validation failed")
	})
	require.Error(t, err)
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	tests := []struct {
		name  string
		retry int
		err   error
		want  time.Duration
	}{
		{"first retry uses base", 0, nil, 100 * time.Millisecond},
		{"doubles", 1, nil, 200 * time.Millisecond},
		{"doubles again", 2, nil, 400 * time.Millisecond},
		{"capped", 5, nil, time.Second},
		{"retry-after raises floor", 0, appErrors.NewThrottledError("scorer", 700*time.Millisecond), 700 * time.Millisecond},
		{"retry-after below backoff is ignored", 2, appErrors.NewThrottledError("scorer", 50*time.Millisecond), 400 * time.Millisecond},
		{"retry-after never exceeds cap", 0, appErrors.NewThrottledError("scorer", time.Minute), time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.Delay(tt.retry, tt.err))
		})
	}
}

func TestBackoff_JitterStaysWithinTenPercent(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: true, rand: func() float64 { return 0.999 }}
	d := b.Delay(1, nil)
	assert.Greater(t, d, 200*time.Millisecond)
	assert.LessOrEqual(t, d, 220*time.Millisecond)

	capped := Backoff{Base: time.Second, Max: time.Second, Jitter: true, rand: func() float64 { return 0.999 }}
	assert.Equal(t, time.Second, capped.Delay(3, nil))
}

func TestDefaultRetryableErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"timeout", appErrors.NewTimeoutError("call"), true},
		{"throttled", appErrors.NewThrottledError("scorer", 0), true},
		{"transient", appErrors.NewTransientError("scorer", "502"), true},
		{"deadlines exhausted", appErrors.NewDeadlinesExhaustedError(3, "slow"), true},
		{"permanent", appErrors.NewPermanentError("scorer", "bad input"), false},
		{"validation", appErrors.NewValidationError("validation"), false},
		{"queue timeout", appErrors.NewQueueTimeoutError("scorer", time.Second), false},
		{"untyped", errors.New("boom"), false},
		{"circuit open", &CircuitOpenError{Name: "test", State: StateOpen}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, DefaultRetryableErrors(tt.err))
		})
	}
}
