package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  ErrorType
		wantCode  string
		retryable bool
	}{
		{"nil", nil, ErrorTypeInternal, "UNKNOWN_ERROR", false},
		{"plain error", stderrors.New("boom"), ErrorTypeInternal, "UNKNOWN_ERROR", false},
		{"validation", NewValidationError("bad"), ErrorTypeValidation, "VALIDATION_ERROR", false},
		{"timeout", NewTimeoutError("score"), ErrorTypeTimeout, "TIMEOUT", true},
		{"throttled", NewThrottledError("cost", 0), ErrorTypeThrottled, "THROTTLED", true},
		{"transient", NewTransientError("cost", "503"), ErrorTypeTransient, "TRANSIENT_FAILURE", true},
		{"permanent", NewPermanentError("cost", "400"), ErrorTypePermanent, "PERMANENT_FAILURE", false},
		{"queue timeout", NewQueueTimeoutError("cost", time.Second), ErrorTypeQueueTimeout, "QUEUE_TIMEOUT", false},
		{"deadlines exhausted", NewDeadlinesExhaustedError(3, "slow"), ErrorTypeDeadlinesExhausted, "ALL_DEADLINES_EXHAUSTED", true},
		{"wrapped transient", fmt.Errorf("attempt 2: %w", NewTransientError("risk", "reset")), ErrorTypeTransient, "TRANSIENT_FAILURE", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, GetType(tt.err))
			assert.Equal(t, tt.wantCode, GetCode(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			if tt.err != nil {
				assert.True(t, IsType(tt.err, tt.wantType))
			}
		})
	}

	assert.False(t, IsType(nil, ErrorTypeInternal))
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, RetryAfter(NewThrottledError("cost", 2*time.Second)))
	assert.Zero(t, RetryAfter(NewThrottledError("cost", 0)))
	assert.Zero(t, RetryAfter(stderrors.New("plain")))

	raw := NewThrottledError("cost", 0).WithDetail(DetailRetryAfter, "5")
	assert.Equal(t, 5*time.Second, RetryAfter(fmt.Errorf("wrapped: %w", raw)))
}

func TestAppError_Cause(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := NewTransientError("cost", "worker unreachable").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "TRANSIENT_FAILURE: worker unreachable (caused by: connection reset)", err.Error())
	assert.Equal(t, "cost", err.Details[DetailResourceClass])
}
