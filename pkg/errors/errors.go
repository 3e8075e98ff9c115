package errors

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeInternal           ErrorType = "internal"
	ErrorTypeTimeout            ErrorType = "timeout"
	ErrorTypeThrottled          ErrorType = "throttled"
	ErrorTypeTransient          ErrorType = "transient"
	ErrorTypePermanent          ErrorType = "permanent"
	ErrorTypeCircuitOpen        ErrorType = "circuit_open"
	ErrorTypeQueueTimeout       ErrorType = "queue_timeout"
	ErrorTypeDeadlinesExhausted ErrorType = "deadlines_exhausted"
)

// Detail keys used across packages
const (
	DetailResourceClass = "resource_class"
	DetailRetryAfter    = "retry_after"
	DetailTier          = "tier"
	DetailStatusCode    = "status_code"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// ErrorType lets other error structs in the module report a taxonomy type.
func (e *AppError) ErrorType() ErrorType {
	return e.Type
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

// NewThrottledError reports explicit backpressure from the worker. A positive
// retryAfter is carried as a detail and honoured by the retry backoff.
func NewThrottledError(resourceClass string, retryAfter time.Duration) *AppError {
	err := NewAppError(ErrorTypeThrottled, "THROTTLED", fmt.Sprintf("worker for %s is throttling requests", resourceClass)).
		WithDetail(DetailResourceClass, resourceClass)
	if retryAfter > 0 {
		err.WithDetail(DetailRetryAfter, retryAfter.String())
	}
	return err
}

func NewTransientError(resourceClass, message string) *AppError {
	return NewAppError(ErrorTypeTransient, "TRANSIENT_FAILURE", message).
		WithDetail(DetailResourceClass, resourceClass)
}

func NewPermanentError(resourceClass, message string) *AppError {
	return NewAppError(ErrorTypePermanent, "PERMANENT_FAILURE", message).
		WithDetail(DetailResourceClass, resourceClass)
}

func NewQueueTimeoutError(resourceClass string, waited time.Duration) *AppError {
	return NewAppError(ErrorTypeQueueTimeout, "QUEUE_TIMEOUT",
		fmt.Sprintf("gave up waiting for a %s slot after %s", resourceClass, waited)).
		WithDetail(DetailResourceClass, resourceClass)
}

func NewDeadlinesExhaustedError(tiers int, lastTier string) *AppError {
	return NewAppError(ErrorTypeDeadlinesExhausted, "ALL_DEADLINES_EXHAUSTED",
		fmt.Sprintf("call timed out under all %d deadline tiers", tiers)).
		WithDetail(DetailTier, lastTier)
}

// typed is implemented by any error that reports a taxonomy type.
type typed interface {
	ErrorType() ErrorType
}

// GetType returns the taxonomy type of the first typed error in the chain.
// Untyped errors are reported as internal.
func GetType(err error) ErrorType {
	var t typed
	if stderrors.As(err, &t) {
		return t.ErrorType()
	}
	return ErrorTypeInternal
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if err == nil {
		return false
	}
	return GetType(err) == errorType
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// IsRetryable reports whether the worker may succeed if the call is repeated.
func IsRetryable(err error) bool {
	switch GetType(err) {
	case ErrorTypeTimeout, ErrorTypeThrottled, ErrorTypeTransient, ErrorTypeDeadlinesExhausted:
		return err != nil
	default:
		return false
	}
}

// RetryAfter returns the retry_after hint carried by a throttled error.
func RetryAfter(err error) time.Duration {
	var appErr *AppError
	if !stderrors.As(err, &appErr) || appErr.Details == nil {
		return 0
	}
	raw, ok := appErr.Details[DetailRetryAfter]
	if !ok {
		return 0
	}
	if d, perr := time.ParseDuration(raw); perr == nil {
		return d
	}
	if secs, perr := strconv.Atoi(raw); perr == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
