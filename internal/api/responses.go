package api

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/refinery/internal/dispatch"
	"github.com/NikhilSetiya/refinery/internal/report"
	"github.com/NikhilSetiya/refinery/pkg/errors"
	"github.com/NikhilSetiya/refinery/pkg/tracing"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Meta      *Meta       `json:"meta,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	TraceID   string      `json:"trace_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Meta carries list metadata.
type Meta struct {
	Count int `json:"count"`
	Limit int `json:"limit"`
}

func requestIDOf(c *gin.Context) string {
	if id, ok := c.Get(requestIDKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

func respond(c *gin.Context, status int, data interface{}, meta *Meta) {
	c.JSON(status, APIResponse{
		Success:   true,
		Data:      data,
		Meta:      meta,
		RequestID: requestIDOf(c),
		TraceID:   tracing.GetTraceID(c.Request.Context()),
		Timestamp: time.Now(),
	})
}

func respondError(c *gin.Context, status int, apiErr *APIError) {
	c.AbortWithStatusJSON(status, APIResponse{
		Success:   false,
		Error:     apiErr,
		RequestID: requestIDOf(c),
		TraceID:   tracing.GetTraceID(c.Request.Context()),
		Timestamp: time.Now(),
	})
}

// SuccessResponse sends a 200 response
func SuccessResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, data, nil)
}

// ListResponse sends a 200 response with list metadata
func ListResponse(c *gin.Context, data interface{}, count, limit int) {
	respond(c, http.StatusOK, data, &Meta{Count: count, Limit: limit})
}

// AcceptedResponse sends a 202 response for work that was queued
func AcceptedResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusAccepted, data, nil)
}

// statusFor maps an error onto an HTTP status and code.
func statusFor(err error) (int, string) {
	switch {
	case stderrors.Is(err, report.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case stderrors.Is(err, dispatch.ErrQueueFull):
		return http.StatusTooManyRequests, "QUEUE_FULL"
	case stderrors.Is(err, dispatch.ErrStopped):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	}

	switch errors.GetType(err) {
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest, errors.GetCode(err)
	case errors.ErrorTypeThrottled:
		return http.StatusTooManyRequests, errors.GetCode(err)
	case errors.ErrorTypeCircuitOpen, errors.ErrorTypeQueueTimeout:
		return http.StatusServiceUnavailable, string(errors.GetType(err))
	case errors.ErrorTypeTimeout, errors.ErrorTypeDeadlinesExhausted:
		return http.StatusGatewayTimeout, errors.GetCode(err)
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// ErrorResponseFromError sends an error response based on the error type
func ErrorResponseFromError(c *gin.Context, err error) {
	status, code := statusFor(err)
	apiErr := &APIError{Code: code, Message: err.Error()}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		apiErr.Message = appErr.Message
		if len(appErr.Details) > 0 {
			apiErr.Details = make(map[string]interface{}, len(appErr.Details))
			for k, v := range appErr.Details {
				apiErr.Details[k] = v
			}
		}
	}
	if status == http.StatusInternalServerError && appErr == nil {
		apiErr.Message = "An unknown error occurred"
	}
	respondError(c, status, apiErr)
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	respondError(c, http.StatusBadRequest, &APIError{Code: "BAD_REQUEST", Message: message})
}

// UnauthorizedResponse sends a 401 Unauthorized response
func UnauthorizedResponse(c *gin.Context, message string) {
	c.Header("WWW-Authenticate", "Bearer")
	respondError(c, http.StatusUnauthorized, &APIError{Code: "UNAUTHORIZED", Message: message})
}

// ConflictResponse sends a 409 Conflict response
func ConflictResponse(c *gin.Context, message string) {
	respondError(c, http.StatusConflict, &APIError{Code: "CONFLICT", Message: message})
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	respondError(c, http.StatusNotFound, &APIError{Code: "NOT_FOUND", Message: message})
}

// InternalErrorResponse sends a 500 Internal Server Error response
func InternalErrorResponse(c *gin.Context, message string) {
	respondError(c, http.StatusInternalServerError, &APIError{Code: "INTERNAL_ERROR", Message: message})
}
