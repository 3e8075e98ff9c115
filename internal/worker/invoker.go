// Package worker is the boundary to the external generation and scoring
// workers. Every call carries its deadline in the context and comes back
// either as an Output or as a classified error from pkg/errors.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/refinery/pkg/errors"
	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/tracing"
)

const maxResponseBytes = 4 << 20

// Output is a decoded worker response.
type Output struct {
	ResourceClass string            `json:"resource_class"`
	Result        json.RawMessage   `json:"result"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Invoker performs one call against a worker.
type Invoker interface {
	Invoke(ctx context.Context, resourceClass string, payload interface{}) (*Output, error)
}

type invokeRequest struct {
	ResourceClass string      `json:"resource_class"`
	Payload       interface{} `json:"payload"`
}

// HTTPInvokerConfig configures an HTTPInvoker.
type HTTPInvokerConfig struct {
	BaseURL  string
	APIToken string
	// Client defaults to a client without its own timeout; deadlines come
	// from the context.
	Client *http.Client
	Tracer *tracing.TracingService
	Logger *logging.Logger
}

// HTTPInvoker posts work to <base>/v1/invoke/<class>.
type HTTPInvoker struct {
	baseURL  string
	apiToken string
	client   *http.Client
	logger   *logging.Logger
}

// NewHTTPInvoker creates an invoker for the worker at config.BaseURL.
func NewHTTPInvoker(config HTTPInvokerConfig) (*HTTPInvoker, error) {
	u, err := url.Parse(config.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid worker base URL %q", config.BaseURL))
	}
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}

	return &HTTPInvoker{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		apiToken: config.APIToken,
		client:   config.Tracer.InstrumentHTTPClient(client),
		logger:   config.Logger,
	}, nil
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, resourceClass string, payload interface{}) (*Output, error) {
	body, err := json.Marshal(invokeRequest{ResourceClass: resourceClass, Payload: payload})
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("payload for %s is not JSON encodable: %v", resourceClass, err))
	}

	endpoint := h.baseURL + "/v1/invoke/" + url.PathEscape(resourceClass)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewInternalError(fmt.Sprintf("failed to create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if h.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiToken)
	}
	if id := logging.GetCorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, resourceClass, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(ctx, resourceClass, err)
	}

	h.logger.WithContext(ctx).WithFields(logrus.Fields{
		"resource_class": resourceClass,
		"status_code":    resp.StatusCode,
		"duration_ms":    time.Since(start).Milliseconds(),
	}).Debug("Worker call completed")

	if err := classifyStatus(resourceClass, resp, data); err != nil {
		return nil, err
	}

	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.NewPermanentError(resourceClass, fmt.Sprintf("malformed worker response: %v", err))
	}
	if out.ResourceClass == "" {
		out.ResourceClass = resourceClass
	}
	return &out, nil
}

// classifyTransportError maps client failures. Cancellation is passed
// through untouched so callers can tell it apart from worker faults.
func classifyTransportError(ctx context.Context, resourceClass string, err error) error {
	switch {
	case stderrors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		return errors.NewTimeoutError("worker call for " + resourceClass).WithCause(err)
	default:
		return errors.NewTransientError(resourceClass, "worker unreachable").WithCause(err)
	}
}

func classifyStatus(resourceClass string, resp *http.Response, body []byte) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return errors.NewThrottledError(resourceClass, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return errors.NewTimeoutError(fmt.Sprintf("worker call for %s (HTTP %d)", resourceClass, code))
	case code >= 500:
		return errors.NewTransientError(resourceClass, fmt.Sprintf("worker returned HTTP %d: %s", code, snippet(body)))
	default:
		return errors.NewPermanentError(resourceClass, fmt.Sprintf("worker rejected request with HTTP %d: %s", code, snippet(body)))
	}
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// snippet trims a response body for error text, cutting on a rune boundary.
func snippet(body []byte) string {
	const limit = 200
	s := strings.ToValidUTF8(strings.TrimSpace(string(body)), "\uFFFD")
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
