package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/NikhilSetiya/refinery/pkg/resilience"
)

// WebhookHandler posts each alert as JSON to a generic endpoint.
type WebhookHandler struct {
	url        string
	headers    map[string]string
	minimum    resilience.AlertSeverity
	logger     *zap.Logger
	httpClient *http.Client
}

// WebhookOption customises a WebhookHandler.
type WebhookOption func(*WebhookHandler)

// WithHeader adds a static request header, e.g. an auth token.
func WithHeader(key, value string) WebhookOption {
	return func(h *WebhookHandler) { h.headers[key] = value }
}

// WithMinimumSeverity drops alerts below s.
func WithMinimumSeverity(s resilience.AlertSeverity) WebhookOption {
	return func(h *WebhookHandler) { h.minimum = s }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) WebhookOption {
	return func(h *WebhookHandler) { h.httpClient.Timeout = d }
}

// NewWebhookHandler creates a handler posting to url.
func NewWebhookHandler(url string, logger *zap.Logger, opts ...WebhookOption) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &WebhookHandler{
		url:        url,
		headers:    make(map[string]string),
		minimum:    resilience.SeverityInfo,
		logger:     logger,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements resilience.AlertHandler.
func (h *WebhookHandler) Name() string { return "webhook" }

// HandleAlert implements resilience.AlertHandler.
func (h *WebhookHandler) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	if alert.Severity < h.minimum {
		return nil
	}
	if h.url == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := postJSON(ctx, h.httpClient, h.url, payload, h.headers); err != nil {
		h.logger.Warn("Webhook alert delivery failed",
			zap.String("alert_id", alert.ID),
			zap.String("webhook_url", maskWebhookURL(h.url)),
			zap.Error(err))
		return err
	}

	h.logger.Debug("Sent webhook alert",
		zap.String("alert_id", alert.ID),
		zap.String("severity", alert.Severity.String()))
	return nil
}
