// Package notify delivers resilience alerts to chat and webhook endpoints.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/NikhilSetiya/refinery/pkg/resilience"
)

// SlackHandler posts alerts to a Slack incoming webhook.
type SlackHandler struct {
	webhookURL string
	username   string
	logger     *zap.Logger
	httpClient *http.Client
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackHandler creates a Slack handler. Alert delivery is synchronous,
// so the client timeout is kept short.
func NewSlackHandler(webhookURL string, logger *zap.Logger) *SlackHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlackHandler{
		webhookURL: webhookURL,
		username:   "refinery",
		logger:     logger,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Name implements resilience.AlertHandler.
func (h *SlackHandler) Name() string { return "slack" }

// HandleAlert implements resilience.AlertHandler.
func (h *SlackHandler) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	if h.webhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	payload, err := json.Marshal(h.buildSlackMessage(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}
	if err := postJSON(ctx, h.httpClient, h.webhookURL, payload, nil); err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}

	h.logger.Debug("Sent Slack alert",
		zap.String("alert_id", alert.ID),
		zap.String("source", alert.Source),
		zap.String("webhook_url", maskWebhookURL(h.webhookURL)))
	return nil
}

func (h *SlackHandler) buildSlackMessage(alert resilience.Alert) SlackMessage {
	attachment := SlackAttachment{
		Color:     severityColor(alert.Severity),
		Title:     alert.Title,
		Text:      alert.Description,
		Footer:    "refinery " + alert.Source,
		Timestamp: alert.Timestamp.Unix(),
	}

	if alert.ResourceClass != "" {
		attachment.Fields = append(attachment.Fields, SlackField{Title: "Resource class", Value: alert.ResourceClass, Short: true})
	}
	attachment.Fields = append(attachment.Fields, SlackField{Title: "Severity", Value: alert.Severity.String(), Short: true})

	keys := make([]string, 0, len(alert.Tags))
	for k := range alert.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attachment.Fields = append(attachment.Fields, SlackField{Title: k, Value: alert.Tags[k], Short: true})
	}

	return SlackMessage{
		Text:        fmt.Sprintf("[%s] %s", alert.Severity, alert.Title),
		Username:    h.username,
		IconEmoji:   severityEmoji(alert.Severity),
		Attachments: []SlackAttachment{attachment},
	}
}

func severityColor(s resilience.AlertSeverity) string {
	switch s {
	case resilience.SeverityCritical, resilience.SeverityError:
		return "danger"
	case resilience.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func severityEmoji(s resilience.AlertSeverity) string {
	switch s {
	case resilience.SeverityCritical:
		return ":rotating_light:"
	case resilience.SeverityError, resilience.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

// maskWebhookURL masks the webhook URL for logging
func maskWebhookURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}

func postJSON(ctx context.Context, client *http.Client, url string, payload []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
