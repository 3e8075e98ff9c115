package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/refinery/pkg/errors"
	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/metrics"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity int

const (
	SeverityInfo AlertSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the severity by name in JSON payloads.
func (s AlertSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Alert is a notable change in a resource class: a breaker transition, a
// health status change or a surfaced error.
type Alert struct {
	ID            string                 `json:"id"`
	Severity      AlertSeverity          `json:"severity"`
	Title         string                 `json:"title"`
	Description   string                 `json:"description"`
	Source        string                 `json:"source"`
	ResourceClass string                 `json:"resource_class,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Tags          map[string]string      `json:"tags,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// AlertHandler delivers alerts somewhere: logs, a webhook, a chat channel.
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManager fans alerts out to handlers, rate limited per source.
type AlertManager struct {
	mutex    sync.RWMutex
	handlers []AlertHandler
	logger   *logging.Logger

	rateMu        sync.Mutex
	alertCounts   map[string]int
	lastReset     time.Time
	rateLimit     int
	resetInterval time.Duration
	now           func() time.Time
}

// AlertManagerConfig configures an AlertManager. Zero values use 100 alerts
// per source per hour.
type AlertManagerConfig struct {
	RateLimit     int
	ResetInterval time.Duration
	Logger        *logging.Logger
}

// NewAlertManager creates a new alert manager
func NewAlertManager(config AlertManagerConfig) *AlertManager {
	if config.RateLimit <= 0 {
		config.RateLimit = 100
	}
	if config.ResetInterval <= 0 {
		config.ResetInterval = time.Hour
	}
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}
	return &AlertManager{
		logger:        config.Logger,
		alertCounts:   make(map[string]int),
		lastReset:     time.Now(),
		rateLimit:     config.RateLimit,
		resetInterval: config.ResetInterval,
		now:           time.Now,
	}
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.handlers = append(am.handlers, handler)
	am.logger.Info("Alert handler added", "handler", handler.Name())
}

// SendAlert delivers alert to every handler. It fails only when the source is
// over its rate limit or every handler failed.
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	if am == nil {
		return nil
	}
	if !am.allow(alert.Source) {
		am.logger.Warn("Alert rate limit exceeded", "source", alert.Source, "title", alert.Title)
		return fmt.Errorf("alert rate limit exceeded for source: %s", alert.Source)
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = am.now()
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	am.mutex.RLock()
	handlers := append([]AlertHandler(nil), am.handlers...)
	am.mutex.RUnlock()

	var lastErr error
	delivered := 0
	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
			continue
		}
		delivered++
	}

	if delivered == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}
	return nil
}

func (am *AlertManager) allow(source string) bool {
	am.rateMu.Lock()
	defer am.rateMu.Unlock()

	now := am.now()
	if now.Sub(am.lastReset) >= am.resetInterval {
		am.alertCounts = make(map[string]int)
		am.lastReset = now
	}

	count := am.alertCounts[source]
	if count >= am.rateLimit {
		return false
	}
	am.alertCounts[source] = count + 1
	return true
}

// LoggingAlertHandler writes alerts to the application log.
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a logging handler; nil uses the global logger.
func NewLoggingAlertHandler(logger *logging.Logger) *LoggingAlertHandler {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LoggingAlertHandler{logger: logger}
}

func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"resource_class", alert.ResourceClass,
		"description", alert.Description,
	}
	for key, value := range alert.Tags {
		fields = append(fields, "tag_"+key, value)
	}
	for key, value := range alert.Metadata {
		fields = append(fields, "meta_"+key, value)
	}

	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case SeverityWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	case SeverityError:
		h.logger.Error("ALERT: "+alert.Title, fields...)
	default:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	}
	return nil
}

func (h *LoggingAlertHandler) Name() string {
	return "logging"
}

// BreakerTransitionHook returns an OnStateChange callback that publishes the
// transition to metrics and raises an alert. Either dependency may be nil.
func BreakerTransitionHook(am *AlertManager, m *metrics.Metrics) func(name string, from, to CircuitState) {
	return func(name string, from, to CircuitState) {
		m.RecordBreakerTransition(name, from.String(), to.String(), int(to))

		severity := SeverityInfo
		switch to {
		case StateOpen:
			severity = SeverityError
		case StateHalfOpen:
			severity = SeverityWarning
		}

		_ = am.SendAlert(context.Background(), Alert{
			Severity:      severity,
			Title:         "Circuit Breaker State Changed",
			Description:   fmt.Sprintf("circuit for %s moved from %s to %s", name, from, to),
			Source:        "circuit_breaker",
			ResourceClass: name,
			Tags: map[string]string{
				"from": from.String(),
				"to":   to.String(),
			},
		})
	}
}

// ErrorAlertGenerator turns surfaced call errors into alerts.
type ErrorAlertGenerator struct {
	alertManager *AlertManager
	logger       *logging.Logger
}

// NewErrorAlertGenerator creates a new error alert generator
func NewErrorAlertGenerator(alertManager *AlertManager, logger *logging.Logger) *ErrorAlertGenerator {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &ErrorAlertGenerator{alertManager: alertManager, logger: logger}
}

// HandleError raises an alert for err. Validation problems and caller
// cancellations are not worth an alert and are skipped.
func (eag *ErrorAlertGenerator) HandleError(ctx context.Context, err error, source string, metadata map[string]interface{}) {
	if err == nil || errors.IsType(err, errors.ErrorTypeValidation) || ctx.Err() != nil {
		return
	}

	alert := Alert{
		Severity:      severityFor(err),
		Title:         titleFor(err),
		Description:   err.Error(),
		Source:        source,
		ResourceClass: resourceClassOf(err),
		Tags: map[string]string{
			"error_type": string(errors.GetType(err)),
			"error_code": errors.GetCode(err),
		},
		Metadata: metadata,
	}

	if alertErr := eag.alertManager.SendAlert(ctx, alert); alertErr != nil {
		eag.logger.Error("Failed to send error alert",
			"original_error", err,
			"alert_error", alertErr,
			"source", source,
		)
	}
}

func severityFor(err error) AlertSeverity {
	switch errors.GetType(err) {
	case errors.ErrorTypeTimeout, errors.ErrorTypeThrottled, errors.ErrorTypeTransient, errors.ErrorTypeQueueTimeout:
		return SeverityWarning
	case errors.ErrorTypeCircuitOpen, errors.ErrorTypeDeadlinesExhausted, errors.ErrorTypePermanent:
		return SeverityError
	case errors.ErrorTypeInternal:
		return SeverityCritical
	default:
		return SeverityError
	}
}

func titleFor(err error) string {
	switch errors.GetType(err) {
	case errors.ErrorTypeTimeout:
		return "Worker Call Timeout"
	case errors.ErrorTypeDeadlinesExhausted:
		return "All Timeout Tiers Exhausted"
	case errors.ErrorTypeThrottled:
		return "Worker Throttled"
	case errors.ErrorTypeTransient:
		return "Transient Worker Failure"
	case errors.ErrorTypePermanent:
		return "Permanent Worker Failure"
	case errors.ErrorTypeCircuitOpen:
		return "Circuit Open"
	case errors.ErrorTypeQueueTimeout:
		return "Concurrency Queue Timeout"
	case errors.ErrorTypeInternal:
		return "Internal Error"
	default:
		return fmt.Sprintf("Error: %s", errors.GetCode(err))
	}
}

func resourceClassOf(err error) string {
	var cbErr *CircuitOpenError
	if stderrors.As(err, &cbErr) {
		return cbErr.Name
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.Details != nil {
		return appErr.Details[errors.DetailResourceClass]
	}
	return ""
}
