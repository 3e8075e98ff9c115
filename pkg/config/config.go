package config

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server        ServerConfig        `json:"server"`
	Redis         RedisConfig         `json:"redis"`
	Limiter       LimiterConfig       `json:"limiter"`
	Breaker       BreakerConfig       `json:"breaker"`
	Timeouts      TimeoutConfig       `json:"timeouts"`
	Retry         RetryConfig         `json:"retry"`
	Health        HealthConfig        `json:"health"`
	Convergence   ConvergenceConfig   `json:"convergence"`
	Dispatch      DispatchConfig      `json:"dispatch"`
	Worker        WorkerConfig        `json:"worker"`
	Report        ReportConfig        `json:"report"`
	Alerts        AlertsConfig        `json:"alerts"`
	Auth          AuthConfig          `json:"auth"`
	Logging       LoggingConfig       `json:"logging"`
	Observability ObservabilityConfig `json:"observability"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	CORSOrigins  []string      `json:"cors_origins"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"-"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// LimiterConfig bounds concurrent calls per resource class.
type LimiterConfig struct {
	MaxConcurrent int           `json:"max_concurrent"`
	QueueTimeout  time.Duration `json:"queue_timeout"`
}

// BreakerConfig holds the per resource class circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout"`
	MonitoringWindow time.Duration `json:"monitoring_window"`
}

// TierConfig is one named deadline of the progressive timeout chain.
type TierConfig struct {
	Name    string        `json:"name"`
	Timeout time.Duration `json:"timeout"`
}

// TimeoutConfig lists the deadline tiers, shortest first.
type TimeoutConfig struct {
	Tiers []TierConfig `json:"tiers"`
}

// RetryConfig contains backoff settings for worker calls
type RetryConfig struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Jitter     bool          `json:"jitter"`
}

// HealthConfig sizes the rolling attempt window.
type HealthConfig struct {
	WindowSize int `json:"window_size"`
}

// ConvergenceConfig holds the default refinement loop settings.
type ConvergenceConfig struct {
	Target         float64            `json:"target"`
	MaxIterations  int                `json:"max_iterations"`
	MinImprovement float64            `json:"min_improvement"`
	Ceiling        float64            `json:"ceiling"`
	NeutralScore   float64            `json:"neutral_score"`
	Weights        map[string]float64 `json:"weights"`
	// Scales holds the native maximum of each dimension's raw scores.
	// Dimensions without an entry score on 0-10.
	Scales map[string]float64 `json:"scales,omitempty"`
}

// DispatchConfig sizes the run worker pool.
type DispatchConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

// WorkerConfig points at the external generation worker.
type WorkerConfig struct {
	BaseURL  string `json:"base_url"`
	APIToken string `json:"-"`
}

// ReportConfig controls where run reports are written.
type ReportConfig struct {
	Dir          string        `json:"dir"`
	RedisEnabled bool          `json:"redis_enabled"`
	RedisTTL     time.Duration `json:"redis_ttl"`
	RedisMaxList int64         `json:"redis_max_list"`
}

// AlertsConfig lists alert destinations. Empty URLs disable a channel.
type AlertsConfig struct {
	RateLimit       int    `json:"rate_limit"`
	SlackWebhookURL string `json:"-"`
	WebhookURL      string `json:"-"`
}

// AuthConfig protects the mutating API routes with HMAC-signed bearer JWTs.
// An empty secret leaves them open, which Validate refuses in production.
type AuthConfig struct {
	JWTSecret string `json:"-"`
	Issuer    string `json:"issuer,omitempty"`
}

// Enabled reports whether bearer tokens are required.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// ObservabilityConfig toggles metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool   `json:"metrics_enabled"`
	TracingEnabled bool   `json:"tracing_enabled"`
	JaegerEndpoint string `json:"jaeger_endpoint"`
	Environment    string `json:"environment"`
}

const (
	defaultTiers   = "fast=10s,normal=30s,slow=90s"
	defaultWeights = "security=0.4,cost=0.3,risk=0.3"
)

// LoadFile reads a dotenv file into the process environment (without
// overriding variables already set) and then calls Load. A missing file is
// not an error.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err == nil {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return Load()
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	tiers, err := ParseTiers(getEnvString("TIMEOUT_TIERS", defaultTiers))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEOUT_TIERS: %w", err)
	}
	weights, err := ParseWeights(getEnvString("CONVERGENCE_WEIGHTS", defaultWeights))
	if err != nil {
		return nil, fmt.Errorf("invalid CONVERGENCE_WEIGHTS: %w", err)
	}
	scales, err := parseNumberMap(getEnvString("CONVERGENCE_SCALES", ""), "scale")
	if err != nil {
		return nil, fmt.Errorf("invalid CONVERGENCE_SCALES: %w", err)
	}

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			CORSOrigins:  splitList(getEnvString("CORS_ALLOWED_ORIGINS", "")),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Limiter: LimiterConfig{
			MaxConcurrent: getEnvInt("LIMITER_MAX_CONCURRENT", 4),
			QueueTimeout:  getEnvDuration("LIMITER_QUEUE_TIMEOUT", 30*time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
			OpenTimeout:      getEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second),
			MonitoringWindow: getEnvDuration("BREAKER_MONITORING_WINDOW", 60*time.Second),
		},
		Timeouts: TimeoutConfig{Tiers: tiers},
		Retry: RetryConfig{
			MaxRetries: getEnvInt("RETRY_MAX_RETRIES", 3),
			BaseDelay:  getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:   getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
			Jitter:     getEnvBool("RETRY_JITTER", true),
		},
		Health: HealthConfig{
			WindowSize: getEnvInt("HEALTH_WINDOW_SIZE", 100),
		},
		Convergence: ConvergenceConfig{
			Target:         getEnvFloat("CONVERGENCE_TARGET", 8.5),
			MaxIterations:  getEnvInt("CONVERGENCE_MAX_ITERATIONS", 5),
			MinImprovement: getEnvFloat("CONVERGENCE_MIN_IMPROVEMENT", 0.2),
			Ceiling:        getEnvFloat("CONVERGENCE_CEILING", 9.5),
			NeutralScore:   getEnvFloat("CONVERGENCE_NEUTRAL_SCORE", 5.0),
			Weights:        weights,
			Scales:         scales,
		},
		Dispatch: DispatchConfig{
			Workers:   getEnvInt("DISPATCH_WORKERS", 4),
			QueueSize: getEnvInt("DISPATCH_QUEUE_SIZE", 64),
		},
		Worker: WorkerConfig{
			BaseURL:  getEnvString("WORKER_BASE_URL", "http://localhost:9090"),
			APIToken: getEnvString("WORKER_API_TOKEN", ""),
		},
		Report: ReportConfig{
			Dir:          getEnvString("REPORT_DIR", "./reports"),
			RedisEnabled: getEnvBool("REPORT_REDIS_ENABLED", false),
			RedisTTL:     getEnvDuration("REPORT_REDIS_TTL", 7*24*time.Hour),
			RedisMaxList: getEnvInt64("REPORT_REDIS_MAX_LIST", 1000),
		},
		Alerts: AlertsConfig{
			RateLimit:       getEnvInt("ALERT_RATE_LIMIT", 100),
			SlackWebhookURL: getEnvString("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnvString("ALERT_WEBHOOK_URL", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnvString("JWT_SECRET", ""),
			Issuer:    getEnvString("JWT_ISSUER", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
			TracingEnabled: getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Limiter.MaxConcurrent < 1 {
		return fmt.Errorf("limiter max concurrent must be at least 1")
	}
	if c.Limiter.QueueTimeout <= 0 {
		return fmt.Errorf("limiter queue timeout must be positive")
	}
	if c.Breaker.FailureThreshold < 1 || c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker thresholds must be at least 1")
	}
	if c.Breaker.OpenTimeout <= 0 || c.Breaker.MonitoringWindow <= 0 {
		return fmt.Errorf("breaker open timeout and monitoring window must be positive")
	}
	if len(c.Timeouts.Tiers) == 0 {
		return fmt.Errorf("at least one timeout tier is required")
	}
	for i := 1; i < len(c.Timeouts.Tiers); i++ {
		if c.Timeouts.Tiers[i].Timeout <= c.Timeouts.Tiers[i-1].Timeout {
			return fmt.Errorf("timeout tiers must be strictly increasing (%s <= %s)",
				c.Timeouts.Tiers[i].Name, c.Timeouts.Tiers[i-1].Name)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max retries cannot be negative")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base <= max")
	}
	if c.Health.WindowSize < 1 {
		return fmt.Errorf("health window size must be at least 1")
	}
	if c.Convergence.MaxIterations < 1 {
		return fmt.Errorf("convergence max iterations must be at least 1")
	}
	if err := ValidateWeights(c.Convergence.Weights); err != nil {
		return err
	}
	for dim, scale := range c.Convergence.Scales {
		if _, ok := c.Convergence.Weights[dim]; !ok {
			return fmt.Errorf("scale given for unweighted dimension %q", dim)
		}
		if scale <= 0 {
			return fmt.Errorf("scale for %q must be positive", dim)
		}
	}
	if c.Dispatch.Workers < 1 || c.Dispatch.QueueSize < 1 {
		return fmt.Errorf("dispatch workers and queue size must be at least 1")
	}
	if c.Observability.Environment == "production" && !c.Auth.Enabled() {
		return fmt.Errorf("JWT secret is required in production")
	}
	return nil
}

// ValidateWeights checks that every weight is finite and non-negative and
// that the weights sum to 1.0 within 1e-6.
func ValidateWeights(weights map[string]float64) error {
	if len(weights) == 0 {
		return fmt.Errorf("at least one dimension weight is required")
	}
	sum := 0.0
	for dim, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("weight for %q is not a finite number", dim)
		}
		if w < 0 {
			return fmt.Errorf("weight for %q is negative", dim)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("dimension weights must sum to 1.0, got %.6f", sum)
	}
	return nil
}

// ParseTiers parses "name=duration,name=duration" in the order given.
func ParseTiers(raw string) ([]TierConfig, error) {
	var tiers []TierConfig
	for _, part := range splitList(raw) {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("tier %q is not name=duration", part)
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", name, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("tier %q must have a positive timeout", name)
		}
		tiers = append(tiers, TierConfig{Name: strings.TrimSpace(name), Timeout: d})
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("no tiers given")
	}
	return tiers, nil
}

// ParseWeights parses "dimension=weight,dimension=weight".
func ParseWeights(raw string) (map[string]float64, error) {
	return parseNumberMap(raw, "weight")
}

// parseNumberMap parses "name=number,name=number" into a map, rejecting
// values that are not finite.
func parseNumberMap(raw, kind string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, part := range splitList(raw) {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%s %q is not dimension=%s", kind, part, kind)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", kind, name, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s %q is not a finite number", kind, name)
		}
		out[strings.TrimSpace(name)] = v
	}
	return out, nil
}

// ScaleFor returns the declared scale of dim, 10 when none is configured.
func (c ConvergenceConfig) ScaleFor(dim string) float64 {
	if scale, ok := c.Scales[dim]; ok {
		return scale
	}
	return 10
}

// Dimensions returns the configured dimension names in stable order.
func (c ConvergenceConfig) Dimensions() []string {
	dims := make([]string, 0, len(c.Weights))
	for d := range c.Weights {
		dims = append(dims, d)
	}
	sort.Strings(dims)
	return dims
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ServerAddr returns host:port for the HTTP listener
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
