package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/NikhilSetiya/refinery/internal/api"
	"github.com/NikhilSetiya/refinery/internal/convergence"
	"github.com/NikhilSetiya/refinery/internal/dispatch"
	"github.com/NikhilSetiya/refinery/internal/notify"
	"github.com/NikhilSetiya/refinery/internal/report"
	"github.com/NikhilSetiya/refinery/internal/worker"
	"github.com/NikhilSetiya/refinery/pkg/config"
	"github.com/NikhilSetiya/refinery/pkg/health"
	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/metrics"
	"github.com/NikhilSetiya/refinery/pkg/resilience"
	"github.com/NikhilSetiya/refinery/pkg/tracing"
)

// go build -ldflags "-X main.version=x.y.z"
var version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// serve loads configuration, builds the logger and runs the API server until
// it is signalled to stop.
func serve(envFile string) error {
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "refinery",
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Refinery exited with error")
		return err
	}
	return nil
}

func run(cfg *config.Config, logger *logging.Logger) error {
	m := metrics.NewMetrics(&metrics.Config{Namespace: "refinery", Enabled: cfg.Observability.MetricsEnabled})

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "refinery",
		ServiceVersion: version,
		Environment:    cfg.Observability.Environment,
		JaegerEndpoint: cfg.Observability.JaegerEndpoint,
		SamplingRate:   1.0,
		Enabled:        cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Alert channels
	zapLogger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create notifier logger: %w", err)
	}
	defer zapLogger.Sync()

	alerts := resilience.NewAlertManager(resilience.AlertManagerConfig{RateLimit: cfg.Alerts.RateLimit, Logger: logger})
	alerts.AddHandler(resilience.NewLoggingAlertHandler(logger))
	if cfg.Alerts.SlackWebhookURL != "" {
		alerts.AddHandler(notify.NewSlackHandler(cfg.Alerts.SlackWebhookURL, zapLogger))
	}
	if cfg.Alerts.WebhookURL != "" {
		alerts.AddHandler(notify.NewWebhookHandler(cfg.Alerts.WebhookURL, zapLogger,
			notify.WithMinimumSeverity(resilience.SeverityWarning)))
	}

	// Resilience layer
	monitor := health.NewMonitor(health.MonitorConfig{
		WindowSize: cfg.Health.WindowSize,
		Alerts:     alerts,
		Metrics:    m,
		Logger:     logger,
	})

	breakerTemplate := resilience.DefaultCircuitBreakerConfig("")
	breakerTemplate.FailureThreshold = cfg.Breaker.FailureThreshold
	breakerTemplate.SuccessThreshold = cfg.Breaker.SuccessThreshold
	breakerTemplate.Timeout = cfg.Breaker.OpenTimeout
	breakerTemplate.MonitoringWindow = cfg.Breaker.MonitoringWindow
	breakerTemplate.OnStateChange = resilience.BreakerTransitionHook(alerts, m)
	breakerTemplate.Logger = logger

	tiers := make([]resilience.Tier, 0, len(cfg.Timeouts.Tiers))
	for _, t := range cfg.Timeouts.Tiers {
		tiers = append(tiers, resilience.Tier{Name: t.Name, Timeout: t.Timeout})
	}

	limiter := resilience.NewConcurrencyLimiter(resilience.LimiterConfig{
		MaxConcurrent: cfg.Limiter.MaxConcurrent,
		QueueTimeout:  cfg.Limiter.QueueTimeout,
		Metrics:       m,
	})
	coordinator := resilience.NewRetryCoordinator(resilience.RetryConfig{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Jitter:     cfg.Retry.Jitter,
	}, resilience.CoordinatorDeps{
		Limiter:  limiter,
		Breakers: resilience.NewBreakerSet(breakerTemplate),
		Executor: resilience.NewProgressiveTimeoutExecutor(resilience.TimeoutConfig{Tiers: tiers, Metrics: m, Logger: logger}),
		Recorder: monitor,
		Metrics:  m,
		Tracer:   tracer,
		Logger:   logger,
	})

	// Worker adapters and the convergence controller
	invoker, err := worker.NewHTTPInvoker(worker.HTTPInvokerConfig{
		BaseURL:  cfg.Worker.BaseURL,
		APIToken: cfg.Worker.APIToken,
		Tracer:   tracer,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	dimensions := cfg.Convergence.Dimensions()
	scorers := make([]convergence.Scorer, 0, len(dimensions))
	for _, dim := range dimensions {
		scale := convergence.Scale(cfg.Convergence.ScaleFor(dim))
		scorers = append(scorers, worker.NewScorer(dim, scale, invoker, nil))
	}
	controller := convergence.NewController(scorers, worker.NewRefiner(convergence.DefaultRefineClass, invoker, nil), convergence.Deps{
		Coordinator: coordinator,
		Metrics:     m,
		Tracer:      tracer,
		Logger:      logger,
		Alerts:      resilience.NewErrorAlertGenerator(alerts, logger),
	})

	// Reports
	files, err := report.NewFileSink(cfg.Report.Dir)
	if err != nil {
		return err
	}
	store := report.NewStore(0)
	sinks := []report.Sink{files}
	var loader report.Loader = files

	healthService := health.NewService(logger, &health.Config{
		Timeout:  5 * time.Second,
		Metadata: map[string]string{"version": version, "environment": cfg.Observability.Environment},
	})
	healthService.RegisterChecker("reports", health.NewDirChecker(files.Dir(), "reports"))
	healthService.RegisterChecker("worker", health.NewHTTPChecker(cfg.Worker.BaseURL+"/health", "worker", 3*time.Second))
	classes := append(append([]string{}, dimensions...), convergence.DefaultRefineClass)
	for _, class := range classes {
		healthService.RegisterChecker("class:"+class, health.NewMonitorChecker(monitor, class))
	}

	if cfg.Report.RedisEnabled {
		redisClient, err := report.NewRedisClient(context.Background(), cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		redisSink := report.NewRedisSink(redisClient, report.RedisSinkConfig{
			TTL:     cfg.Report.RedisTTL,
			MaxList: cfg.Report.RedisMaxList,
		})
		sinks = append(sinks, redisSink)
		loader = redisSink
		healthService.RegisterChecker("redis", health.NewRedisChecker(redisClient, "redis"))
		logger.Info("Redis report sink enabled", "addr", cfg.RedisAddr())
	}
	sinks = append(sinks, store)

	// Run worker pool
	dispatcher := dispatch.New(dispatch.Config{
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
		Metrics:   m,
		Logger:    logger,
	})
	if err := dispatcher.Start(); err != nil {
		return err
	}

	collectorCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	collector := metrics.NewMetricsCollector(m, 15*time.Second, func(m *metrics.Metrics) {
		monitor.PublishMetrics()
		for _, class := range monitor.Classes() {
			m.UpdateLimiter(class, limiter.InFlight(class), limiter.Waiting(class))
		}
	})
	go collector.Start(collectorCtx)

	router := api.NewRouter(api.Deps{
		Config:      cfg,
		Health:      healthService,
		Monitor:     monitor,
		Coordinator: coordinator,
		Controller:  controller,
		Dispatcher:  dispatcher,
		Store:       store,
		Sink:        report.NewMultiSink(m, logger, sinks...),
		Loader:      loader,
		Defaults:    convergence.ConfigFromSettings(cfg.Convergence),
		Metrics:     m,
		Tracer:      tracer,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting Refinery API server", "addr", server.Addr, "dimensions", dimensions)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("Shutting down server...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := dispatcher.Stop(ctx); err != nil {
		logger.WithError(err).Warn("Running convergence runs were cancelled")
	}
	collector.Stop()
	if err := tracer.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}

	logger.Info("Server exited")
	return nil
}
