package api

import (
	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/refinery/internal/convergence"
	"github.com/NikhilSetiya/refinery/internal/dispatch"
	"github.com/NikhilSetiya/refinery/internal/report"
	"github.com/NikhilSetiya/refinery/pkg/config"
	"github.com/NikhilSetiya/refinery/pkg/health"
	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/metrics"
	"github.com/NikhilSetiya/refinery/pkg/resilience"
	"github.com/NikhilSetiya/refinery/pkg/tracing"
)

// Deps are the services the router exposes.
type Deps struct {
	Config      *config.Config
	Health      *health.Service
	Monitor     *health.Monitor
	Coordinator *resilience.RetryCoordinator
	Controller  *convergence.Controller
	Dispatcher  *dispatch.Dispatcher
	Store       *report.Store
	Sink        report.Sink
	Loader      report.Loader
	Defaults    convergence.Config
	Metrics     *metrics.Metrics
	Tracer      *tracing.TracingService
	Logger      *logging.Logger
}

// NewRouter creates and configures the API router
func NewRouter(deps Deps) *gin.Engine {
	if deps.Config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetLogger()
	}

	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.Use(RecoveryMiddleware(deps.Logger, deps.Metrics))
	router.Use(LoggingMiddleware(deps.Logger))
	router.Use(CORSMiddleware(deps.Config.Server.CORSOrigins))
	router.Use(deps.Metrics.PrometheusMiddleware())
	router.Use(deps.Tracer.TracingMiddleware())

	router.GET("/health", deps.Health.Handler())
	router.GET("/health/live", deps.Health.LivenessHandler())
	router.GET("/health/ready", deps.Health.ReadinessHandler())
	if deps.Config.Observability.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	resources := NewResourceHandler(deps.Monitor, deps.Coordinator, deps.Dispatcher)
	runs := NewRunHandler(deps)

	v1 := router.Group("/api/v1")
	{
		v1.GET("", func(c *gin.Context) {
			SuccessResponse(c, gin.H{
				"name":       "Refinery API",
				"version":    "1.0.0",
				"dimensions": deps.Controller.Dimensions(),
			})
		})

		v1.GET("/resources", resources.ListResources)
		v1.GET("/dispatch", resources.DispatchStats)
		v1.GET("/runs", runs.ListRuns)
		v1.GET("/runs/:id", runs.GetRun)

		// Mutating routes
		protected := v1.Group("")
		if deps.Config.Auth.Enabled() {
			protected.Use(AuthMiddleware(deps.Config.Auth, deps.Logger))
		} else {
			deps.Logger.Warn("JWT_SECRET is not set, mutating API routes are unauthenticated")
		}
		{
			protected.POST("/resources/:class/reset", resources.ResetResource)
			protected.POST("/runs", runs.CreateRun)
			protected.DELETE("/runs/:id", runs.CancelRun)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
