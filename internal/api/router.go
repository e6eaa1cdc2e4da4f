package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulsemesh/pulsemesh/internal/aggregator"
	"github.com/pulsemesh/pulsemesh/internal/events"
	"github.com/pulsemesh/pulsemesh/internal/health"
	"github.com/pulsemesh/pulsemesh/pkg/config"
	"github.com/pulsemesh/pulsemesh/pkg/metrics"
	"github.com/pulsemesh/pulsemesh/pkg/resilience"
	"github.com/pulsemesh/pulsemesh/pkg/tracing"
)

// BusHealth checks the liveness of the event bus connection
type BusHealth interface {
	Health(ctx context.Context) error
}

// Deps bundles everything the router serves
type Deps struct {
	Manager    *health.StateManager
	Registry   *resilience.Registry
	Publisher  *events.BreakerPublisher
	Aggregator *aggregator.Aggregator
	Metrics    *metrics.Metrics
	Bus        BusHealth
	Tracer     *tracing.TracingService
}

// NewRouter creates and configures the operator API router
func NewRouter(cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware())
	router.Use(ErrorHandlingMiddleware())
	router.Use(CORSMiddleware())
	router.Use(SecurityHeadersMiddleware())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
	}
	if deps.Tracer != nil {
		router.Use(deps.Tracer.TracingMiddleware())
	}

	router.GET("/health", func(c *gin.Context) {
		status := "UP"
		details := gin.H{}
		code := http.StatusOK

		if deps.Bus != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Bus.Health(ctx); err != nil {
				// A bus outage degrades eventing but the control plane still serves
				status = "DEGRADED"
				details["event_bus"] = err.Error()
			} else {
				details["event_bus"] = "UP"
			}
		}

		c.JSON(code, gin.H{
			"status":    status,
			"details":   details,
			"timestamp": time.Now(),
		})
	})

	router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	})

	router.GET("/health/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now(),
		})
	})

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	ecosystemHandler := NewEcosystemHandler(deps.Aggregator, deps.Publisher)
	serviceHandler := NewServiceHandler(deps.Manager, deps.Aggregator, deps.Publisher)
	breakerHandler := NewBreakerHandler(deps.Registry, deps.Publisher)

	v1 := router.Group("/api/v1")
	{
		ecosystem := v1.Group("/ecosystem")
		{
			ecosystem.GET("/health", ecosystemHandler.GetHealth)
			ecosystem.GET("/summary", ecosystemHandler.GetSummary)
		}

		services := v1.Group("/services")
		{
			services.GET("", serviceHandler.ListServices)
			services.GET("/:id/health", serviceHandler.GetServiceHealth)
			services.POST("/:id/check", serviceHandler.ForceCheck)
			services.GET("/:id/breakers", serviceHandler.GetServiceBreakers)
		}

		breakers := v1.Group("/breakers")
		{
			breakers.GET("", breakerHandler.ListBreakers)
			breakers.GET("/open", breakerHandler.ListOpenBreakers)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
