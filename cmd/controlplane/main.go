package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pulsemesh/pulsemesh/internal/aggregator"
	"github.com/pulsemesh/pulsemesh/internal/api"
	"github.com/pulsemesh/pulsemesh/internal/client"
	"github.com/pulsemesh/pulsemesh/internal/events"
	"github.com/pulsemesh/pulsemesh/internal/health"
	"github.com/pulsemesh/pulsemesh/internal/probe"
	"github.com/pulsemesh/pulsemesh/pkg/config"
	"github.com/pulsemesh/pulsemesh/pkg/logging"
	"github.com/pulsemesh/pulsemesh/pkg/metrics"
	"github.com/pulsemesh/pulsemesh/pkg/resilience"
	"github.com/pulsemesh/pulsemesh/pkg/tracing"

	"github.com/google/uuid"
)

func main() {
	// Load .env if present, real environment wins
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "pulsemesh",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	m := metrics.NewMetrics(metrics.DefaultConfig())

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "pulsemesh",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Error("Failed to initialize tracing, continuing without it", "error", err.Error())
	}

	bus, err := events.NewRedisBus(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer bus.Close()

	logger.Info("Event bus connected",
		"host", cfg.Redis.Host,
		"channel", cfg.Redis.Channel,
		"instance", instanceID,
	)

	registry := resilience.NewRegistry()
	signals := metrics.NewCollector(cfg.Health.MetricsWindow)

	publisher := events.NewBreakerPublisher(instanceID, bus, m)
	publisher.Attach(registry)

	manager := health.NewStateManager(cfg.Health, signals, func(serviceID string) bool {
		if cb, ok := registry.Get(serviceID); ok && cb.State() == resilience.StateOpen {
			return true
		}
		return publisher.HasOpenCircuitBreaker(serviceID)
	}, m)

	factory := client.NewFactory(cfg.Client, registry, manager, signals, m)
	for id, baseURL := range cfg.Dependencies {
		manager.RegisterService(id)
		factory.GetClient(id, baseURL)
	}

	prober := probe.NewProber(probe.Options{
		Timeout: cfg.Aggregator.ProbeTimeout,
	}, m)
	agg := aggregator.New(cfg.Aggregator, instanceID, cfg.Dependencies, prober, manager, publisher, bus, m)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := publisher.Start(ctx); err != nil {
		log.Fatalf("Failed to subscribe to event bus: %v", err)
	}
	go manager.Start(ctx)
	go agg.Start(ctx)

	router := api.NewRouter(cfg, api.Deps{
		Manager:    manager,
		Registry:   registry,
		Publisher:  publisher,
		Aggregator: agg,
		Metrics:    m,
		Bus:        bus,
		Tracer:     tracer,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting control plane server",
			"addr", server.Addr,
			"dependencies", len(cfg.Dependencies),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	agg.Stop()
	manager.Stop()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Tracer shutdown failed", "error", err.Error())
		}
	}

	logger.Info("Server exited")
}
