package client

import (
	"sync"
	"time"

	"github.com/pulsemesh/pulsemesh/pkg/config"
	"github.com/pulsemesh/pulsemesh/pkg/logging"
	"github.com/pulsemesh/pulsemesh/pkg/metrics"
	"github.com/pulsemesh/pulsemesh/pkg/resilience"
)

// Factory builds exactly one client, one named circuit breaker and one named
// retry policy per dependency id. Creation is idempotent: re-registering a
// breaker under an existing name would discard its accumulated state, so the
// factory caches by id and the registry deduplicates by name.
type Factory struct {
	cfg      config.ClientConfig
	registry *resilience.Registry
	gate     HealthGate
	signals  *metrics.Collector
	metrics  *metrics.Metrics
	logger   *logging.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewFactory creates a client factory over a shared breaker registry
func NewFactory(cfg config.ClientConfig, registry *resilience.Registry, gate HealthGate, signals *metrics.Collector, m *metrics.Metrics) *Factory {
	return &Factory{
		cfg:      cfg,
		registry: registry,
		gate:     gate,
		signals:  signals,
		metrics:  m,
		logger:   logging.GetLogger(),
		clients:  make(map[string]*Client),
	}
}

// GetClient returns the client for a dependency id, creating it on first use
func (f *Factory) GetClient(serviceID, baseURL string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[serviceID]; ok {
		return c
	}

	breaker := f.registry.GetOrCreate(resilience.CircuitBreakerConfig{
		Name:                  serviceID,
		ServiceID:             serviceID,
		MaxRequests:           f.cfg.BreakerMaxHalfOpen,
		Interval:              f.cfg.BreakerInterval,
		Timeout:               f.cfg.BreakerOpenWait,
		MinRequests:           f.cfg.BreakerMinRequests,
		FailureRateThreshold:  f.cfg.BreakerFailureRate,
		SlowCallDuration:      f.cfg.SlowCallThreshold,
		SlowCallRateThreshold: f.cfg.SlowCallRate,
	})

	retrier := resilience.NewRetrier(resilience.RetryConfig{
		Name:              serviceID,
		MaxAttempts:       f.cfg.MaxRetries,
		InitialDelay:      f.cfg.InitialBackoff,
		MaxDelay:          f.cfg.MaxBackoff,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			f.metrics.RecordRetry(serviceID)
		},
	})

	c := NewClient(Options{
		ServiceID:     serviceID,
		BaseURL:       baseURL,
		Timeout:       f.cfg.Timeout,
		CriticalPaths: f.cfg.CriticalPaths,
	}, f.gate, f.signals, breaker, retrier, f.metrics)

	f.clients[serviceID] = c

	f.logger.Info("Dependency client created",
		"service", serviceID,
		"base_url", baseURL,
	)

	return c
}

// Clients returns all created clients
func (f *Factory) Clients() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	all := make([]*Client, 0, len(f.clients))
	for _, c := range f.clients {
		all = append(all, c)
	}
	return all
}
