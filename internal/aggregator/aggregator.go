package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/pulsemesh/pulsemesh/internal/events"
	"github.com/pulsemesh/pulsemesh/internal/probe"
	"github.com/pulsemesh/pulsemesh/pkg/config"
	"github.com/pulsemesh/pulsemesh/pkg/errors"
	"github.com/pulsemesh/pulsemesh/pkg/logging"
	"github.com/pulsemesh/pulsemesh/pkg/metrics"
	"github.com/pulsemesh/pulsemesh/pkg/types"
)

// HealthSource serves degradation snapshots for known dependencies
type HealthSource interface {
	GetServiceHealth(serviceID string) types.ServiceHealth
}

// BreakerView reports ecosystem-wide breaker state per dependency
type BreakerView interface {
	HasOpenCircuitBreaker(serviceID string) bool
}

// Aggregator periodically probes every dependency, folds the probe results
// with local degradation state and the ecosystem breaker view into one
// rollup, and publishes a change event whenever any status flips between
// cycles. The rollup is recomputed wholesale each cycle; nothing is carried
// over from previous cycles except for change detection.
type Aggregator struct {
	cfg          config.AggregatorConfig
	instanceID   string
	dependencies map[string]string
	prober       *probe.Prober
	health       HealthSource
	breakers     BreakerView
	bus          events.Bus
	metrics      *metrics.Metrics
	logger       *logging.Logger

	mu     sync.RWMutex
	latest *types.EcosystemHealthStatus

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates an aggregator over a fixed dependency set
func New(cfg config.AggregatorConfig, instanceID string, dependencies map[string]string, prober *probe.Prober, health HealthSource, breakers BreakerView, bus events.Bus, m *metrics.Metrics) *Aggregator {
	deps := make(map[string]string, len(dependencies))
	for id, url := range dependencies {
		deps[id] = url
	}

	return &Aggregator{
		cfg:          cfg,
		instanceID:   instanceID,
		dependencies: deps,
		prober:       prober,
		health:       health,
		breakers:     breakers,
		bus:          bus,
		metrics:      m,
		logger:       logging.GetLogger(),
		stopCh:       make(chan struct{}),
	}
}

// Start runs aggregation cycles on the poll interval until the context is
// cancelled or Stop is called. The first cycle runs immediately.
func (a *Aggregator) Start(ctx context.Context) {
	a.RunCycle(ctx)

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.RunCycle(ctx)
		}
	}
}

// Stop terminates the aggregation loop
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// RunCycle executes one full aggregation cycle now
func (a *Aggregator) RunCycle(ctx context.Context) types.EcosystemHealthStatus {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CycleTimeout)
	defer cancel()

	results := a.probeAll(ctx)

	services := make(map[string]types.DependencyStatus, len(results))
	for id, result := range results {
		services[id] = a.evaluate(id, result)
	}

	status := a.rollup(services)

	a.mu.Lock()
	previous := a.latest
	a.latest = &status
	a.mu.Unlock()

	a.publishGauges(status)
	a.detectChanges(previous, status)

	return status
}

// probeAll fans probes out in parallel, one goroutine per dependency
func (a *Aggregator) probeAll(ctx context.Context) map[string]probe.Result {
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]probe.Result, len(a.dependencies))

	for id, baseURL := range a.dependencies {
		wg.Add(1)
		go func(id, baseURL string) {
			defer wg.Done()

			result := a.prober.Probe(ctx, id, baseURL)

			mu.Lock()
			results[id] = result
			mu.Unlock()
		}(id, baseURL)
	}

	wg.Wait()
	return results
}

// evaluate folds one probe result with degradation state and breaker view
// into a dependency status with its integration score.
func (a *Aggregator) evaluate(serviceID string, result probe.Result) types.DependencyStatus {
	health := a.health.GetServiceHealth(serviceID)
	breakerOpen := health.CircuitBreakerOpen || a.breakers.HasOpenCircuitBreaker(serviceID)

	state := health.State
	if result.Status == types.EcosystemDown {
		state = state.Worse(types.StateUnavailable)
	}

	status := statusFor(result.Status, state)
	score := a.score(state, result.LatencyMs, breakerOpen)

	message := result.Message
	if message == "" {
		message = health.Message
	}

	return types.DependencyStatus{
		ServiceID:        serviceID,
		Status:           status,
		DegradationState: state,
		BreakerOpen:      breakerOpen,
		LatencyMs:        result.LatencyMs,
		Score:            score,
		Message:          message,
	}
}

// statusFor folds the probe verdict with the degradation state, worst wins
func statusFor(probeStatus types.EcosystemStatus, state types.DegradationState) types.EcosystemStatus {
	if probeStatus == types.EcosystemDown || state == types.StateUnavailable {
		return types.EcosystemDown
	}
	if probeStatus == types.EcosystemDegraded || state == types.StateDegraded || state == types.StateImpaired {
		return types.EcosystemDegraded
	}
	return types.EcosystemUp
}

// score computes the integration score for one dependency: a base by
// degradation state, minus a latency penalty, minus a breaker penalty,
// floored at zero.
func (a *Aggregator) score(state types.DegradationState, latencyMs float64, breakerOpen bool) float64 {
	var score float64
	switch state {
	case types.StateHealthy:
		score = 100
	case types.StateDegraded:
		score = 75
	case types.StateImpaired:
		score = 50
	default:
		score = 25
	}

	latency := time.Duration(latencyMs * float64(time.Millisecond))
	if latency >= a.cfg.LatencyPenalty10 {
		score -= 10
	} else if latency >= a.cfg.LatencyPenalty5 {
		score -= 5
	}

	if breakerOpen {
		score -= 20
	}

	if score < 0 {
		score = 0
	}
	return score
}

// rollup computes the ecosystem-wide verdict from the per-dependency entries
func (a *Aggregator) rollup(services map[string]types.DependencyStatus) types.EcosystemHealthStatus {
	var unhealthy, degraded []string
	var total float64

	for id, s := range services {
		total += s.Score
		switch s.Status {
		case types.EcosystemDown:
			unhealthy = append(unhealthy, id)
		case types.EcosystemDegraded:
			degraded = append(degraded, id)
		}
	}

	overall := types.EcosystemUp
	switch {
	case len(services) > 0 && len(unhealthy)*2 >= len(services):
		overall = types.EcosystemDown
	case len(unhealthy) > 0 || len(degraded) > 0:
		overall = types.EcosystemDegraded
	}

	score := 0.0
	if len(services) > 0 {
		score = total / float64(len(services))
	}

	return types.EcosystemHealthStatus{
		OverallStatus:     overall,
		Services:          services,
		UnhealthyServices: unhealthy,
		DegradedServices:  degraded,
		IntegrationScore:  score,
		Timestamp:         time.Now().UTC(),
	}
}

// publishGauges refreshes all rollup metrics, every cycle
func (a *Aggregator) publishGauges(status types.EcosystemHealthStatus) {
	for id, s := range status.Services {
		a.metrics.UpdateIntegrationScore(id, s.Score)
	}
	a.metrics.UpdateEcosystemScore(status.IntegrationScore)

	var gauge float64
	switch status.OverallStatus {
	case types.EcosystemDegraded:
		gauge = 1
	case types.EcosystemDown:
		gauge = 2
	}
	a.metrics.UpdateEcosystemStatus(gauge)
}

// detectChanges publishes a change event for every per-dependency status flip
// and for the overall status, comparing against the previous cycle.
func (a *Aggregator) detectChanges(previous *types.EcosystemHealthStatus, current types.EcosystemHealthStatus) {
	if previous == nil {
		return
	}

	for id, s := range current.Services {
		prev, ok := previous.Services[id]
		if ok && prev.Status == s.Status {
			continue
		}
		prevStatus := types.EcosystemUp
		if ok {
			prevStatus = prev.Status
		}
		a.publishChange(types.HealthChangedEvent{
			ServiceID:      id,
			PreviousStatus: prevStatus,
			CurrentStatus:  s.Status,
			Score:          s.Score,
			Timestamp:      current.Timestamp,
		})
	}

	if previous.OverallStatus != current.OverallStatus {
		a.publishChange(types.HealthChangedEvent{
			ServiceID:      "ecosystem",
			PreviousStatus: previous.OverallStatus,
			CurrentStatus:  current.OverallStatus,
			Score:          current.IntegrationScore,
			Timestamp:      current.Timestamp,
		})
	}
}

// publishChange is best effort: a bus outage never fails an aggregation cycle
func (a *Aggregator) publishChange(event types.HealthChangedEvent) {
	a.metrics.RecordHealthChangeEvent()

	a.logger.LogHealthEvent(context.Background(), "ecosystem_status_changed", event.ServiceID, string(event.CurrentStatus), map[string]interface{}{
		"previous_status": string(event.PreviousStatus),
		"score":           event.Score,
	})

	if a.bus == nil {
		return
	}

	env, err := events.NewEnvelope(types.EventTypeHealthChanged, a.instanceID, event)
	if err != nil {
		a.metrics.RecordPublishError(types.EventTypeHealthChanged)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.bus.Publish(ctx, env); err != nil {
		a.metrics.RecordPublishError(types.EventTypeHealthChanged)
		a.logger.Error("Failed to publish health change event",
			"service", event.ServiceID,
			"error", err.Error(),
		)
		return
	}

	a.metrics.RecordEventPublished(types.EventTypeHealthChanged)
}

// GetEcosystemHealth returns the latest rollup. Before the first cycle it
// returns a zero-value rollup with OverallStatus UP and no services.
func (a *Aggregator) GetEcosystemHealth() types.EcosystemHealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.latest == nil {
		return types.EcosystemHealthStatus{
			OverallStatus: types.EcosystemUp,
			Services:      map[string]types.DependencyStatus{},
			Timestamp:     time.Now().UTC(),
		}
	}
	return *a.latest
}

// IsEcosystemHealthy reports whether the latest rollup is UP
func (a *Aggregator) IsEcosystemHealthy() bool {
	return a.GetEcosystemHealth().OverallStatus == types.EcosystemUp
}

// GetUnhealthyServices returns dependency ids that were DOWN last cycle
func (a *Aggregator) GetUnhealthyServices() []string {
	return a.GetEcosystemHealth().UnhealthyServices
}

// ForceHealthCheck probes one dependency immediately and splices the fresh
// entry into the latest rollup.
func (a *Aggregator) ForceHealthCheck(ctx context.Context, serviceID string) (types.DependencyStatus, error) {
	baseURL, ok := a.dependencies[serviceID]
	if !ok {
		return types.DependencyStatus{}, errors.NewNotFoundError("dependency " + serviceID)
	}

	result := a.prober.Probe(ctx, serviceID, baseURL)
	status := a.evaluate(serviceID, result)

	// Copy-on-write so snapshots handed out earlier are never mutated
	a.mu.Lock()
	if a.latest != nil {
		services := make(map[string]types.DependencyStatus, len(a.latest.Services)+1)
		for id, s := range a.latest.Services {
			services[id] = s
		}
		services[serviceID] = status
		updated := *a.latest
		updated.Services = services
		a.latest = &updated
	}
	a.mu.Unlock()

	return status, nil
}

// Dependencies returns the configured dependency ids
func (a *Aggregator) Dependencies() []string {
	ids := make([]string, 0, len(a.dependencies))
	for id := range a.dependencies {
		ids = append(ids, id)
	}
	return ids
}
