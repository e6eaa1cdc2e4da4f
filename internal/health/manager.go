package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsemesh/pulsemesh/pkg/config"
	"github.com/pulsemesh/pulsemesh/pkg/logging"
	"github.com/pulsemesh/pulsemesh/pkg/metrics"
	"github.com/pulsemesh/pulsemesh/pkg/types"
)

// SignalSource provides rolling call statistics for a dependency. Reads over
// an unknown dependency return a zero snapshot, never an error.
type SignalSource interface {
	Snapshot(serviceID string) metrics.WindowSnapshot
}

// BreakerProbe reports whether the circuit breaker protecting a dependency
// is currently open.
type BreakerProbe func(serviceID string) bool

// counters are the mutable per-dependency tallies, owned exclusively by the
// StateManager and updated only through RecordSuccess/RecordFailure.
type counters struct {
	consecutiveFailures  atomic.Int64
	consecutiveSuccesses atomic.Int64
	totalFailures        atomic.Int64
	totalSuccesses       atomic.Int64
	lastSuccess          atomic.Int64 // unix nanos
}

// cacheEntry is an immutable cached verdict; entries are replaced, never
// mutated in place.
type cacheEntry struct {
	health     types.ServiceHealth
	computedAt time.Time
}

// StateManager converts raw per-dependency signals into one DegradationState
// with hysteresis against flapping. Verdicts are cached with a TTL and a
// scheduled task recomputes every dependency on a fixed interval so state
// self-heals even when idle.
type StateManager struct {
	cfg     config.HealthConfig
	signals SignalSource
	breaker BreakerProbe
	metrics *metrics.Metrics
	logger  *logging.Logger

	counters sync.Map // service id -> *counters
	cache    sync.Map // service id -> *cacheEntry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewStateManager creates a state manager with the given thresholds. The
// breaker probe may be nil when no breakers are wired.
func NewStateManager(cfg config.HealthConfig, signals SignalSource, breaker BreakerProbe, m *metrics.Metrics) *StateManager {
	if breaker == nil {
		breaker = func(string) bool { return false }
	}

	return &StateManager{
		cfg:     cfg,
		signals: signals,
		breaker: breaker,
		metrics: m,
		logger:  logging.GetLogger(),
		stopCh:  make(chan struct{}),
	}
}

// RegisterService makes a dependency known to the scheduled refresh cycle
func (sm *StateManager) RegisterService(serviceID string) {
	sm.countersFor(serviceID)
}

// Services returns all known dependency ids
func (sm *StateManager) Services() []string {
	var ids []string
	sm.counters.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

// GetServiceHealth returns the current health snapshot for a dependency.
// A fresh cached verdict is served as-is; a stale or missing one is
// recomputed synchronously. This method never fails: missing signals read
// as zero.
func (sm *StateManager) GetServiceHealth(serviceID string) types.ServiceHealth {
	if entry, ok := sm.cache.Load(serviceID); ok {
		cached := entry.(*cacheEntry)
		if time.Since(cached.computedAt) < sm.cfg.CacheTTL {
			return cached.health
		}
	}

	return sm.recompute(serviceID, "stale_cache")
}

// IsOperational reports whether the dependency can serve at least some traffic
func (sm *StateManager) IsOperational(serviceID string) bool {
	return sm.GetServiceHealth(serviceID).IsOperational()
}

// RecordSuccess records one successful call. Recomputation is forced only if
// the cached state was non-operational, so recovery still has to accrue the
// recovery quorum before the dependency is reclassified.
func (sm *StateManager) RecordSuccess(serviceID string, latency time.Duration) {
	c := sm.countersFor(serviceID)
	c.consecutiveFailures.Store(0)
	c.consecutiveSuccesses.Add(1)
	c.totalSuccesses.Add(1)
	c.lastSuccess.Store(time.Now().UnixNano())

	if entry, ok := sm.cache.Load(serviceID); ok {
		if !entry.(*cacheEntry).health.IsOperational() {
			sm.recompute(serviceID, "record_success")
		}
	}
}

// RecordFailure records one failed call and always forces recomputation so
// degradation is detected immediately.
func (sm *StateManager) RecordFailure(serviceID string, latency time.Duration) {
	c := sm.countersFor(serviceID)
	c.consecutiveSuccesses.Store(0)
	c.consecutiveFailures.Add(1)
	c.totalFailures.Add(1)

	sm.recompute(serviceID, "record_failure")
}

// ForceRecompute bypasses the cache and reclassifies the dependency now
func (sm *StateManager) ForceRecompute(serviceID string) types.ServiceHealth {
	return sm.recompute(serviceID, "forced")
}

// Start runs the scheduled full recomputation loop until the context is
// cancelled or Stop is called.
func (sm *StateManager) Start(ctx context.Context) {
	ticker := time.NewTicker(sm.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sm.stopCh:
			return
		case <-ticker.C:
			for _, id := range sm.Services() {
				sm.recompute(id, "scheduled")
			}
		}
	}
}

// Stop terminates the scheduled refresh loop
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stopCh) })
}

func (sm *StateManager) countersFor(serviceID string) *counters {
	if c, ok := sm.counters.Load(serviceID); ok {
		return c.(*counters)
	}
	c, _ := sm.counters.LoadOrStore(serviceID, &counters{})
	return c.(*counters)
}

// recompute collects the current signals, classifies them and replaces the
// cached snapshot. It never fails.
func (sm *StateManager) recompute(serviceID string, trigger string) types.ServiceHealth {
	c := sm.countersFor(serviceID)
	snap := sm.signals.Snapshot(serviceID)
	breakerOpen := sm.breaker(serviceID)

	consecutiveFailures := int(c.consecutiveFailures.Load())
	consecutiveSuccesses := int(c.consecutiveSuccesses.Load())
	hadFailures := c.totalFailures.Load() > 0
	hadTraffic := hadFailures || c.totalSuccesses.Load() > 0 || snap.Count > 0

	state, message := sm.classify(breakerOpen, snap, consecutiveFailures, consecutiveSuccesses, hadFailures, hadTraffic)

	health := types.ServiceHealth{
		ServiceID:            serviceID,
		State:                state,
		LastUpdated:          time.Now(),
		ErrorRate:            snap.ErrorRate,
		LatencyP95Ms:         snap.LatencyP95Ms,
		LatencyP99Ms:         snap.LatencyP99Ms,
		ThroughputRPS:        snap.ThroughputRPS,
		CircuitBreakerOpen:   breakerOpen,
		ConsecutiveFailures:  consecutiveFailures,
		ConsecutiveSuccesses: consecutiveSuccesses,
		Message:              message,
	}

	previous, _ := sm.cache.Load(serviceID)
	sm.cache.Store(serviceID, &cacheEntry{health: health, computedAt: health.LastUpdated})

	if sm.metrics != nil {
		sm.metrics.RecordHealthRecompute(serviceID, trigger)
		sm.metrics.UpdateDegradationState(serviceID, int(state))
	}

	if previous != nil && previous.(*cacheEntry).health.State != state {
		sm.logger.LogHealthEvent(context.Background(), "state_changed", serviceID, state.String(), map[string]interface{}{
			"previous_state":        previous.(*cacheEntry).health.State.String(),
			"error_rate":            snap.ErrorRate,
			"latency_p95_ms":        snap.LatencyP95Ms,
			"consecutive_failures":  consecutiveFailures,
			"consecutive_successes": consecutiveSuccesses,
			"trigger":               trigger,
		})
	}

	return health
}

// classify applies the classification rules in order, first match wins.
func (sm *StateManager) classify(breakerOpen bool, snap metrics.WindowSnapshot, consecutiveFailures, consecutiveSuccesses int, hadFailures, hadTraffic bool) (types.DegradationState, string) {
	switch {
	case breakerOpen:
		return types.StateUnavailable, "circuit breaker open"
	case consecutiveFailures >= sm.cfg.UnavailableThreshold:
		return types.StateUnavailable, "consecutive failure threshold reached"
	case consecutiveFailures >= sm.cfg.ImpairedThreshold:
		return types.StateImpaired, "elevated consecutive failures"
	case snap.ErrorRate >= sm.cfg.ErrorRateUnavailable:
		return types.StateUnavailable, "error rate critical"
	case snap.ErrorRate >= sm.cfg.ErrorRateImpaired:
		return types.StateImpaired, "error rate high"
	case snap.ErrorRate >= sm.cfg.ErrorRateDegraded && snap.ErrorRate > 0:
		return types.StateDegraded, "error rate elevated"
	case snap.LatencyP95Ms >= float64(sm.cfg.LatencyP95Impaired.Milliseconds()):
		return types.StateImpaired, "latency critical"
	case snap.LatencyP95Ms >= float64(sm.cfg.LatencyP95Degraded.Milliseconds()):
		return types.StateDegraded, "latency elevated"
	case hadFailures && consecutiveSuccesses < sm.cfg.RecoveryQuorum:
		// Recovery hysteresis: a dependency that has failed must accrue the
		// recovery quorum of clean calls before it reads HEALTHY again.
		return types.StateDegraded, "recovering"
	case !hadTraffic:
		return types.StateUnknown, "no signal observed"
	default:
		return types.StateHealthy, ""
	}
}
