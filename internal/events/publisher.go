package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pulsemesh/pulsemesh/pkg/logging"
	"github.com/pulsemesh/pulsemesh/pkg/metrics"
	"github.com/pulsemesh/pulsemesh/pkg/resilience"
	"github.com/pulsemesh/pulsemesh/pkg/types"
)

// BreakerCallback receives every breaker state applied to the ecosystem view,
// local and remote alike.
type BreakerCallback func(event types.CircuitBreakerEvent)

type breakerKey struct {
	serviceID   string
	breakerName string
}

// BreakerPublisher propagates local circuit breaker transitions to the event
// bus and maintains an ecosystem-wide view of breaker states from events
// published by other instances. Publishing is best effort and asynchronous:
// a bus outage never delays or fails a breaker transition.
type BreakerPublisher struct {
	instanceID string
	bus        Bus
	metrics    *metrics.Metrics
	logger     *logging.Logger

	mu        sync.RWMutex
	ecosystem map[breakerKey]types.CircuitBreakerEvent
	callbacks []BreakerCallback
}

// NewBreakerPublisher creates a publisher identified by instanceID on the bus
func NewBreakerPublisher(instanceID string, bus Bus, m *metrics.Metrics) *BreakerPublisher {
	return &BreakerPublisher{
		instanceID: instanceID,
		bus:        bus,
		metrics:    m,
		logger:     logging.GetLogger(),
		ecosystem:  make(map[breakerKey]types.CircuitBreakerEvent),
	}
}

// Attach subscribes the publisher to all transitions and advisories of the
// registry, including breakers created later.
func (p *BreakerPublisher) Attach(registry *resilience.Registry) {
	registry.OnTransition(func(name, serviceID string, from, to resilience.CircuitState) {
		event := types.CircuitBreakerEvent{
			BreakerName:   name,
			ServiceID:     serviceID,
			State:         types.BreakerState(to.String()),
			PreviousState: types.BreakerState(from.String()),
			Timestamp:     time.Now().UTC(),
		}

		p.metrics.RecordBreakerTransition(name, from.String(), to.String())

		// The local view is updated synchronously; self-originated bus events
		// are skipped on consumption.
		p.apply(event)

		go p.publish(types.EventTypeBreakerTransition, event)
	})

	registry.OnAdvisory(func(name, serviceID, kind string, rate, threshold float64) {
		eventType := types.EventTypeFailureRateAlert
		if kind == resilience.RateKindSlowCall {
			eventType = types.EventTypeSlowCallAlert
		}

		event := types.BreakerAdvisoryEvent{
			BreakerName: name,
			ServiceID:   serviceID,
			Rate:        rate,
			Threshold:   threshold,
			Timestamp:   time.Now().UTC(),
		}

		go p.publish(eventType, event)
	})
}

// Start begins consuming breaker events from other instances
func (p *BreakerPublisher) Start(ctx context.Context) error {
	return p.bus.Subscribe(ctx, p.consume)
}

// publish wraps and sends one event. Errors are counted and logged, never
// propagated.
func (p *BreakerPublisher) publish(eventType string, payload interface{}) {
	env, err := NewEnvelope(eventType, p.instanceID, payload)
	if err != nil {
		p.metrics.RecordPublishError(eventType)
		p.logger.Error("Failed to build event envelope",
			"type", eventType,
			"error", err.Error(),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.bus.Publish(ctx, env); err != nil {
		p.metrics.RecordPublishError(eventType)
		p.logger.Error("Failed to publish event",
			"type", eventType,
			"error", err.Error(),
		)
		return
	}

	p.metrics.RecordEventPublished(eventType)
}

// consume applies one envelope from the bus, skipping self-originated events
func (p *BreakerPublisher) consume(ctx context.Context, env Envelope) {
	if env.Origin == p.instanceID {
		return
	}

	switch env.Type {
	case types.EventTypeBreakerTransition:
		var event types.CircuitBreakerEvent
		if err := json.Unmarshal(env.Payload, &event); err != nil {
			p.logger.Warn("Dropping malformed breaker event",
				"origin", env.Origin,
				"error", err.Error(),
			)
			return
		}

		p.metrics.RecordEventConsumed(env.Type)
		p.apply(event)

	case types.EventTypeFailureRateAlert, types.EventTypeSlowCallAlert:
		var event types.BreakerAdvisoryEvent
		if err := json.Unmarshal(env.Payload, &event); err != nil {
			p.logger.Warn("Dropping malformed advisory event",
				"origin", env.Origin,
				"error", err.Error(),
			)
			return
		}

		p.metrics.RecordEventConsumed(env.Type)
		p.logger.LogBreakerEvent(ctx, env.Type, event.BreakerName, event.ServiceID, map[string]interface{}{
			"rate":      event.Rate,
			"threshold": event.Threshold,
			"origin":    env.Origin,
		})
	}
}

// apply upserts one breaker state into the ecosystem view. When an entry
// already exists the later timestamp wins, so out-of-order delivery cannot
// roll the view back to a stale state.
func (p *BreakerPublisher) apply(event types.CircuitBreakerEvent) {
	key := breakerKey{serviceID: event.ServiceID, breakerName: event.BreakerName}

	p.mu.Lock()
	existing, ok := p.ecosystem[key]
	if ok && existing.Timestamp.After(event.Timestamp) {
		p.mu.Unlock()
		return
	}
	p.ecosystem[key] = event
	callbacks := make([]BreakerCallback, len(p.callbacks))
	copy(callbacks, p.callbacks)
	openCount := p.openCountLocked()
	p.mu.Unlock()

	p.metrics.UpdateBreakerOpen(event.ServiceID, event.BreakerName, event.State == types.BreakerOpen)
	p.metrics.UpdateEcosystemOpenBreakers(openCount)

	for _, cb := range callbacks {
		cb(event)
	}
}

// openCountLocked counts open breakers. Caller holds the lock.
func (p *BreakerPublisher) openCountLocked() int {
	count := 0
	for _, event := range p.ecosystem {
		if event.State == types.BreakerOpen {
			count++
		}
	}
	return count
}

// RegisterCallback subscribes to all applied breaker state changes
func (p *BreakerPublisher) RegisterCallback(cb BreakerCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// GetCircuitBreakerState returns the last known state of one breaker
func (p *BreakerPublisher) GetCircuitBreakerState(serviceID, breakerName string) (types.CircuitBreakerEvent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	event, ok := p.ecosystem[breakerKey{serviceID: serviceID, breakerName: breakerName}]
	return event, ok
}

// GetCircuitBreakerStatesByService returns all known breaker states for a
// dependency, keyed by breaker name.
func (p *BreakerPublisher) GetCircuitBreakerStatesByService(serviceID string) map[string]types.CircuitBreakerEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	states := make(map[string]types.CircuitBreakerEvent)
	for key, event := range p.ecosystem {
		if key.serviceID == serviceID {
			states[key.breakerName] = event
		}
	}
	return states
}

// GetOpenCircuitBreakers returns all breakers currently known to be open
func (p *BreakerPublisher) GetOpenCircuitBreakers() []types.CircuitBreakerEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var open []types.CircuitBreakerEvent
	for _, event := range p.ecosystem {
		if event.State == types.BreakerOpen {
			open = append(open, event)
		}
	}
	return open
}

// HasOpenCircuitBreaker reports whether any breaker for the dependency is open
func (p *BreakerPublisher) HasOpenCircuitBreaker(serviceID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for key, event := range p.ecosystem {
		if key.serviceID == serviceID && event.State == types.BreakerOpen {
			return true
		}
	}
	return false
}

// EcosystemSummary is a point-in-time rollup of the ecosystem breaker view
type EcosystemSummary struct {
	TotalBreakers    int `json:"total_breakers"`
	OpenBreakers     int `json:"open_breakers"`
	HalfOpenBreakers int `json:"half_open_breakers"`
	ClosedBreakers   int `json:"closed_breakers"`
}

// GetEcosystemSummary counts known breakers by state
func (p *BreakerPublisher) GetEcosystemSummary() EcosystemSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	summary := EcosystemSummary{TotalBreakers: len(p.ecosystem)}
	for _, event := range p.ecosystem {
		switch event.State {
		case types.BreakerOpen:
			summary.OpenBreakers++
		case types.BreakerHalfOpen:
			summary.HalfOpenBreakers++
		default:
			summary.ClosedBreakers++
		}
	}
	return summary
}
