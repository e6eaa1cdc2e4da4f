package types

import "time"

// BreakerState mirrors the circuit breaker automaton states on the wire.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// Event type discriminators carried in event bus envelopes.
const (
	EventTypeBreakerTransition = "circuit_breaker.transition"
	EventTypeFailureRateAlert  = "circuit_breaker.failure_rate_exceeded"
	EventTypeSlowCallAlert     = "circuit_breaker.slow_call_rate_exceeded"
	EventTypeHealthChanged     = "ecosystem.health_changed"
)

// CircuitBreakerEvent is an immutable breaker transition propagated on the bus.
type CircuitBreakerEvent struct {
	BreakerName   string       `json:"breaker_name"`
	ServiceID     string       `json:"service_id"`
	State         BreakerState `json:"state"`
	PreviousState BreakerState `json:"previous_state"`
	Timestamp     time.Time    `json:"timestamp"`
}

// BreakerAdvisoryEvent reports a failure-rate or slow-call-rate threshold
// breach. Advisory only, it never mutates ecosystem state.
type BreakerAdvisoryEvent struct {
	BreakerName string    `json:"breaker_name"`
	ServiceID   string    `json:"service_id"`
	Rate        float64   `json:"rate"`
	Threshold   float64   `json:"threshold"`
	Timestamp   time.Time `json:"timestamp"`
}

// EcosystemStatus is the overall rollup verdict for the ecosystem.
type EcosystemStatus string

const (
	EcosystemUp       EcosystemStatus = "UP"
	EcosystemDegraded EcosystemStatus = "DEGRADED"
	EcosystemDown     EcosystemStatus = "DOWN"
)

// DependencyStatus is one dependency's entry in an ecosystem rollup.
type DependencyStatus struct {
	ServiceID        string           `json:"service_id"`
	Status           EcosystemStatus  `json:"status"`
	DegradationState DegradationState `json:"degradation_state"`
	BreakerOpen      bool             `json:"breaker_open"`
	LatencyMs        float64          `json:"latency_ms"`
	Score            float64          `json:"score"`
	Message          string           `json:"message,omitempty"`
}

// EcosystemHealthStatus is recomputed wholesale every aggregation cycle.
type EcosystemHealthStatus struct {
	OverallStatus     EcosystemStatus             `json:"overall_status"`
	Services          map[string]DependencyStatus `json:"services"`
	UnhealthyServices []string                    `json:"unhealthy_services"`
	DegradedServices  []string                    `json:"degraded_services"`
	IntegrationScore  float64                     `json:"integration_score"`
	Timestamp         time.Time                   `json:"timestamp"`
}

// HealthChangedEvent is published when the overall status or any
// per-dependency status changes between aggregation cycles.
type HealthChangedEvent struct {
	ServiceID      string          `json:"service_id"`
	PreviousStatus EcosystemStatus `json:"previous_status"`
	CurrentStatus  EcosystemStatus `json:"current_status"`
	Score          float64         `json:"score"`
	Timestamp      time.Time       `json:"timestamp"`
}
