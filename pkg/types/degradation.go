package types

import "time"

// DegradationState represents how degraded a dependency is, ordered by severity.
type DegradationState int

const (
	// StateUnknown - no signal has been observed yet
	StateUnknown DegradationState = -1
	// StateHealthy - dependency is fully operational
	StateHealthy DegradationState = 0
	// StateDegraded - elevated error rate or latency, all traffic still allowed
	StateDegraded DegradationState = 1
	// StateImpaired - only critical traffic is admitted
	StateImpaired DegradationState = 2
	// StateUnavailable - all traffic is blocked and routed to fallback
	StateUnavailable DegradationState = 3
)

func (s DegradationState) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateImpaired:
		return "IMPAIRED"
	case StateUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Worse returns the higher-severity of the two states.
func (s DegradationState) Worse(other DegradationState) DegradationState {
	if other > s {
		return other
	}
	return s
}

// Better returns the lower-severity of the two states.
func (s DegradationState) Better(other DegradationState) DegradationState {
	if other < s {
		return other
	}
	return s
}

// IsOperational reports whether the dependency can serve at least some traffic.
func (s DegradationState) IsOperational() bool {
	return s == StateHealthy || s == StateDegraded || s == StateImpaired
}

// ShouldBlockRequests reports whether all traffic must be blocked.
func (s DegradationState) ShouldBlockRequests() bool {
	return s == StateUnavailable
}

// ShouldOnlyAllowCritical reports whether only critical-path traffic is admitted.
func (s DegradationState) ShouldOnlyAllowCritical() bool {
	return s == StateImpaired
}

// ServiceHealth is an immutable snapshot of one dependency's health.
// All fields are observed at LastUpdated; snapshots are replaced, never mutated.
type ServiceHealth struct {
	ServiceID            string            `json:"service_id"`
	State                DegradationState  `json:"state"`
	LastUpdated          time.Time         `json:"last_updated"`
	ErrorRate            float64           `json:"error_rate"`
	LatencyP95Ms         float64           `json:"latency_p95_ms"`
	LatencyP99Ms         float64           `json:"latency_p99_ms"`
	ThroughputRPS        float64           `json:"throughput_rps"`
	CircuitBreakerOpen   bool              `json:"circuit_breaker_open"`
	ConsecutiveFailures  int               `json:"consecutive_failures"`
	ConsecutiveSuccesses int               `json:"consecutive_successes"`
	Details              map[string]string `json:"details,omitempty"`
	Message              string            `json:"message,omitempty"`
}

// IsOperational reports whether the snapshot's state admits any traffic.
func (h ServiceHealth) IsOperational() bool {
	return h.State.IsOperational()
}

// ShouldBlockRequests reports whether the snapshot's state blocks all traffic.
func (h ServiceHealth) ShouldBlockRequests() bool {
	return h.State.ShouldBlockRequests()
}

// ShouldOnlyAllowCritical reports whether only critical traffic is admitted.
func (h ServiceHealth) ShouldOnlyAllowCritical() bool {
	return h.State.ShouldOnlyAllowCritical()
}
