package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/pulsemesh/pulsemesh/pkg/errors"
	"github.com/pulsemesh/pulsemesh/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, limited requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics/eventing
	Name string
	// ServiceID is the dependency this breaker protects
	ServiceID string
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is half-open
	MaxRequests uint32
	// Interval is the cyclic period of the closed state
	// for the circuit breaker to clear the internal counts
	Interval time.Duration
	// Timeout is the period of the open state,
	// after which the state becomes half-open
	Timeout time.Duration
	// FailureRateThreshold trips the breaker when the failure rate over the
	// current generation reaches it and MinRequests calls have been seen
	FailureRateThreshold float64
	// MinRequests is the minimum number of calls before the failure rate
	// and slow call rate are evaluated
	MinRequests uint32
	// SlowCallDuration classifies a call as slow
	SlowCallDuration time.Duration
	// SlowCallRateThreshold emits an advisory when the slow call rate
	// reaches it; it never trips the breaker by itself
	SlowCallRateThreshold float64
	// ReadyToTrip overrides the failure-rate rule when set
	ReadyToTrip func(counts Counts) bool
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
	// OnRateExceeded is called when the failure rate or slow call rate
	// threshold is breached; advisory only
	OnRateExceeded func(name, kind string, rate, threshold float64)
}

// Advisory kinds reported through OnRateExceeded
const (
	RateKindFailure  = "failure_rate"
	RateKindSlowCall = "slow_call_rate"
)

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
	SlowCalls            uint32
}

// CircuitBreaker is a state machine to prevent sending requests that are likely to fail
type CircuitBreaker struct {
	name           string
	serviceID      string
	maxRequests    uint32
	interval       time.Duration
	timeout        time.Duration
	minRequests    uint32
	failureRate    float64
	slowDuration   time.Duration
	slowRate       float64
	readyToTrip    func(counts Counts) bool
	onStateChange  func(name string, from CircuitState, to CircuitState)
	onRateExceeded func(name, kind string, rate, threshold float64)

	mutex      sync.Mutex
	state      CircuitState
	generation uint64
	counts     Counts
	expiry     time.Time

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:           config.Name,
		serviceID:      config.ServiceID,
		maxRequests:    config.MaxRequests,
		interval:       config.Interval,
		timeout:        config.Timeout,
		minRequests:    config.MinRequests,
		failureRate:    config.FailureRateThreshold,
		slowDuration:   config.SlowCallDuration,
		slowRate:       config.SlowCallRateThreshold,
		onStateChange:  config.OnStateChange,
		onRateExceeded: config.OnRateExceeded,
		logger:         logging.GetLogger(),
	}

	if cb.maxRequests == 0 {
		cb.maxRequests = 1
	}
	if cb.minRequests == 0 {
		cb.minRequests = 5
	}
	if cb.failureRate <= 0 {
		cb.failureRate = 0.6
	}

	if config.ReadyToTrip == nil {
		cb.readyToTrip = cb.failureRateTrip
	} else {
		cb.readyToTrip = config.ReadyToTrip
	}

	cb.toNewGeneration(time.Now())
	return cb
}

// failureRateTrip trips the breaker once MinRequests calls have been seen and
// the failure rate over the current generation reaches the threshold
func (cb *CircuitBreaker) failureRateTrip(counts Counts) bool {
	return counts.Requests >= cb.minRequests &&
		float64(counts.TotalFailures) >= cb.failureRate*float64(counts.Requests)
}

// Execute runs the given request if the circuit breaker accepts it
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false, time.Since(start))
			panic(r)
		}
	}()

	result, err := req(ctx)
	cb.afterRequest(generation, err == nil, time.Since(start))
	return result, err
}

// Call is a convenience method that wraps Execute for functions that don't need context
func (cb *CircuitBreaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	return cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return fn()
	})
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)
	return state
}

// Counts returns a copy of the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.counts
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// ServiceID returns the dependency this breaker protects
func (cb *CircuitBreaker) ServiceID() string {
	return cb.serviceID
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, errors.NewCircuitOpenError(cb.name)
	} else if state == StateHalfOpen && cb.counts.Requests >= cb.maxRequests {
		return generation, errors.NewCircuitOpenError(cb.name).
			WithDetail("reason", "half-open request quota exceeded")
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool, elapsed time.Duration) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if cb.slowDuration > 0 && elapsed >= cb.slowDuration {
		cb.counts.SlowCalls++
		cb.checkSlowCallRate()
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state CircuitState, now time.Time) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0

	if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.maxRequests {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state CircuitState, now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0

	if state == StateClosed {
		cb.checkFailureRate()
		if cb.readyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	} else if state == StateHalfOpen {
		cb.setState(StateOpen, now)
	}
}

// checkFailureRate emits an advisory when the failure rate crosses the
// threshold. Caller holds the lock.
func (cb *CircuitBreaker) checkFailureRate() {
	if cb.onRateExceeded == nil || cb.counts.Requests < cb.minRequests {
		return
	}

	rate := float64(cb.counts.TotalFailures) / float64(cb.counts.Requests)
	if rate >= cb.failureRate {
		cb.onRateExceeded(cb.name, RateKindFailure, rate, cb.failureRate)
	}
}

// checkSlowCallRate emits an advisory when the slow call rate crosses the
// threshold. Caller holds the lock.
func (cb *CircuitBreaker) checkSlowCallRate() {
	if cb.onRateExceeded == nil || cb.slowRate <= 0 || cb.counts.Requests < cb.minRequests {
		return
	}

	rate := float64(cb.counts.SlowCalls) / float64(cb.counts.Requests)
	if rate >= cb.slowRate {
		cb.onRateExceeded(cb.name, RateKindSlowCall, rate, cb.slowRate)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (CircuitState, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	cb.toNewGeneration(now)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"service", cb.serviceID,
		"from", prev.String(),
		"to", state.String(),
		"counts", cb.counts,
	)
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	var zero time.Time
	switch cb.state {
	case StateClosed:
		if cb.interval == 0 {
			cb.expiry = zero
		} else {
			cb.expiry = now.Add(cb.interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.timeout)
	default: // StateHalfOpen
		cb.expiry = zero
	}
}

// IsCircuitBreakerError checks if an error is a circuit-open rejection
func IsCircuitBreakerError(err error) bool {
	return errors.IsType(err, errors.ErrorTypeCircuitOpen)
}
