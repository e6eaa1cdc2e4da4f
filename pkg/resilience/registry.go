package resilience

import (
	"sort"
	"sync"

	"github.com/pulsemesh/pulsemesh/pkg/logging"
)

// TransitionListener receives circuit breaker state transitions.
type TransitionListener func(name, serviceID string, from, to CircuitState)

// AdvisoryListener receives failure-rate and slow-call-rate threshold
// breaches. Advisory events never mutate breaker state.
type AdvisoryListener func(name, serviceID, kind string, rate, threshold float64)

// Registry owns all named circuit breakers in the process. Creation is
// idempotent per name, and listeners registered on the registry observe
// every breaker, including breakers created after the listener subscribed.
type Registry struct {
	mu                  sync.RWMutex
	breakers            map[string]*CircuitBreaker
	transitionListeners []TransitionListener
	advisoryListeners   []AdvisoryListener
	logger              *logging.Logger
}

// NewRegistry creates an empty circuit breaker registry
func NewRegistry() *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logging.GetLogger(),
	}
}

// GetOrCreate returns the breaker registered under config.Name, creating it
// on first use. Re-registering an existing name returns the existing breaker
// untouched; replacing a live breaker would discard its accumulated state.
func (r *Registry) GetOrCreate(config CircuitBreakerConfig) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[config.Name]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[config.Name]; ok {
		return cb
	}

	userTransition := config.OnStateChange
	userAdvisory := config.OnRateExceeded
	serviceID := config.ServiceID

	config.OnStateChange = func(name string, from, to CircuitState) {
		if userTransition != nil {
			userTransition(name, from, to)
		}
		r.dispatchTransition(name, serviceID, from, to)
	}
	config.OnRateExceeded = func(name, kind string, rate, threshold float64) {
		if userAdvisory != nil {
			userAdvisory(name, kind, rate, threshold)
		}
		r.dispatchAdvisory(name, serviceID, kind, rate, threshold)
	}

	cb := NewCircuitBreaker(config)
	r.breakers[config.Name] = cb

	r.logger.Debug("Circuit breaker registered",
		"name", config.Name,
		"service", serviceID,
	)

	return cb
}

// Get returns the breaker registered under the given name
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cb, ok := r.breakers[name]
	return cb, ok
}

// Names returns all registered breaker names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered breakers
func (r *Registry) All() []*CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		all = append(all, cb)
	}
	return all
}

// OnTransition subscribes a listener to all breaker transitions, including
// those of breakers registered after this call.
func (r *Registry) OnTransition(listener TransitionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitionListeners = append(r.transitionListeners, listener)
}

// OnAdvisory subscribes a listener to rate threshold advisories.
func (r *Registry) OnAdvisory(listener AdvisoryListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advisoryListeners = append(r.advisoryListeners, listener)
}

// dispatchTransition fans a transition out to the listener set current at
// event time. Listeners must not call back into the originating breaker.
func (r *Registry) dispatchTransition(name, serviceID string, from, to CircuitState) {
	r.mu.RLock()
	listeners := make([]TransitionListener, len(r.transitionListeners))
	copy(listeners, r.transitionListeners)
	r.mu.RUnlock()

	for _, listener := range listeners {
		listener(name, serviceID, from, to)
	}
}

func (r *Registry) dispatchAdvisory(name, serviceID, kind string, rate, threshold float64) {
	r.mu.RLock()
	listeners := make([]AdvisoryListener, len(r.advisoryListeners))
	copy(listeners, r.advisoryListeners)
	r.mu.RUnlock()

	for _, listener := range listeners {
		listener(name, serviceID, kind, rate, threshold)
	}
}
