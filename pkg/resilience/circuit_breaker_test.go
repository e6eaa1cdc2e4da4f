package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsemesh/pulsemesh/pkg/errors"
)

func testBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                 name,
		ServiceID:            "test-service",
		MaxRequests:          2,
		Timeout:              50 * time.Millisecond,
		MinRequests:          3,
		FailureRateThreshold: 0.6,
	}
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", CircuitState(99).String())
}

func TestCircuitBreaker_ClosedAllowsRequests(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("cb-closed"))

	result, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().TotalSuccesses)
}

func TestCircuitBreaker_TripsOnFailureRate(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("cb-trip"))

	failing := func(ctx context.Context) (interface{}, error) {
		return nil, errors.NewExternalError("test-service", "boom")
	}

	// Below MinRequests the breaker stays closed
	_, _ = cb.Execute(context.Background(), failing)
	_, _ = cb.Execute(context.Background(), failing)
	assert.Equal(t, StateClosed, cb.State())

	// Third failure reaches MinRequests with 100% failure rate
	_, _ = cb.Execute(context.Background(), failing)
	assert.Equal(t, StateOpen, cb.State())

	// Open breaker rejects without invoking the operation
	called := false
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		called = true
		return nil, nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, IsCircuitBreakerError(err))
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("cb-recovery"))

	failing := func(ctx context.Context) (interface{}, error) {
		return nil, errors.NewExternalError("test-service", "boom")
	}
	succeeding := func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	}

	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(context.Background(), failing)
	}
	require.Equal(t, StateOpen, cb.State())

	// Wait for the open timeout to elapse
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// MaxRequests consecutive successes close the breaker
	_, err := cb.Execute(context.Background(), succeeding)
	require.NoError(t, err)
	_, err = cb.Execute(context.Background(), succeeding)
	require.NoError(t, err)

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("cb-reopen"))

	failing := func(ctx context.Context) (interface{}, error) {
		return nil, errors.NewExternalError("test-service", "boom")
	}

	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(context.Background(), failing)
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_, _ = cb.Execute(context.Background(), failing)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string

	config := testBreakerConfig("cb-listener")
	config.OnStateChange = func(name string, from, to CircuitState) {
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
	}

	cb := NewCircuitBreaker(config)
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.NewExternalError("test-service", "boom")
		})
	}

	require.Len(t, transitions, 1)
	assert.Equal(t, "cb-listener:CLOSED->OPEN", transitions[0])
}

func TestCircuitBreaker_FailureRateAdvisory(t *testing.T) {
	var advisories []string

	config := testBreakerConfig("cb-advisory")
	config.MinRequests = 5
	config.FailureRateThreshold = 0.99 // keep the breaker from tripping before the advisory fires
	config.OnRateExceeded = func(name, kind string, rate, threshold float64) {
		advisories = append(advisories, kind)
	}

	cb := NewCircuitBreaker(config)
	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.NewExternalError("test-service", "boom")
		})
	}

	require.NotEmpty(t, advisories)
	assert.Equal(t, RateKindFailure, advisories[0])
}

func TestCircuitBreaker_SlowCallAdvisory(t *testing.T) {
	var advisories []string

	config := testBreakerConfig("cb-slow")
	config.MinRequests = 2
	config.SlowCallDuration = time.Millisecond
	config.SlowCallRateThreshold = 0.5
	config.OnRateExceeded = func(name, kind string, rate, threshold float64) {
		advisories = append(advisories, kind)
	}

	cb := NewCircuitBreaker(config)
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			time.Sleep(2 * time.Millisecond)
			return "ok", nil
		})
	}

	require.NotEmpty(t, advisories)
	assert.Contains(t, advisories, RateKindSlowCall)
	// Advisories never change state on their own
	assert.Equal(t, StateClosed, cb.State())
}

func TestRegistry_GetOrCreateIsIdempotent(t *testing.T) {
	registry := NewRegistry()

	cb1 := registry.GetOrCreate(testBreakerConfig("cb-idem"))
	cb2 := registry.GetOrCreate(testBreakerConfig("cb-idem"))

	assert.Same(t, cb1, cb2)
	assert.Equal(t, []string{"cb-idem"}, registry.Names())
}

func TestRegistry_ListenerSeesLateRegisteredBreakers(t *testing.T) {
	registry := NewRegistry()

	var events []string
	registry.OnTransition(func(name, serviceID string, from, to CircuitState) {
		events = append(events, fmt.Sprintf("%s/%s:%s->%s", serviceID, name, from, to))
	})

	// Breaker registered after the listener subscribed
	cb := registry.GetOrCreate(testBreakerConfig("cb-late"))
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.NewExternalError("test-service", "boom")
		})
	}

	require.Len(t, events, 1)
	assert.Equal(t, "test-service/cb-late:CLOSED->OPEN", events[0])
}

func TestRegistry_AdvisoryDispatch(t *testing.T) {
	registry := NewRegistry()

	var kinds []string
	registry.OnAdvisory(func(name, serviceID, kind string, rate, threshold float64) {
		kinds = append(kinds, kind)
	})

	config := testBreakerConfig("cb-reg-advisory")
	config.FailureRateThreshold = 0.99
	config.MinRequests = 3

	cb := registry.GetOrCreate(config)
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.NewExternalError("test-service", "boom")
		})
	}

	assert.Contains(t, kinds, RateKindFailure)
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("cb-panic"))

	for i := 0; i < 3; i++ {
		func() {
			defer func() { _ = recover() }()
			_, _ = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
				panic("boom")
			})
		}()
	}

	assert.Equal(t, StateOpen, cb.State())
}
