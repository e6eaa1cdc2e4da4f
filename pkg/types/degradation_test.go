package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDegradationState_String(t *testing.T) {
	tests := []struct {
		state    DegradationState
		expected string
	}{
		{StateUnknown, "UNKNOWN"},
		{StateHealthy, "HEALTHY"},
		{StateDegraded, "DEGRADED"},
		{StateImpaired, "IMPAIRED"},
		{StateUnavailable, "UNAVAILABLE"},
		{DegradationState(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestDegradationState_WorseBetter(t *testing.T) {
	assert.Equal(t, StateImpaired, StateHealthy.Worse(StateImpaired))
	assert.Equal(t, StateImpaired, StateImpaired.Worse(StateHealthy))
	assert.Equal(t, StateHealthy, StateHealthy.Better(StateImpaired))
	assert.Equal(t, StateHealthy, StateImpaired.Better(StateHealthy))

	// Commutative over every pair
	states := []DegradationState{StateUnknown, StateHealthy, StateDegraded, StateImpaired, StateUnavailable}
	for _, a := range states {
		for _, b := range states {
			assert.Equal(t, a.Worse(b), b.Worse(a))
			assert.Equal(t, a.Better(b), b.Better(a))
		}
	}

	// Associative over every triple
	for _, a := range states {
		for _, b := range states {
			for _, c := range states {
				assert.Equal(t, a.Worse(b).Worse(c), a.Worse(b.Worse(c)))
				assert.Equal(t, a.Better(b).Better(c), a.Better(b.Better(c)))
			}
		}
	}
}

func TestDegradationState_AdmissionPredicates(t *testing.T) {
	assert.True(t, StateHealthy.IsOperational())
	assert.True(t, StateDegraded.IsOperational())
	assert.True(t, StateImpaired.IsOperational())
	assert.False(t, StateUnavailable.IsOperational())
	assert.False(t, StateUnknown.IsOperational())

	assert.True(t, StateUnavailable.ShouldBlockRequests())
	assert.False(t, StateImpaired.ShouldBlockRequests())

	assert.True(t, StateImpaired.ShouldOnlyAllowCritical())
	assert.False(t, StateHealthy.ShouldOnlyAllowCritical())
	assert.False(t, StateUnavailable.ShouldOnlyAllowCritical())
}
