package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsemesh/pulsemesh/internal/events"
	"github.com/pulsemesh/pulsemesh/internal/probe"
	"github.com/pulsemesh/pulsemesh/pkg/config"
	"github.com/pulsemesh/pulsemesh/pkg/metrics"
	"github.com/pulsemesh/pulsemesh/pkg/types"
)

// stubHealth serves fixed degradation snapshots
type stubHealth struct {
	states map[string]types.DegradationState
}

func (s *stubHealth) GetServiceHealth(serviceID string) types.ServiceHealth {
	state, ok := s.states[serviceID]
	if !ok {
		state = types.StateHealthy
	}
	return types.ServiceHealth{ServiceID: serviceID, State: state}
}

// stubBreakers reports a fixed open set
type stubBreakers struct {
	open map[string]bool
}

func (s *stubBreakers) HasOpenCircuitBreaker(serviceID string) bool {
	return s.open[serviceID]
}

// routingDoer serves a canned health document per host
type routingDoer struct {
	mu        sync.Mutex
	responses map[string]string // host -> body, missing host fails transport
}

func (d *routingDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	body, ok := d.responses[req.URL.Host]
	d.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("connection refused")
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{},
	}, nil
}

func testAggregatorConfig() config.AggregatorConfig {
	return config.AggregatorConfig{
		PollInterval:     time.Minute,
		ProbeTimeout:     time.Second,
		CycleTimeout:     5 * time.Second,
		LatencyPenalty5:  500 * time.Millisecond,
		LatencyPenalty10: time.Second,
	}
}

func newTestAggregator(deps map[string]string, doer *routingDoer, health HealthSource, breakers BreakerView, bus events.Bus) *Aggregator {
	if health == nil {
		health = &stubHealth{states: map[string]types.DegradationState{}}
	}
	if breakers == nil {
		breakers = &stubBreakers{open: map[string]bool{}}
	}
	prober := probe.NewProber(probe.Options{Timeout: time.Second, Client: doer}, &metrics.Metrics{})
	return New(testAggregatorConfig(), "instance-a", deps, prober, health, breakers, bus, &metrics.Metrics{})
}

func upDeps(ids ...string) (map[string]string, *routingDoer) {
	deps := make(map[string]string)
	responses := make(map[string]string)
	for _, id := range ids {
		host := id + ".internal"
		deps[id] = "http://" + host
		responses[host] = `{"status":"UP"}`
	}
	return deps, &routingDoer{responses: responses}
}

func TestAggregator_AllHealthyIsUp(t *testing.T) {
	deps, doer := upDeps("billing", "catalog", "search")
	a := newTestAggregator(deps, doer, nil, nil, nil)

	status := a.RunCycle(context.Background())
	assert.Equal(t, types.EcosystemUp, status.OverallStatus)
	assert.Len(t, status.Services, 3)
	assert.Empty(t, status.UnhealthyServices)
	assert.Equal(t, 100.0, status.IntegrationScore)
	assert.True(t, a.IsEcosystemHealthy())
}

func TestAggregator_HalfDownIsDown(t *testing.T) {
	deps, doer := upDeps("a", "b", "c", "d", "e", "f")
	// 3 of 6 unreachable
	delete(doer.responses, "a.internal")
	delete(doer.responses, "b.internal")
	delete(doer.responses, "c.internal")

	a := newTestAggregator(deps, doer, nil, nil, nil)
	status := a.RunCycle(context.Background())

	assert.Equal(t, types.EcosystemDown, status.OverallStatus)
	assert.Len(t, status.UnhealthyServices, 3)
}

func TestAggregator_OneDownOfSixIsDegraded(t *testing.T) {
	deps, doer := upDeps("a", "b", "c", "d", "e", "f")
	delete(doer.responses, "f.internal")

	a := newTestAggregator(deps, doer, nil, nil, nil)
	status := a.RunCycle(context.Background())

	assert.Equal(t, types.EcosystemDegraded, status.OverallStatus)
	assert.Equal(t, []string{"f"}, status.UnhealthyServices)
	assert.Equal(t, []string{"f"}, a.GetUnhealthyServices())
}

func TestAggregator_DegradedDependencyDegradesEcosystem(t *testing.T) {
	deps, doer := upDeps("billing", "catalog")
	health := &stubHealth{states: map[string]types.DegradationState{
		"catalog": types.StateDegraded,
	}}

	a := newTestAggregator(deps, doer, health, nil, nil)
	status := a.RunCycle(context.Background())

	assert.Equal(t, types.EcosystemDegraded, status.OverallStatus)
	assert.Equal(t, []string{"catalog"}, status.DegradedServices)
	assert.Empty(t, status.UnhealthyServices)
}

func TestAggregator_ScoreBaseline(t *testing.T) {
	deps, doer := upDeps("billing")
	a := newTestAggregator(deps, doer, nil, nil, nil)

	status := a.RunCycle(context.Background())
	assert.Equal(t, 100.0, status.Services["billing"].Score)
}

func TestAggregator_ScoreOpenBreakerPenalty(t *testing.T) {
	deps, doer := upDeps("billing")
	breakers := &stubBreakers{open: map[string]bool{"billing": true}}

	a := newTestAggregator(deps, doer, nil, breakers, nil)
	status := a.RunCycle(context.Background())

	entry := status.Services["billing"]
	assert.Equal(t, 80.0, entry.Score)
	assert.True(t, entry.BreakerOpen)
}

func TestAggregator_ScoreByDegradationState(t *testing.T) {
	tests := []struct {
		state    types.DegradationState
		expected float64
	}{
		{types.StateHealthy, 100},
		{types.StateDegraded, 75},
		{types.StateImpaired, 50},
		{types.StateUnavailable, 25},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			deps, doer := upDeps("billing")
			health := &stubHealth{states: map[string]types.DegradationState{
				"billing": tt.state,
			}}

			a := newTestAggregator(deps, doer, health, nil, nil)
			status := a.RunCycle(context.Background())
			assert.Equal(t, tt.expected, status.Services["billing"].Score)
		})
	}
}

func TestAggregator_ScoreFloorsAtZero(t *testing.T) {
	a := newTestAggregator(map[string]string{}, &routingDoer{}, nil, nil, nil)

	score := a.score(types.StateUnavailable, 2000, true)
	// 25 - 10 - 20 clamps to 0, never negative
	assert.Equal(t, 0.0, score)
}

func TestAggregator_LatencyPenalties(t *testing.T) {
	a := newTestAggregator(map[string]string{}, &routingDoer{}, nil, nil, nil)

	assert.Equal(t, 100.0, a.score(types.StateHealthy, 100, false))
	assert.Equal(t, 95.0, a.score(types.StateHealthy, 600, false))
	assert.Equal(t, 90.0, a.score(types.StateHealthy, 1500, false))
}

func TestAggregator_ProbeDownForcesUnavailable(t *testing.T) {
	deps, doer := upDeps("billing")
	delete(doer.responses, "billing.internal")

	a := newTestAggregator(deps, doer, nil, nil, nil)
	status := a.RunCycle(context.Background())

	entry := status.Services["billing"]
	assert.Equal(t, types.EcosystemDown, entry.Status)
	assert.Equal(t, types.StateUnavailable, entry.DegradationState)
	assert.Equal(t, 25.0, entry.Score)
}

func TestAggregator_ChangeEventsPublishedOnFlip(t *testing.T) {
	deps, doer := upDeps("billing", "catalog")
	bus := events.NewMemoryBus()

	var mu sync.Mutex
	var changed []types.HealthChangedEvent
	require.NoError(t, bus.Subscribe(context.Background(), func(ctx context.Context, env events.Envelope) {
		if env.Type != types.EventTypeHealthChanged {
			return
		}
		var event types.HealthChangedEvent
		require.NoError(t, json.Unmarshal(env.Payload, &event))
		mu.Lock()
		changed = append(changed, event)
		mu.Unlock()
	}))

	a := newTestAggregator(deps, doer, nil, nil, bus)

	// First cycle establishes the baseline, no events
	a.RunCycle(context.Background())
	mu.Lock()
	assert.Empty(t, changed)
	mu.Unlock()

	// Second cycle with no flips stays silent
	a.RunCycle(context.Background())
	mu.Lock()
	assert.Empty(t, changed)
	mu.Unlock()

	// billing goes down: one service event plus the overall flip
	doer.mu.Lock()
	delete(doer.responses, "billing.internal")
	doer.mu.Unlock()
	a.RunCycle(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changed, 2)

	byService := make(map[string]types.HealthChangedEvent)
	for _, event := range changed {
		byService[event.ServiceID] = event
	}
	assert.Equal(t, types.EcosystemDown, byService["billing"].CurrentStatus)
	assert.Equal(t, types.EcosystemUp, byService["billing"].PreviousStatus)
	assert.Equal(t, types.EcosystemDown, byService["ecosystem"].CurrentStatus)
}

func TestAggregator_ForceHealthCheck(t *testing.T) {
	deps, doer := upDeps("billing", "catalog")
	a := newTestAggregator(deps, doer, nil, nil, nil)
	a.RunCycle(context.Background())

	doer.mu.Lock()
	delete(doer.responses, "billing.internal")
	doer.mu.Unlock()

	entry, err := a.ForceHealthCheck(context.Background(), "billing")
	require.NoError(t, err)
	assert.Equal(t, types.EcosystemDown, entry.Status)

	// The splice is visible in the latest rollup
	assert.Equal(t, types.EcosystemDown, a.GetEcosystemHealth().Services["billing"].Status)

	_, err = a.ForceHealthCheck(context.Background(), "unknown")
	assert.Error(t, err)
}

func TestAggregator_EmptyBeforeFirstCycle(t *testing.T) {
	a := newTestAggregator(map[string]string{}, &routingDoer{}, nil, nil, nil)

	status := a.GetEcosystemHealth()
	assert.Equal(t, types.EcosystemUp, status.OverallStatus)
	assert.Empty(t, status.Services)
}
