package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsemesh/pulsemesh/internal/aggregator"
	"github.com/pulsemesh/pulsemesh/internal/events"
	"github.com/pulsemesh/pulsemesh/internal/health"
	"github.com/pulsemesh/pulsemesh/internal/probe"
	"github.com/pulsemesh/pulsemesh/pkg/config"
	"github.com/pulsemesh/pulsemesh/pkg/metrics"
	"github.com/pulsemesh/pulsemesh/pkg/resilience"
	"github.com/pulsemesh/pulsemesh/pkg/types"
)

type upDoer struct{}

func (upDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewBufferString(`{"status":"UP"}`)),
		Header:     http.Header{},
	}, nil
}

type downDoer struct{}

func (downDoer) Do(req *http.Request) (*http.Response, error) {
	return nil, fmt.Errorf("connection refused")
}

func newTestRouter(t *testing.T, doer probe.Doer) (*testFixture, http.Handler) {
	t.Helper()

	cfg := &config.Config{
		Logging:      config.LoggingConfig{Level: "info"},
		Dependencies: map[string]string{"billing": "http://billing.internal"},
	}

	signals := metrics.NewCollector(time.Minute)
	manager := health.NewStateManager(config.HealthConfig{
		UnavailableThreshold: 5,
		ImpairedThreshold:    3,
		RecoveryQuorum:       3,
		ErrorRateUnavailable: 0.10,
		ErrorRateImpaired:    0.05,
		ErrorRateDegraded:    0.01,
		LatencyP95Impaired:   500 * time.Millisecond,
		LatencyP95Degraded:   200 * time.Millisecond,
		CacheTTL:             5 * time.Second,
		RefreshInterval:      time.Minute,
		MetricsWindow:        time.Minute,
	}, signals, nil, nil)
	manager.RegisterService("billing")

	registry := resilience.NewRegistry()
	bus := events.NewMemoryBus()
	publisher := events.NewBreakerPublisher("instance-a", bus, &metrics.Metrics{})
	require.NoError(t, publisher.Start(context.Background()))
	publisher.Attach(registry)

	prober := probe.NewProber(probe.Options{Timeout: time.Second, Client: doer}, &metrics.Metrics{})
	agg := aggregator.New(config.AggregatorConfig{
		PollInterval:     time.Minute,
		ProbeTimeout:     time.Second,
		CycleTimeout:     5 * time.Second,
		LatencyPenalty5:  500 * time.Millisecond,
		LatencyPenalty10: time.Second,
	}, "instance-a", cfg.Dependencies, prober, manager, publisher, bus, &metrics.Metrics{})

	router := NewRouter(cfg, Deps{
		Manager:    manager,
		Registry:   registry,
		Publisher:  publisher,
		Aggregator: agg,
	})

	return &testFixture{manager: manager, registry: registry, publisher: publisher, aggregator: agg, bus: bus}, router
}

type testFixture struct {
	manager    *health.StateManager
	registry   *resilience.Registry
	publisher  *events.BreakerPublisher
	aggregator *aggregator.Aggregator
	bus        *events.MemoryBus
}

func doRequest(router http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

func TestRouter_EcosystemHealth(t *testing.T) {
	fixture, router := newTestRouter(t, upDoer{})
	fixture.aggregator.RunCycle(context.Background())

	w := doRequest(router, http.MethodGet, "/api/v1/ecosystem/health")
	require.Equal(t, http.StatusOK, w.Code)

	var status types.EcosystemHealthStatus
	decodeData(t, w, &status)
	assert.Equal(t, types.EcosystemUp, status.OverallStatus)
	assert.Contains(t, status.Services, "billing")
}

func TestRouter_ServiceHealth(t *testing.T) {
	fixture, router := newTestRouter(t, upDoer{})
	fixture.manager.RecordSuccess("billing", 10*time.Millisecond)

	w := doRequest(router, http.MethodGet, "/api/v1/services/billing/health")
	require.Equal(t, http.StatusOK, w.Code)

	var snapshot types.ServiceHealth
	decodeData(t, w, &snapshot)
	assert.Equal(t, "billing", snapshot.ServiceID)
	assert.Equal(t, types.StateHealthy, snapshot.State)
}

func TestRouter_ForceCheck(t *testing.T) {
	_, router := newTestRouter(t, downDoer{})

	w := doRequest(router, http.MethodPost, "/api/v1/services/billing/check")
	require.Equal(t, http.StatusOK, w.Code)

	var status types.DependencyStatus
	decodeData(t, w, &status)
	assert.Equal(t, types.EcosystemDown, status.Status)
}

func TestRouter_ForceCheckUnknownService(t *testing.T) {
	_, router := newTestRouter(t, upDoer{})

	w := doRequest(router, http.MethodPost, "/api/v1/services/unknown/check")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_ListBreakers(t *testing.T) {
	fixture, router := newTestRouter(t, upDoer{})
	fixture.registry.GetOrCreate(resilience.CircuitBreakerConfig{
		Name:      "billing",
		ServiceID: "billing",
	})

	w := doRequest(router, http.MethodGet, "/api/v1/breakers")
	require.Equal(t, http.StatusOK, w.Code)

	var entries []map[string]interface{}
	decodeData(t, w, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "billing", entries[0]["name"])
	assert.Equal(t, "CLOSED", entries[0]["state"])
}

func TestRouter_OpenBreakersFromRemoteEvents(t *testing.T) {
	fixture, router := newTestRouter(t, upDoer{})

	env, err := events.NewEnvelope(types.EventTypeBreakerTransition, "instance-b", types.CircuitBreakerEvent{
		BreakerName:   "catalog",
		ServiceID:     "catalog",
		State:         types.BreakerOpen,
		PreviousState: types.BreakerClosed,
		Timestamp:     time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, fixture.bus.Publish(context.Background(), env))

	w := doRequest(router, http.MethodGet, "/api/v1/breakers/open")
	require.Equal(t, http.StatusOK, w.Code)

	var open []types.CircuitBreakerEvent
	decodeData(t, w, &open)
	require.Len(t, open, 1)
	assert.Equal(t, "catalog", open[0].BreakerName)

	w = doRequest(router, http.MethodGet, "/api/v1/services/catalog/breakers")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_Liveness(t *testing.T) {
	_, router := newTestRouter(t, upDoer{})

	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/health/live").Code)
	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/health/ready").Code)
	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/health").Code)
}

func TestRouter_NotFound(t *testing.T) {
	_, router := newTestRouter(t, upDoer{})

	assert.Equal(t, http.StatusNotFound, doRequest(router, http.MethodGet, "/nope").Code)
}
