package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulsemesh/pulsemesh/internal/aggregator"
	"github.com/pulsemesh/pulsemesh/internal/events"
	"github.com/pulsemesh/pulsemesh/internal/health"
	"github.com/pulsemesh/pulsemesh/pkg/resilience"
	"github.com/pulsemesh/pulsemesh/pkg/types"
)

// EcosystemHandler serves the ecosystem rollup endpoints
type EcosystemHandler struct {
	aggregator *aggregator.Aggregator
	publisher  *events.BreakerPublisher
}

// NewEcosystemHandler creates an ecosystem handler
func NewEcosystemHandler(agg *aggregator.Aggregator, publisher *events.BreakerPublisher) *EcosystemHandler {
	return &EcosystemHandler{aggregator: agg, publisher: publisher}
}

// GetHealth returns the latest ecosystem rollup
func (h *EcosystemHandler) GetHealth(c *gin.Context) {
	SuccessResponse(c, h.aggregator.GetEcosystemHealth())
}

// GetSummary returns the breaker-state summary of the ecosystem
func (h *EcosystemHandler) GetSummary(c *gin.Context) {
	status := h.aggregator.GetEcosystemHealth()
	SuccessResponse(c, gin.H{
		"overall_status":     status.OverallStatus,
		"integration_score":  status.IntegrationScore,
		"unhealthy_services": status.UnhealthyServices,
		"degraded_services":  status.DegradedServices,
		"breakers":           h.publisher.GetEcosystemSummary(),
		"timestamp":          status.Timestamp,
	})
}

// ServiceHandler serves per-dependency endpoints
type ServiceHandler struct {
	manager    *health.StateManager
	aggregator *aggregator.Aggregator
	publisher  *events.BreakerPublisher
}

// NewServiceHandler creates a service handler
func NewServiceHandler(manager *health.StateManager, agg *aggregator.Aggregator, publisher *events.BreakerPublisher) *ServiceHandler {
	return &ServiceHandler{manager: manager, aggregator: agg, publisher: publisher}
}

// ListServices returns the health snapshot of every known dependency
func (h *ServiceHandler) ListServices(c *gin.Context) {
	ids := h.aggregator.Dependencies()
	services := make(map[string]types.ServiceHealth, len(ids))
	for _, id := range ids {
		services[id] = h.manager.GetServiceHealth(id)
	}
	SuccessResponse(c, services)
}

// GetServiceHealth returns one dependency's health snapshot
func (h *ServiceHandler) GetServiceHealth(c *gin.Context) {
	serviceID := c.Param("id")
	SuccessResponse(c, h.manager.GetServiceHealth(serviceID))
}

// ForceCheck probes one dependency immediately
func (h *ServiceHandler) ForceCheck(c *gin.Context) {
	serviceID := c.Param("id")

	status, err := h.aggregator.ForceHealthCheck(c.Request.Context(), serviceID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	// The probe outcome feeds the classifier on the next read
	h.manager.ForceRecompute(serviceID)

	SuccessResponse(c, status)
}

// GetServiceBreakers returns the ecosystem-wide breaker view for one dependency
func (h *ServiceHandler) GetServiceBreakers(c *gin.Context) {
	serviceID := c.Param("id")
	SuccessResponse(c, gin.H{
		"service":  serviceID,
		"breakers": h.publisher.GetCircuitBreakerStatesByService(serviceID),
		"open":     h.publisher.HasOpenCircuitBreaker(serviceID),
	})
}

// BreakerHandler serves circuit breaker query endpoints
type BreakerHandler struct {
	registry  *resilience.Registry
	publisher *events.BreakerPublisher
}

// NewBreakerHandler creates a breaker handler
func NewBreakerHandler(registry *resilience.Registry, publisher *events.BreakerPublisher) *BreakerHandler {
	return &BreakerHandler{registry: registry, publisher: publisher}
}

type breakerEntry struct {
	Name      string            `json:"name"`
	ServiceID string            `json:"service_id"`
	State     string            `json:"state"`
	Counts    resilience.Counts `json:"counts"`
	Timestamp time.Time         `json:"timestamp"`
	Origin    string            `json:"origin"`
}

// ListBreakers returns the state of every local circuit breaker
func (h *BreakerHandler) ListBreakers(c *gin.Context) {
	all := h.registry.All()
	entries := make([]breakerEntry, 0, len(all))
	for _, cb := range all {
		entries = append(entries, breakerEntry{
			Name:      cb.Name(),
			ServiceID: cb.ServiceID(),
			State:     cb.State().String(),
			Counts:    cb.Counts(),
			Timestamp: time.Now(),
			Origin:    "local",
		})
	}
	SuccessResponse(c, entries)
}

// ListOpenBreakers returns every breaker known open across the ecosystem
func (h *BreakerHandler) ListOpenBreakers(c *gin.Context) {
	open := h.publisher.GetOpenCircuitBreakers()
	if open == nil {
		open = []types.CircuitBreakerEvent{}
	}
	SuccessResponse(c, open)
}
