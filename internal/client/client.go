package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/pulsemesh/pulsemesh/pkg/errors"
	"github.com/pulsemesh/pulsemesh/pkg/logging"
	"github.com/pulsemesh/pulsemesh/pkg/metrics"
	"github.com/pulsemesh/pulsemesh/pkg/resilience"
	"github.com/pulsemesh/pulsemesh/pkg/types"
)

// HealthGate is the health surface the client consults before every call and
// feeds after every call.
type HealthGate interface {
	GetServiceHealth(serviceID string) types.ServiceHealth
	RecordSuccess(serviceID string, latency time.Duration)
	RecordFailure(serviceID string, latency time.Duration)
}

// Doer issues HTTP requests. *http.Client satisfies it; tests substitute a
// call-counting stub.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one outbound dependency call
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// Response is the raw outcome of a dependency call
type Response struct {
	StatusCode   int
	Body         []byte
	Header       http.Header
	FromFallback bool
}

// Options configures one dependency client
type Options struct {
	ServiceID     string
	BaseURL       string
	Timeout       time.Duration
	CriticalPaths []string
	HTTPClient    Doer
}

// Client wraps all calls to one dependency with a health gate, retry with
// backoff, a circuit breaker, a fixed per-attempt timeout and fallback
// resolution, feeding every outcome back to the health gate.
type Client struct {
	serviceID     string
	baseURL       string
	timeout       time.Duration
	criticalPaths []string

	httpClient Doer
	gate       HealthGate
	signals    *metrics.Collector
	breaker    *resilience.CircuitBreaker
	retrier    *resilience.Retrier
	fallbacks  *FallbackChain
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

// NewClient assembles a dependency client from its resilience parts
func NewClient(opts Options, gate HealthGate, signals *metrics.Collector, breaker *resilience.CircuitBreaker, retrier *resilience.Retrier, m *metrics.Metrics) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		serviceID:     opts.ServiceID,
		baseURL:       strings.TrimSuffix(opts.BaseURL, "/"),
		timeout:       opts.Timeout,
		criticalPaths: opts.CriticalPaths,
		httpClient:    httpClient,
		gate:          gate,
		signals:       signals,
		breaker:       breaker,
		retrier:       retrier,
		fallbacks:     NewFallbackChain(),
		metrics:       m,
		logger:        logging.GetLogger(),
	}
}

// ServiceID returns the dependency this client calls
func (c *Client) ServiceID() string {
	return c.serviceID
}

// WithFallback registers a fallback handler for a path pattern and returns
// the client for chaining.
func (c *Client) WithFallback(pattern string, fn FallbackFunc) *Client {
	c.fallbacks.Register(pattern, fn)
	return c
}

// Execute runs one call through the full admission and resilience pipeline:
// health gate, then retry, circuit breaker and per-attempt timeout, then
// fallback on any failure.
func (c *Client) Execute(ctx context.Context, method, path string, body []byte) (*Response, error) {
	return c.execute(ctx, &Request{Method: method, Path: path, Body: body}, false)
}

// ExecuteCritical bypasses the criticality gate but is still blocked when the
// dependency is UNAVAILABLE.
func (c *Client) ExecuteCritical(ctx context.Context, method, path string, body []byte) (*Response, error) {
	return c.execute(ctx, &Request{Method: method, Path: path, Body: body}, true)
}

// Get issues a GET request
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Execute(ctx, http.MethodGet, path, nil)
}

// Post issues a POST request
func (c *Client) Post(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Execute(ctx, http.MethodPost, path, body)
}

// Put issues a PUT request
func (c *Client) Put(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Execute(ctx, http.MethodPut, path, body)
}

// Delete issues a DELETE request
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Execute(ctx, http.MethodDelete, path, nil)
}

func (c *Client) execute(ctx context.Context, req *Request, critical bool) (*Response, error) {
	health := c.gate.GetServiceHealth(c.serviceID)

	if health.ShouldBlockRequests() {
		cause := errors.NewServiceUnavailableError(c.serviceID)
		c.metrics.RecordBlockedRequest(c.serviceID, "unavailable")
		return c.resolveFallback(ctx, req, cause)
	}

	if !critical && health.ShouldOnlyAllowCritical() && !c.isCriticalPath(req.Path) {
		cause := errors.NewNonCriticalBlockedError(c.serviceID, req.Path)
		c.metrics.RecordBlockedRequest(c.serviceID, "non_critical")
		return c.resolveFallback(ctx, req, cause)
	}

	result, err := c.retrier.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		return c.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return c.do(ctx, req)
		})
	})
	if err != nil {
		return c.resolveFallback(ctx, req, err)
	}

	return result.(*Response), nil
}

// do issues one attempt with the fixed per-attempt timeout. Health tracking
// observes the HTTP status and latency here, before the retry and breaker
// transforms see the outcome, so it stays independent of the breaker's own
// accounting.
func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if req.Body != nil {
		reader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, reader)
	if err != nil {
		return nil, errors.NewInternalError("failed to build request").WithCause(err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if tenantID := logging.GetTenantID(ctx); tenantID != "" {
		httpReq.Header.Set("X-Tenant-ID", tenantID)
	}
	if correlationID := logging.GetCorrelationID(ctx); correlationID != "" {
		httpReq.Header.Set("X-Correlation-ID", correlationID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	latency := time.Since(start)

	if err != nil {
		c.observe(req, 0, latency, true)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewTimeoutError("call to " + c.serviceID).WithCause(err)
		}
		return nil, errors.NewExternalError(c.serviceID, "request failed").WithCause(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.observe(req, httpResp.StatusCode, latency, true)
		return nil, errors.NewExternalError(c.serviceID, "failed to read response body").WithCause(err)
	}

	// Server errors count against the dependency's error rate; client errors
	// mean the dependency is responding and do not.
	failed := httpResp.StatusCode >= 500
	c.observe(req, httpResp.StatusCode, latency, failed)

	c.logger.LogDependencyCall(ctx, c.serviceID, req.Method, req.Path, httpResp.StatusCode, latency, nil)

	if httpResp.StatusCode >= 400 {
		return nil, errors.NewDownstreamError(c.serviceID, httpResp.StatusCode, string(respBody))
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Header:     httpResp.Header,
	}, nil
}

// observe feeds one attempt outcome to the rolling signal window and the
// health gate counters.
func (c *Client) observe(req *Request, statusCode int, latency time.Duration, failed bool) {
	if c.signals != nil {
		c.signals.Observe(c.serviceID, latency, failed)
	}
	if failed {
		c.gate.RecordFailure(c.serviceID, latency)
	} else {
		c.gate.RecordSuccess(c.serviceID, latency)
	}
	c.metrics.RecordDependencyRequest(c.serviceID, req.Method, req.Path, statusCode, latency)
}

// resolveFallback resolves the most specific registered fallback for the
// request path, or re-raises the original error when none is registered.
func (c *Client) resolveFallback(ctx context.Context, req *Request, cause error) (*Response, error) {
	fn, kind, ok := c.fallbacks.Resolve(req.Path)
	if !ok {
		return nil, cause
	}

	body, err := fn(ctx, req, cause)
	if err != nil {
		return nil, err
	}

	c.metrics.RecordFallback(c.serviceID, kind)
	c.logger.Debug("Fallback resolved",
		"service", c.serviceID,
		"path", req.Path,
		"kind", kind,
		"cause", cause.Error(),
	)

	return &Response{
		StatusCode:   http.StatusOK,
		Body:         body,
		FromFallback: true,
	}, nil
}

// isCriticalPath reports whether the path matches the critical allow-list.
// Matching is by substring, e.g. "/health" admits "/v1/health/live".
func (c *Client) isCriticalPath(path string) bool {
	for _, critical := range c.criticalPaths {
		if strings.Contains(path, critical) {
			return true
		}
	}
	return false
}

// Decode unmarshals a response body into a typed value
func Decode[T any](resp *Response) (T, error) {
	var value T
	if err := json.Unmarshal(resp.Body, &value); err != nil {
		return value, errors.NewInternalError("failed to decode response").WithCause(err)
	}
	return value, nil
}
