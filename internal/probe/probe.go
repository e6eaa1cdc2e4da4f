package probe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pulsemesh/pulsemesh/pkg/errors"
	"github.com/pulsemesh/pulsemesh/pkg/logging"
	"github.com/pulsemesh/pulsemesh/pkg/metrics"
	"github.com/pulsemesh/pulsemesh/pkg/types"
)

// Doer issues HTTP requests, tests substitute a stub
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// healthDocument is the body a dependency serves on its health endpoint
type healthDocument struct {
	Status  string            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// Result is the outcome of one health probe. A probe that fails transport,
// times out or returns a non-2xx status reads as DOWN; the probe itself never
// returns an error.
type Result struct {
	ServiceID string                `json:"service_id"`
	Status    types.EcosystemStatus `json:"status"`
	LatencyMs float64               `json:"latency_ms"`
	Details   map[string]string     `json:"details,omitempty"`
	Message   string                `json:"message,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Prober polls dependency health endpoints
type Prober struct {
	timeout time.Duration
	path    string
	client  Doer
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// Options configures a prober
type Options struct {
	Timeout time.Duration
	Path    string
	Client  Doer
}

// NewProber creates a prober with the given per-probe timeout
func NewProber(opts Options, m *metrics.Metrics) *Prober {
	if opts.Path == "" {
		opts.Path = "/health"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &Prober{
		timeout: opts.Timeout,
		path:    opts.Path,
		client:  client,
		metrics: m,
		logger:  logging.GetLogger(),
	}
}

// Probe checks one dependency's health endpoint. Any failure is synthesized
// into a DOWN result so one unreachable dependency never aborts a cycle.
func (p *Prober) Probe(ctx context.Context, serviceID, baseURL string) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	result := Result{
		ServiceID: serviceID,
		Timestamp: start,
	}

	url := strings.TrimSuffix(baseURL, "/") + p.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return p.down(result, start, "failed to build probe request: "+err.Error())
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return p.down(result, start, "probe timed out")
		}
		return p.down(result, start, "probe failed: "+err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return p.down(result, start, "failed to read probe response: "+err.Error())
	}

	result.LatencyMs = float64(time.Since(start)) / float64(time.Millisecond)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Status = types.EcosystemDown
		result.Message = "health endpoint returned " + resp.Status
		p.record(serviceID, result, true)
		return result
	}

	var doc healthDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		// A 2xx with an unparseable body still counts as reachable
		result.Status = types.EcosystemUp
		result.Message = "health document not parseable"
		p.record(serviceID, result, false)
		return result
	}

	switch strings.ToUpper(doc.Status) {
	case "UP", "HEALTHY", "OK":
		result.Status = types.EcosystemUp
	case "DEGRADED":
		result.Status = types.EcosystemDegraded
	default:
		result.Status = types.EcosystemDown
		result.Message = "dependency reports status " + doc.Status
	}
	result.Details = doc.Details

	p.record(serviceID, result, result.Status == types.EcosystemDown)
	return result
}

func (p *Prober) down(result Result, start time.Time, message string) Result {
	result.Status = types.EcosystemDown
	result.Message = message
	result.LatencyMs = float64(time.Since(start)) / float64(time.Millisecond)

	p.record(result.ServiceID, result, true)
	return result
}

func (p *Prober) record(serviceID string, result Result, failed bool) {
	if p.metrics != nil {
		p.metrics.RecordProbe(serviceID, string(result.Status), time.Duration(result.LatencyMs*float64(time.Millisecond)))
		if failed {
			p.metrics.RecordProbeFailure(serviceID)
		}
	}
}

// Error surfaces probe failures as typed errors for callers that need one
func (r Result) Error() error {
	if r.Status != types.EcosystemDown {
		return nil
	}
	return errors.NewExternalError(r.ServiceID, r.Message)
}
