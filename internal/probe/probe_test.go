package probe

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pulsemesh/pulsemesh/pkg/metrics"
	"github.com/pulsemesh/pulsemesh/pkg/types"
)

type stubDoer struct {
	statusCode int
	body       string
	err        error
	lastURL    string
}

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	d.lastURL = req.URL.String()
	if d.err != nil {
		return nil, d.err
	}
	return &http.Response{
		StatusCode: d.statusCode,
		Status:     http.StatusText(d.statusCode),
		Body:       io.NopCloser(bytes.NewBufferString(d.body)),
		Header:     http.Header{},
	}, nil
}

func newTestProber(doer *stubDoer) *Prober {
	return NewProber(Options{
		Timeout: time.Second,
		Client:  doer,
	}, &metrics.Metrics{})
}

func TestProber_UpDocument(t *testing.T) {
	doer := &stubDoer{statusCode: http.StatusOK, body: `{"status":"UP","details":{"version":"1.4.2"}}`}
	p := newTestProber(doer)

	result := p.Probe(context.Background(), "billing", "http://billing.internal/")
	assert.Equal(t, types.EcosystemUp, result.Status)
	assert.Equal(t, "1.4.2", result.Details["version"])
	assert.NoError(t, result.Error())
	assert.Equal(t, "http://billing.internal/health", doer.lastURL)
}

func TestProber_DownDocument(t *testing.T) {
	doer := &stubDoer{statusCode: http.StatusOK, body: `{"status":"DOWN"}`}
	p := newTestProber(doer)

	result := p.Probe(context.Background(), "billing", "http://billing.internal")
	assert.Equal(t, types.EcosystemDown, result.Status)
	assert.Error(t, result.Error())
}

func TestProber_DegradedDocument(t *testing.T) {
	doer := &stubDoer{statusCode: http.StatusOK, body: `{"status":"degraded"}`}
	p := newTestProber(doer)

	result := p.Probe(context.Background(), "billing", "http://billing.internal")
	assert.Equal(t, types.EcosystemDegraded, result.Status)
}

func TestProber_TransportFailureIsDown(t *testing.T) {
	doer := &stubDoer{err: io.ErrUnexpectedEOF}
	p := newTestProber(doer)

	result := p.Probe(context.Background(), "billing", "http://billing.internal")
	assert.Equal(t, types.EcosystemDown, result.Status)
	assert.NotEmpty(t, result.Message)
}

func TestProber_ErrorStatusIsDown(t *testing.T) {
	doer := &stubDoer{statusCode: http.StatusServiceUnavailable, body: `{}`}
	p := newTestProber(doer)

	result := p.Probe(context.Background(), "billing", "http://billing.internal")
	assert.Equal(t, types.EcosystemDown, result.Status)
}

func TestProber_UnparseableBodyIsUp(t *testing.T) {
	doer := &stubDoer{statusCode: http.StatusOK, body: "pong"}
	p := newTestProber(doer)

	result := p.Probe(context.Background(), "billing", "http://billing.internal")
	assert.Equal(t, types.EcosystemUp, result.Status)
}
