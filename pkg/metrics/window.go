package metrics

import (
	"sort"
	"sync"
	"time"
)

// WindowSnapshot is a point-in-time read of one dependency's rolling signals.
// A snapshot over an empty window reads as all zeros, never as an error.
type WindowSnapshot struct {
	Count         int
	ErrorRate     float64
	LatencyP95Ms  float64
	LatencyP99Ms  float64
	ThroughputRPS float64
}

type windowSample struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

// Window is a rolling time window of call outcomes for one dependency. The
// Prometheus client library exports histograms but does not expose percentile
// reads, so the classifier reads error rate and latency percentiles from here.
type Window struct {
	mu      sync.Mutex
	span    time.Duration
	samples []windowSample
}

// NewWindow creates a rolling window covering the given span
func NewWindow(span time.Duration) *Window {
	if span <= 0 {
		span = 60 * time.Second
	}
	return &Window{span: span}
}

// Record adds one call outcome to the window
func (w *Window) Record(latency time.Duration, failed bool) {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	w.samples = append(w.samples, windowSample{at: now, latency: latency, failed: failed})
}

// Snapshot computes the current window statistics
func (w *Window) Snapshot() WindowSnapshot {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)

	count := len(w.samples)
	if count == 0 {
		return WindowSnapshot{}
	}

	failures := 0
	latencies := make([]time.Duration, count)
	for i, s := range w.samples {
		latencies[i] = s.latency
		if s.failed {
			failures++
		}
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	return WindowSnapshot{
		Count:         count,
		ErrorRate:     float64(failures) / float64(count),
		LatencyP95Ms:  float64(percentile(latencies, 0.95)) / float64(time.Millisecond),
		LatencyP99Ms:  float64(percentile(latencies, 0.99)) / float64(time.Millisecond),
		ThroughputRPS: float64(count) / w.span.Seconds(),
	}
}

// prune drops samples older than the window span. Caller holds the lock.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// percentile returns the nearest-rank percentile of sorted latencies
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Collector tracks one rolling window per dependency
type Collector struct {
	windows sync.Map // service id -> *Window
	span    time.Duration
}

// NewCollector creates a collector with the given window span
func NewCollector(span time.Duration) *Collector {
	return &Collector{span: span}
}

// Observe records one call outcome for a dependency
func (c *Collector) Observe(serviceID string, latency time.Duration, failed bool) {
	w, ok := c.windows.Load(serviceID)
	if !ok {
		w, _ = c.windows.LoadOrStore(serviceID, NewWindow(c.span))
	}
	w.(*Window).Record(latency, failed)
}

// Snapshot reads the current window statistics for a dependency. An unknown
// dependency reads as an empty snapshot.
func (c *Collector) Snapshot(serviceID string) WindowSnapshot {
	w, ok := c.windows.Load(serviceID)
	if !ok {
		return WindowSnapshot{}
	}
	return w.(*Window).Snapshot()
}
