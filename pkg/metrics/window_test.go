package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindow_EmptySnapshot(t *testing.T) {
	w := NewWindow(time.Minute)

	snap := w.Snapshot()
	assert.Equal(t, 0, snap.Count)
	assert.Equal(t, 0.0, snap.ErrorRate)
	assert.Equal(t, 0.0, snap.LatencyP95Ms)
	assert.Equal(t, 0.0, snap.ThroughputRPS)
}

func TestWindow_ErrorRate(t *testing.T) {
	w := NewWindow(time.Minute)

	for i := 0; i < 90; i++ {
		w.Record(10*time.Millisecond, false)
	}
	for i := 0; i < 10; i++ {
		w.Record(10*time.Millisecond, true)
	}

	snap := w.Snapshot()
	assert.Equal(t, 100, snap.Count)
	assert.InDelta(t, 0.10, snap.ErrorRate, 0.001)
}

func TestWindow_Percentiles(t *testing.T) {
	w := NewWindow(time.Minute)

	// 95 fast calls, 5 slow calls
	for i := 0; i < 95; i++ {
		w.Record(50*time.Millisecond, false)
	}
	for i := 0; i < 5; i++ {
		w.Record(800*time.Millisecond, false)
	}

	snap := w.Snapshot()
	assert.InDelta(t, 50, snap.LatencyP95Ms, 1)
	assert.InDelta(t, 800, snap.LatencyP99Ms, 1)
}

func TestWindow_PruneOldSamples(t *testing.T) {
	w := NewWindow(50 * time.Millisecond)

	w.Record(10*time.Millisecond, true)
	time.Sleep(80 * time.Millisecond)
	w.Record(10*time.Millisecond, false)

	snap := w.Snapshot()
	assert.Equal(t, 1, snap.Count)
	assert.Equal(t, 0.0, snap.ErrorRate)
}

func TestCollector_UnknownServiceReadsZero(t *testing.T) {
	c := NewCollector(time.Minute)

	snap := c.Snapshot("never-seen")
	assert.Equal(t, WindowSnapshot{}, snap)
}

func TestCollector_PerServiceIsolation(t *testing.T) {
	c := NewCollector(time.Minute)

	c.Observe("billing", 10*time.Millisecond, true)
	c.Observe("catalog", 10*time.Millisecond, false)

	assert.Equal(t, 1.0, c.Snapshot("billing").ErrorRate)
	assert.Equal(t, 0.0, c.Snapshot("catalog").ErrorRate)
}

func TestPercentile_NearestRank(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	assert.Equal(t, time.Duration(10), percentile(sorted, 0.99))
	assert.Equal(t, time.Duration(5), percentile(sorted, 0.5))
	assert.Equal(t, time.Duration(0), percentile(nil, 0.95))
}
