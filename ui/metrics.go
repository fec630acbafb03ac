package ui

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// latencyRing keeps the most recent durations for percentile estimates.
type latencyRing struct {
	mu      sync.Mutex
	samples []time.Duration
	filled  int
	next    int
}

func newLatencyRing(size int) *latencyRing {
	if size <= 0 {
		size = 256
	}
	return &latencyRing{samples: make([]time.Duration, size)}
}

func (r *latencyRing) add(d time.Duration) {
	r.mu.Lock()
	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
	r.filled = min(r.filled+1, len(r.samples))
	r.mu.Unlock()
}

// LatencySnapshot summarises a latency ring. N is the number of samples it
// was computed from.
type LatencySnapshot struct {
	P50 time.Duration
	P99 time.Duration
	N   int
}

func (r *latencyRing) snapshot() LatencySnapshot {
	r.mu.Lock()
	sorted := slices.Clone(r.samples[:r.filled])
	r.mu.Unlock()
	if len(sorted) == 0 {
		return LatencySnapshot{}
	}
	slices.Sort(sorted)
	return LatencySnapshot{
		P50: sorted[len(sorted)/2],
		P99: sorted[(len(sorted)-1)*99/100],
		N:   len(sorted),
	}
}

// Metrics tracks how long frames wait to be drawn and how long find
// lookups take to come back from the console.
type Metrics struct {
	renderLatency *latencyRing
	findLatency   *latencyRing
	frames        atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{
		renderLatency: newLatencyRing(512),
		findLatency:   newLatencyRing(128),
	}
}

// ObserveRender records the queue-to-draw delay of one frame.
func (m *Metrics) ObserveRender(d time.Duration) {
	if m == nil {
		return
	}
	m.frames.Add(1)
	m.renderLatency.add(d)
}

func (m *Metrics) ObserveFind(d time.Duration) {
	if m == nil {
		return
	}
	m.findLatency.add(d)
}

func (m *Metrics) RenderSnapshot() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{}
	}
	return m.renderLatency.snapshot()
}

func (m *Metrics) FindSnapshot() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{}
	}
	return m.findLatency.snapshot()
}

// Frames returns how many frames have been drawn.
func (m *Metrics) Frames() uint64 {
	if m == nil {
		return 0
	}
	return m.frames.Load()
}
