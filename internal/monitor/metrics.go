// Package monitor aggregates engine health counters for the operator
// console: order flow, rejections, critical events, and submission latency.
// It observes the event bus only; it never reaches into component state.
package monitor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trading-core/internal/events"
)

// EngineMetrics tracks overall engine activity.
type EngineMetrics struct {
	SubmitLatency *LatencyHistogram

	ordersSubmitted atomic.Uint64
	ordersTerminal  atomic.Uint64
	ordersRejected  atomic.Uint64
	criticalEvents  atomic.Uint64
	priceTicks      atomic.Uint64

	mu         sync.Mutex
	lastUpdate time.Time
}

// NewEngineMetrics creates a metrics instance.
func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		SubmitLatency: NewLatencyHistogram(1000),
		lastUpdate:    time.Now(),
	}
}

// Observe subscribes the metrics collector to the bus; returns an
// unsubscribe function.
func (m *EngineMetrics) Observe(bus *events.Bus) func() {
	var unsubs []func()
	count := func(counter *atomic.Uint64) events.SubscriberFunc {
		return func(events.Event) {
			counter.Add(1)
			m.mu.Lock()
			m.lastUpdate = time.Now()
			m.mu.Unlock()
		}
	}
	unsubs = append(unsubs,
		bus.Subscribe(events.TopicOrderSubmitted, count(&m.ordersSubmitted)),
		bus.Subscribe(events.TopicOrderTerminal, count(&m.ordersTerminal)),
		bus.Subscribe(events.TopicOrderRejected, count(&m.ordersRejected)),
		bus.Subscribe(events.TopicRiskAlert, count(&m.criticalEvents)),
		bus.Subscribe(events.TopicRiskCircuitBreaker, count(&m.criticalEvents)),
		bus.Subscribe(events.TopicRiskPositionMismatch, count(&m.criticalEvents)),
		bus.Subscribe(events.TopicPriceTick, count(&m.priceTicks)),
	)
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Snapshot is the point-in-time counter view served by the console.
type Snapshot struct {
	OrdersSubmitted uint64       `json:"orders_submitted"`
	OrdersTerminal  uint64       `json:"orders_terminal"`
	OrdersRejected  uint64       `json:"orders_rejected"`
	CriticalEvents  uint64       `json:"critical_events"`
	PriceTicks      uint64       `json:"price_ticks"`
	SubmitLatency   LatencyStats `json:"submit_latency"`
	LastUpdate      time.Time    `json:"last_update"`
}

// Snapshot returns current counters.
func (m *EngineMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	last := m.lastUpdate
	m.mu.Unlock()
	return Snapshot{
		OrdersSubmitted: m.ordersSubmitted.Load(),
		OrdersTerminal:  m.ordersTerminal.Load(),
		OrdersRejected:  m.ordersRejected.Load(),
		CriticalEvents:  m.criticalEvents.Load(),
		PriceTicks:      m.priceTicks.Load(),
		SubmitLatency:   m.SubmitLatency.Stats(),
		LastUpdate:      last,
	}
}

// LatencyHistogram tracks latency samples with a sliding window and lazily
// computed stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// LatencyStats summarizes a histogram window.
type LatencyStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	Avg   float64 `json:"avg_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts a duration to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99, recomputing only when samples
// have changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	pct := func(p float64) float64 {
		idx := int(p * float64(n-1))
		return sorted[idx]
	}
	h.cachedStats = LatencyStats{
		Count: n,
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   pct(0.50),
		P95:   pct(0.95),
		P99:   pct(0.99),
	}
	h.dirty = false
	return h.cachedStats
}
