package observability

import (
	"sync"
	"time"
)

type HandlerSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// SagaSnapshot counts the choreography anomalies worth alerting on.
type SagaSnapshot struct {
	DuplicatesDropped int64 `json:"duplicates_dropped"`
	OrphanEvents      int64 `json:"orphan_events"`
	Compensations     int64 `json:"compensations"`
}

type Snapshot struct {
	UptimeSec     int64                      `json:"uptime_sec"`
	TotalMessages int64                      `json:"total_messages"`
	TotalErrors   int64                      `json:"total_errors"`
	InFlight      int64                      `json:"in_flight"`
	Saga          SagaSnapshot               `json:"saga"`
	Lifecycle     *LifecycleSnapshot         `json:"lifecycle,omitempty"`
	Handlers      map[string]HandlerSnapshot `json:"handlers"`
}

type handlerStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics is an in-process registry of message-handler stats and saga
// counters. All methods are nil-safe so optional wiring stays quiet.
type Metrics struct {
	mu        sync.Mutex
	start     time.Time
	handlers  map[string]*handlerStats
	saga      SagaSnapshot
	lifecycle lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	handler string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		handlers: make(map[string]*handlerStats),
	}
}

// Start opens a span for one handler invocation.
func (m *Metrics) Start(handler string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureHandler(handler)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		handler: handler,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.handler, dur, err != nil)
}

// AddDuplicateDropped counts a message skipped by the dedup ledger.
func (m *Metrics) AddDuplicateDropped() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.saga.DuplicatesDropped++
	m.mu.Unlock()
}

// AddOrphanEvent counts an outcome event that referenced an unknown order.
func (m *Metrics) AddOrphanEvent() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.saga.OrphanEvents++
	m.mu.Unlock()
}

// AddCompensation counts an emitted compensation request.
func (m *Metrics) AddCompensation() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.saga.Compensations++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec: int64(now.Sub(m.start).Seconds()),
		Handlers:  make(map[string]HandlerSnapshot),
		Saga:      m.saga,
	}

	for handler, stats := range m.handlers {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Handlers[handler] = HandlerSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalMessages += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureHandler(handler string) *handlerStats {
	stats, ok := m.handlers[handler]
	if !ok {
		stats = &handlerStats{}
		m.handlers[handler] = stats
	}
	return stats
}

func (m *Metrics) finish(handler string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureHandler(handler)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
