package observability

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMetricsTracksHandlerCalls(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("order.OnPaymentPrepared")
	time.Sleep(1 * time.Millisecond)
	span.End(nil)

	span = metrics.Start("order.OnPaymentPrepared")
	span.End(errors.New("fail"))

	snap := metrics.Snapshot()
	stats := snap.Handlers["order.OnPaymentPrepared"]
	if stats.Count != 2 {
		t.Fatalf("expected 2 calls, got %d", stats.Count)
	}
	if stats.Errors != 1 {
		t.Fatalf("expected 1 error, got %d", stats.Errors)
	}
	if stats.InFlight != 0 {
		t.Fatalf("expected 0 inflight, got %d", stats.InFlight)
	}
	if snap.TotalMessages != 2 || snap.TotalErrors != 1 {
		t.Fatalf("unexpected totals: %+v", snap)
	}
}

func TestMetricsTracksSagaCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.AddDuplicateDropped()
	metrics.AddDuplicateDropped()
	metrics.AddOrphanEvent()
	metrics.AddCompensation()

	snap := metrics.Snapshot()
	if snap.Saga.DuplicatesDropped != 2 {
		t.Fatalf("expected 2 duplicates, got %d", snap.Saga.DuplicatesDropped)
	}
	if snap.Saga.OrphanEvents != 1 {
		t.Fatalf("expected 1 orphan, got %d", snap.Saga.OrphanEvents)
	}
	if snap.Saga.Compensations != 1 {
		t.Fatalf("expected 1 compensation, got %d", snap.Saga.Compensations)
	}
}

func TestMetricsMarkShutdown(t *testing.T) {
	metrics := NewMetrics()
	metrics.MarkShutdown(5)
	snap := metrics.Snapshot()
	if snap.Lifecycle == nil {
		t.Fatalf("expected lifecycle snapshot")
	}
	if snap.Lifecycle.InFlightAtShutdown != 5 {
		t.Fatalf("expected inflight 5, got %d", snap.Lifecycle.InFlightAtShutdown)
	}
	if snap.Lifecycle.ShutdownAt.IsZero() {
		t.Fatalf("expected shutdown timestamp")
	}
}

func TestHandlerReturnsJSON(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("payment.OnPaymentPrepare")
	span.End(errors.New("fail"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	Handler(metrics).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if snap.TotalErrors != 1 {
		t.Fatalf("expected total errors 1, got %d", snap.TotalErrors)
	}
	if len(snap.Handlers) == 0 {
		t.Fatalf("expected handlers in snapshot")
	}
}

func TestMetricsNilSafePaths(t *testing.T) {
	var m *Metrics
	span := m.Start("ignored") // nil-safe
	span.End(nil)              // should not panic

	m.AddDuplicateDropped()
	m.AddOrphanEvent()
	m.AddCompensation()
	m.MarkShutdown(10) // nil-safe
}
