package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradewind/internal/status"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	err := store.Create(context.Background(), Order{
		ID:     "order-1",
		UserID: "user-1",
		Status: status.OrderCreated,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	order, found, err := store.Get(context.Background(), "order-1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if !order.CreatedAt.Equal(base) || !order.UpdatedAt.Equal(base) {
		t.Fatalf("unexpected timestamps: %+v", order)
	}

	store.now = func() time.Time { return base.Add(time.Minute) }
	if err := store.UpdateStatus(context.Background(), "order-1", status.OrderConfirmed); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	order, _, _ = store.Get(context.Background(), "order-1")
	if order.Status != status.OrderConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", order.Status)
	}
	if !order.UpdatedAt.After(order.CreatedAt) {
		t.Fatalf("expected updated timestamp to advance")
	}

	if err := store.MarkCompensationRequested(context.Background(), "order-1"); err != nil {
		t.Fatalf("MarkCompensationRequested: %v", err)
	}
	order, _, _ = store.Get(context.Background(), "order-1")
	if !order.CompensationRequested {
		t.Fatalf("expected compensation flag set")
	}
}

func TestMemoryStoreUnknownOrder(t *testing.T) {
	store := NewMemoryStore()

	_, found, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("expected missing order")
	}

	if err := store.UpdateStatus(context.Background(), "missing", status.OrderFailed); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.MarkCompensationRequested(context.Background(), "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreHonorsContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Create(ctx, Order{ID: "order-1"}); err == nil {
		t.Fatalf("expected context error")
	}
	if _, _, err := store.Get(ctx, "order-1"); err == nil {
		t.Fatalf("expected context error")
	}
}
