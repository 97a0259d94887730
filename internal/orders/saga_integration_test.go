package orders

import (
	"context"
	"testing"
	"time"

	"tradewind/internal/bus"
	"tradewind/internal/dedup"
	"tradewind/internal/payments"
	"tradewind/internal/products"
	"tradewind/internal/status"
)

// sagaFixture wires all three services over one in-process bus, with the
// product lookup going request/reply over topics.
type sagaFixture struct {
	bus         *bus.LocalBus
	coordinator *Coordinator
	gateway     *payments.MemoryGateway
	catalog     *products.MemoryCatalog
}

func newSagaFixture(t *testing.T) *sagaFixture {
	t.Helper()

	b := bus.NewLocalBus()
	t.Cleanup(b.Close)

	catalog := products.NewMemoryCatalog(
		products.Product{ID: "p-10", Name: "widget", Price: 100, Stock: 5},
	)
	responder := products.NewResponder(catalog, b, dedup.NewMemoryLedger())
	if err := responder.Register(b); err != nil {
		t.Fatalf("register responder: %v", err)
	}

	gateway := payments.NewMemoryGateway()
	handler := payments.NewHandler(payments.NewMemoryStore(), gateway, b, dedup.NewMemoryLedger())
	if err := handler.Register(b); err != nil {
		t.Fatalf("register payment handler: %v", err)
	}

	lookup, err := products.NewTopicClient(b, "order-service", 2*time.Second)
	if err != nil {
		t.Fatalf("topic client: %v", err)
	}

	coordinator := NewCoordinator(
		NewMemoryStore(),
		NewMemoryUserClient("user-1"),
		lookup,
		b,
		dedup.NewMemoryLedger(),
		nil,
	)
	if err := coordinator.Register(b); err != nil {
		t.Fatalf("register coordinator: %v", err)
	}

	return &sagaFixture{bus: b, coordinator: coordinator, gateway: gateway, catalog: catalog}
}

func (f *sagaFixture) waitForStatus(t *testing.T, orderID string, want status.OrderStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		order, err := f.coordinator.GetOrder(context.Background(), orderID)
		if err == nil && order.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("order %s never reached %s (last: %+v, err: %v)", orderID, want, order, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSagaHappyPathConfirmsOrder(t *testing.T) {
	f := newSagaFixture(t)

	order, err := f.coordinator.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "user-1",
		Method: "card",
		Items:  []ItemRequest{{ProductID: "p-10", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Amount != 200 {
		t.Fatalf("expected amount 200, got %v", order.Amount)
	}

	f.waitForStatus(t, order.ID, status.OrderConfirmed)
	if got := f.gateway.Attempts(order.ID); got != 1 {
		t.Fatalf("expected one gateway attempt, got %d", got)
	}
}

func TestSagaDeclinedPaymentFailsOrder(t *testing.T) {
	f := newSagaFixture(t)
	f.coordinator.newID = func() string { return "order-declined" }
	f.gateway.Decline("order-declined")

	order, err := f.coordinator.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "user-1",
		Method: "card",
		Items:  []ItemRequest{{ProductID: "p-10", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	f.waitForStatus(t, order.ID, status.OrderFailed)
}

func TestSagaCancelConfirmedOrderRefunds(t *testing.T) {
	f := newSagaFixture(t)

	order, err := f.coordinator.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "user-1",
		Method: "card",
		Items:  []ItemRequest{{ProductID: "p-10", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	f.waitForStatus(t, order.ID, status.OrderConfirmed)

	if _, err := f.coordinator.CancelOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	f.waitForStatus(t, order.ID, status.OrderCanceled)

	amount, refunded := f.gateway.Refunded(order.ID)
	if !refunded || amount != 200 {
		t.Fatalf("expected refund of 200, got %v (refunded=%v)", amount, refunded)
	}
}

func TestSagaUnknownProductOverTopics(t *testing.T) {
	f := newSagaFixture(t)

	_, err := f.coordinator.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "user-1",
		Method: "card",
		Items:  []ItemRequest{{ProductID: "ghost", Quantity: 1}},
	})
	if err == nil {
		t.Fatalf("expected product unavailable")
	}
}
