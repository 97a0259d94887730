package orders

import (
	"context"
	"errors"
	"sync"
	"testing"

	"tradewind/internal/contracts"
	"tradewind/internal/dedup"
	"tradewind/internal/observability"
	"tradewind/internal/products"
	"tradewind/internal/status"
)

type publishedMessage struct {
	topic string
	env   contracts.Envelope
}

type publisherSpy struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
}

func (p *publisherSpy) Publish(ctx context.Context, topic string, env contracts.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMessage{topic: topic, env: env})
	return nil
}

func (p *publisherSpy) onTopic(topic string) []contracts.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []contracts.Envelope
	for _, msg := range p.published {
		if msg.topic == topic {
			out = append(out, msg.env)
		}
	}
	return out
}

type countingStore struct {
	*MemoryStore
	creates int
}

func (s *countingStore) Create(ctx context.Context, o Order) error {
	s.creates++
	return s.MemoryStore.Create(ctx, o)
}

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *countingStore
	catalog     *products.MemoryCatalog
	publisher   *publisherSpy
	metrics     *observability.Metrics
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()

	store := &countingStore{MemoryStore: NewMemoryStore()}
	catalog := products.NewMemoryCatalog(
		products.Product{ID: "p-10", Name: "widget", Price: 100, Stock: 5},
	)
	publisher := &publisherSpy{}
	metrics := observability.NewMetrics()

	coordinator := NewCoordinator(
		store,
		NewMemoryUserClient("user-1"),
		NewCatalogClient(catalog),
		publisher,
		dedup.NewMemoryLedger(),
		metrics,
	)
	return &coordinatorFixture{
		coordinator: coordinator,
		store:       store,
		catalog:     catalog,
		publisher:   publisher,
		metrics:     metrics,
	}
}

func (f *coordinatorFixture) createOrder(t *testing.T) Order {
	t.Helper()
	order, err := f.coordinator.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "user-1",
		Method: "card",
		Items:  []ItemRequest{{ProductID: "p-10", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

func (f *coordinatorFixture) mustStatus(t *testing.T, orderID string, want status.OrderStatus) {
	t.Helper()
	order, err := f.coordinator.GetOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != want {
		t.Fatalf("expected status %s, got %s", want, order.Status)
	}
}

func preparedEnvelope(t *testing.T, orderID string) contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(orderID, contracts.PaymentPrepared{OrderID: orderID})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestCreateOrderSnapshotsPriceAndPublishesPrepare(t *testing.T) {
	f := newCoordinatorFixture(t)

	order := f.createOrder(t)

	if order.Status != status.OrderCreated {
		t.Fatalf("expected CREATED, got %s", order.Status)
	}
	if order.Amount != 200 {
		t.Fatalf("expected amount 200, got %v", order.Amount)
	}
	if len(order.Items) != 1 || order.Items[0].UnitPrice != 100 {
		t.Fatalf("unexpected items: %+v", order.Items)
	}

	prepares := f.publisher.onTopic(contracts.TopicPaymentPrepare)
	if len(prepares) != 1 {
		t.Fatalf("expected one payment.prepare, got %d", len(prepares))
	}
	if prepares[0].CorrelationID != order.ID {
		t.Fatalf("correlation id mismatch: %s", prepares[0].CorrelationID)
	}
	var prepare contracts.PaymentPrepare
	if err := prepares[0].Decode(&prepare); err != nil {
		t.Fatalf("decode prepare: %v", err)
	}
	if prepare.OrderID != order.ID || prepare.UserID != "user-1" || prepare.Amount != 200 {
		t.Fatalf("unexpected prepare payload: %+v", prepare)
	}
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.catalog.Put(products.Product{ID: "p-10", Name: "widget", Price: 100, Stock: 1})

	_, err := f.coordinator.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "user-1",
		Method: "card",
		Items:  []ItemRequest{{ProductID: "p-10", Quantity: 2}},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if f.store.creates != 0 {
		t.Fatalf("expected no order persisted")
	}
	if len(f.publisher.published) != 0 {
		t.Fatalf("expected nothing published")
	}
}

func TestCreateOrderUnknownUser(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coordinator.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "stranger",
		Method: "card",
		Items:  []ItemRequest{{ProductID: "p-10", Quantity: 1}},
	})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
	if f.store.creates != 0 || len(f.publisher.published) != 0 {
		t.Fatalf("expected no side effects")
	}
}

func TestCreateOrderUnknownProduct(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coordinator.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "user-1",
		Method: "card",
		Items:  []ItemRequest{{ProductID: "ghost", Quantity: 1}},
	})
	if !errors.Is(err, ErrProductUnavailable) {
		t.Fatalf("expected product unavailable, got %v", err)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	f := newCoordinatorFixture(t)

	cases := []CreateOrderRequest{
		{Method: "card", Items: []ItemRequest{{ProductID: "p-10", Quantity: 1}}},
		{UserID: "user-1", Items: []ItemRequest{{ProductID: "p-10", Quantity: 1}}},
		{UserID: "user-1", Method: "card"},
		{UserID: "user-1", Method: "card", Items: []ItemRequest{{Quantity: 1}}},
		{UserID: "user-1", Method: "card", Items: []ItemRequest{{ProductID: "p-10"}}},
		{UserID: "user-1", Method: "card", Items: []ItemRequest{{ProductID: "p-10", Quantity: -1}}},
	}
	for i, req := range cases {
		if _, err := f.coordinator.CreateOrder(context.Background(), req); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestPriceChangeDoesNotAffectExistingOrder(t *testing.T) {
	f := newCoordinatorFixture(t)

	order := f.createOrder(t)
	f.catalog.SetPrice("p-10", 500)

	reloaded, err := f.coordinator.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if reloaded.Amount != 200 {
		t.Fatalf("expected locked amount 200, got %v", reloaded.Amount)
	}
	if reloaded.Items[0].UnitPrice != 100 {
		t.Fatalf("expected locked unit price 100, got %v", reloaded.Items[0].UnitPrice)
	}
}

func TestOnPaymentPreparedConfirms(t *testing.T) {
	f := newCoordinatorFixture(t)
	order := f.createOrder(t)

	var seen []status.OrderStatus
	f.coordinator.SetStatusListener(func(id string, s status.OrderStatus) {
		if id == order.ID {
			seen = append(seen, s)
		}
	})

	if err := f.coordinator.OnPaymentPrepared(context.Background(), preparedEnvelope(t, order.ID)); err != nil {
		t.Fatalf("OnPaymentPrepared: %v", err)
	}
	f.mustStatus(t, order.ID, status.OrderConfirmed)
	if len(seen) != 1 || seen[0] != status.OrderConfirmed {
		t.Fatalf("unexpected listener transitions: %v", seen)
	}
}

func TestOnPaymentPreparedDuplicateIsNoOp(t *testing.T) {
	f := newCoordinatorFixture(t)
	order := f.createOrder(t)

	env := preparedEnvelope(t, order.ID)
	if err := f.coordinator.OnPaymentPrepared(context.Background(), env); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.coordinator.OnPaymentPrepared(context.Background(), env); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	f.mustStatus(t, order.ID, status.OrderConfirmed)
	if got := f.metrics.Snapshot().Saga.DuplicatesDropped; got != 1 {
		t.Fatalf("expected 1 duplicate counted, got %d", got)
	}
}

type flakyStore struct {
	*MemoryStore
	failGets    int
	failUpdates int
}

func (s *flakyStore) Get(ctx context.Context, orderID string) (Order, bool, error) {
	if s.failGets > 0 {
		s.failGets--
		return Order{}, false, errors.New("store unavailable")
	}
	return s.MemoryStore.Get(ctx, orderID)
}

func (s *flakyStore) UpdateStatus(ctx context.Context, orderID string, st status.OrderStatus) error {
	if s.failUpdates > 0 {
		s.failUpdates--
		return errors.New("store unavailable")
	}
	return s.MemoryStore.UpdateStatus(ctx, orderID, st)
}

func TestOnPaymentPreparedRedeliveredAfterTransientFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	catalog := products.NewMemoryCatalog(
		products.Product{ID: "p-10", Name: "widget", Price: 100, Stock: 5},
	)
	metrics := observability.NewMetrics()
	coordinator := NewCoordinator(
		store,
		NewMemoryUserClient("user-1"),
		NewCatalogClient(catalog),
		&publisherSpy{},
		dedup.NewMemoryLedger(),
		metrics,
	)

	order, err := coordinator.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "user-1",
		Method: "card",
		Items:  []ItemRequest{{ProductID: "p-10", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	env := preparedEnvelope(t, order.ID)

	store.failGets = 1
	if err := coordinator.OnPaymentPrepared(context.Background(), env); err == nil {
		t.Fatalf("transient store failure must surface for redelivery")
	}

	// The failed attempt must not have burned the message id: the broker's
	// redelivery of the same envelope has to drive the order to CONFIRMED.
	if err := coordinator.OnPaymentPrepared(context.Background(), env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	got, err := coordinator.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != status.OrderConfirmed {
		t.Fatalf("outcome event lost: order is %s after successful redelivery", got.Status)
	}

	// Only now is a further delivery a duplicate.
	if err := coordinator.OnPaymentPrepared(context.Background(), env); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if got := metrics.Snapshot().Saga.DuplicatesDropped; got != 1 {
		t.Fatalf("expected 1 duplicate counted, got %d", got)
	}
}

func TestOnPaymentPreparedRedeliveredAfterTransitionFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	catalog := products.NewMemoryCatalog(
		products.Product{ID: "p-10", Name: "widget", Price: 100, Stock: 5},
	)
	coordinator := NewCoordinator(
		store,
		NewMemoryUserClient("user-1"),
		NewCatalogClient(catalog),
		&publisherSpy{},
		dedup.NewMemoryLedger(),
		observability.NewMetrics(),
	)

	order, err := coordinator.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "user-1",
		Method: "card",
		Items:  []ItemRequest{{ProductID: "p-10", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	env := preparedEnvelope(t, order.ID)

	store.failUpdates = 1
	if err := coordinator.OnPaymentPrepared(context.Background(), env); err == nil {
		t.Fatalf("failed transition must surface for redelivery")
	}
	if err := coordinator.OnPaymentPrepared(context.Background(), env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	got, err := coordinator.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != status.OrderConfirmed {
		t.Fatalf("outcome event lost: order is %s after successful redelivery", got.Status)
	}
}

func TestOnPaymentPrepareFailedFailsOrder(t *testing.T) {
	f := newCoordinatorFixture(t)
	order := f.createOrder(t)

	env, err := contracts.NewEnvelope(order.ID, contracts.PaymentPrepareFailed{
		OrderID: order.ID, Reason: "declined",
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := f.coordinator.OnPaymentPrepareFailed(context.Background(), env); err != nil {
		t.Fatalf("OnPaymentPrepareFailed: %v", err)
	}
	f.mustStatus(t, order.ID, status.OrderFailed)

	// A late prepared event for the failed order is absorbed without a
	// transition.
	if err := f.coordinator.OnPaymentPrepared(context.Background(), preparedEnvelope(t, order.ID)); err != nil {
		t.Fatalf("late prepared: %v", err)
	}
	f.mustStatus(t, order.ID, status.OrderFailed)
}

func TestOrphanOutcomeIsLoggedAndDropped(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.createOrder(t)

	if err := f.coordinator.OnPaymentPrepared(context.Background(), preparedEnvelope(t, "999")); err != nil {
		t.Fatalf("orphan delivery: %v", err)
	}
	if got := f.metrics.Snapshot().Saga.OrphanEvents; got != 1 {
		t.Fatalf("expected 1 orphan counted, got %d", got)
	}
	if _, err := f.coordinator.GetOrder(context.Background(), "999"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected order 999 to stay unknown, got %v", err)
	}
}

func TestCancelCreatedOrderIsImmediate(t *testing.T) {
	f := newCoordinatorFixture(t)
	order := f.createOrder(t)

	canceled, err := f.coordinator.CancelOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if canceled.Status != status.OrderCanceled {
		t.Fatalf("expected CANCELED, got %s", canceled.Status)
	}
	if got := f.publisher.onTopic(contracts.TopicPaymentCancel); len(got) != 0 {
		t.Fatalf("expected no compensation request, got %d", len(got))
	}
}

func TestCancelConfirmedOrderWaitsForCompensation(t *testing.T) {
	f := newCoordinatorFixture(t)
	order := f.createOrder(t)

	if err := f.coordinator.OnPaymentPrepared(context.Background(), preparedEnvelope(t, order.ID)); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	pending, err := f.coordinator.CancelOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if pending.Status != status.OrderConfirmed {
		t.Fatalf("expected CONFIRMED until compensation, got %s", pending.Status)
	}
	if got := f.publisher.onTopic(contracts.TopicPaymentCancel); len(got) != 1 {
		t.Fatalf("expected one payment.cancel, got %d", len(got))
	}

	// A second cancel while compensation is pending publishes nothing new.
	if _, err := f.coordinator.CancelOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if got := f.publisher.onTopic(contracts.TopicPaymentCancel); len(got) != 1 {
		t.Fatalf("expected still one payment.cancel, got %d", len(got))
	}

	env, err := contracts.NewEnvelope(order.ID, contracts.PaymentCanceled{OrderID: order.ID, Refunded: true})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := f.coordinator.OnPaymentCanceled(context.Background(), env); err != nil {
		t.Fatalf("OnPaymentCanceled: %v", err)
	}
	f.mustStatus(t, order.ID, status.OrderCanceled)

	if got := f.metrics.Snapshot().Saga.Compensations; got != 1 {
		t.Fatalf("expected 1 compensation counted, got %d", got)
	}
}

func TestLatePreparedAfterCancelTriggersCompensation(t *testing.T) {
	f := newCoordinatorFixture(t)
	order := f.createOrder(t)

	if _, err := f.coordinator.CancelOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	// The prepare was in flight; the payment succeeded against a canceled
	// order and must be compensated.
	if err := f.coordinator.OnPaymentPrepared(context.Background(), preparedEnvelope(t, order.ID)); err != nil {
		t.Fatalf("late prepared: %v", err)
	}
	if got := f.publisher.onTopic(contracts.TopicPaymentCancel); len(got) != 1 {
		t.Fatalf("expected one payment.cancel, got %d", len(got))
	}
	f.mustStatus(t, order.ID, status.OrderCanceled)

	// Another late prepared finds compensation already requested.
	if err := f.coordinator.OnPaymentPrepared(context.Background(), preparedEnvelope(t, order.ID)); err != nil {
		t.Fatalf("second late prepared: %v", err)
	}
	if got := f.publisher.onTopic(contracts.TopicPaymentCancel); len(got) != 1 {
		t.Fatalf("expected still one payment.cancel, got %d", len(got))
	}
}

func TestCancelFailedOrderRejected(t *testing.T) {
	f := newCoordinatorFixture(t)
	order := f.createOrder(t)

	env, err := contracts.NewEnvelope(order.ID, contracts.PaymentPrepareFailed{OrderID: order.ID, Reason: "declined"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := f.coordinator.OnPaymentPrepareFailed(context.Background(), env); err != nil {
		t.Fatalf("fail order: %v", err)
	}

	if _, err := f.coordinator.CancelOrder(context.Background(), order.ID); !errors.Is(err, ErrCancelNotAllowed) {
		t.Fatalf("expected cancel rejected, got %v", err)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	f := newCoordinatorFixture(t)

	if _, err := f.coordinator.CancelOrder(context.Background(), "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateOrderPublishFailureKeepsOrder(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.publisher.err = errors.New("broker down")

	order, err := f.coordinator.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "user-1",
		Method: "card",
		Items:  []ItemRequest{{ProductID: "p-10", Quantity: 1}},
	})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if order.ID == "" {
		t.Fatalf("expected persisted order returned alongside the error")
	}
	f.mustStatus(t, order.ID, status.OrderCreated)
}
