package orders

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"tradewind/internal/bus"
	"tradewind/internal/contracts"
	"tradewind/internal/dedup"
	"tradewind/internal/observability"
	"tradewind/internal/status"
)

// StatusListener observes every order status change, including creation.
// Used to feed the realtime hub; must not block.
type StatusListener func(orderID string, s status.OrderStatus)

// Coordinator owns orders and drives the payment saga. CreateOrder validates
// synchronously, persists the order, then publishes payment.prepare; outcome
// events arrive through the On* consumer callbacks.
type Coordinator struct {
	store     Store
	users     UserClient
	products  ProductClient
	publisher bus.Publisher
	ledger    dedup.Ledger
	metrics   *observability.Metrics
	listener  StatusListener
	group     string
	newID     func() string
}

// NewCoordinator constructs a coordinator. metrics may be nil.
func NewCoordinator(store Store, users UserClient, products ProductClient, publisher bus.Publisher, ledger dedup.Ledger, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		store:     store,
		users:     users,
		products:  products,
		publisher: publisher,
		ledger:    ledger,
		metrics:   metrics,
		group:     contracts.GroupOrderService,
		newID:     uuid.NewString,
	}
}

// SetStatusListener registers the transition observer. Not safe to call after
// consumers start.
func (c *Coordinator) SetStatusListener(fn StatusListener) {
	c.listener = fn
}

// Register subscribes the coordinator's consumer callbacks.
func (c *Coordinator) Register(sub bus.Subscriber) error {
	if err := sub.Subscribe(contracts.TopicPaymentPrepared, c.group, c.OnPaymentPrepared); err != nil {
		return err
	}
	if err := sub.Subscribe(contracts.TopicPaymentPrepareFail, c.group, c.OnPaymentPrepareFailed); err != nil {
		return err
	}
	return sub.Subscribe(contracts.TopicPaymentCanceled, c.group, c.OnPaymentCanceled)
}

// CreateOrderRequest is the synchronous order-creation input. Item prices are
// never supplied by the caller; the coordinator snapshots catalog prices.
type CreateOrderRequest struct {
	UserID string        `json:"user_id"`
	Method string        `json:"method"`
	Items  []ItemRequest `json:"items"`
}

// ItemRequest is one requested order line.
type ItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// CreateOrder validates the request against the user and product
// collaborators, persists the order in CREATED with snapshotted prices, and
// publishes payment.prepare. It returns without waiting for the payment
// outcome. If publishing fails the order stays persisted in CREATED and the
// error is returned alongside it.
func (c *Coordinator) CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error) {
	if err := validateCreate(req); err != nil {
		return Order{}, err
	}

	exists, err := c.users.UserExists(ctx, req.UserID)
	if err != nil {
		return Order{}, fmt.Errorf("resolve user %s: %w", req.UserID, err)
	}
	if !exists {
		return Order{}, fmt.Errorf("user %s: %w", req.UserID, ErrUserNotFound)
	}

	ids, needed := distinctProducts(req.Items)
	infos, err := c.products.GetProducts(ctx, ids)
	if err != nil {
		return Order{}, fmt.Errorf("resolve products: %w", err)
	}
	byID := make(map[string]contracts.ProductInformation, len(infos))
	for _, info := range infos {
		byID[info.ProductID] = info
	}
	for _, id := range ids {
		info, ok := byID[id]
		if !ok {
			return Order{}, fmt.Errorf("product %s: %w", id, ErrProductUnavailable)
		}
		if needed[id] > info.Stock {
			return Order{}, fmt.Errorf("product %s: need %d, stock %d: %w",
				id, needed[id], info.Stock, ErrInsufficientStock)
		}
	}

	order := Order{
		ID:     c.newID(),
		UserID: req.UserID,
		Method: req.Method,
		Status: status.OrderCreated,
	}
	for _, item := range req.Items {
		price := byID[item.ProductID].Price
		order.Items = append(order.Items, Item{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: price,
		})
		order.Amount += price * float64(item.Quantity)
	}

	if err := c.store.Create(ctx, order); err != nil {
		return Order{}, fmt.Errorf("persist order: %w", err)
	}
	c.notify(order.ID, order.Status)

	if err := c.publish(ctx, contracts.TopicPaymentPrepare, order.ID, contracts.PaymentPrepare{
		OrderID: order.ID,
		UserID:  order.UserID,
		Amount:  order.Amount,
		Method:  order.Method,
	}); err != nil {
		return order, fmt.Errorf("publish payment.prepare for order %s: %w", order.ID, err)
	}

	slog.Info("order created", "order_id", order.ID, "user_id", order.UserID, "amount", order.Amount)
	return order, nil
}

// GetOrder loads one order. Saga failures after creation are only visible
// through this query or the status feed.
func (c *Coordinator) GetOrder(ctx context.Context, orderID string) (Order, error) {
	order, found, err := c.store.Get(ctx, orderID)
	if err != nil {
		return Order{}, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if !found {
		return Order{}, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
	}
	return order, nil
}

// CancelOrder cancels a CREATED order immediately. For a CONFIRMED order it
// requests payment compensation and defers the CANCELED transition until
// payment.canceled confirms the refund was applied.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID string) (Order, error) {
	order, found, err := c.store.Get(ctx, orderID)
	if err != nil {
		return Order{}, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if !found {
		return Order{}, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
	}

	switch order.Status {
	case status.OrderCreated:
		next, err := status.OrderTransition(order.Status, status.OrderEventCancel)
		if err != nil {
			return Order{}, err
		}
		if err := c.store.UpdateStatus(ctx, orderID, next); err != nil {
			return Order{}, fmt.Errorf("persist order %s: %w", orderID, err)
		}
		order.Status = next
		c.notify(orderID, next)
		slog.Info("order canceled", "order_id", orderID)
		return order, nil

	case status.OrderConfirmed:
		if order.CompensationRequested {
			return order, nil
		}
		if err := c.requestCompensation(ctx, orderID); err != nil {
			return Order{}, err
		}
		return order, nil

	default:
		return Order{}, fmt.Errorf("order %s is %s: %w", orderID, order.Status, ErrCancelNotAllowed)
	}
}

// OnPaymentPrepared consumes payment.prepared. A CREATED order becomes
// CONFIRMED. An order canceled while the prepare was in flight gets a
// compensation request instead, since the payment succeeded after the cancel.
func (c *Coordinator) OnPaymentPrepared(ctx context.Context, env contracts.Envelope) error {
	order, ok, err := c.consume(ctx, env, contracts.TopicPaymentPrepared)
	if err != nil || !ok {
		return err
	}

	switch {
	case order.Status == status.OrderCreated:
		if err := c.transition(ctx, order.ID, order.Status, status.OrderEventPaymentPrepared); err != nil {
			return err
		}
	case order.Status == status.OrderCanceled && !order.CompensationRequested:
		slog.Info("payment succeeded after cancel, requesting compensation", "order_id", order.ID)
		if err := c.requestCompensation(ctx, order.ID); err != nil {
			return err
		}
	default:
		slog.Debug("payment.prepared for resolved order dropped",
			"order_id", order.ID, "status", order.Status)
	}
	return c.markProcessed(ctx, env)
}

// OnPaymentPrepareFailed consumes payment.prepared.fail. A CREATED order
// becomes FAIL; anything else is already resolved and the event is dropped.
func (c *Coordinator) OnPaymentPrepareFailed(ctx context.Context, env contracts.Envelope) error {
	order, ok, err := c.consume(ctx, env, contracts.TopicPaymentPrepareFail)
	if err != nil || !ok {
		return err
	}

	if order.Status != status.OrderCreated {
		slog.Debug("payment.prepared.fail for resolved order dropped",
			"order_id", order.ID, "status", order.Status)
		return c.markProcessed(ctx, env)
	}

	var failed contracts.PaymentPrepareFailed
	if err := env.Decode(&failed); err == nil && failed.Reason != "" {
		slog.Warn("payment failed", "order_id", order.ID, "reason", failed.Reason)
	}
	if err := c.transition(ctx, order.ID, order.Status, status.OrderEventPaymentFailed); err != nil {
		return err
	}
	return c.markProcessed(ctx, env)
}

// OnPaymentCanceled consumes payment.canceled, completing a deferred cancel of
// a CONFIRMED order once the payment side has applied the compensation.
func (c *Coordinator) OnPaymentCanceled(ctx context.Context, env contracts.Envelope) error {
	order, ok, err := c.consume(ctx, env, contracts.TopicPaymentCanceled)
	if err != nil || !ok {
		return err
	}

	if order.Status != status.OrderConfirmed {
		slog.Debug("payment.canceled for non-confirmed order dropped",
			"order_id", order.ID, "status", order.Status)
		return c.markProcessed(ctx, env)
	}
	if err := c.transition(ctx, order.ID, order.Status, status.OrderEventCancel); err != nil {
		return err
	}
	return c.markProcessed(ctx, env)
}

// consume runs the shared consumer preamble: envelope validation, the
// duplicate check, and the orphan check. ok is false when the event was
// absorbed without further processing. The message id is only recorded by
// markProcessed once the resulting state change has committed, so a
// transient failure leaves the message eligible for redelivery.
func (c *Coordinator) consume(ctx context.Context, env contracts.Envelope, topic string) (Order, bool, error) {
	if err := env.Validate(); err != nil {
		return Order{}, false, err
	}

	seen, err := c.ledger.Seen(ctx, c.group, env.MessageID)
	if err != nil {
		return Order{}, false, fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		c.metrics.AddDuplicateDropped()
		slog.Debug("duplicate event dropped", "topic", topic, "message_id", env.MessageID)
		return Order{}, false, nil
	}

	order, found, err := c.store.Get(ctx, env.CorrelationID)
	if err != nil {
		return Order{}, false, fmt.Errorf("load order %s: %w", env.CorrelationID, err)
	}
	if !found {
		// CREATED is committed before payment.prepare is published, so no
		// order can appear later for an already-dispatched outcome.
		c.metrics.AddOrphanEvent()
		slog.Warn("orphan event dropped", "topic", topic, "order_id", env.CorrelationID,
			"message_id", env.MessageID)
		return Order{}, false, nil
	}
	return order, true, nil
}

func (c *Coordinator) markProcessed(ctx context.Context, env contracts.Envelope) error {
	if _, err := c.ledger.MarkProcessed(ctx, c.group, env.MessageID); err != nil {
		return fmt.Errorf("record message %s: %w", env.MessageID, err)
	}
	return nil
}

func (c *Coordinator) transition(ctx context.Context, orderID string, current status.OrderStatus, event status.OrderEvent) error {
	next, err := status.OrderTransition(current, event)
	if err != nil {
		return err
	}
	if err := c.store.UpdateStatus(ctx, orderID, next); err != nil {
		return fmt.Errorf("persist order %s: %w", orderID, err)
	}
	c.notify(orderID, next)
	slog.Info("order transitioned", "order_id", orderID, "from", current, "to", next)
	return nil
}

func (c *Coordinator) requestCompensation(ctx context.Context, orderID string) error {
	if err := c.publish(ctx, contracts.TopicPaymentCancel, orderID, contracts.PaymentCancel{
		OrderID: orderID,
	}); err != nil {
		return fmt.Errorf("publish payment.cancel for order %s: %w", orderID, err)
	}
	if err := c.store.MarkCompensationRequested(ctx, orderID); err != nil {
		return fmt.Errorf("mark compensation for order %s: %w", orderID, err)
	}
	c.metrics.AddCompensation()
	return nil
}

func (c *Coordinator) publish(ctx context.Context, topic, correlationID string, payload any) error {
	env, err := contracts.NewEnvelope(correlationID, payload)
	if err != nil {
		return err
	}
	return c.publisher.Publish(ctx, topic, env)
}

func (c *Coordinator) notify(orderID string, s status.OrderStatus) {
	if c.listener != nil {
		c.listener(orderID, s)
	}
}

func validateCreate(req CreateOrderRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("user id is required: %w", ErrValidation)
	}
	if req.Method == "" {
		return fmt.Errorf("payment method is required: %w", ErrValidation)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("at least one item is required: %w", ErrValidation)
	}
	for _, item := range req.Items {
		if item.ProductID == "" {
			return fmt.Errorf("item product id is required: %w", ErrValidation)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("item quantity must be positive: %w", ErrValidation)
		}
	}
	return nil
}

// distinctProducts returns the distinct product ids in request order and the
// total quantity requested per id for the stock check.
func distinctProducts(items []ItemRequest) ([]string, map[string]int) {
	ids := make([]string, 0, len(items))
	needed := make(map[string]int, len(items))
	for _, item := range items {
		if _, seen := needed[item.ProductID]; !seen {
			ids = append(ids, item.ProductID)
		}
		needed[item.ProductID] += item.Quantity
	}
	return ids, needed
}
