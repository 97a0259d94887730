// Package status holds the order and payment state machines. Transitions are
// pure lookups with no side effects; callers validate a transition before
// persisting the new state.
package status

import "fmt"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderCreated   OrderStatus = "CREATED"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderFailed    OrderStatus = "FAIL"
	OrderCanceled  OrderStatus = "CANCELED"
)

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentSuccess  PaymentStatus = "SUCCESS"
	PaymentFailed   PaymentStatus = "FAIL"
	PaymentCanceled PaymentStatus = "CANCELED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// OrderEvent drives an order transition.
type OrderEvent string

const (
	OrderEventPaymentPrepared OrderEvent = "payment_prepared"
	OrderEventPaymentFailed   OrderEvent = "payment_failed"
	OrderEventCancel          OrderEvent = "cancel"
)

// PaymentEvent drives a payment transition.
type PaymentEvent string

const (
	PaymentEventApproved PaymentEvent = "gateway_approved"
	PaymentEventDeclined PaymentEvent = "gateway_declined"
	PaymentEventCancel   PaymentEvent = "cancel"
	PaymentEventRefund   PaymentEvent = "refund"
)

// InvalidTransitionError reports a (current, event) pair with no legal target.
// It signals a programming error: correct callers check status before raising
// an event.
type InvalidTransitionError struct {
	Entity  string
	Current string
	Event   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: no transition from %s on %s", e.Entity, e.Current, e.Event)
}

type orderKey struct {
	current OrderStatus
	event   OrderEvent
}

type paymentKey struct {
	current PaymentStatus
	event   PaymentEvent
}

var orderTransitions = map[orderKey]OrderStatus{
	{OrderCreated, OrderEventPaymentPrepared}: OrderConfirmed,
	{OrderCreated, OrderEventPaymentFailed}:   OrderFailed,
	{OrderCreated, OrderEventCancel}:          OrderCanceled,
	{OrderConfirmed, OrderEventCancel}:        OrderCanceled,
}

var paymentTransitions = map[paymentKey]PaymentStatus{
	{PaymentPending, PaymentEventApproved}: PaymentSuccess,
	{PaymentPending, PaymentEventDeclined}: PaymentFailed,
	{PaymentPending, PaymentEventCancel}:   PaymentCanceled,
	{PaymentSuccess, PaymentEventCancel}:   PaymentCanceled,
	{PaymentSuccess, PaymentEventRefund}:   PaymentRefunded,
}

// OrderTransition returns the order status reached from current on event.
func OrderTransition(current OrderStatus, event OrderEvent) (OrderStatus, error) {
	next, ok := orderTransitions[orderKey{current, event}]
	if !ok {
		return current, &InvalidTransitionError{Entity: "order", Current: string(current), Event: string(event)}
	}
	return next, nil
}

// PaymentTransition returns the payment status reached from current on event.
func PaymentTransition(current PaymentStatus, event PaymentEvent) (PaymentStatus, error) {
	next, ok := paymentTransitions[paymentKey{current, event}]
	if !ok {
		return current, &InvalidTransitionError{Entity: "payment", Current: string(current), Event: string(event)}
	}
	return next, nil
}

// OrderTerminal reports whether no further order transitions are possible.
func OrderTerminal(s OrderStatus) bool {
	return s == OrderFailed || s == OrderCanceled
}

// PaymentTerminal reports whether the payment has reached a decided state.
func PaymentTerminal(s PaymentStatus) bool {
	return s != PaymentPending
}
