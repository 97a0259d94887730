// Package orders owns the Order entity and coordinates the payment saga.
// Orders are created synchronously after user and product validation; payment
// outcomes arrive asynchronously over topics and drive status transitions.
package orders

import (
	"errors"
	"time"

	"tradewind/internal/status"
)

var (
	// ErrValidation covers malformed create requests before any side effect.
	ErrValidation = errors.New("order validation failed")
	// ErrUserNotFound is returned when the user collaborator has no such user.
	ErrUserNotFound = errors.New("user not found")
	// ErrProductUnavailable is returned when a requested product id is unknown.
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrInsufficientStock is returned when requested quantity exceeds stock.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrOrderNotFound is returned by queries and cancels for unknown orders.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCancelNotAllowed is returned when the order is already terminal.
	ErrCancelNotAllowed = errors.New("order cannot be canceled")
)

// Item is one order line with the unit price snapshotted at order time.
// Later catalog price changes never touch an existing order.
type Item struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Order is the saga root. Its id doubles as the correlation id on every
// message of the saga instance.
type Order struct {
	ID     string             `json:"id"`
	UserID string             `json:"user_id"`
	Items  []Item             `json:"items"`
	Amount float64            `json:"amount"`
	Method string             `json:"method"`
	Status status.OrderStatus `json:"status"`
	// CompensationRequested marks that a payment.cancel was already sent for
	// this order, so a redelivered outcome event does not request it twice.
	CompensationRequested bool      `json:"compensation_requested"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}
