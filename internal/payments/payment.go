// Package payments owns the Payment entity and the preparation handler of the
// payment service. The order service never mutates payments; it only observes
// the outcome events published from here.
package payments

import (
	"time"

	"tradewind/internal/status"
)

// Payment is one authorization attempt for an order. At most one payment per
// order is non-terminal at a time.
type Payment struct {
	ID        string
	OrderID   string
	UserID    string
	Amount    float64
	Method    string
	Status    status.PaymentStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
