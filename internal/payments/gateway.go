package payments

import (
	"context"
	"errors"
	"sync"
)

// Gateway is the external payment processor collaborator.
type Gateway interface {
	Authorize(ctx context.Context, req GatewayRequest) error
	Refund(ctx context.Context, orderID string, amount float64) error
}

// GatewayRequest carries one authorization attempt.
type GatewayRequest struct {
	OrderID string
	UserID  string
	Amount  float64
	Method  string
}

// ErrGatewayDeclined is a final decline; it is never retried.
var ErrGatewayDeclined = errors.New("payment declined by gateway")

// ErrGatewayTimeout is a transient failure; the handler retries it with
// backoff up to a fixed bound.
var ErrGatewayTimeout = errors.New("payment gateway timed out")

// MemoryGateway is a scriptable gateway for tests and dev mode. Orders listed
// in declines are declined; timeouts[orderID] yields that many timeouts before
// success.
type MemoryGateway struct {
	mu        sync.Mutex
	declines  map[string]bool
	timeouts  map[string]int
	attempts  map[string]int
	refunds   map[string]float64
	refundErr error
}

// NewMemoryGateway constructs a gateway that approves everything by default.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		declines: make(map[string]bool),
		timeouts: make(map[string]int),
		attempts: make(map[string]int),
		refunds:  make(map[string]float64),
	}
}

// Decline scripts a final decline for an order.
func (g *MemoryGateway) Decline(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declines[orderID] = true
}

// TimeoutTimes scripts n timeouts before the order authorizes.
func (g *MemoryGateway) TimeoutTimes(orderID string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timeouts[orderID] = n
}

// FailRefunds scripts refund failures.
func (g *MemoryGateway) FailRefunds(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundErr = err
}

func (g *MemoryGateway) Authorize(ctx context.Context, req GatewayRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.attempts[req.OrderID]++
	if g.declines[req.OrderID] {
		return ErrGatewayDeclined
	}
	if g.timeouts[req.OrderID] > 0 {
		g.timeouts[req.OrderID]--
		return ErrGatewayTimeout
	}
	return nil
}

func (g *MemoryGateway) Refund(ctx context.Context, orderID string, amount float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.refundErr != nil {
		return g.refundErr
	}
	g.refunds[orderID] = amount
	return nil
}

// Attempts returns how often an order hit the gateway (for tests).
func (g *MemoryGateway) Attempts(orderID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts[orderID]
}

// Refunded returns the refunded amount for an order, if any (for tests).
func (g *MemoryGateway) Refunded(orderID string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	amount, ok := g.refunds[orderID]
	return amount, ok
}
