package orders

import (
	"context"
	"sync"
	"time"

	"tradewind/internal/status"
)

// Store persists orders. The coordinator is the only writer; every other
// component observes orders through published events.
type Store interface {
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, orderID string) (Order, bool, error)
	UpdateStatus(ctx context.Context, orderID string, s status.OrderStatus) error
	MarkCompensationRequested(ctx context.Context, orderID string) error
}

// MemoryStore is a process-local order store.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]Order
	now    func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]Order),
		now:    time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, o Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	o.CreatedAt = now
	o.UpdatedAt = now
	s.orders[o.ID] = o
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, orderID string) (Order, bool, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	return o, ok, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, orderID string, st status.OrderStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = st
	o.UpdatedAt = s.now()
	s.orders[orderID] = o
	return nil
}

func (s *MemoryStore) MarkCompensationRequested(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.CompensationRequested = true
	o.UpdatedAt = s.now()
	s.orders[orderID] = o
	return nil
}
