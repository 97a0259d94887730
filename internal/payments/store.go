package payments

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradewind/internal/status"
)

// Store persists payments. Implementations must keep writes idempotent on
// payment id.
type Store interface {
	Create(ctx context.Context, p Payment) error
	GetByOrder(ctx context.Context, orderID string) (Payment, bool, error)
	UpdateStatus(ctx context.Context, paymentID string, s status.PaymentStatus) error
}

// ErrPaymentExists signals a second non-terminal payment for the same order.
var ErrPaymentExists = errors.New("payment already exists for order")

// ErrPaymentNotFound signals an update for an unknown payment id.
var ErrPaymentNotFound = errors.New("payment not found")

// MemoryStore is a process-local payment store.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]Payment
	byOrder map[string]string
	now     func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Payment),
		byOrder: make(map[string]string),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, p Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byOrder[p.OrderID]; ok {
		if !status.PaymentTerminal(s.byID[id].Status) {
			return ErrPaymentExists
		}
	}

	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.byID[p.ID] = p
	s.byOrder[p.OrderID] = p.ID
	return nil
}

func (s *MemoryStore) GetByOrder(ctx context.Context, orderID string) (Payment, bool, error) {
	if err := ctx.Err(); err != nil {
		return Payment{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byOrder[orderID]
	if !ok {
		return Payment{}, false, nil
	}
	return s.byID[id], true, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, paymentID string, st status.PaymentStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	p.Status = st
	p.UpdatedAt = s.now()
	s.byID[paymentID] = p
	return nil
}
