// Package paymentsdb persists payments in Postgres behind the payments.Store
// contract.
package paymentsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tradewind/internal/payments"
	"tradewind/internal/status"
)

// PaymentStore persists payments in Postgres.
type PaymentStore struct {
	db *sql.DB
}

// NewPaymentStore constructs a PaymentStore backed by Postgres.
func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// NewPaymentStoreWithSchema initializes the schema then returns the store.
func NewPaymentStoreWithSchema(ctx context.Context, db *sql.DB) (*PaymentStore, error) {
	store := NewPaymentStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the payments table if it does not exist. The partial
// unique index enforces at most one PENDING payment per order.
func (s *PaymentStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			payment_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			method TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS payments_order_pending
			ON payments (order_id) WHERE status = 'PENDING'`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Create inserts a payment. A second PENDING payment for the same order is
// rejected with payments.ErrPaymentExists.
func (s *PaymentStore) Create(ctx context.Context, p payments.Payment) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (payment_id, order_id, user_id, amount, method, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		p.ID, p.OrderID, p.UserID, p.Amount, p.Method, string(p.Status),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return payments.ErrPaymentExists
	}
	return nil
}

// GetByOrder loads the most recent payment for an order.
func (s *PaymentStore) GetByOrder(ctx context.Context, orderID string) (payments.Payment, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payment_id, order_id, user_id, amount, method, status, created_at, updated_at
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		orderID,
	)

	var p payments.Payment
	var st string
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Amount, &p.Method, &st,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return payments.Payment{}, false, nil
	}
	if err != nil {
		return payments.Payment{}, false, err
	}
	p.Status = status.PaymentStatus(st)
	return p, true, nil
}

// UpdateStatus sets the payment's status and timestamp.
func (s *PaymentStore) UpdateStatus(ctx context.Context, paymentID string, st status.PaymentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, updated_at = NOW()
		WHERE payment_id = $1`,
		paymentID, string(st),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("payment %s: %w", paymentID, payments.ErrPaymentNotFound)
	}
	return nil
}
