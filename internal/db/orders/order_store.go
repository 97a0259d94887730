// Package ordersdb persists orders in Postgres behind the orders.Store
// contract.
package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tradewind/internal/orders"
	"tradewind/internal/status"
)

// OrderStore persists orders in Postgres.
type OrderStore struct {
	db *sql.DB
}

// NewOrderStore constructs an OrderStore backed by Postgres.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders table if it does not exist.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			items JSONB NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			method TEXT NOT NULL,
			status TEXT NOT NULL,
			compensation_requested BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Create inserts an order. Re-inserting the same order id is a no-op so a
// retried creation cannot duplicate rows.
func (s *OrderStore) Create(ctx context.Context, o orders.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, user_id, items, amount, method, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING`,
		o.ID, o.UserID, items, o.Amount, o.Method, string(o.Status),
	)
	return err
}

// Get loads one order by id.
func (s *OrderStore) Get(ctx context.Context, orderID string) (orders.Order, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, user_id, items, amount, method, status, compensation_requested, created_at, updated_at
		FROM orders
		WHERE order_id = $1`,
		orderID,
	)

	var o orders.Order
	var items []byte
	var st string
	err := row.Scan(&o.ID, &o.UserID, &items, &o.Amount, &o.Method, &st,
		&o.CompensationRequested, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, false, nil
	}
	if err != nil {
		return orders.Order{}, false, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return orders.Order{}, false, fmt.Errorf("unmarshal items: %w", err)
	}
	o.Status = status.OrderStatus(st)
	return o, true, nil
}

// UpdateStatus sets the order's status and timestamp.
func (s *OrderStore) UpdateStatus(ctx context.Context, orderID string, st status.OrderStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = NOW()
		WHERE order_id = $1`,
		orderID, string(st),
	)
	if err != nil {
		return err
	}
	return requireRow(res, orderID)
}

// MarkCompensationRequested records that a payment.cancel was published.
func (s *OrderStore) MarkCompensationRequested(ctx context.Context, orderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET compensation_requested = TRUE, updated_at = NOW()
		WHERE order_id = $1`,
		orderID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, orderID)
}

func requireRow(res sql.Result, orderID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("order %s: %w", orderID, orders.ErrOrderNotFound)
	}
	return nil
}
