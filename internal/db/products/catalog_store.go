// Package productsdb persists the product catalog in Postgres behind the
// products.Catalog contract.
package productsdb

import (
	"context"
	"database/sql"
	"errors"

	"tradewind/internal/products"
)

// CatalogStore reads and writes the product catalog in Postgres.
type CatalogStore struct {
	db *sql.DB
}

// NewCatalogStore constructs a CatalogStore backed by Postgres.
func NewCatalogStore(db *sql.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// NewCatalogStoreWithSchema initializes the schema then returns the store.
func NewCatalogStoreWithSchema(ctx context.Context, db *sql.DB) (*CatalogStore, error) {
	store := NewCatalogStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the products table if it does not exist.
func (s *CatalogStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS products (
			product_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			stock INTEGER NOT NULL
		)
	`)
	return err
}

// Put upserts one product.
func (s *CatalogStore) Put(ctx context.Context, p products.Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (product_id, name, price, stock)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id) DO UPDATE
		SET name = EXCLUDED.name, price = EXCLUDED.price, stock = EXCLUDED.stock`,
		p.ID, p.Name, p.Price, p.Stock,
	)
	return err
}

// Products returns current price and stock for the requested ids, omitting
// unknown ids. Queried per id to keep the contract's omission semantics.
func (s *CatalogStore) Products(ctx context.Context, ids []string) ([]products.Product, error) {
	seen := make(map[string]bool, len(ids))
	found := make([]products.Product, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		row := s.db.QueryRowContext(ctx, `
			SELECT product_id, name, price, stock
			FROM products
			WHERE product_id = $1`,
			id,
		)

		var p products.Product
		err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = append(found, p)
	}
	return found, nil
}
