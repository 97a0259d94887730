// Package products serves current price and stock for the product service.
package products

import (
	"context"
	"sync"
)

// Product is a catalog entry.
type Product struct {
	ID    string
	Name  string
	Price float64
	Stock int
}

// Catalog resolves products by id. Unknown ids are omitted from the result,
// never reported as an error.
type Catalog interface {
	Products(ctx context.Context, ids []string) ([]Product, error)
}

// MemoryCatalog is an in-memory catalog for tests and dev mode.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products map[string]Product
}

// NewMemoryCatalog constructs a catalog seeded with the given products.
func NewMemoryCatalog(seed ...Product) *MemoryCatalog {
	c := &MemoryCatalog{products: make(map[string]Product)}
	for _, p := range seed {
		c.products[p.ID] = p
	}
	return c
}

// Put inserts or replaces a product.
func (c *MemoryCatalog) Put(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

// SetPrice updates a product's price, reporting whether the id exists.
func (c *MemoryCatalog) SetPrice(id string, price float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[id]
	if !ok {
		return false
	}
	p.Price = price
	c.products[id] = p
	return true
}

func (c *MemoryCatalog) Products(ctx context.Context, ids []string) ([]Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Product, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if p, ok := c.products[id]; ok {
			result = append(result, p)
		}
	}
	return result, nil
}
