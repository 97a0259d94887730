package orders

import (
	"context"
	"sync"

	"tradewind/internal/contracts"
	"tradewind/internal/products"
)

// UserClient resolves user existence before the saga starts.
type UserClient interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// ProductClient resolves current price and stock for a set of product ids.
// Unknown ids are omitted from the result; the coordinator treats omission as
// unavailability. products.TopicClient satisfies this over the message bus.
type ProductClient interface {
	GetProducts(ctx context.Context, ids []string) ([]contracts.ProductInformation, error)
}

// NewMemoryUserClient constructs a user client seeded with known user ids.
func NewMemoryUserClient(ids ...string) *MemoryUserClient {
	c := &MemoryUserClient{users: make(map[string]bool)}
	for _, id := range ids {
		c.users[id] = true
	}
	return c
}

// MemoryUserClient answers existence checks from an in-memory set.
type MemoryUserClient struct {
	mu    sync.Mutex
	users map[string]bool
}

// Add registers a user id as existing.
func (c *MemoryUserClient) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[id] = true
}

func (c *MemoryUserClient) UserExists(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.users[userID], nil
}

// NewCatalogClient adapts a product catalog to the ProductClient contract for
// single-process wiring, bypassing the request/reply topics.
func NewCatalogClient(catalog products.Catalog) *CatalogClient {
	return &CatalogClient{catalog: catalog}
}

// CatalogClient reads the catalog directly.
type CatalogClient struct {
	catalog products.Catalog
}

func (c *CatalogClient) GetProducts(ctx context.Context, ids []string) ([]contracts.ProductInformation, error) {
	found, err := c.catalog.Products(ctx, ids)
	if err != nil {
		return nil, err
	}
	infos := make([]contracts.ProductInformation, 0, len(found))
	for _, p := range found {
		infos = append(infos, contracts.ProductInformation{
			ProductID: p.ID,
			Name:      p.Name,
			Price:     p.Price,
			Stock:     p.Stock,
		})
	}
	return infos, nil
}
