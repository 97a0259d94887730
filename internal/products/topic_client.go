package products

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradewind/internal/bus"
	"tradewind/internal/contracts"
)

// ErrLookupTimeout signals that no response arrived within the deadline.
var ErrLookupTimeout = errors.New("product lookup timed out")

// TopicClient resolves product information through request/reply over the
// bus: it publishes product.information.request and waits for the correlated
// product.information.response. Pre-validation lookups have no order id yet,
// so each request gets a fresh correlation id.
type TopicClient struct {
	publisher bus.Publisher
	timeout   time.Duration

	mu      sync.Mutex
	waiters map[string]chan contracts.ProductInformationResponse
}

// NewTopicClient constructs the client and subscribes its response handler
// under the given consumer group.
func NewTopicClient(b bus.Bus, group string, timeout time.Duration) (*TopicClient, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &TopicClient{
		publisher: b,
		timeout:   timeout,
		waiters:   make(map[string]chan contracts.ProductInformationResponse),
	}
	if err := b.Subscribe(contracts.TopicProductInfoReply, group, c.onResponse); err != nil {
		return nil, err
	}
	return c, nil
}

// GetProducts publishes a request and blocks until the correlated response,
// the timeout, or ctx cancellation.
func (c *TopicClient) GetProducts(ctx context.Context, ids []string) ([]contracts.ProductInformation, error) {
	requestID := uuid.NewString()
	ch := make(chan contracts.ProductInformationResponse, 1)

	c.mu.Lock()
	c.waiters[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, requestID)
		c.mu.Unlock()
	}()

	env, err := contracts.NewEnvelope(requestID, contracts.ProductInformationRequest{ProductIDs: ids})
	if err != nil {
		return nil, err
	}
	if err := c.publisher.Publish(ctx, contracts.TopicProductInfoRequest, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp.Products, nil
	case <-timer.C:
		return nil, ErrLookupTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *TopicClient) onResponse(ctx context.Context, env contracts.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	ch, ok := c.waiters[env.CorrelationID]
	c.mu.Unlock()
	if !ok {
		// Response for a request that already timed out or belongs to another
		// instance of the group. Dropped, not retried.
		slog.Debug("unclaimed product information response",
			"correlation_id", env.CorrelationID, "message_id", env.MessageID)
		return nil
	}

	var resp contracts.ProductInformationResponse
	if err := env.Decode(&resp); err != nil {
		slog.Error("undecodable product information response",
			"message_id", env.MessageID, "error", err)
		return nil
	}

	select {
	case ch <- resp:
	default:
	}
	return nil
}
