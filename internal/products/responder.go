package products

import (
	"context"
	"fmt"
	"log/slog"

	"tradewind/internal/bus"
	"tradewind/internal/contracts"
	"tradewind/internal/dedup"
)

// Responder answers product information requests over the bus. It is a
// stateless read: no status machine, no writes.
type Responder struct {
	catalog   Catalog
	publisher bus.Publisher
	ledger    dedup.Ledger
	group     string
}

// NewResponder constructs a Responder publishing through the given bus.
func NewResponder(catalog Catalog, publisher bus.Publisher, ledger dedup.Ledger) *Responder {
	return &Responder{
		catalog:   catalog,
		publisher: publisher,
		ledger:    ledger,
		group:     contracts.GroupProductService,
	}
}

// Register subscribes the responder's handler on the bus.
func (r *Responder) Register(sub bus.Subscriber) error {
	return sub.Subscribe(contracts.TopicProductInfoRequest, r.group, r.OnProductInformationRequest)
}

// OnProductInformationRequest resolves the requested ids and publishes one
// response envelope under the same correlation id. Unknown ids are omitted;
// the requester treats omission as unavailability.
func (r *Responder) OnProductInformationRequest(ctx context.Context, env contracts.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	seen, err := r.ledger.Seen(ctx, r.group, env.MessageID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		slog.Debug("duplicate product information request dropped",
			"message_id", env.MessageID, "correlation_id", env.CorrelationID)
		return nil
	}

	var req contracts.ProductInformationRequest
	if err := env.Decode(&req); err != nil {
		slog.Error("undecodable product information request",
			"message_id", env.MessageID, "error", err)
		return nil
	}

	found, err := r.catalog.Products(ctx, req.ProductIDs)
	if err != nil {
		return fmt.Errorf("resolve products: %w", err)
	}

	payload := contracts.ProductInformationResponse{
		Products: make([]contracts.ProductInformation, 0, len(found)),
	}
	for _, p := range found {
		payload.Products = append(payload.Products, contracts.ProductInformation{
			ProductID: p.ID,
			Name:      p.Name,
			Price:     p.Price,
			Stock:     p.Stock,
		})
	}

	reply, err := contracts.NewEnvelope(env.CorrelationID, payload)
	if err != nil {
		return err
	}
	// Marked only after the reply is out, so a failed publish is retried on
	// redelivery instead of leaving the requester to time out.
	if err := r.publisher.Publish(ctx, contracts.TopicProductInfoReply, reply); err != nil {
		return err
	}
	if _, err := r.ledger.MarkProcessed(ctx, r.group, env.MessageID); err != nil {
		return fmt.Errorf("record message %s: %w", env.MessageID, err)
	}
	return nil
}
