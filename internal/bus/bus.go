// Package bus abstracts the message broker the services choreograph over.
// Delivery is at-least-once; consumers deduplicate on the envelope MessageID.
package bus

import (
	"context"

	"tradewind/internal/contracts"
)

// Handler processes one delivered envelope. Returning nil acknowledges the
// message; returning an error leaves it for redelivery. Handlers classify
// duplicates and orphans themselves and return nil for both so they are not
// retried.
type Handler func(ctx context.Context, env contracts.Envelope) error

// Publisher sends an envelope to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, env contracts.Envelope) error
}

// Subscriber registers a handler for a topic on behalf of a consumer group.
// Messages within one subscription are dispatched strictly in order, which
// gives causal ordering per correlation id without cross-saga guarantees.
type Subscriber interface {
	Subscribe(topic, group string, h Handler) error
}

// Bus is a broker usable for both sides of the choreography.
type Bus interface {
	Publisher
	Subscriber
}
