// Package contracts defines the message envelope, topic payloads, and the
// topic registry shared by all services. Payloads travel as JSON; the envelope
// carries the deduplication and correlation identifiers every consumer relies
// on.
package contracts

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every message on every topic.
//
// MessageID is unique per publish and is the idempotency key: a consumer that
// has already processed a MessageID must treat redelivery as a no-op.
// CorrelationID is the orderID threading all messages of one saga instance.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

var (
	ErrMissingMessageID     = errors.New("envelope message id is required")
	ErrMissingCorrelationID = errors.New("envelope correlation id is required")
)

// NewEnvelope builds an envelope around the JSON encoding of payload.
func NewEnvelope(correlationID string, payload any) (Envelope, error) {
	if correlationID == "" {
		return Envelope{}, ErrMissingCorrelationID
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// Validate checks the identifiers a consumer depends on.
func (e Envelope) Validate() error {
	if e.MessageID == "" {
		return ErrMissingMessageID
	}
	if e.CorrelationID == "" {
		return ErrMissingCorrelationID
	}
	return nil
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}
