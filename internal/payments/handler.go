package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"tradewind/internal/bus"
	"tradewind/internal/contracts"
	"tradewind/internal/dedup"
	"tradewind/internal/status"
)

// Handler consumes payment.prepare and payment.cancel, drives the payment
// state machine, and publishes outcome events. It is the single writer of
// Payment records.
type Handler struct {
	store     Store
	gateway   Gateway
	publisher bus.Publisher
	ledger    dedup.Ledger
	group     string
	newID     func() string
}

// NewHandler constructs a Handler. Wrap the gateway with NewReliableGateway
// to get bounded retry of timeouts; the handler itself publishes exactly one
// outcome per resolved prepare.
func NewHandler(store Store, gateway Gateway, publisher bus.Publisher, ledger dedup.Ledger) *Handler {
	return &Handler{
		store:     store,
		gateway:   gateway,
		publisher: publisher,
		ledger:    ledger,
		group:     contracts.GroupPaymentService,
		newID:     uuid.NewString,
	}
}

// Register subscribes the handler on its topics.
func (h *Handler) Register(sub bus.Subscriber) error {
	if err := sub.Subscribe(contracts.TopicPaymentPrepare, h.group, h.OnPaymentPrepare); err != nil {
		return err
	}
	return sub.Subscribe(contracts.TopicPaymentCancel, h.group, h.OnPaymentCancel)
}

// OnPaymentPrepare authorizes the order total against the gateway and
// publishes payment.prepared or payment.prepared.fail.
//
// A duplicate prepare for an order whose payment is already decided
// republishes the decided outcome instead of charging again.
func (h *Handler) OnPaymentPrepare(ctx context.Context, env contracts.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	var req contracts.PaymentPrepare
	if err := env.Decode(&req); err != nil {
		slog.Error("undecodable payment.prepare", "message_id", env.MessageID, "error", err)
		return nil
	}

	existing, found, err := h.store.GetByOrder(ctx, req.OrderID)
	if err != nil {
		return fmt.Errorf("load payment for order %s: %w", req.OrderID, err)
	}
	if found && status.PaymentTerminal(existing.Status) {
		// Already decided; re-announce the outcome without touching the
		// gateway so a lost outcome event cannot double charge.
		slog.Info("re-announcing decided payment outcome",
			"order_id", req.OrderID, "status", existing.Status)
		if err := h.publishDecided(ctx, existing); err != nil {
			return err
		}
		return h.markProcessed(ctx, env)
	}

	seen, err := h.ledger.Seen(ctx, h.group, env.MessageID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		slog.Debug("duplicate payment.prepare dropped",
			"message_id", env.MessageID, "order_id", req.OrderID)
		return nil
	}

	payment := existing
	if !found {
		payment = Payment{
			ID:      h.newID(),
			OrderID: req.OrderID,
			UserID:  req.UserID,
			Amount:  req.Amount,
			Method:  req.Method,
			Status:  status.PaymentPending,
		}
		if err := h.store.Create(ctx, payment); err != nil {
			return fmt.Errorf("create payment for order %s: %w", req.OrderID, err)
		}
	}

	authErr := h.gateway.Authorize(ctx, GatewayRequest{
		OrderID: req.OrderID,
		UserID:  req.UserID,
		Amount:  req.Amount,
		Method:  req.Method,
	})
	if authErr != nil {
		if errors.Is(authErr, context.Canceled) || errors.Is(authErr, context.DeadlineExceeded) {
			// Shutdown mid-flight: leave the message pending so the attempt
			// is replayed, not resolved as a decline.
			return authErr
		}
		if err := h.resolve(ctx, payment, status.PaymentEventDeclined, reasonFor(authErr)); err != nil {
			return err
		}
		return h.markProcessed(ctx, env)
	}
	if err := h.resolve(ctx, payment, status.PaymentEventApproved, ""); err != nil {
		return err
	}
	return h.markProcessed(ctx, env)
}

// OnPaymentCancel applies the compensation for CancelOrder: a captured
// payment is refunded, a pending one voided. Either way payment.canceled is
// published so the order service can finish its own transition.
func (h *Handler) OnPaymentCancel(ctx context.Context, env contracts.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	var req contracts.PaymentCancel
	if err := env.Decode(&req); err != nil {
		slog.Error("undecodable payment.cancel", "message_id", env.MessageID, "error", err)
		return nil
	}

	seen, err := h.ledger.Seen(ctx, h.group, env.MessageID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		slog.Debug("duplicate payment.cancel dropped",
			"message_id", env.MessageID, "order_id", req.OrderID)
		return nil
	}

	payment, found, err := h.store.GetByOrder(ctx, req.OrderID)
	if err != nil {
		return fmt.Errorf("load payment for order %s: %w", req.OrderID, err)
	}
	if !found {
		slog.Warn("payment.cancel for unknown order dropped", "order_id", req.OrderID)
		return nil
	}

	switch payment.Status {
	case status.PaymentSuccess:
		if err := h.gateway.Refund(ctx, payment.OrderID, payment.Amount); err != nil {
			return fmt.Errorf("refund order %s: %w", payment.OrderID, err)
		}
		next, err := status.PaymentTransition(payment.Status, status.PaymentEventRefund)
		if err != nil {
			return err
		}
		if err := h.store.UpdateStatus(ctx, payment.ID, next); err != nil {
			return fmt.Errorf("persist payment %s: %w", payment.ID, err)
		}
		if err := h.publishCanceled(ctx, payment.OrderID, true); err != nil {
			return err
		}

	case status.PaymentPending:
		next, err := status.PaymentTransition(payment.Status, status.PaymentEventCancel)
		if err != nil {
			return err
		}
		if err := h.store.UpdateStatus(ctx, payment.ID, next); err != nil {
			return fmt.Errorf("persist payment %s: %w", payment.ID, err)
		}
		if err := h.publishCanceled(ctx, payment.OrderID, false); err != nil {
			return err
		}

	case status.PaymentCanceled, status.PaymentRefunded:
		// Compensation already applied; re-announce so the order side can
		// complete even if the earlier confirmation was lost.
		if err := h.publishCanceled(ctx, payment.OrderID, payment.Status == status.PaymentRefunded); err != nil {
			return err
		}

	default:
		slog.Warn("payment.cancel for failed payment dropped",
			"order_id", payment.OrderID, "status", payment.Status)
	}
	return h.markProcessed(ctx, env)
}

func (h *Handler) markProcessed(ctx context.Context, env contracts.Envelope) error {
	if _, err := h.ledger.MarkProcessed(ctx, h.group, env.MessageID); err != nil {
		return fmt.Errorf("record message %s: %w", env.MessageID, err)
	}
	return nil
}

// resolve commits the payment outcome and publishes exactly one outcome
// event for it.
func (h *Handler) resolve(ctx context.Context, payment Payment, event status.PaymentEvent, reason string) error {
	next, err := status.PaymentTransition(payment.Status, event)
	if err != nil {
		return err
	}
	if err := h.store.UpdateStatus(ctx, payment.ID, next); err != nil {
		return fmt.Errorf("persist payment %s: %w", payment.ID, err)
	}
	payment.Status = next

	if next == status.PaymentSuccess {
		return h.publishPrepared(ctx, payment.OrderID)
	}
	return h.publishFailed(ctx, payment.OrderID, reason)
}

func (h *Handler) publishDecided(ctx context.Context, payment Payment) error {
	switch payment.Status {
	case status.PaymentSuccess:
		return h.publishPrepared(ctx, payment.OrderID)
	case status.PaymentFailed:
		return h.publishFailed(ctx, payment.OrderID, "previously declined")
	default:
		// CANCELED / REFUNDED outcomes travel on payment.canceled.
		return h.publishCanceled(ctx, payment.OrderID, payment.Status == status.PaymentRefunded)
	}
}

func (h *Handler) publishPrepared(ctx context.Context, orderID string) error {
	env, err := contracts.NewEnvelope(orderID, contracts.PaymentPrepared{OrderID: orderID})
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, contracts.TopicPaymentPrepared, env)
}

func (h *Handler) publishFailed(ctx context.Context, orderID, reason string) error {
	env, err := contracts.NewEnvelope(orderID, contracts.PaymentPrepareFailed{OrderID: orderID, Reason: reason})
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, contracts.TopicPaymentPrepareFail, env)
}

func (h *Handler) publishCanceled(ctx context.Context, orderID string, refunded bool) error {
	env, err := contracts.NewEnvelope(orderID, contracts.PaymentCanceled{OrderID: orderID, Refunded: refunded})
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, contracts.TopicPaymentCanceled, env)
}

func reasonFor(err error) string {
	if errors.Is(err, ErrGatewayDeclined) {
		return "declined"
	}
	if errors.Is(err, ErrGatewayTimeout) {
		return "gateway timeout"
	}
	if errors.Is(err, ErrBreakerOpen) {
		return "gateway unavailable"
	}
	return err.Error()
}
