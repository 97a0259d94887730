// Package httpapi exposes the order service over HTTP: order creation,
// cancellation, status polling, and the realtime status feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"tradewind/internal/orders"
)

// Handler handles order HTTP requests.
type Handler struct {
	coordinator *orders.Coordinator
	upgrader    websocket.Upgrader
	register    chan<- *websocket.Conn
}

// NewHandler constructs a Handler. register receives upgraded websocket
// connections; it may be nil when no realtime feed is wired.
func NewHandler(coordinator *orders.Coordinator, register chan<- *websocket.Conn) *Handler {
	return &Handler{coordinator: coordinator, register: register}
}

// CreateOrder validates and persists an order, starts the payment saga, and
// returns 202: the payment outcome is only visible via status polling or the
// websocket feed.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	order, err := h.coordinator.CreateOrder(r.Context(), req)
	if err != nil {
		writeOrderError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, order)
}

// GetOrder returns one order by id.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.coordinator.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder cancels an order. A CREATED order is canceled immediately; a
// CONFIRMED order stays CONFIRMED until the payment compensation confirms.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.coordinator.CancelOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, order)
}

// Subscribe upgrades to a websocket carrying order status updates.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if h.register == nil {
		writeError(w, http.StatusNotImplemented, "feed_disabled", "realtime feed is not enabled")
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	// The hub stops draining Register at shutdown; never block on it.
	select {
	case h.register <- conn:
	case <-r.Context().Done():
		conn.Close()
	}
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		writeError(w, httpStatusClientClosedRequest, "canceled", err.Error())
	case errors.Is(err, orders.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, orders.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", err.Error())
	case errors.Is(err, orders.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", err.Error())
	case errors.Is(err, orders.ErrProductUnavailable):
		writeError(w, http.StatusUnprocessableEntity, "product_unavailable", err.Error())
	case errors.Is(err, orders.ErrInsufficientStock):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_stock", err.Error())
	case errors.Is(err, orders.ErrCancelNotAllowed):
		writeError(w, http.StatusConflict, "cancel_not_allowed", err.Error())
	default:
		slog.Error("order request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// Nginx convention for a client that went away mid-request.
const httpStatusClientClosedRequest = 499

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}
