// Package realtime pushes order status transitions to WebSocket subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"tradewind/internal/status"
)

// StatusUpdate is the wire shape of one order transition.
type StatusUpdate struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// Hub manages WebSocket clients and broadcasts status updates to them.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	Broadcast   chan []byte
	mu          sync.Mutex
}

// NewHub constructs a Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		Broadcast:   make(chan []byte),
	}
}

// StatusListener returns a coordinator status listener that broadcasts every
// transition as JSON. It never blocks the coordinator: when the hub is not
// draining, the update is dropped.
func (h *Hub) StatusListener() func(orderID string, s status.OrderStatus) {
	return func(orderID string, s status.OrderStatus) {
		msg, err := json.Marshal(StatusUpdate{OrderID: orderID, Status: string(s)})
		if err != nil {
			return
		}
		select {
		case h.Broadcast <- msg:
		default:
			slog.Debug("status update dropped, hub busy", "order_id", orderID)
		}
	}
}

// Run processes register/unregister/broadcast events until ctx is canceled,
// then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.Broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}
