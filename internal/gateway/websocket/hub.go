// Package websocket provides the WebSocket gateway: one hub managing all
// visitor and agent connections and their room subscriptions.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/supportdesk/supportdesk/internal/common/logger"
	"github.com/supportdesk/supportdesk/pkg/ws"
)

// DisconnectHandler is invoked after a client is removed from the hub.
// Presence handling (visitor removal, agent grace timers) hangs off this.
type DisconnectHandler func(client *Client)

// Hub manages all WebSocket client connections and their rooms.
type Hub struct {
	clients map[*Client]bool
	byID    map[string]*Client
	rooms   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	dispatcher   *ws.Dispatcher
	onDisconnect DisconnectHandler

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub around the action dispatcher.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byID:       make(map[string]*Client),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		dispatcher: dispatcher,
		logger:     log.WithComponent("ws_hub"),
	}
}

// SetDisconnectHandler installs the hook run after client removal. Must be
// called before Run.
func (h *Hub) SetDisconnectHandler(handler DisconnectHandler) {
	h.onDisconnect = handler
}

// Run processes client registration until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.byID[client.ID] = client
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			if h.removeClient(client) && h.onDisconnect != nil {
				h.onDisconnect(client)
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// removeClient reports whether the client was still registered.
func (h *Hub) removeClient(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return false
	}
	delete(h.clients, client)
	delete(h.byID, client.ID)
	close(client.send)

	for room := range client.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
	return true
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.byID = make(map[string]*Client)
	h.rooms = make(map[string]map[*Client]bool)
}

// JoinRoom subscribes the client to a room.
func (h *Hub) JoinRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	client.rooms[room] = true

	h.logger.Debug("client joined room",
		zap.String("client_id", client.ID),
		zap.String("room", room))
}

// LeaveRoom unsubscribes the client from a room.
func (h *Hub) LeaveRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// NotifyRoom delivers a message to every member of a room.
func (h *Hub) NotifyRoom(room string, msg *ws.Message) {
	h.deliverRoom(room, msg, false)
}

// NotifyRoomAgents delivers a message only to authenticated agent members
// of a room. Internal notes travel this path.
func (h *Hub) NotifyRoomAgents(room string, msg *ws.Message) {
	h.deliverRoom(room, msg, true)
}

func (h *Hub) deliverRoom(room string, msg *ws.Message, agentsOnly bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal room message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[room] {
		if agentsOnly && !client.IsAgent() {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump tears the client down.
		}
	}
}

// NotifyClient delivers a message to a single connection id. Returns false
// when the connection is gone.
func (h *Hub) NotifyClient(clientID string, msg *ws.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal client message", zap.Error(err))
		return false
	}

	h.mu.RLock()
	client, ok := h.byID[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}

// DisconnectClient closes a connection after an optional delay, giving the
// write pump time to flush a final message (auth errors).
func (h *Hub) DisconnectClient(clientID string, delay time.Duration) {
	h.mu.RLock()
	client, ok := h.byID[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if delay <= 0 {
		client.conn.Close()
		return
	}
	time.AfterFunc(delay, func() {
		client.conn.Close()
	})
}

// Client returns the connection for an id.
func (h *Hub) Client(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byID[clientID]
	return c, ok
}

// RoomSize returns the current member count of a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
