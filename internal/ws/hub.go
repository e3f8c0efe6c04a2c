package ws

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/protocol"
)

// Hub maintains active sockets and the rooms they have joined.
type Hub struct {
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	mu      sync.RWMutex
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a connected client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// Unregister drops c from the hub and every room it joined.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Join adds c to room. Joining twice is a no-op.
func (h *Hub) Join(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

// Leave removes c from room.
func (h *Hub) Leave(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// InRoom reports whether c has joined room.
func (h *Hub) InRoom(room string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

// HubStats is a point-in-time view of the hub.
type HubStats struct {
	Clients   int `json:"clients"`
	Users     int `json:"users"`
	ChatRooms int `json:"chat_rooms"`
}

// Stats counts open sockets, distinct users and joined chat rooms.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make(map[string]struct{}, len(h.clients))
	for c := range h.clients {
		users[c.info.UserID] = struct{}{}
	}
	stats := HubStats{Clients: len(h.clients), Users: len(users)}
	for room := range h.rooms {
		if kind, _, ok := protocol.ParseRoom(room); ok && kind == "chat" {
			stats.ChatRooms++
		}
	}
	return stats
}

// Broadcast sends event to every client in any of rooms. A client in several of
// the rooms receives the frame once.
func (h *Hub) Broadcast(event string, data any, rooms ...string) {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}

	h.mu.RLock()
	targets := make(map[*Client]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for c := range targets {
		h.deliver(c, event, payload)
	}
}

// BroadcastAll sends event to every connected client.
func (h *Hub) BroadcastAll(event string, data any) {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, event, payload)
	}
}

func (h *Hub) deliver(c *Client, event string, payload []byte) {
	if c.enqueue(payload) {
		return
	}
	c.logger.Warn().Str("event", event).Msg("socket send buffer full, dropping client")
	c.close()
	h.Unregister(c)
	observability.SocketErrored()
	publishLifecycle(context.Background(), c.info, observability.SocketError, "send buffer full")
}

// publishLifecycle reports a socket lifecycle change on the chat exchange.
func publishLifecycle(ctx context.Context, info ConnInfo, name, reason string) {
	_ = observability.Publish(ctx, observability.RoutingSocket, observability.Event{
		Name:    name,
		ActorID: info.UserID,
		Data:    info.lifecycle(reason),
	}, info.Trace())
}
