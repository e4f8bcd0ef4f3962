package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Entities reported on the event feed.
const (
	EntityLicense = "license"
	EntityAccount = "account"
	EntityRequest = "request"
)

// Event is a ledger change pushed to connected admin clients.
type Event struct {
	Type    string         `json:"type"`
	Entity  string         `json:"entity"`
	Action  string         `json:"action"`
	ID      int64          `json:"id,omitempty"`
	OwnerID int64          `json:"owner_id,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
	At      time.Time      `json:"at"`
}

// NewEvent creates an Event with the Type field derived from entity and action.
func NewEvent(entity, action string, id, ownerID int64, extra map[string]any) Event {
	return Event{
		Type:    fmt.Sprintf("%s_%s", entity, action),
		Entity:  entity,
		Action:  action,
		ID:      id,
		OwnerID: ownerID,
		Extra:   extra,
		At:      time.Now().UTC(),
	}
}

// Broadcaster publishes events. Services call it only after their
// transaction has committed.
type Broadcaster interface {
	Broadcast(Event)
}

type discard struct{}

func (discard) Broadcast(Event) {}

// Discard is a Broadcaster that drops every event.
var Discard Broadcaster = discard{}

// Hub maintains the set of active WebSocket clients and broadcasts events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("event client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends an event to all connected clients. A client whose buffer
// is full misses the event.
func (h *Hub) Broadcast(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("marshal event", "type", e.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("event dropped for slow client", "type", e.Type)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
