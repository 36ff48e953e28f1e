package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Outbound message types.
const (
	TypeSessionState   = "session_state"
	TypeSessionExpired = "session_expired"
	TypeError          = "error"
)

// Message is pushed from the server to the browser.
type Message struct {
	Type          string `json:"type"`
	State         string `json:"state,omitempty"`
	Redirect      string `json:"redirect,omitempty"`
	Plan          string `json:"plan,omitempty"`
	IdleTimeoutMS int64  `json:"idleTimeoutMs,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Hub tracks connections grouped by device. Tabs of one browser share a
// device id, the same way they share local storage.
type Hub struct {
	mu      sync.RWMutex
	devices map[string]map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		devices: make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	clients, ok := h.devices[c.deviceID]
	if !ok {
		clients = make(map[*Client]struct{})
		h.devices[c.deviceID] = clients
	}
	clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if clients, ok := h.devices[c.deviceID]; ok {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
		}
		if len(clients) == 0 {
			delete(h.devices, c.deviceID)
		}
	}
	h.mu.Unlock()
}

// Broadcast sends a message to every tab of a device.
func (h *Hub) Broadcast(deviceID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.devices[deviceID] {
		select {
		case c.send <- data:
		default:
			// Client buffer full, drop the message.
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.devices {
		n += len(clients)
	}
	return n
}

// DeviceCount returns the number of devices with at least one connection.
func (h *Hub) DeviceCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}
