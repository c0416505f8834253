package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	"quantum-server/internal/models"
	"quantum-server/internal/observability"
)

// Hub is the session store: it maps authenticated identities to their live
// connections. One identity may own several connections (multi-device).
// The mutex guards the map only and is never held across I/O.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[*Client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[uuid.UUID]map[*Client]struct{})}
}

// Register adds the client under the identity's entry. Registering the same
// client twice is a no-op.
func (h *Hub) Register(userID uuid.UUID, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[userID]; !ok {
		h.sessions[userID] = make(map[*Client]struct{})
	}
	h.sessions[userID][c] = struct{}{}
}

// Unregister removes the client; when it was the identity's last connection
// the entry is removed entirely. Unknown identities are a no-op.
func (h *Hub) Unregister(userID uuid.UUID, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.sessions[userID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.sessions, userID)
		}
	}
}

// Lookup returns a snapshot of the identity's live connections. A returned
// client may close concurrently; pushes to it then fail without affecting
// the rest of the fan-out.
func (h *Hub) Lookup(userID uuid.UUID) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.sessions[userID]))
	for c := range h.sessions[userID] {
		clients = append(clients, c)
	}
	return clients
}

// Notify pushes the event to every live connection of every recipient.
// Offline recipients are skipped silently; a failed push is isolated to its
// connection, which is closed and unregistered.
func (h *Hub) Notify(recipients []uuid.UUID, event models.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("fanout marshal failed: %v", err)
		return
	}

	for _, userID := range recipients {
		for _, c := range h.Lookup(userID) {
			if err := c.Push(payload); err != nil {
				log.Printf("fanout push failed user=%s conn=%s: %v", userID, c.info.ConnID, err)
				observability.IncFanoutPush("failed")
				c.Close()
				h.Unregister(userID, c)
				continue
			}
			observability.IncFanoutPush("ok")
		}
	}
}
