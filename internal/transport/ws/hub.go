package ws

import (
	"context"
	"sync"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

type Conn interface {
	Send(u domain.Update) error
	Close() error
	UserID() string
	SessionID() string
}

// Hub fans updates out to the connections of this process.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[Conn]struct{} // sessionID -> set of connections
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]map[Conn]struct{})}
}

func (h *Hub) Add(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cs, ok := h.sessions[c.SessionID()]
	if !ok {
		cs = make(map[Conn]struct{})
		h.sessions[c.SessionID()] = cs
	}
	cs[c] = struct{}{}
}

func (h *Hub) Remove(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cs, ok := h.sessions[c.SessionID()]; ok {
		delete(cs, c)
		if len(cs) == 0 {
			delete(h.sessions, c.SessionID())
		}
	}
}

func (h *Hub) Broadcast(sessionID string, u domain.Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.sessions[sessionID] {
		_ = c.Send(u) // best-effort
	}
}

// Publish makes the hub a service.Publisher for single-instance setups.
func (h *Hub) Publish(_ context.Context, sessionID string, u domain.Update) error {
	h.Broadcast(sessionID, u)
	return nil
}

func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
