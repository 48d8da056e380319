package server

import (
	"sync"

	"github.com/gorilla/websocket"

	"conductor/internal/coordinator"
	"conductor/internal/logging"
)

// Hub fans coordinator lifecycle events out to connected websocket clients.
// It satisfies coordinator.Listener, so it is wired at coordinator
// construction and the server only manages connections.
type Hub struct {
	logger logging.Logger

	mu    sync.RWMutex
	conns map[*wsConn]struct{}
}

type wsConn struct {
	conn *websocket.Conn
	send chan coordinator.Event
}

const wsSendBuffer = 64

func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		logger: logging.OrNop(logger),
		conns:  make(map[*wsConn]struct{}),
	}
}

// OnEvent broadcasts one event. Slow clients are dropped rather than allowed
// to block the coordinator.
func (h *Hub) OnEvent(e coordinator.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		select {
		case c.send <- e:
		default:
			h.logger.Warn("websocket client too slow, dropping event %s", e.Type)
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, send: make(chan coordinator.Event, wsSendBuffer)}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	close(c.send)
	_ = c.conn.Close()
}

// writeLoop pushes queued events to one client until the send channel closes
// or the write fails.
func (c *wsConn) writeLoop() {
	for event := range c.send {
		if err := c.conn.WriteJSON(event); err != nil {
			return
		}
	}
}

// Clients reports the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
