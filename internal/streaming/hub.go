// Package streaming broadcasts session activity over websockets so local
// observers (a TUI, a debug dashboard) can watch runs live. Delivery is
// best-effort; a slow client is dropped rather than allowed to stall the hub.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub004/internal/platform"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	clientBufSize  = 64
	maxMessageSize = 1024
)

// Frame is one broadcast message.
type Frame struct {
	SessionID string                    `json:"sessionId"`
	Status    string                    `json:"status,omitempty"`
	Activity  *platform.ActivityPayload `json:"activity,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Observers are local tooling; the webhook layer owns auth.
	CheckOrigin: func(*http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans broadcast frames out to connected observers.
type Hub struct {
	logger *logger.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		logger:  log.WithFields(zap.String("component", "streaming")),
		clients: make(map[*client]struct{}),
	}
}

// Broadcast sends a frame to every connected observer. Clients whose buffers
// are full are disconnected.
func (h *Hub) Broadcast(frame Frame) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("cannot marshal stream frame", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropLocked(c)
		}
	}
}

// ServeHTTP upgrades the request and streams frames until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBufSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("observer connected", zap.Int("observers", n))

	go h.writePump(c)
	h.readPump(c)
}

// Shutdown disconnects all observers.
func (h *Hub) Shutdown(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
	return nil
}

// Observers reports the number of connected clients.
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

// readPump discards inbound messages and notices disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
