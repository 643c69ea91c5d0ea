package utils

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 100 * time.Millisecond

type WebSocketHub struct {
	log     *zap.Logger
	clients map[*websocket.Conn]bool
	mu      sync.Mutex
}

func NewWebSocketHub(logger *zap.Logger) *WebSocketHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHub{
		log:     logger.Named("ws"),
		clients: make(map[*websocket.Conn]bool),
	}
}

func (h *WebSocketHub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
	h.log.Debug("client added", zap.Stringer("remote", conn.RemoteAddr()), zap.Int("clients", len(h.clients)))
}

func (h *WebSocketHub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *WebSocketHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast writes event to every client in parallel. Clients that fail the
// write, or miss the deadline, are dropped.
func (h *WebSocketHub) Broadcast(event WebSocketEvent) {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedClients []*websocket.Conn
	var failedMu sync.Mutex

	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()

			c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteJSON(event); err != nil {
				failedMu.Lock()
				failedClients = append(failedClients, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	if len(failedClients) > 0 {
		h.mu.Lock()
		for _, conn := range failedClients {
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
		}
		h.mu.Unlock()
		h.log.Info("dropped unresponsive clients", zap.Int("count", len(failedClients)), zap.String("event", event.Type))
	}
}

// Close disconnects every client.
func (h *WebSocketHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		delete(h.clients, conn)
	}
}
