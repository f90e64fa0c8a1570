package api

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/botrix-io/botrix/internal/models"
)

// wsClient is one connected websocket subscriber.
type wsClient struct {
	conn *websocket.Conn
	send chan models.StatusUpdate
}

// Hub fans job status updates out to every connected websocket client.
// Slow clients are dropped rather than allowed to stall the broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	logger  *log.Logger
}

// NewHub builds an empty hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}
}

// Broadcast queues the update for every connected client.
func (h *Hub) Broadcast(update models.StatusUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- update:
		default:
			h.logger.Printf("dropping slow websocket client")
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(client *wsClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

// writeLoop serializes queued updates onto the connection until the
// send channel closes or a write fails.
func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for update := range c.send {
		if err := c.conn.WriteJSON(update); err != nil {
			return
		}
	}
}
