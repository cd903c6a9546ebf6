package httpapi

import (
	"encoding/json"
	"sync"

	"github.com/agentctl/controlplane/internal/types"
	"github.com/gorilla/websocket"
)

// hubSendBuffer is the per-client outgoing buffer depth.
const hubSendBuffer = 256

// Client is one connected operator dashboard websocket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events.Bus activity out to every connected dashboard, using a
// register/unregister/broadcast loop with a drop-on-full-buffer
// backpressure policy.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
}

// NewHub constructs an idle Hub; call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, hubSendBuffer),
	}
}

// Run drives the hub's event loop until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// BroadcastJSON marshals msg and fans it out to every connected client.
func (h *Hub) BroadcastJSON(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// BroadcastTaskEvent pushes a task lifecycle event to every dashboard.
func (h *Hub) BroadcastTaskEvent(payload interface{}) {
	h.BroadcastJSON(types.WSMessage{Type: types.WSTypeTaskEvent, Data: payload})
}

// BroadcastWatcherEvent pushes a watcher notification.
func (h *Hub) BroadcastWatcherEvent(payload interface{}) {
	h.BroadcastJSON(types.WSMessage{Type: types.WSTypeWatcherEvent, Data: payload})
}

// BroadcastResponderHit pushes an auto-responder action.
func (h *Hub) BroadcastResponderHit(payload interface{}) {
	h.BroadcastJSON(types.WSMessage{Type: types.WSTypeResponderHit, Data: payload})
}

// BroadcastSessionUpdate pushes a dispatcher session-state change.
func (h *Hub) BroadcastSessionUpdate(payload interface{}) {
	h.BroadcastJSON(types.WSMessage{Type: types.WSTypeSessionUpdate, Data: payload})
}

// ClientCount reports the number of connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
