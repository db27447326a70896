// Package hub fans events out to WebSocket subscribers.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xiaot623/fleet/internal/domain"
)

// Connection represents a single WebSocket subscriber.
type Connection struct {
	ID     string
	Server string // empty subscribes to every server
	Conn   *websocket.Conn
	Send   chan []byte
	mu     sync.Mutex
}

// Matches reports whether ev passes the connection's filter.
func (c *Connection) Matches(ev domain.Event) bool {
	return c.Server == "" || c.Server == ev.Server
}

// Hub manages all subscriber connections.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan domain.Event
	done       chan struct{}

	log *zap.Logger
	mu  sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan domain.Event, 256),
		done:        make(chan struct{}),
		log:         logger.Named("hub"),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			h.log.Info("subscriber registered", zap.String("conn", conn.ID), zap.String("server", conn.Server))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				close(conn.Send)
			}
			h.mu.Unlock()
			h.log.Info("subscriber unregistered", zap.String("conn", conn.ID))

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("cannot encode event", zap.String("command", ev.Command), zap.Error(err))
				continue
			}
			h.mu.Lock()
			for id, conn := range h.connections {
				if !conn.Matches(ev) {
					continue
				}
				select {
				case conn.Send <- data:
				default:
					// Buffer full, drop the subscriber
					h.log.Warn("subscriber buffer full, closing", zap.String("conn", id))
					delete(h.connections, id)
					close(conn.Send)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.connections {
		delete(h.connections, id)
		close(conn.Send)
	}
}

// NewConnection creates a connection; register it with Register.
func (h *Hub) NewConnection(ws *websocket.Conn, server string) *Connection {
	return &Connection{
		ID:     uuid.New().String(),
		Server: server,
		Conn:   ws,
		Send:   make(chan []byte, 256),
	}
}

// Register registers a connection with the hub. It reports false once the
// hub has stopped.
func (h *Hub) Register(conn *Connection) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		return false
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Publish queues an event for every matching subscriber. It drops the event
// when the hub is backed up.
func (h *Hub) Publish(ev domain.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("hub backlog full, dropping event", zap.String("command", ev.Command))
	}
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
