// Package ws streams normalized log entries to WebSocket clients.
package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID    string
	SimID string
	Conn  *websocket.Conn
	Send  chan []byte
	mu    sync.Mutex
}

// Hub manages all WebSocket connections, indexed by the simulation
// each connection is subscribed to.
type Hub struct {
	connections map[string]*Connection

	// subscriptions maps simID to set of connection IDs
	subscriptions map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *simMessage
	done       chan struct{}

	mu sync.RWMutex
}

type simMessage struct {
	SimID string
	Data  []byte
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		connections:   make(map[string]*Connection),
		subscriptions: make(map[string]map[string]bool),
		register:      make(chan *Connection),
		unregister:    make(chan *Connection),
		broadcast:     make(chan *simMessage, 256),
		done:          make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns when Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if conn.SimID != "" {
				if h.subscriptions[conn.SimID] == nil {
					h.subscriptions[conn.SimID] = make(map[string]bool)
				}
				h.subscriptions[conn.SimID][conn.ID] = true
			}
			h.mu.Unlock()
			log.Printf("Connection registered: %s (sim: %s)", conn.ID, conn.SimID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				if conn.SimID != "" && h.subscriptions[conn.SimID] != nil {
					delete(h.subscriptions[conn.SimID], conn.ID)
					if len(h.subscriptions[conn.SimID]) == 0 {
						delete(h.subscriptions, conn.SimID)
					}
				}
				close(conn.Send)
			}
			h.mu.Unlock()
			log.Printf("Connection unregistered: %s", conn.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			if connIDs, ok := h.subscriptions[msg.SimID]; ok {
				for connID := range connIDs {
					if conn, exists := h.connections[connID]; exists {
						select {
						case conn.Send <- msg.Data:
						default:
							// Buffer full, close the connection
							log.Printf("Connection %s buffer full, closing", connID)
							go h.Unregister(conn)
						}
					}
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			return
		}
	}
}

// Stop terminates the hub's main loop.
func (h *Hub) Stop() {
	close(h.done)
}

// NewConnection creates a new connection owned by the hub.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, 256),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// Subscribe binds a connection to a simulation's entry feed.
func (h *Hub) Subscribe(conn *Connection, simID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.SimID != "" && h.subscriptions[conn.SimID] != nil {
		delete(h.subscriptions[conn.SimID], conn.ID)
		if len(h.subscriptions[conn.SimID]) == 0 {
			delete(h.subscriptions, conn.SimID)
		}
	}

	conn.SimID = simID
	if h.subscriptions[simID] == nil {
		h.subscriptions[simID] = make(map[string]bool)
	}
	h.subscriptions[simID][conn.ID] = true
}

// Broadcast sends a message to all connections subscribed to a simulation.
func (h *Hub) Broadcast(simID string, data []byte) {
	select {
	case h.broadcast <- &simMessage{SimID: simID, Data: data}:
	case <-h.done:
	}
}

// BroadcastJSON sends a JSON message to all connections subscribed to a simulation.
func (h *Hub) BroadcastJSON(simID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(simID, data)
	return nil
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HasSubscribers checks if a simulation has any subscribed connections.
func (h *Hub) HasSubscribers(simID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connIDs, ok := h.subscriptions[simID]
	return ok && len(connIDs) > 0
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a full send buffer.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}
