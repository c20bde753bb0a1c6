package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mirrorstage/simdeck/internal/domain"
)

const (
	writeTimeout   = 10 * time.Second
	readTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4096
)

// Message types exchanged with clients.
const (
	TypeSubscribe   = "subscribe"
	TypeSubscribed  = "subscribed"
	TypeLogEntries  = "log_entries"
	TypeErrorNotice = "error"
)

type clientMessage struct {
	Type  string `json:"type"`
	SimID string `json:"simId"`
}

type subscribedMessage struct {
	Type  string `json:"type"`
	SimID string `json:"simId"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EntriesMessage pushes a batch of normalized log entries for one node.
type EntriesMessage struct {
	Type    string            `json:"type"`
	SimID   string            `json:"simId"`
	NodeID  string            `json:"nodeId"`
	Entries []domain.LogEntry `json:"entries"`
}

// Server handles WebSocket upgrades and the subscribe protocol.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server backed by hub.
func NewServer(h *Hub) *Server {
	return &Server{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Control panel runs same-host; allow all origins
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	if simID := c.QueryParam("simId"); simID != "" {
		conn.SimID = simID
	}
	s.hub.Register(conn)

	ws.SetReadLimit(maxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads subscribe messages from the connection.
func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump drains the send channel and keeps the connection alive with pings.
func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(conn *Connection, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "invalid JSON message")
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		if msg.SimID == "" {
			s.sendError(conn, "simId is required")
			return
		}
		s.hub.Subscribe(conn, msg.SimID)
		s.hub.SendJSONToConnection(conn, subscribedMessage{Type: TypeSubscribed, SimID: msg.SimID})
	default:
		s.sendError(conn, "unknown message type: "+msg.Type)
	}
}

func (s *Server) sendError(conn *Connection, message string) {
	s.hub.SendJSONToConnection(conn, errorMessage{Type: TypeErrorNotice, Message: message})
}

// BroadcastEntries pushes a batch of normalized entries to every
// connection subscribed to the simulation.
func (s *Server) BroadcastEntries(simID, nodeID string, entries []domain.LogEntry) {
	if len(entries) == 0 {
		return
	}
	if err := s.hub.BroadcastJSON(simID, EntriesMessage{
		Type:    TypeLogEntries,
		SimID:   simID,
		NodeID:  nodeID,
		Entries: entries,
	}); err != nil {
		log.Printf("ERROR: failed to broadcast entries for %s: %v", simID, err)
	}
}
