package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mirrorstage/simdeck/internal/domain"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *Hub) {
	t.Helper()
	h := NewHub()
	go h.Run()
	t.Cleanup(h.Stop)

	srv := NewServer(h)
	e := echo.New()
	e.GET("/ws", srv.HandleWebSocket)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return srv, ts, h
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, out interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
}

func TestSubscribeAck(t *testing.T) {
	_, ts, _ := newTestServer(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(clientMessage{Type: TypeSubscribe, SimID: "sim_abc"}); err != nil {
		t.Fatalf("failed to write subscribe: %v", err)
	}

	var ack subscribedMessage
	readJSON(t, conn, &ack)
	if ack.Type != TypeSubscribed {
		t.Errorf("expected type %q, got %q", TypeSubscribed, ack.Type)
	}
	if ack.SimID != "sim_abc" {
		t.Errorf("expected simId sim_abc, got %q", ack.SimID)
	}
}

func TestBroadcastEntriesReachesSubscriber(t *testing.T) {
	srv, ts, hub := newTestServer(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(clientMessage{Type: TypeSubscribe, SimID: "sim_abc"}); err != nil {
		t.Fatalf("failed to write subscribe: %v", err)
	}
	var ack subscribedMessage
	readJSON(t, conn, &ack)

	// Subscription is visible once the ack arrives.
	if !hub.HasSubscribers("sim_abc") {
		t.Fatal("expected sim_abc to have subscribers")
	}

	entries := []domain.LogEntry{
		{ID: "log_1", NodeID: "node_3", Type: domain.EntryAgentSay, AgentName: "Alice", Content: "hello there"},
	}
	srv.BroadcastEntries("sim_abc", "node_3", entries)

	var msg EntriesMessage
	readJSON(t, conn, &msg)
	if msg.Type != TypeLogEntries {
		t.Errorf("expected type %q, got %q", TypeLogEntries, msg.Type)
	}
	if msg.NodeID != "node_3" {
		t.Errorf("expected nodeId node_3, got %q", msg.NodeID)
	}
	if len(msg.Entries) != 1 || msg.Entries[0].Content != "hello there" {
		t.Errorf("unexpected entries payload: %+v", msg.Entries)
	}
}

func TestUnknownMessageType(t *testing.T) {
	_, ts, _ := newTestServer(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(clientMessage{Type: "bogus"}); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}

	var msg errorMessage
	readJSON(t, conn, &msg)
	if msg.Type != TypeErrorNotice {
		t.Errorf("expected error message, got %q", msg.Type)
	}
}

func TestBroadcastSkipsOtherSimulations(t *testing.T) {
	srv, ts, _ := newTestServer(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(clientMessage{Type: TypeSubscribe, SimID: "sim_abc"}); err != nil {
		t.Fatalf("failed to write subscribe: %v", err)
	}
	var ack subscribedMessage
	readJSON(t, conn, &ack)

	srv.BroadcastEntries("sim_other", "node_1", []domain.LogEntry{{ID: "log_1"}})

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected no message for unrelated simulation")
	}
}
