package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn serializes writes to one websocket connection: the registry's
// completion push and the read loop's replies are concurrent.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
}

// wsOutgoing is a control message to the client.
type wsOutgoing struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	slog.Info("websocket connected", "remoteAddr", raw.RemoteAddr())

	defer func() {
		s.registry.Unsubscribe(conn)
		raw.Close()
		slog.Info("websocket disconnected", "remoteAddr", raw.RemoteAddr())
	}()

	if err := conn.WriteJSON(wsOutgoing{
		Type:    "connection_established",
		Message: "WebSocket connection successful",
	}); err != nil {
		return
	}

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("websocket read error", "error", err)
			}
			return
		}

		var msg wsIncoming
		// A malformed frame is answered, not fatal; the connection stays up.
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "subscribe" || msg.JobID == "" {
			conn.WriteJSON(wsOutgoing{Type: "error", Message: "Invalid message format"})
			continue
		}

		s.registry.Subscribe(msg.JobID, conn)
		conn.WriteJSON(wsOutgoing{
			Type:    "subscription_confirmed",
			JobID:   msg.JobID,
			Message: "Successfully subscribed to job updates",
		})
	}
}
