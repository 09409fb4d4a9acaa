package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/visiblelabs/visible/internal/bus"
	"github.com/visiblelabs/visible/internal/service"
)

// Close codes surfaced to websocket clients.
const (
	closeUnexpected   = 4000
	closeUnauthorized = 4001
)

// subscriberBuffer bounds per-connection outbound queueing. Lossy frames are
// dropped past this point; a lossless overflow closes the connection.
const subscriberBuffer = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundFrame is the envelope every client frame must carry. Payload fields
// are decoded per type from the raw bytes.
type inboundFrame struct {
	Type string `json:"type"`
}

// wsClient is one authenticated gateway connection.
type wsClient struct {
	conn    *websocket.Conn
	sub     *bus.Subscriber
	userID  string
	role    service.Role
	writeMu sync.Mutex // serializes writes to the websocket.Conn
}

// upgradeAuthenticated performs the websocket handshake and resolves the
// bearer token. Anonymous or mismatched connections are closed with 4001.
// The returned client is already joined to its user group.
func (s *Server) upgradeAuthenticated(w http.ResponseWriter, r *http.Request, role service.Role) *wsClient {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return nil
	}
	conn.SetReadLimit(1 << 20) // 1 MiB

	token := bearerToken(r)
	if token == "" {
		closeConn(conn, closeUnauthorized, "missing token")
		return nil
	}

	userID, err := s.validateToken(token)
	if err != nil {
		closeConn(conn, closeUnauthorized, "invalid token")
		return nil
	}

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		closeConn(conn, closeUnauthorized, "unknown user")
		return nil
	}
	if user.Role != role {
		closeConn(conn, closeUnauthorized, "role mismatch")
		return nil
	}

	c := &wsClient{
		conn:   conn,
		sub:    s.bus.Subscribe(subscriberBuffer),
		userID: userID,
		role:   role,
	}
	s.bus.Join(c.sub, bus.UserGroup(userID, string(role)))

	slog.Debug("ws connected", "user_id", userID, "role", role, "path", r.URL.Path)

	return c
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// writeJSON serializes one frame onto the socket.
func (c *wsClient) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// writeFrame renders a bus frame as the wire envelope: the type discriminator
// merged with the payload fields.
func (c *wsClient) writeFrame(f bus.Frame) error {
	payload := make(map[string]any, len(f.Data)+1)
	payload["type"] = f.Type
	for k, v := range f.Data {
		payload[k] = v
	}
	return c.writeJSON(payload)
}

// writeError emits an inline error frame; the connection stays open.
func (c *wsClient) writeError(msg string) {
	_ = c.writeJSON(map[string]any{"type": "error", "message": msg})
}

// writeServiceError maps a domain error onto the socket: expected kinds
// become inline error frames, anything else closes with 4000.
func (c *wsClient) writeServiceError(err error) bool {
	switch service.KindOf(err) {
	case service.KindValidation, service.KindInvalidState, service.KindNotFound:
		c.writeError(err.Error())
		return true
	case service.KindAuth:
		closeConn(c.conn, closeUnauthorized, "unauthorized")
		return false
	default:
		slog.Error("ws operation failed", "user_id", c.userID, "error", err)
		closeConn(c.conn, closeUnexpected, "internal error")
		return false
	}
}

// close detaches from the bus and shuts the socket.
func (c *wsClient) close(b *bus.Bus) {
	b.Unsubscribe(c.sub)
	c.writeMu.Lock()
	_ = c.conn.Close()
	c.writeMu.Unlock()
}

// runWriter pumps bus frames onto the socket until the subscriber channel
// closes. Returning from here means the connection is done: a lossless frame
// overflowed, the client was unsubscribed, or a write failed.
//
// A connection_cancelled frame addressed to the counterparty of the
// cancelling user closes the socket after delivery, per the session
// cancellation contract.
func (c *wsClient) runWriter() {
	for f := range c.sub.C() {
		if err := c.writeFrame(f); err != nil {
			return
		}

		if f.Type == "connection_cancelled" {
			if by, _ := f.Data["cancelled_by"].(string); by != string(c.role) {
				closeConn(c.conn, websocket.CloseNormalClosure, "session cancelled")
				return
			}
		}
	}
	// Subscriber closed under us: force a reconnect so the client can
	// re-fetch state.
	closeConn(c.conn, closeUnexpected, "resubscribe required")
}

// decodePayload re-parses the raw frame bytes into a per-type payload struct.
func decodePayload(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return service.Validationf("malformed frame payload")
	}
	return nil
}
