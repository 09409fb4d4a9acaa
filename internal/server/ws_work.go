package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/visiblelabs/visible/internal/bus"
	"github.com/visiblelabs/visible/internal/service"
)

type workResponsePayload struct {
	WorkID   string `json:"work_id"`
	Accepted bool   `json:"accepted"`
}

type locationUpdatePayload struct {
	SessionID string  `json:"session_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type mediumSelectionPayload struct {
	SessionID string            `json:"session_id"`
	Mediums   map[string]string `json:"mediums"`
}

type sessionRefPayload struct {
	SessionID string `json:"session_id"`
}

type chatMessagePayload struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type messageAckPayload struct {
	MessageID string `json:"message_id"`
}

type typingPayload struct {
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

type finishServicePayload struct {
	SessionID  string `json:"session_id"`
	Rating     *int   `json:"rating,omitempty"`
	RatingText string `json:"rating_description,omitempty"`
}

// WorkSocket serves /ws/work/{provider|seeker}/, the session channel: the
// assignment handshake, location streams, mediums, chat and termination.
func (s *Server) WorkSocket(role service.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := s.upgradeAuthenticated(w, r, role)
		if c == nil {
			return
		}
		defer c.close(s.bus)

		go c.runWriter()

		ctx := r.Context()

		// Rehydrate: a party reconnecting into a live session rejoins its
		// group and replays chat history.
		if sess, err := s.sessions.ActiveForUser(ctx, c.userID); err == nil && sess != nil {
			s.joinSession(ctx, c, sess)
			if sess.State == service.SessionActive {
				s.sendChatHistory(ctx, c, sess.ID)
			}
		}

		for {
			_, raw, err := c.conn.ReadMessage()
			if err != nil {
				s.detachSession(ctx, c)
				return
			}

			var frame inboundFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				c.writeError("malformed frame")
				continue
			}

			switch frame.Type {
			case "ping":
				_ = c.writeJSON(map[string]any{"type": "pong"})

			case "work_response":
				if role != service.RoleProvider {
					c.writeError("work_response is a provider frame")
					continue
				}
				s.handleWorkResponse(ctx, c, raw)

			case "location_update":
				s.handleLocationUpdate(ctx, c, raw)

			case "medium_selection":
				s.handleMediumSelection(ctx, c, raw)

			case "start_chat":
				s.handleStartChat(ctx, c, raw)

			case "chat_message":
				s.handleChatMessage(ctx, c, raw)

			case "message_delivered":
				s.handleMessageAck(ctx, c, raw, service.MessageDelivered)

			case "message_read":
				s.handleMessageAck(ctx, c, raw, service.MessageRead)

			case "typing_indicator":
				s.handleTyping(ctx, c, raw)

			case "request_chat_history":
				s.handleChatHistoryRequest(ctx, c, raw)

			case "cancel_connection":
				s.handleCancel(ctx, c, raw)

			case "finish_service":
				if role != service.RoleSeeker {
					c.writeError("finish_service is a seeker frame")
					continue
				}
				s.handleFinish(ctx, c, raw)

			default:
				c.writeError("unknown frame type " + frame.Type)
			}
		}
	}
}

// joinSession subscribes the connection to the session group. Joining twice
// is harmless.
func (s *Server) joinSession(ctx context.Context, c *wsClient, sess *service.WorkSession) {
	s.bus.Join(c.sub, bus.SessionGroup(sess.ID))
	s.sessions.Attach(ctx, sess, c.userID)
}

func (s *Server) detachSession(ctx context.Context, c *wsClient) {
	if sess, err := s.sessions.ActiveForUser(ctx, c.userID); err == nil && sess != nil {
		s.sessions.Detach(sess, c.userID)
	}
}

func (s *Server) sendChatHistory(ctx context.Context, c *wsClient, sessionID string) {
	history, err := s.chat.History(ctx, sessionID, c.userID)
	if err != nil {
		return
	}
	_ = c.writeJSON(map[string]any{
		"type":       "chat_history_loaded",
		"session_id": sessionID,
		"messages":   history,
	})
}

func (s *Server) handleWorkResponse(ctx context.Context, c *wsClient, raw []byte) {
	var p workResponsePayload
	if err := decodePayload(raw, &p); err != nil {
		c.writeError(err.Error())
		return
	}

	result, err := s.orders.Respond(ctx, c.userID, p.WorkID, p.Accepted)
	if err != nil {
		c.writeServiceError(err)
		return
	}

	if result.Session != nil {
		s.joinSession(ctx, c, result.Session)
	}
}

func (s *Server) handleLocationUpdate(ctx context.Context, c *wsClient, raw []byte) {
	var p locationUpdatePayload
	if err := decodePayload(raw, &p); err != nil {
		c.writeError(err.Error())
		return
	}

	if err := s.sessions.UpdateLocation(ctx, p.SessionID, c.userID, p.Latitude, p.Longitude); err != nil {
		c.writeServiceError(err)
		return
	}
	s.bus.Join(c.sub, bus.SessionGroup(p.SessionID))
}

func (s *Server) handleMediumSelection(ctx context.Context, c *wsClient, raw []byte) {
	var p mediumSelectionPayload
	if err := decodePayload(raw, &p); err != nil {
		c.writeError(err.Error())
		return
	}

	sess, err := s.sessions.SelectMediums(ctx, p.SessionID, c.userID, p.Mediums)
	if err != nil {
		c.writeServiceError(err)
		return
	}
	s.bus.Join(c.sub, bus.SessionGroup(sess.ID))
}

func (s *Server) handleStartChat(ctx context.Context, c *wsClient, raw []byte) {
	var p sessionRefPayload
	if err := decodePayload(raw, &p); err != nil {
		c.writeError(err.Error())
		return
	}

	if _, err := s.sessions.StartChat(ctx, p.SessionID, c.userID); err != nil {
		c.writeServiceError(err)
	}
}

func (s *Server) handleChatMessage(ctx context.Context, c *wsClient, raw []byte) {
	var p chatMessagePayload
	if err := decodePayload(raw, &p); err != nil {
		c.writeError(err.Error())
		return
	}

	msg, err := s.chat.Send(ctx, p.SessionID, c.userID, p.Message)
	if err != nil {
		c.writeServiceError(err)
		return
	}

	// Sender echo with the allocated id.
	_ = c.writeJSON(map[string]any{
		"type":       "message_sent",
		"session_id": p.SessionID,
		"message_id": msg.ID,
		"status":     string(msg.Status),
		"created_at": msg.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleMessageAck(ctx context.Context, c *wsClient, raw []byte, status service.MessageStatus) {
	var p messageAckPayload
	if err := decodePayload(raw, &p); err != nil {
		c.writeError(err.Error())
		return
	}

	if err := s.chat.Ack(ctx, p.MessageID, c.userID, status); err != nil {
		c.writeServiceError(err)
	}
}

func (s *Server) handleTyping(ctx context.Context, c *wsClient, raw []byte) {
	var p typingPayload
	if err := decodePayload(raw, &p); err != nil {
		c.writeError(err.Error())
		return
	}

	if err := s.chat.Typing(ctx, p.SessionID, c.userID, p.IsTyping); err != nil {
		c.writeServiceError(err)
	}
}

func (s *Server) handleChatHistoryRequest(ctx context.Context, c *wsClient, raw []byte) {
	var p sessionRefPayload
	if err := decodePayload(raw, &p); err != nil {
		c.writeError(err.Error())
		return
	}

	history, err := s.chat.History(ctx, p.SessionID, c.userID)
	if err != nil {
		c.writeServiceError(err)
		return
	}

	_ = c.writeJSON(map[string]any{
		"type":       "chat_history_loaded",
		"session_id": p.SessionID,
		"messages":   history,
	})
}

func (s *Server) handleCancel(ctx context.Context, c *wsClient, raw []byte) {
	var p sessionRefPayload
	if err := decodePayload(raw, &p); err != nil {
		c.writeError(err.Error())
		return
	}

	if _, err := s.sessions.Cancel(ctx, p.SessionID, c.userID); err != nil {
		c.writeServiceError(err)
	}
}

func (s *Server) handleFinish(ctx context.Context, c *wsClient, raw []byte) {
	var p finishServicePayload
	if err := decodePayload(raw, &p); err != nil {
		c.writeError(err.Error())
		return
	}

	if _, err := s.sessions.Complete(ctx, p.SessionID, c.userID, p.Rating, p.RatingText); err != nil {
		c.writeServiceError(err)
	}
}
