package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/visiblelabs/visible/internal/bus"
)

// Chat is the durable two-party messaging substream of an active session:
// send, delivery/read receipts, typing flags, reconnect history and the
// retention sweep.
type Chat struct {
	chats    ChatStorer
	sessions *Sessions
	bus      *bus.Bus
	push     PushNotifier

	sweepInterval time.Duration
}

func NewChat(chats ChatStorer, sessions *Sessions, b *bus.Bus, pushN PushNotifier, sweepInterval time.Duration) *Chat {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}

	return &Chat{
		chats:         chats,
		sessions:      sessions,
		bus:           b,
		push:          pushN,
		sweepInterval: sweepInterval,
	}
}

// Send persists a message and fans it out to the session group. Timestamp
// allocation goes through the session actor, so created_at is strictly
// monotonic per session.
func (c *Chat) Send(ctx context.Context, sessionID, senderID, text string) (*ChatMessage, error) {
	if text == "" {
		return nil, Validationf("message text is required")
	}

	var msg *ChatMessage
	var sess *WorkSession
	err := c.sessions.Serialize(sessionID, func() error {
		var err error
		sess, err = c.sessions.Get(ctx, sessionID, senderID)
		if err != nil {
			return err
		}
		if sess.State != SessionActive {
			return InvalidStatef("chat requires an active session")
		}

		created, err := c.chats.CreateMessage(ctx, ChatMessage{
			ID:         uuid.NewString(),
			SessionID:  sessionID,
			SenderID:   senderID,
			SenderRole: sess.RoleOf(senderID),
			Text:       text,
			Status:     MessageSent,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("store chat message: %w", err)
		}
		msg = created

		c.bus.Publish(bus.SessionGroup(sessionID), bus.Frame{
			Type: "chat_message",
			Data: map[string]any{
				"session_id":  sessionID,
				"message_id":  created.ID,
				"sender_type": string(created.SenderRole),
				"message":     created.Text,
				"status":      string(created.Status),
				"created_at":  created.CreatedAt.Format(time.RFC3339),
			},
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	// Push leaves the actor: it is best-effort I/O and must not hold the
	// session's serialization across the send timeout.
	c.push.ChatMessage(ctx, sess, msg)

	return msg, nil
}

// Ack advances a message on the delivery ladder. Only the recipient may ack;
// a lower or equal status is a no-op, so delivered-after-read never regresses
// the row.
func (c *Chat) Ack(ctx context.Context, messageID, ackerID string, status MessageStatus) error {
	if status != MessageDelivered && status != MessageRead {
		return Validationf("unknown ack status %q", status)
	}

	msg, err := c.chats.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return NotFoundf("message %s not found", messageID)
	}

	sess, err := c.sessions.Get(ctx, msg.SessionID, ackerID)
	if err != nil {
		return err
	}
	if msg.SenderID == ackerID {
		return Validationf("sender cannot acknowledge its own message")
	}

	if !status.Above(msg.Status) {
		return nil
	}

	now := time.Now().UTC()
	ok, err := c.chats.UpdateMessageStatus(ctx, messageID, status, now)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if !ok {
		return nil
	}

	c.bus.Publish(bus.UserGroup(msg.SenderID, string(msg.SenderRole)), bus.Frame{
		Type: "message_status_update",
		Data: map[string]any{
			"session_id": sess.ID,
			"message_id": messageID,
			"status":     string(status),
			"updated_at": now.Format(time.RFC3339),
		},
	})

	return nil
}

// Typing upserts the volatile typing flag and forwards the indicator to the
// counterparty.
func (c *Chat) Typing(ctx context.Context, sessionID, userID string, isTyping bool) error {
	sess, err := c.sessions.Get(ctx, sessionID, userID)
	if err != nil {
		return err
	}

	role := sess.RoleOf(userID)
	if err := c.chats.UpsertTyping(ctx, TypingFlag{
		SessionID:    sessionID,
		UserID:       userID,
		Role:         role,
		IsTyping:     isTyping,
		LastTypingAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("store typing flag: %w", err)
	}

	counterparty := sess.Counterparty(userID)
	counterRole := sess.RoleOf(counterparty)
	c.bus.Publish(bus.UserGroup(counterparty, string(counterRole)), bus.Frame{
		Type:  "typing_indicator",
		Lossy: true,
		Data: map[string]any{
			"session_id": sessionID,
			"user_type":  string(role),
			"is_typing":  isTyping,
		},
	})

	return nil
}

// History returns the session's messages in order for a reconnecting party.
func (c *Chat) History(ctx context.Context, sessionID, userID string) ([]ChatMessage, error) {
	sess, err := c.sessions.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.State != SessionActive {
		return nil, InvalidStatef("chat history requires an active session")
	}

	msgs, err := c.chats.ListSessionMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	return msgs, nil
}

// RunSweeper deletes expired messages on a fixed cadence until ctx ends.
func (c *Chat) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := c.chats.DeleteExpiredMessages(ctx, time.Now().UTC())
			if err != nil {
				slog.Error("chat sweep", "error", err)
				continue
			}
			if deleted > 0 {
				slog.Info("chat sweep removed expired messages", "count", deleted)
			}
		}
	}
}
