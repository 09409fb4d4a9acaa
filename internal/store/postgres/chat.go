package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/visiblelabs/visible/internal/service"
)

var messageColumns = []any{
	"id", "session_id", "sender_id", "sender_role", "message",
	"status", "delivered_at", "read_at", "created_at", "expires_at",
}

func scanMessage(scan func(dest ...any) error) (*service.ChatMessage, error) {
	var m service.ChatMessage
	err := scan(
		&m.ID, &m.SessionID, &m.SenderID, &m.SenderRole, &m.Text,
		&m.Status, &m.DeliveredAt, &m.ReadAt, &m.CreatedAt, &m.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *Postgres) CreateMessage(ctx context.Context, msg service.ChatMessage) (*service.ChatMessage, error) {
	query, _, err := p.goqu.Insert(p.tableChatMessages).Rows(
		goqu.Record{
			"id":          msg.ID,
			"session_id":  msg.SessionID,
			"sender_id":   msg.SenderID,
			"sender_role": string(msg.SenderRole),
			"message":     msg.Text,
			"status":      string(msg.Status),
			"created_at":  msg.CreatedAt,
			"expires_at":  msg.ExpiresAt,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create chat message: %w", err)
	}

	return &msg, nil
}

func (p *Postgres) GetMessage(ctx context.Context, id string) (*service.ChatMessage, error) {
	query, _, err := p.goqu.From(p.tableChatMessages).
		Select(messageColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	msg, err := scanMessage(p.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat message %q: %w", id, err)
	}

	return msg, nil
}

func (p *Postgres) UpdateMessageStatus(ctx context.Context, id string, status service.MessageStatus, at time.Time) (bool, error) {
	record := goqu.Record{"status": string(status)}

	// The guard keeps acks monotonic: delivered only advances sent, read
	// advances sent or delivered.
	var fromStatuses []string
	switch status {
	case service.MessageDelivered:
		record["delivered_at"] = at
		fromStatuses = []string{string(service.MessageSent)}
	case service.MessageRead:
		record["read_at"] = at
		fromStatuses = []string{string(service.MessageSent), string(service.MessageDelivered)}
	default:
		return false, fmt.Errorf("unsupported status transition to %q", status)
	}

	query, _, err := p.goqu.Update(p.tableChatMessages).Set(record).
		Where(
			goqu.I("id").Eq(id),
			goqu.I("status").In(fromStatuses),
		).ToSQL()
	if err != nil {
		return false, fmt.Errorf("build update query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return false, fmt.Errorf("update message status %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	return affected > 0, nil
}

func (p *Postgres) ListSessionMessages(ctx context.Context, sessionID string) ([]service.ChatMessage, error) {
	query, _, err := p.goqu.From(p.tableChatMessages).
		Select(messageColumns...).
		Where(goqu.I("session_id").Eq(sessionID)).
		Order(goqu.I("created_at").Asc(), goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list session messages: %w", err)
	}
	defer rows.Close()

	var result []service.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan chat message row: %w", err)
		}
		result = append(result, *msg)
	}

	return result, rows.Err()
}

func (p *Postgres) SetSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	query, _, err := p.goqu.Update(p.tableChatMessages).Set(
		goqu.Record{"expires_at": expiresAt},
	).Where(goqu.I("session_id").Eq(sessionID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("set session expiry %q: %w", sessionID, err)
	}

	return nil
}

func (p *Postgres) DeleteExpiredMessages(ctx context.Context, now time.Time) (int64, error) {
	query, _, err := p.goqu.Delete(p.tableChatMessages).
		Where(
			goqu.I("expires_at").IsNotNull(),
			goqu.I("expires_at").Lte(now),
		).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build delete query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return deleted, nil
}

func (p *Postgres) UpsertTyping(ctx context.Context, flag service.TypingFlag) error {
	query, _, err := p.goqu.Insert(p.tableTypingFlags).Rows(
		goqu.Record{
			"session_id":     flag.SessionID,
			"user_id":        flag.UserID,
			"role":           string(flag.Role),
			"is_typing":      flag.IsTyping,
			"last_typing_at": flag.LastTypingAt,
		},
	).OnConflict(goqu.DoUpdate("session_id, user_id", goqu.Record{
		"is_typing":      flag.IsTyping,
		"last_typing_at": flag.LastTypingAt,
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("upsert typing flag: %w", err)
	}

	return nil
}
