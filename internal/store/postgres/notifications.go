package postgres

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/visiblelabs/visible/internal/service"
)

func (p *Postgres) AppendNotification(ctx context.Context, log service.NotificationLog) error {
	query, _, err := p.goqu.Insert(p.tableNotifications).Rows(
		goqu.Record{
			"id":            log.ID,
			"work_order_id": log.WorkOrderID,
			"recipient_id":  log.RecipientID,
			"kind":          string(log.Kind),
			"transport":     string(log.Transport),
			"status":        string(log.Status),
			"external_id":   log.ExternalID,
			"error":         log.Error,
			"sent_at":       log.SentAt,
			"delivered_at":  log.DeliveredAt,
			"created_at":    log.CreatedAt,
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("append notification: %w", err)
	}

	return nil
}
