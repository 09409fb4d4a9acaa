package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/visiblelabs/visible/internal/service"
)

var orderColumns = []any{
	"id", "seeker_id", "provider_id", "service_type",
	"main_category_code", "sub_category_code", "message", "schedule",
	"seeker_latitude", "seeker_longitude", "provider_latitude", "provider_longitude",
	"distance_km", "status", "fcm_sent", "ws_sent",
	"created_at", "response_time", "completion_time",
}

func scanOrder(scan func(dest ...any) error) (*service.WorkOrder, error) {
	var o service.WorkOrder
	var schedule []byte

	err := scan(
		&o.ID, &o.SeekerID, &o.ProviderID, &o.ServiceType,
		&o.MainCategory, &o.SubCategory, &o.Message, &schedule,
		&o.SeekerLat, &o.SeekerLng, &o.ProviderLat, &o.ProviderLng,
		&o.DistanceKm, &o.Status, &o.FCMSent, &o.WSSent,
		&o.CreatedAt, &o.ResponseTime, &o.CompletionTime,
	)
	if err != nil {
		return nil, err
	}

	if len(schedule) > 0 {
		o.Schedule = json.RawMessage(schedule)
	}

	return &o, nil
}

func (p *Postgres) CreateWorkOrder(ctx context.Context, order service.WorkOrder) (*service.WorkOrder, error) {
	var schedule any
	if len(order.Schedule) > 0 {
		schedule = []byte(order.Schedule)
	}

	query, _, err := p.goqu.Insert(p.tableWorkOrders).Rows(
		goqu.Record{
			"id":                 order.ID,
			"seeker_id":          order.SeekerID,
			"provider_id":        order.ProviderID,
			"service_type":       order.ServiceType,
			"main_category_code": order.MainCategory,
			"sub_category_code":  order.SubCategory,
			"message":            order.Message,
			"schedule":           schedule,
			"seeker_latitude":    order.SeekerLat,
			"seeker_longitude":   order.SeekerLng,
			"provider_latitude":  order.ProviderLat,
			"provider_longitude": order.ProviderLng,
			"distance_km":        order.DistanceKm,
			"status":             string(order.Status),
			"fcm_sent":           order.FCMSent,
			"ws_sent":            order.WSSent,
			"created_at":         order.CreatedAt,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create work order: %w", err)
	}

	return &order, nil
}

func (p *Postgres) GetWorkOrder(ctx context.Context, id string) (*service.WorkOrder, error) {
	query, _, err := p.goqu.From(p.tableWorkOrders).
		Select(orderColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	order, err := scanOrder(p.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get work order %q: %w", id, err)
	}

	return order, nil
}

func (p *Postgres) HasPendingOrder(ctx context.Context, seekerID, providerID string) (bool, error) {
	query, _, err := p.goqu.From(p.tableWorkOrders).
		Select(goqu.COUNT("*")).
		Where(
			goqu.I("seeker_id").Eq(seekerID),
			goqu.I("provider_id").Eq(providerID),
			goqu.I("status").Eq(string(service.OrderPending)),
		).ToSQL()
	if err != nil {
		return false, fmt.Errorf("build count query: %w", err)
	}

	var count int
	if err := p.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return false, fmt.Errorf("count pending orders: %w", err)
	}

	return count > 0, nil
}

func (p *Postgres) UpdateWorkOrderStatus(ctx context.Context, id string, from, to service.OrderStatus, at time.Time) (bool, error) {
	record := goqu.Record{"status": string(to)}
	switch to {
	case service.OrderAccepted, service.OrderRejected:
		record["response_time"] = at
	case service.OrderCompleted:
		record["completion_time"] = at
	}

	query, _, err := p.goqu.Update(p.tableWorkOrders).Set(record).
		Where(
			goqu.I("id").Eq(id),
			goqu.I("status").Eq(string(from)),
		).ToSQL()
	if err != nil {
		return false, fmt.Errorf("build update query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return false, fmt.Errorf("update order status %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	return affected > 0, nil
}

func (p *Postgres) SetOrderDispatchFlags(ctx context.Context, id string, fcmSent, wsSent bool) error {
	query, _, err := p.goqu.Update(p.tableWorkOrders).Set(
		goqu.Record{"fcm_sent": fcmSent, "ws_sent": wsSent},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("set dispatch flags %q: %w", id, err)
	}

	return nil
}

func (p *Postgres) ListWorkOrders(ctx context.Context, userID string, role service.Role, status service.OrderStatus, limit, offset int) ([]service.WorkOrder, int, error) {
	var owner goqu.Expression
	switch role {
	case service.RoleProvider:
		owner = goqu.I("provider_id").Eq(userID)
	default:
		owner = goqu.I("seeker_id").Eq(userID)
	}

	where := []goqu.Expression{owner}
	if status != "" {
		where = append(where, goqu.I("status").Eq(string(status)))
	}

	countQuery, _, err := p.goqu.From(p.tableWorkOrders).
		Select(goqu.COUNT("*")).
		Where(where...).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count work orders: %w", err)
	}

	query, _, err := p.goqu.From(p.tableWorkOrders).
		Select(orderColumns...).
		Where(where...).
		Order(goqu.I("created_at").Desc()).
		Limit(uint(limit)).
		Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("list work orders: %w", err)
	}
	defer rows.Close()

	var result []service.WorkOrder
	for rows.Next() {
		order, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan work order row: %w", err)
		}
		result = append(result, *order)
	}

	return result, total, rows.Err()
}

// ─── Dashboard ───

func (p *Postgres) CountOrdersByStatus(ctx context.Context, providerID string) (map[service.OrderStatus]int, error) {
	query, _, err := p.goqu.From(p.tableWorkOrders).
		Select("status", goqu.COUNT("*")).
		Where(goqu.I("provider_id").Eq(providerID)).
		GroupBy("status").
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build count query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count orders by status: %w", err)
	}
	defer rows.Close()

	result := make(map[service.OrderStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		result[service.OrderStatus(status)] = count
	}

	return result, rows.Err()
}

func (p *Postgres) ProviderRating(ctx context.Context, providerID string) (*float64, int, error) {
	query, _, err := p.goqu.From(p.tableWorkSessions).
		Select(goqu.AVG("rating_stars"), goqu.COUNT("rating_stars")).
		Where(
			goqu.I("provider_id").Eq(providerID),
			goqu.I("rating_stars").IsNotNull(),
		).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build rating query: %w", err)
	}

	var avg sql.NullFloat64
	var count int
	if err := p.db.QueryRowContext(ctx, query).Scan(&avg, &count); err != nil {
		return nil, 0, fmt.Errorf("provider rating %q: %w", providerID, err)
	}

	if !avg.Valid {
		return nil, 0, nil
	}

	return &avg.Float64, count, nil
}
