package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/visiblelabs/visible/internal/crypto"
	"github.com/visiblelabs/visible/internal/service"
)

var sessionColumns = []any{
	"id", "work_order_id", "state", "seeker_id", "provider_id",
	"seeker_latitude", "seeker_longitude", "seeker_location_at",
	"provider_latitude", "provider_longitude", "provider_location_at",
	"distance_meters", "last_distance_at",
	"seeker_mediums", "provider_mediums", "mediums_shared_at",
	"chat_started_at", "cancelled_by", "cancelled_at", "completed_at",
	"rating_stars", "rating_text", "created_at",
}

func (p *Postgres) scanSession(scan func(dest ...any) error) (*service.WorkSession, error) {
	var s service.WorkSession
	var seekerMediums, providerMediums []byte

	err := scan(
		&s.ID, &s.WorkOrderID, &s.State, &s.SeekerID, &s.ProviderID,
		&s.SeekerLat, &s.SeekerLng, &s.SeekerLocAt,
		&s.ProviderLat, &s.ProviderLng, &s.ProviderLocAt,
		&s.DistanceMeters, &s.LastDistanceAt,
		&seekerMediums, &providerMediums, &s.MediumsSharedAt,
		&s.ChatStartedAt, &s.CancelledBy, &s.CancelledAt, &s.CompletedAt,
		&s.RatingStars, &s.RatingText, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(seekerMediums, &s.SeekerMediums); err != nil {
		return nil, fmt.Errorf("unmarshal seeker mediums: %w", err)
	}
	if err := json.Unmarshal(providerMediums, &s.ProviderMediums); err != nil {
		return nil, fmt.Errorf("unmarshal provider mediums: %w", err)
	}

	s.SeekerMediums, err = crypto.DecryptMediums(s.SeekerMediums, p.encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt seeker mediums: %w", err)
	}
	s.ProviderMediums, err = crypto.DecryptMediums(s.ProviderMediums, p.encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt provider mediums: %w", err)
	}

	return &s, nil
}

func (p *Postgres) mediumsJSON(mediums map[string]string) ([]byte, error) {
	if mediums == nil {
		mediums = map[string]string{}
	}

	enc, err := crypto.EncryptMediums(mediums, p.encKey)
	if err != nil {
		return nil, err
	}

	return json.Marshal(enc)
}

func (p *Postgres) CreateSession(ctx context.Context, session service.WorkSession) (*service.WorkSession, error) {
	seekerMediums, err := p.mediumsJSON(session.SeekerMediums)
	if err != nil {
		return nil, fmt.Errorf("encode seeker mediums: %w", err)
	}
	providerMediums, err := p.mediumsJSON(session.ProviderMediums)
	if err != nil {
		return nil, fmt.Errorf("encode provider mediums: %w", err)
	}

	query, _, err := p.goqu.Insert(p.tableWorkSessions).Rows(
		goqu.Record{
			"id":               session.ID,
			"work_order_id":    session.WorkOrderID,
			"state":            string(session.State),
			"seeker_id":        session.SeekerID,
			"provider_id":      session.ProviderID,
			"seeker_mediums":   seekerMediums,
			"provider_mediums": providerMediums,
			"created_at":       session.CreatedAt,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &session, nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*service.WorkSession, error) {
	return p.getSessionWhere(ctx, goqu.I("id").Eq(id))
}

func (p *Postgres) GetSessionByOrder(ctx context.Context, orderID string) (*service.WorkSession, error) {
	return p.getSessionWhere(ctx, goqu.I("work_order_id").Eq(orderID))
}

func (p *Postgres) getSessionWhere(ctx context.Context, where goqu.Expression) (*service.WorkSession, error) {
	query, _, err := p.goqu.From(p.tableWorkSessions).
		Select(sessionColumns...).
		Where(where).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build session query: %w", err)
	}

	session, err := p.scanSession(p.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	return session, nil
}

func (p *Postgres) GetActiveSessionForUser(ctx context.Context, userID string) (*service.WorkSession, error) {
	query, _, err := p.goqu.From(p.tableWorkSessions).
		Select(sessionColumns...).
		Where(
			goqu.Or(
				goqu.I("seeker_id").Eq(userID),
				goqu.I("provider_id").Eq(userID),
			),
			goqu.I("state").In(string(service.SessionWaiting), string(service.SessionActive)),
		).
		Order(goqu.I("created_at").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build session query: %w", err)
	}

	session, err := p.scanSession(p.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session for %q: %w", userID, err)
	}

	return session, nil
}

func (p *Postgres) UpdateSession(ctx context.Context, session *service.WorkSession) error {
	seekerMediums, err := p.mediumsJSON(session.SeekerMediums)
	if err != nil {
		return fmt.Errorf("encode seeker mediums: %w", err)
	}
	providerMediums, err := p.mediumsJSON(session.ProviderMediums)
	if err != nil {
		return fmt.Errorf("encode provider mediums: %w", err)
	}

	query, _, err := p.goqu.Update(p.tableWorkSessions).Set(
		goqu.Record{
			"state":                string(session.State),
			"seeker_latitude":      session.SeekerLat,
			"seeker_longitude":     session.SeekerLng,
			"seeker_location_at":   session.SeekerLocAt,
			"provider_latitude":    session.ProviderLat,
			"provider_longitude":   session.ProviderLng,
			"provider_location_at": session.ProviderLocAt,
			"distance_meters":      session.DistanceMeters,
			"last_distance_at":     session.LastDistanceAt,
			"seeker_mediums":       seekerMediums,
			"provider_mediums":     providerMediums,
			"mediums_shared_at":    session.MediumsSharedAt,
			"chat_started_at":      session.ChatStartedAt,
			"cancelled_by":         session.CancelledBy,
			"cancelled_at":         session.CancelledAt,
			"completed_at":         session.CompletedAt,
			"rating_stars":         session.RatingStars,
			"rating_text":          session.RatingText,
		},
	).Where(goqu.I("id").Eq(session.ID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update session %q: %w", session.ID, err)
	}

	return nil
}
