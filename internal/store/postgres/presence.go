package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/visiblelabs/visible/internal/service"
)

func (p *Postgres) GetProviderStatus(ctx context.Context, userID string) (*service.ProviderStatus, error) {
	query, _, err := p.goqu.From(p.tableProviderStatus).
		Select("user_id", "active", "latitude", "longitude", "main_category_code", "sub_category_code", "last_active_at").
		Where(goqu.I("user_id").Eq(userID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build status query: %w", err)
	}

	var st service.ProviderStatus
	err = p.db.QueryRowContext(ctx, query).Scan(
		&st.UserID, &st.Active, &st.Latitude, &st.Longitude,
		&st.MainCategory, &st.SubCategory, &st.LastActiveAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider status %q: %w", userID, err)
	}

	return &st, nil
}

func (p *Postgres) UpsertProviderStatus(ctx context.Context, status service.ProviderStatus) error {
	record := goqu.Record{
		"user_id":            status.UserID,
		"active":             status.Active,
		"latitude":           status.Latitude,
		"longitude":          status.Longitude,
		"main_category_code": status.MainCategory,
		"sub_category_code":  status.SubCategory,
		"last_active_at":     status.LastActiveAt,
	}

	query, _, err := p.goqu.Insert(p.tableProviderStatus).Rows(record).
		OnConflict(goqu.DoUpdate("user_id", goqu.Record{
			"active":             status.Active,
			"latitude":           status.Latitude,
			"longitude":          status.Longitude,
			"main_category_code": status.MainCategory,
			"sub_category_code":  status.SubCategory,
			"last_active_at":     status.LastActiveAt,
		})).ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("upsert provider status %q: %w", status.UserID, err)
	}

	return nil
}

func (p *Postgres) ListActiveProviders(ctx context.Context) ([]service.ProviderStatus, error) {
	query, _, err := p.goqu.From(p.tableProviderStatus).
		Select("user_id", "active", "latitude", "longitude", "main_category_code", "sub_category_code", "last_active_at").
		Where(goqu.I("active").IsTrue()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active providers: %w", err)
	}
	defer rows.Close()

	var result []service.ProviderStatus
	for rows.Next() {
		var st service.ProviderStatus
		if err := rows.Scan(
			&st.UserID, &st.Active, &st.Latitude, &st.Longitude,
			&st.MainCategory, &st.SubCategory, &st.LastActiveAt,
		); err != nil {
			return nil, fmt.Errorf("scan provider status row: %w", err)
		}
		result = append(result, st)
	}

	return result, rows.Err()
}

// ─── Seeker search ───

func (p *Postgres) GetSeekerSearch(ctx context.Context, userID string) (*service.SeekerSearch, error) {
	query, _, err := p.goqu.From(p.tableSeekerSearch).
		Select("user_id", "searching", "latitude", "longitude", "main_category_code", "sub_category_code", "radius_km", "last_search_at").
		Where(goqu.I("user_id").Eq(userID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build search query: %w", err)
	}

	var se service.SeekerSearch
	err = p.db.QueryRowContext(ctx, query).Scan(
		&se.UserID, &se.Searching, &se.Latitude, &se.Longitude,
		&se.MainCategory, &se.SubCategory, &se.RadiusKm, &se.LastSearchAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get seeker search %q: %w", userID, err)
	}

	return &se, nil
}

func (p *Postgres) UpsertSeekerSearch(ctx context.Context, search service.SeekerSearch) error {
	query, _, err := p.goqu.Insert(p.tableSeekerSearch).Rows(
		goqu.Record{
			"user_id":            search.UserID,
			"searching":          search.Searching,
			"latitude":           search.Latitude,
			"longitude":          search.Longitude,
			"main_category_code": search.MainCategory,
			"sub_category_code":  search.SubCategory,
			"radius_km":          search.RadiusKm,
			"last_search_at":     search.LastSearchAt,
		},
	).OnConflict(goqu.DoUpdate("user_id", goqu.Record{
		"searching":          search.Searching,
		"latitude":           search.Latitude,
		"longitude":          search.Longitude,
		"main_category_code": search.MainCategory,
		"sub_category_code":  search.SubCategory,
		"radius_km":          search.RadiusKm,
		"last_search_at":     search.LastSearchAt,
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("upsert seeker search %q: %w", search.UserID, err)
	}

	return nil
}

func (p *Postgres) ListSearchingSeekers(ctx context.Context) ([]service.SeekerSearch, error) {
	query, _, err := p.goqu.From(p.tableSeekerSearch).
		Select("user_id", "searching", "latitude", "longitude", "main_category_code", "sub_category_code", "radius_km", "last_search_at").
		Where(goqu.I("searching").IsTrue()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list searching seekers: %w", err)
	}
	defer rows.Close()

	var result []service.SeekerSearch
	for rows.Next() {
		var se service.SeekerSearch
		if err := rows.Scan(
			&se.UserID, &se.Searching, &se.Latitude, &se.Longitude,
			&se.MainCategory, &se.SubCategory, &se.RadiusKm, &se.LastSearchAt,
		); err != nil {
			return nil, fmt.Errorf("scan seeker search row: %w", err)
		}
		result = append(result, se)
	}

	return result, rows.Err()
}

func (p *Postgres) SetSeekerSearching(ctx context.Context, userID string, searching bool) error {
	query, _, err := p.goqu.Update(p.tableSeekerSearch).Set(
		goqu.Record{"searching": searching},
	).Where(goqu.I("user_id").Eq(userID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("set seeker searching %q: %w", userID, err)
	}

	return nil
}
