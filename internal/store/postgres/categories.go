package postgres

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/visiblelabs/visible/internal/service"
)

func (p *Postgres) ListCategories(ctx context.Context) ([]service.WorkCategory, error) {
	query, _, err := p.goqu.From(p.tableCategories).
		Select("code", "name").
		Order(goqu.I("code").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var result []service.WorkCategory
	for rows.Next() {
		var c service.WorkCategory
		if err := rows.Scan(&c.Code, &c.Name); err != nil {
			return nil, fmt.Errorf("scan category row: %w", err)
		}
		result = append(result, c)
	}

	return result, rows.Err()
}

func (p *Postgres) ListSubCategories(ctx context.Context, mainCode string) ([]service.WorkSubCategory, error) {
	query, _, err := p.goqu.From(p.tableSubCategories).
		Select("code", "main_category_code", "name").
		Where(goqu.I("main_category_code").Eq(mainCode)).
		Order(goqu.I("code").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list subcategories: %w", err)
	}
	defer rows.Close()

	var result []service.WorkSubCategory
	for rows.Next() {
		var c service.WorkSubCategory
		if err := rows.Scan(&c.Code, &c.MainCode, &c.Name); err != nil {
			return nil, fmt.Errorf("scan subcategory row: %w", err)
		}
		result = append(result, c)
	}

	return result, rows.Err()
}

func (p *Postgres) CategoryExists(ctx context.Context, mainCode, subCode string) (bool, error) {
	query, _, err := p.goqu.From(p.tableCategories).
		Select(goqu.COUNT("*")).
		Where(goqu.I("code").Eq(mainCode)).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("build count query: %w", err)
	}

	var count int
	if err := p.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return false, fmt.Errorf("count categories: %w", err)
	}
	if count == 0 {
		return false, nil
	}
	if subCode == "" {
		return true, nil
	}

	subQuery, _, err := p.goqu.From(p.tableSubCategories).
		Select(goqu.COUNT("*")).
		Where(
			goqu.I("code").Eq(subCode),
			goqu.I("main_category_code").Eq(mainCode),
		).ToSQL()
	if err != nil {
		return false, fmt.Errorf("build count query: %w", err)
	}

	if err := p.db.QueryRowContext(ctx, subQuery).Scan(&count); err != nil {
		return false, fmt.Errorf("count subcategories: %w", err)
	}

	return count > 0, nil
}
