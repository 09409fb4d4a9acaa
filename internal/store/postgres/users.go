package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/visiblelabs/visible/internal/crypto"
	"github.com/visiblelabs/visible/internal/service"
)

type userRow struct {
	ID        string    `db:"id"`
	Mobile    string    `db:"mobile"`
	Role      string    `db:"role"`
	Verified  bool      `db:"verified"`
	CreatedAt time.Time `db:"created_at"`
}

func (r userRow) toUser() *service.User {
	return &service.User{
		ID:        r.ID,
		Mobile:    r.Mobile,
		Role:      service.Role(r.Role),
		Verified:  r.Verified,
		CreatedAt: r.CreatedAt,
	}
}

func (p *Postgres) GetUser(ctx context.Context, id string) (*service.User, error) {
	return p.getUserWhere(ctx, goqu.I("id").Eq(id))
}

func (p *Postgres) GetUserByMobile(ctx context.Context, mobile string) (*service.User, error) {
	return p.getUserWhere(ctx, goqu.I("mobile").Eq(mobile))
}

func (p *Postgres) getUserWhere(ctx context.Context, where goqu.Expression) (*service.User, error) {
	query, _, err := p.goqu.From(p.tableUsers).
		Select("id", "mobile", "role", "verified", "created_at").
		Where(where).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build user query: %w", err)
	}

	var row userRow
	err = p.db.QueryRowContext(ctx, query).Scan(&row.ID, &row.Mobile, &row.Role, &row.Verified, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	return row.toUser(), nil
}

func (p *Postgres) CreateUser(ctx context.Context, user service.User) (*service.User, error) {
	query, _, err := p.goqu.Insert(p.tableUsers).Rows(
		goqu.Record{
			"id":         user.ID,
			"mobile":     user.Mobile,
			"role":       string(user.Role),
			"verified":   user.Verified,
			"created_at": user.CreatedAt,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create user %q: %w", user.Mobile, err)
	}

	return &user, nil
}

func (p *Postgres) UpdateUserRole(ctx context.Context, id string, role service.Role) error {
	query, _, err := p.goqu.Update(p.tableUsers).Set(
		goqu.Record{"role": string(role)},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update user role %q: %w", id, err)
	}

	return nil
}

// ─── Device tokens ───

func (p *Postgres) SetDeviceToken(ctx context.Context, userID, token string) error {
	stored := token
	if p.encKey != nil {
		enc, err := crypto.Encrypt(token, p.encKey)
		if err != nil {
			return fmt.Errorf("encrypt device token: %w", err)
		}
		stored = enc
	}

	query, _, err := p.goqu.Insert(p.tableDeviceTokens).Rows(
		goqu.Record{
			"user_id":    userID,
			"token":      stored,
			"updated_at": time.Now().UTC(),
		},
	).OnConflict(goqu.DoUpdate("user_id", goqu.Record{
		"token":      stored,
		"updated_at": time.Now().UTC(),
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("set device token %q: %w", userID, err)
	}

	return nil
}

func (p *Postgres) GetDeviceToken(ctx context.Context, userID string) (string, error) {
	query, _, err := p.goqu.From(p.tableDeviceTokens).
		Select("token").
		Where(goqu.I("user_id").Eq(userID)).
		ToSQL()
	if err != nil {
		return "", fmt.Errorf("build token query: %w", err)
	}

	var token string
	err = p.db.QueryRowContext(ctx, query).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get device token %q: %w", userID, err)
	}

	if p.encKey != nil {
		dec, err := crypto.Decrypt(token, p.encKey)
		if err != nil {
			return "", fmt.Errorf("decrypt device token %q: %w", userID, err)
		}
		token = dec
	}

	return token, nil
}

func (p *Postgres) ClearDeviceToken(ctx context.Context, userID string) error {
	query, _, err := p.goqu.Delete(p.tableDeviceTokens).
		Where(goqu.I("user_id").Eq(userID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("clear device token %q: %w", userID, err)
	}

	return nil
}
