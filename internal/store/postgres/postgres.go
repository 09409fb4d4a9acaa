// Package postgres is the durable store behind the service storer
// interfaces, built on goqu over the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/visiblelabs/visible/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 10

	DefaultTablePrefix = "visible_"
)

type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableUsers           exp.IdentifierExpression
	tableDeviceTokens    exp.IdentifierExpression
	tableProviderStatus  exp.IdentifierExpression
	tableSeekerSearch    exp.IdentifierExpression
	tableWorkOrders      exp.IdentifierExpression
	tableWorkSessions    exp.IdentifierExpression
	tableChatMessages    exp.IdentifierExpression
	tableTypingFlags     exp.IdentifierExpression
	tableNotifications   exp.IdentifierExpression
	tableCategories      exp.IdentifierExpression
	tableSubCategories   exp.IdentifierExpression

	// encKey is the AES-256 key used to encrypt contact mediums and device
	// tokens at rest. nil means encryption is disabled.
	encKey []byte
}

func New(ctx context.Context, cfg *config.StorePostgres, encKey []byte) (*Postgres, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, fmt.Errorf("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// Set schema search path if configured.
	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()

			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	// /////////////////////////////////////////////
	// Run migrations.
	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}
	// /////////////////////////////////////////////

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:                  db,
		goqu:                dbGoqu,
		tableUsers:          goqu.T(tablePrefix + "users"),
		tableDeviceTokens:   goqu.T(tablePrefix + "device_tokens"),
		tableProviderStatus: goqu.T(tablePrefix + "provider_status"),
		tableSeekerSearch:   goqu.T(tablePrefix + "seeker_search"),
		tableWorkOrders:     goqu.T(tablePrefix + "work_orders"),
		tableWorkSessions:   goqu.T(tablePrefix + "work_sessions"),
		tableChatMessages:   goqu.T(tablePrefix + "chat_messages"),
		tableTypingFlags:    goqu.T(tablePrefix + "typing_flags"),
		tableNotifications:  goqu.T(tablePrefix + "notifications"),
		tableCategories:     goqu.T(tablePrefix + "work_categories"),
		tableSubCategories:  goqu.T(tablePrefix + "work_subcategories"),
		encKey:              encKey,
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}
