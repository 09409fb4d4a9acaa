package store

import (
	"context"
	"errors"

	"github.com/visiblelabs/visible/internal/config"
	"github.com/visiblelabs/visible/internal/service"
	"github.com/visiblelabs/visible/internal/store/postgres"
)

// StorerClose combines every repository interface the services depend on
// with a Close method. Currently only PostgreSQL is supported.
type StorerClose interface {
	service.UserStorer
	service.DeviceTokenStorer
	service.ProviderStatusStorer
	service.SeekerSearchStorer
	service.WorkOrderStorer
	service.SessionStorer
	service.ChatStorer
	service.NotificationStorer
	service.CategoryStorer
	service.DashboardStorer
	Close()
}

// New creates a StorerClose based on the given store configuration.
func New(ctx context.Context, cfg config.Store, encKey []byte) (StorerClose, error) {
	var store StorerClose
	var err error

	if cfg.Postgres != nil {
		store, err = postgres.New(ctx, cfg.Postgres, encKey)
		if err != nil {
			return nil, err
		}
	}

	if store == nil {
		return nil, errors.New("no store configured")
	}

	return store, nil
}
