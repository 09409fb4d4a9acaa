package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Server Server `cfg:"server"`
	Store  Store  `cfg:"store"`
	Auth   Auth   `cfg:"auth"`
	Push   Push   `cfg:"push"`
	Chat   Chat   `cfg:"chat"`

	// Session tunables for the live work-session core.
	Session Session `cfg:"session"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8000"`
	Host string `cfg:"host"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`

	// EncryptionKey, if set, enables AES-256-GCM encryption for contact
	// mediums and push tokens stored in the database. Any non-empty string
	// works; it is hashed to a 32-byte key internally.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

type Auth struct {
	// SigningKey signs the HS256 bearer tokens minted on OTP verification
	// and validates tokens presented on the websocket handshake.
	SigningKey string `cfg:"signing_key" log:"-"`

	// TokenTTL bounds the lifetime of minted access tokens.
	TokenTTL time.Duration `cfg:"token_ttl" default:"720h"`

	// OTPTTL is how long a delivered one-time code stays redeemable.
	OTPTTL time.Duration `cfg:"otp_ttl" default:"5m"`

	// SMSGatewayURL is the HTTP endpoint OTP codes are delivered through.
	// Empty disables delivery; codes are still generated and logged at
	// debug level for local development.
	SMSGatewayURL string `cfg:"sms_gateway_url"`
	SMSGatewayKey string `cfg:"sms_gateway_key" log:"-"`
}

type Push struct {
	// CredentialsJSON is the Firebase service-account blob. Empty disables
	// push; dispatch then records every attempt as failed and the websocket
	// remains the only transport.
	CredentialsJSON string `cfg:"credentials_json" log:"-"`

	// SendTimeout bounds one push delivery attempt.
	SendTimeout time.Duration `cfg:"send_timeout" default:"5s"`
}

type Chat struct {
	// TTL is how long chat messages outlive their session's terminal
	// transition.
	TTL time.Duration `cfg:"ttl" default:"24h"`

	// SweepInterval is the cadence of the expired-message sweeper.
	SweepInterval time.Duration `cfg:"sweep_interval" default:"5m"`
}

type Session struct {
	// DistanceInterval is the keep-alive cadence of the per-session
	// distance ticker.
	DistanceInterval time.Duration `cfg:"distance_interval" default:"30s"`

	// MinMoveMeters suppresses location updates closer than this to the
	// previously stored point.
	MinMoveMeters float64 `cfg:"min_move_meters" default:"50"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("VISIBLE_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
