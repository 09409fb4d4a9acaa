package main

import (
	"context"
	"fmt"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/visiblelabs/visible/internal/auth"
	"github.com/visiblelabs/visible/internal/bus"
	"github.com/visiblelabs/visible/internal/config"
	"github.com/visiblelabs/visible/internal/crypto"
	"github.com/visiblelabs/visible/internal/push"
	"github.com/visiblelabs/visible/internal/server"
	"github.com/visiblelabs/visible/internal/service"
	"github.com/visiblelabs/visible/internal/store"
)

var (
	name    = "visible"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var encKey []byte
	if cfg.Store.EncryptionKey != "" {
		encKey, err = crypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive encryption key: %w", err)
		}
	}

	st, err := store.New(ctx, cfg.Store, encKey)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	dispatcher, err := push.New(ctx, cfg.Push.CredentialsJSON, st, st, cfg.Push.SendTimeout)
	if err != nil {
		return fmt.Errorf("failed to create push dispatcher: %w", err)
	}

	eventBus := bus.New()
	geoIndex := service.NewGeoIndex()

	presence := service.NewPresence(st, st, st, st, geoIndex, eventBus)
	if err := presence.LoadIndex(ctx); err != nil {
		return fmt.Errorf("failed to load geo index: %w", err)
	}

	sessions := service.NewSessions(st, st, st, st, eventBus, cfg.Chat.TTL, cfg.Session.DistanceInterval, cfg.Session.MinMoveMeters)
	sessions.Start(ctx)

	orders := service.NewWorkOrders(st, st, st, st, st, dispatcher, eventBus)
	chat := service.NewChat(st, sessions, eventBus, dispatcher, cfg.Chat.SweepInterval)

	go chat.RunSweeper(ctx)

	issuer, err := auth.NewTokenIssuer(cfg.Auth.SigningKey, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}

	var smsSender auth.SMSSender
	if cfg.Auth.SMSGatewayURL != "" {
		smsSender, err = auth.NewHTTPSMSSender(cfg.Auth.SMSGatewayURL, cfg.Auth.SMSGatewayKey)
		if err != nil {
			return fmt.Errorf("failed to create sms sender: %w", err)
		}
	}

	otp := auth.NewOTPService(st, issuer, smsSender, cfg.Auth.OTPTTL)

	srv, err := server.New(ctx, cfg.Server, st, eventBus, presence, orders, sessions, chat, otp, issuer.Validate)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start(ctx)
}
