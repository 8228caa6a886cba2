package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/msgcore/msgcore/internal/config"
	"github.com/msgcore/msgcore/internal/delivery"
	"github.com/msgcore/msgcore/internal/events"
	"github.com/msgcore/msgcore/internal/handlers"
	"github.com/msgcore/msgcore/internal/ingest"
	"github.com/msgcore/msgcore/internal/instances"
	"github.com/msgcore/msgcore/internal/platform"
	"github.com/msgcore/msgcore/internal/platform/adapters/discord"
	"github.com/msgcore/msgcore/internal/platform/adapters/email"
	"github.com/msgcore/msgcore/internal/platform/adapters/lark"
	"github.com/msgcore/msgcore/internal/platform/adapters/telegram"
	"github.com/msgcore/msgcore/internal/secrets"
	"github.com/msgcore/msgcore/internal/server"
	"github.com/msgcore/msgcore/internal/store/postgres"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBPool,
			postgres.New,
			provideVault,
			events.NewBus,
			provideIngestProcessor,
			provideRegistry,
			provideInstanceService,
			provideManager,
			provideDeliveryQueue,
			providePingHandler,
			provideAuthHandler,
			provideWebhookHandler,
			providePlatformsHandler,
			provideMessagesHandler,
			provideServer,
		),
		fx.Invoke(
			startManager,
			startDeliveryQueue,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func provideDBPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	url := cfg.Postgres.URL()
	if err := postgres.Migrate(url); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideVault(cfg config.Config) (*secrets.Vault, error) {
	if cfg.Vault.Key == "" {
		return nil, fmt.Errorf("vault.key is required")
	}
	return secrets.NewVaultFromBase64(cfg.Vault.Key)
}

func provideIngestProcessor(log *slog.Logger, store *postgres.Store, bus *events.Bus) *ingest.Processor {
	return ingest.NewProcessor(log, store, bus)
}

func provideRegistry(log *slog.Logger, cfg config.Config, processor *ingest.Processor) (*platform.Registry, error) {
	registry := platform.NewRegistry()
	registry.MustRegister(discord.New(log, processor))
	registry.MustRegister(telegram.New(log, processor))
	registry.MustRegister(lark.New(log, processor))
	registry.MustRegister(email.New(log))

	overrides, err := cfg.LoadLimitOverrides()
	if err != nil {
		return nil, err
	}
	for name, o := range overrides {
		pt, err := registry.ParsePlatformType(name)
		if err != nil {
			return nil, fmt.Errorf("limit overrides: %w", err)
		}
		registry.OverrideLimits(pt, platform.LimitOverrides{
			MaxTextRunes:       o.MaxTextRunes,
			MaxCaptionRunes:    o.MaxCaptionRunes,
			MaxEmbeds:          o.MaxEmbeds,
			MaxEmbedFields:     o.MaxEmbedFields,
			MaxButtons:         o.MaxButtons,
			ButtonsPerRow:      o.ButtonsPerRow,
			MaxButtonRows:      o.MaxButtonRows,
			MaxAttachmentBytes: o.MaxAttachmentBytes,
		})
	}
	return registry, nil
}

func provideInstanceService(log *slog.Logger, store *postgres.Store, vault *secrets.Vault, registry *platform.Registry) *instances.Service {
	return instances.NewService(log, store, vault, registry)
}

// provideManager also closes the service/manager cycle: the manager reads
// instances from the service, and the service pushes connection changes back
// through the manager.
func provideManager(log *slog.Logger, cfg config.Config, registry *platform.Registry, svc *instances.Service, processor *ingest.Processor, store *postgres.Store) *platform.Manager {
	mgr := platform.NewManager(log, registry, svc, processor, store)
	mgr.SetSessionCap(cfg.Limits.SessionConnections)
	svc.SetConnectionManager(mgr)
	return mgr
}

func provideDeliveryQueue(log *slog.Logger, cfg config.Config, store *postgres.Store, mgr *platform.Manager, svc *instances.Service) *delivery.Queue {
	queue := delivery.NewQueue(log, store, mgr, svc)
	queue.SetWorkers(cfg.Delivery.Workers)
	return queue
}

func providePingHandler(log *slog.Logger, pool *pgxpool.Pool) *handlers.PingHandler {
	return handlers.NewPingHandler(log, pool)
}

func provideAuthHandler(log *slog.Logger, cfg config.Config) *handlers.AuthHandler {
	creds := make([]handlers.TenantCredential, 0, len(cfg.Auth.Tenants))
	for _, t := range cfg.Auth.Tenants {
		creds = append(creds, handlers.TenantCredential{TenantID: t.TenantID, PasswordHash: t.PasswordHash})
	}
	return handlers.NewAuthHandler(log, cfg.Auth.JWTSecret, cfg.Auth.ExpiresIn(), creds)
}

func provideWebhookHandler(log *slog.Logger, svc *instances.Service, mgr *platform.Manager) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, svc, mgr)
}

func providePlatformsHandler(log *slog.Logger, svc *instances.Service, mgr *platform.Manager, registry *platform.Registry) *handlers.PlatformsHandler {
	return handlers.NewPlatformsHandler(log, svc, mgr, registry)
}

func provideMessagesHandler(log *slog.Logger, queue *delivery.Queue, svc *instances.Service, mgr *platform.Manager) *handlers.MessagesHandler {
	return handlers.NewMessagesHandler(log, queue, svc, mgr)
}

func provideServer(log *slog.Logger, cfg config.Config, ping *handlers.PingHandler, auth *handlers.AuthHandler, webhook *handlers.WebhookHandler, platforms *handlers.PlatformsHandler, messages *handlers.MessagesHandler) (*server.Server, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required")
	}
	return server.NewServer(log, cfg.Server.Addr, cfg.Auth.JWTSecret, ping, auth, webhook, platforms, messages), nil
}

func startManager(lc fx.Lifecycle, mgr *platform.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { mgr.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return mgr.Shutdown(stopCtx) },
	})
}

func startDeliveryQueue(lc fx.Lifecycle, queue *delivery.Queue) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { queue.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return queue.Shutdown(stopCtx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
