package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"livecast/internal/api"
	"livecast/internal/lock"
	"livecast/internal/mediaserver"
	"livecast/internal/observability/logging"
	"livecast/internal/observability/metrics"
	"livecast/internal/orchestrator"
	"livecast/internal/relay"
	"livecast/internal/remote"
	"livecast/internal/server"
	"livecast/internal/servers"
	"livecast/internal/storage"
)

const sessionKeyPrefix = "livecast:session:"

// app holds the wired control plane.
type app struct {
	logger  *slog.Logger
	repo    storage.Repository
	catalog *servers.Catalog
	server  *server.Server
	closers []func(context.Context) error
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
}

func buildApp(ctx context.Context, cfg serveConfig, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	recorder := metrics.Default()
	a := &app{logger: logger}
	fail := func(err error) (*app, error) {
		a.close(context.Background())
		return nil, err
	}

	repo, closeRepo, err := openRepository(ctx, cfg, logging.WithComponent(logger, "storage"))
	if err != nil {
		return fail(err)
	}
	a.repo = repo
	a.closers = append(a.closers, closeRepo)

	var (
		locker lock.Locker = lock.NewLocalLocker()
		cache  mediaserver.SessionCache
	)
	mediaCfg, err := mediaserver.LoadConfigFromEnv()
	if err != nil {
		return fail(fmt.Errorf("media server config: %w", err))
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fail(fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err))
		}
		locker = lock.NewRedisLocker(client, lock.WithLogger(logging.WithComponent(logger, "lock")))
		cache = mediaserver.NewRedisSessionCache(client, sessionKeyPrefix, mediaCfg.SessionTTL)
		logger.Info("redis enabled for sessions and owner locks", "addr", cfg.Redis.Addr)
	}

	remoteCfg, err := remote.LoadConfigFromEnv()
	if err != nil {
		return fail(fmt.Errorf("remote config: %w", err))
	}
	remoteLogger := logging.WithComponent(logger, "remote")
	remoteCtrl := remote.NewController(
		remote.NewSSHDialer(remoteCfg, remoteLogger),
		remote.WithLogger(remoteLogger),
		remote.WithMetrics(recorder),
		remote.WithMaxOpenConns(remoteCfg.MaxOpenConns),
	)

	fallback, err := servers.FallbackFromEnv()
	if err != nil {
		return fail(fmt.Errorf("relay host config: %w", err))
	}
	catalog := servers.NewCatalog(cfg.ServersFile, fallback, logging.WithComponent(logger, "servers"))
	if err := catalog.Load(); err != nil {
		return fail(fmt.Errorf("load server catalog: %w", err))
	}
	a.catalog = catalog

	mediaOpts := []mediaserver.Option{
		mediaserver.WithSessionSource(orchestrator.NewSessionRebuilder(repo)),
		mediaserver.WithLogger(logging.WithComponent(logger, "mediaserver")),
		mediaserver.WithMetrics(recorder),
	}
	if cache != nil {
		mediaOpts = append(mediaOpts, mediaserver.WithSessionCache(cache))
	}
	media, err := mediaserver.NewController(mediaCfg, remoteCtrl, mediaOpts...)
	if err != nil {
		return fail(fmt.Errorf("media server controller: %w", err))
	}

	transmissions := orchestrator.New(repo, media,
		orchestrator.WithLocker(locker),
		orchestrator.WithApplication(mediaCfg.Application),
		orchestrator.WithLogger(logging.WithComponent(logger, "orchestrator")),
		orchestrator.WithMetrics(recorder),
	)

	relayCfg, err := relay.LoadConfigFromEnv()
	if err != nil {
		return fail(fmt.Errorf("relay config: %w", err))
	}
	relays := relay.NewManager(relayCfg, repo, catalog, remote.NewScreenSupervisor(remoteCtrl),
		relay.WithLocker(locker),
		relay.WithLogger(logging.WithComponent(logger, "relay")),
		relay.WithMetrics(recorder),
	)

	handler := api.NewHandler(transmissions, relays)
	handler.Servers = catalog
	handler.Store = repo
	handler.Media = media
	handler.Logger = logging.WithComponent(logger, "api")

	srv, err := server.New(handler, server.Config{
		Addr:            cfg.Addr,
		TLS:             cfg.TLS,
		RateLimit:       cfg.RateLimit,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Metrics:         recorder,
	})
	if err != nil {
		return fail(fmt.Errorf("http server: %w", err))
	}
	a.server = srv
	return a, nil
}

// openRepository opens the configured datastore. Postgres schemas are
// migrated before use.
func openRepository(ctx context.Context, cfg serveConfig, logger *slog.Logger) (storage.Repository, func(context.Context) error, error) {
	switch cfg.StorageDriver {
	case storageDriverPostgres:
		opts, err := storage.OptionsFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("postgres options: %w", err)
		}
		repo, err := storage.NewPostgresRepository(ctx, cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres datastore: %w", err)
		}
		applied, err := repo.Migrate(ctx)
		if err != nil {
			_ = repo.Close(context.Background())
			return nil, nil, fmt.Errorf("migrate postgres datastore: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("applied migrations", "versions", applied)
		}
		return repo, repo.Close, nil
	case storageDriverJSON:
		store, err := storage.NewStorage(cfg.DataPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open json datastore: %w", err)
		}
		logger.Info("using json datastore", "path", cfg.DataPath)
		return store, func(context.Context) error { return nil }, nil
	default:
		return nil, nil, errors.New("no datastore configured")
	}
}
