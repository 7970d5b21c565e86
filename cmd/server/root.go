package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"livecast/internal/observability/logging"
	"livecast/internal/storage"
)

func newRootCommand() *cobra.Command {
	var flags serveFlags

	root := &cobra.Command{
		Use:           "livecast",
		Short:         "Live transmission and relay control plane",
		Long:          `HTTP control API for live transmissions and stream relays. Commands: serve (default), migrate.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	flags.register(root)

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), flags)
		},
	}
	root.AddCommand(serve, migrate)
	return root
}

func runServe(parent context.Context, flags serveFlags) error {
	cfg, err := resolveServeConfig(flags)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return err
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise control plane", "error", err)
		return err
	}
	defer application.close(context.Background())

	go func() {
		if err := application.catalog.Watch(ctx); err != nil {
			logger.Warn("server catalog watch stopped", "error", err)
		}
	}()

	err = application.server.Run(ctx, func(addr net.Addr) {
		logger.Info("livecast API ready", "addr", addr.String(), "storage", cfg.StorageDriver, "tls", cfg.TLS.CertFile != "")
	})
	if err != nil {
		logger.Error("server error", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}

func runMigrate(parent context.Context, flags serveFlags) error {
	cfg, err := resolveServeConfig(flags)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return err
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if cfg.StorageDriver != storageDriverPostgres {
		err := fmt.Errorf("migrate requires the postgres datastore, got %q", cfg.StorageDriver)
		logger.Error("nothing to migrate", "error", err)
		return err
	}
	if parent == nil {
		parent = context.Background()
	}

	opts, err := storage.OptionsFromEnv()
	if err != nil {
		return fmt.Errorf("postgres options: %w", err)
	}
	repo, err := storage.NewPostgresRepository(parent, cfg.PostgresDSN, opts...)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		return err
	}
	defer func() {
		if err := repo.Close(context.Background()); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}()

	applied, err := repo.Migrate(parent)
	if err != nil {
		logger.Error("migration failed", "error", err)
		return err
	}
	logger.Info("migrations applied", "count", len(applied), "versions", applied)
	return nil
}
