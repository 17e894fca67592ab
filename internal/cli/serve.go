// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/fusion/internal/config"
	"github.com/jeranaias/fusion/internal/credentials"
	"github.com/jeranaias/fusion/internal/server"
	"github.com/jeranaias/fusion/internal/storage"
)

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *GlobalOptions) *cobra.Command {
	var addr string
	var noStorage bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the fusion HTTP API.

Endpoints:
  POST /v1/fusion      run a fusion request
  GET  /v1/runs/{id}   fetch a saved run (Bearer token)
  GET  /v1/models      list registered models
  GET  /health         liveness and storage status
  GET  /stats          request counters
  GET  /metrics        Prometheus metrics`,
		Args: cobraArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger, err := newLogger(cfg, opts, false)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx, cfg, logger, !noStorage)
			if err != nil {
				return err
			}
			defer app.Close()

			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return err
			}
			return runServer(ctx, app, ln, opts.ConfigPath)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noStorage, "no-storage", false, "run without a database; only skip_save requests are accepted")
	return cmd
}

// runServer serves on ln until ctx is cancelled, then shuts down gracefully.
func runServer(ctx context.Context, app *App, ln net.Listener, configPath string) error {
	logger := app.Logger

	app.Runner.Start()
	defer app.Runner.Stop()

	if app.Store != nil && app.Config.Storage.RetentionDays > 0 {
		maxAge := time.Duration(app.Config.Storage.RetentionDays) * 24 * time.Hour
		ret, err := storage.NewRetention(app.Store, app.Config.Storage.RetentionCron, maxAge)
		if err != nil {
			return err
		}
		ret.WithLogger(logger.Named("retention")).Start(ctx)
	}

	go watchConfig(ctx, app, configPath)

	srv := server.NewServer(app.Config.Server, app.Service).
		WithRegistry(app.Registry).
		WithMetrics(app.Metrics).
		WithLogger(logger.Named("server"))
	if app.Store != nil {
		srv.WithRuns(app.Store).WithHealth(app.Store)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", zap.Error(err))
		return err
	}
	return <-errCh
}

// watchConfig reloads provider credentials when the config file changes.
// Listener, storage and model settings need a restart.
func watchConfig(ctx context.Context, app *App, configPath string) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return
		}
		path = p
	}
	if _, err := os.Stat(path); err != nil {
		return
	}

	logger := app.Logger.Named("config")
	err := config.Watch(ctx, path, 500*time.Millisecond, logger, func(cfg *config.Config) {
		defaults := credentials.NewSet(cfg.Providers.Keys())
		app.Resolver.SetDefaults(defaults)
		logger.Info("config_reloaded", zap.String("path", path), zap.Int("default_credentials", defaults.Len()))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("config_watch_failed", zap.String("path", path), zap.Error(err))
	}
}
