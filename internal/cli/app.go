// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/fusion/internal/adapter"
	"github.com/jeranaias/fusion/internal/agent"
	"github.com/jeranaias/fusion/internal/config"
	"github.com/jeranaias/fusion/internal/credentials"
	"github.com/jeranaias/fusion/internal/factcheck"
	"github.com/jeranaias/fusion/internal/fusion"
	"github.com/jeranaias/fusion/internal/logging"
	"github.com/jeranaias/fusion/internal/memory"
	"github.com/jeranaias/fusion/internal/model"
	"github.com/jeranaias/fusion/internal/router"
	"github.com/jeranaias/fusion/internal/storage"
	"github.com/jeranaias/fusion/internal/tasks"
	"github.com/jeranaias/fusion/internal/telemetry"
	"github.com/jeranaias/fusion/internal/vault"
)

// App holds the wired components for one process.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *telemetry.Metrics
	Registry *router.Registry
	Adapter  *adapter.Adapter
	Store    *storage.SQLiteStore
	Vault    *vault.Vault
	Memory   *memory.Store
	Resolver *credentials.Resolver
	Runner   *tasks.Runner
	Service  *fusion.Service
}

// loadConfig loads the config named by --config.
func loadConfig(opts *GlobalOptions) (*config.Config, error) {
	return config.Load(opts.ConfigPath)
}

// newLogger builds the process logger. CLI commands other than serve log at
// warn unless --verbose is set so the answer is not buried in log lines.
func newLogger(cfg *config.Config, opts *GlobalOptions, quiet bool) (*zap.Logger, error) {
	lo := logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File}
	switch {
	case opts.Verbose:
		lo.Level = "debug"
	case quiet:
		lo.Level = "warn"
	}
	return logging.New(lo)
}

// newApp wires every component from cfg. withStorage opens the SQLite
// database; without it only skip_save requests can be served.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, withStorage bool) (*App, error) {
	logger = logging.OrNop(logger)
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: telemetry.New(),
	}

	reg, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("failed to build model registry: %w", err)
	}
	app.Registry = reg

	p := cfg.Providers
	app.Adapter = adapter.New(reg, adapter.Endpoints{
		OpenAI:     p.OpenAIURL,
		Anthropic:  p.AnthropicURL,
		Google:     p.GoogleURL,
		XAI:        p.XAIURL,
		OpenRouter: p.OpenRouterURL,
		Timeout:    p.Timeout(),
	}).
		WithLogger(logger.Named("adapter")).
		WithRecorder(app.Metrics).
		WithDefaults(adapter.Options{Temperature: cfg.Fusion.Temperature, MaxTokens: cfg.Fusion.MaxTokens})

	if withStorage {
		if err := app.openStorage(ctx); err != nil {
			app.Close()
			return nil, err
		}
	}

	defaults := credentials.NewSet(p.Keys())
	if app.Vault != nil {
		app.Resolver = credentials.NewResolver(defaults, app.Vault)
	} else {
		app.Resolver = credentials.NewResolver(defaults, nil)
	}
	app.Resolver.WithLogger(logger.Named("credentials"))

	orch := fusion.NewOrchestrator(app.Adapter).
		WithImages(app.Adapter).
		WithAgent(agent.NewClient(p.ManusURL).WithTimeout(p.Timeout())).
		WithMaxParallel(cfg.Fusion.MaxParallel).
		WithLogger(logger.Named("fusion")).
		WithRecorder(app.Metrics)

	fc := cfg.FactCheck
	pipeline := factcheck.New(app.Adapter, reg,
		factcheck.NewSerperClient(p.SerperURL).WithTimeout(p.Timeout()),
		factcheck.NewTavilyClient(p.TavilyURL, fc.ExtractChars).WithTimeout(p.Timeout()),
		factcheck.Config{GroundingModel: fc.GroundingModel, MaxSources: fc.MaxSources, MaxExtract: fc.MaxExtract}).
		WithLogger(logger.Named("factcheck")).
		WithRecorder(app.Metrics)

	queue := tasks.NewQueueWithOptions(100, 1000).WithLogger(logger.Named("tasks"))
	app.Runner = tasks.NewRunnerWithOptions(queue, cfg.Tasks.Workers, time.Duration(cfg.Tasks.TimeoutSecs)*time.Second).
		WithLogger(logger.Named("tasks")).
		WithObserver(app.Metrics)

	mode, err := model.ParseMode(cfg.Fusion.DefaultMode)
	if err != nil {
		app.Close()
		return nil, err
	}

	var store storage.Store
	if app.Store != nil {
		store = app.Store
	}
	app.Service = fusion.NewService(orch, app.Resolver, store).
		WithVerifier(pipeline).
		WithDefaults(fusion.Defaults{Mode: mode, Models: cfg.Fusion.DefaultModels, Master: cfg.Fusion.DefaultMaster}).
		WithLogger(logger.Named("service")).
		WithRecorder(app.Metrics)

	if app.Memory != nil {
		extractor := memory.NewExtractor(app.Memory, app.Adapter, cfg.Memory.ExtractionModel).
			WithLogger(logger.Named("memory"))
		app.Service.WithMemory(app.Memory, extractor, app.Runner)
	}
	return app, nil
}

// openStorage opens the database, the key vault and the memory store.
func (a *App) openStorage(ctx context.Context) error {
	store, err := storage.Open(a.Config.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.Store = store

	v, err := vault.Open(ctx, store.DB(), a.Config.Vault.Secret, store)
	switch {
	case errors.Is(err, vault.ErrNoSecret):
		a.Logger.Info("vault_disabled", zap.String("reason", "no vault secret configured"))
	case err != nil:
		return err
	default:
		a.Vault = v
	}

	if a.Config.Memory.Enabled {
		mem, err := memory.NewStore(ctx, store.DB(), a.Config.Memory.MaxItems, a.Config.Memory.MaxBlockChars)
		if err != nil {
			return fmt.Errorf("failed to open memory store: %w", err)
		}
		a.Memory = mem
	}
	return nil
}

// requireVault returns the vault or a config error naming the missing secret.
func (a *App) requireVault() (*vault.Vault, error) {
	if a.Vault == nil {
		return nil, fmt.Errorf("%w: set FUSION_VAULT_SECRET or [vault] secret", vault.ErrNoSecret)
	}
	return a.Vault, nil
}

// Close releases the database and flushes the logger.
func (a *App) Close() {
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("db_close_failed", zap.Error(err))
		}
		a.Store = nil
	}
	_ = a.Logger.Sync()
}
