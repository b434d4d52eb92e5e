package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/walle-ai/walle/internal/api"
	"github.com/walle-ai/walle/internal/cache"
	"github.com/walle-ai/walle/internal/config"
	"github.com/walle-ai/walle/internal/connectivity"
	"github.com/walle-ai/walle/internal/notify"
	"github.com/walle-ai/walle/internal/store"
	syncengine "github.com/walle-ai/walle/internal/sync"
)

// app bundles the wired-up dependencies every command needs. Commands
// call openApp, use what they need, and defer Close.
type app struct {
	cfg      *config.Config
	settings *config.Settings
	repo     store.Repository
	client   *api.Client
	cache    *cache.Cache
	engine   *syncengine.Engine
	monitor  *connectivity.Monitor
	logger   *slog.Logger
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return nil, err
	}

	// Environment wins over saved settings for server and token.
	serverURL := cfg.ServerURL
	token := cfg.Token
	if token == "" {
		token = settings.Token
	}

	logger := slog.Default()
	repo, err := store.NewSQLite(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	client := api.NewClient(serverURL, token,
		api.WithLogger(logger),
		api.WithAuthInvalidatedHook(func() {
			logger.Warn("server rejected the pairing token, run 'walle pair' again")
		}),
	)

	notifier := &notify.Slog{Logger: logger}
	return &app{
		cfg:      cfg,
		settings: settings,
		repo:     repo,
		client:   client,
		cache:    cache.New(repo, logger),
		engine:   syncengine.NewEngine(repo, client, notifier, logger),
		monitor:  connectivity.NewMonitor(client, cfg.HealthInterval, logger),
		logger:   logger,
	}, nil
}

// startBackground begins connectivity polling and the periodic queue
// drain for long-running commands. The offline-to-online transition
// (including the monitor's first successful check) drains immediately,
// so actions queued by earlier offline commands sync as soon as the
// server is reachable.
func (a *app) startBackground(ctx context.Context) {
	a.monitor.OnOnline(func() { a.engine.NotifyOnline(ctx) })
	a.monitor.Start(ctx)
	a.engine.StartAutoSync(ctx, a.monitor.IsOnline)
}

func (a *app) stopBackground() {
	a.engine.StopAutoSync()
	a.monitor.Stop()
}

func (a *app) Close() {
	if err := a.repo.Close(); err != nil {
		a.logger.Error("failed to close local store", "error", err)
	}
}

func (a *app) saveSettings() error {
	return config.SaveSettings(a.cfg.SettingsPath, a.settings)
}
