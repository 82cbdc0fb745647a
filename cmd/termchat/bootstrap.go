package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"TermChat/internal/backend"
	"TermChat/internal/chat"
	"TermChat/internal/config"
	"TermChat/internal/store"
	"TermChat/internal/telemetry"
)

type app struct {
	cfg      config.Config
	logger   *slog.Logger
	client   *backend.Client
	registry *chat.Registry

	logFile   io.Closer
	telemetry func()
}

func loadConfig() (config.Config, error) {
	overrides := config.Config{
		OllamaURL:     flagOllamaURL,
		Model:         flagModel,
		Store:         flagStore,
		DataDir:       flagDataDir,
		SkipTLSVerify: flagSkipTLSVerify,
		Telemetry:     flagTelemetry,
		Debug:         flagDebug,
	}
	if flagKeepAlive != "" {
		d, err := time.ParseDuration(flagKeepAlive)
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid --keep-alive: %w", err)
		}
		overrides.KeepAlive = d
	}

	cfg, err := config.Load(overrides, flagEnvFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// bootstrap wires config, logging, telemetry, the store and the backend
// into a registry. The caller must Close the returned app.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, logFile, err := telemetry.InitLogger(cfg.LogDir(), cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, logFile: logFile}

	if cfg.Telemetry {
		cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir(), Version)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		a.telemetry = cleanup
	}

	st, err := store.Open(ctx, cfg.Store, cfg.DataDir, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	a.client = backend.NewClient(backend.Config{
		BaseURL:   cfg.OllamaURL,
		VerifyTLS: !cfg.SkipTLSVerify,
		Logger:    logger,
	})
	a.registry = chat.NewRegistry(st, a.client, logger)

	logger.Info("termchat started",
		"version", Version,
		"backend", cfg.OllamaURL,
		"store", cfg.Store,
		"data_dir", cfg.DataDir,
	)
	return a, nil
}

func (a *app) Close() {
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			a.logger.Error("failed to close session store", "error", err)
		}
	}
	if a.telemetry != nil {
		a.telemetry()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}
