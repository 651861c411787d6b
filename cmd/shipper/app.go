package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docker/docker/client"

	"github.com/artpar/shipper/internal/shell/metrics"
	"github.com/artpar/shipper/internal/shell/pipeline"
	"github.com/artpar/shipper/internal/shell/reconciler"
	"github.com/artpar/shipper/internal/shell/registry"
	"github.com/artpar/shipper/internal/shell/remote"
	"github.com/artpar/shipper/internal/shell/store"
)

// App wires the pipeline components for one deploy invocation.
type App struct {
	config      *Config
	store       *store.SQLiteStore
	engine      *client.Client
	recorder    *metrics.Recorder
	coordinator *pipeline.Coordinator
	logger      *slog.Logger
}

// NewApp connects to the audit store and the local Docker Engine and builds
// the coordinator. progress receives the rendered push output.
func NewApp(ctx context.Context, cfg *Config, logger *slog.Logger, progress io.Writer) (*App, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	engine, err := registry.NewEngineClient(ctx, cfg.Registry.DockerHost)
	if err != nil {
		st.Close()
		return nil, &CommandError{Op: "NewApp", Err: err, ExitCode: ExitDockerError}
	}

	publisher := registry.NewPublisher(engine, cfg.Registry.Publish, logger)
	if progress != nil {
		publisher.Progress = progress
	}
	sessions := remote.NewManager(cfg.SSH, logger)
	rec := reconciler.New(cfg.Reconcile, logger)
	recorder := metrics.NewRecorder(cfg.Metrics.Textfile)

	return &App{
		config:      cfg,
		store:       st,
		engine:      engine,
		recorder:    recorder,
		coordinator: pipeline.New(publisher, sessions, rec, logger, st, recorder),
		logger:      logger,
	}, nil
}

// Close releases the store and the engine connection.
func (a *App) Close() {
	if err := a.engine.Close(); err != nil {
		a.logger.Warn("close docker client", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

func openStore(cfg *Config) (*store.SQLiteStore, error) {
	if dir := filepath.Dir(cfg.Database.DSN); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &CommandError{Op: "OpenStore", Err: fmt.Errorf("create database dir: %w", err), ExitCode: ExitDatabaseError}
		}
	}
	st, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &CommandError{Op: "OpenStore", Err: err, ExitCode: ExitDatabaseError}
	}
	return st, nil
}
