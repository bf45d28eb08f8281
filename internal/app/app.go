// Package app assembles the long-lived components from configuration so every
// binary wires them the same way.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"invoicerecon/internal/blob"
	"invoicerecon/internal/catalog"
	"invoicerecon/internal/config"
	"invoicerecon/internal/connectors"
	"invoicerecon/internal/extract"
	"invoicerecon/internal/ingest"
	"invoicerecon/internal/pipeline"
	"invoicerecon/internal/reconcile"
	"invoicerecon/internal/splitter"
	"invoicerecon/internal/storage"
	"invoicerecon/internal/workflow"
)

type App struct {
	Cfg          config.Config
	Logger       *slog.Logger
	DB           *storage.DB
	Blobs        blob.Store
	Ingest       *ingest.Service
	Catalog      *catalog.Service
	Orchestrator *workflow.Orchestrator

	closers []func() error
}

// New opens storage and builds the parse pipeline. withExtractor=false skips
// the extractor for commands that never parse (imports, exports).
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, withExtractor bool) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Cfg: cfg, Logger: logger}

	db, err := storage.OpenFromConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	blobs, err := blob.Open(ctx, cfg)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	a.Blobs = blobs
	if c, ok := blobs.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.Ingest = ingest.NewService(db, blobs, logger)
	a.Catalog = catalog.NewService(db, cfg, logger)
	if !withExtractor {
		return a, nil
	}

	extractor, err := a.newExtractor(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	locker, closeLocker, err := workflow.NewLocker(ctx, cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeLocker)

	a.Orchestrator = workflow.New(workflow.Deps{
		DB:            db,
		Blobs:         blobs,
		Splitter:      splitter.New(blobs, db, cfg.MaxPages, cfg.UploadParallel, logger),
		Pages:         pipeline.NewPageParser(db, blobs, extractor, cfg.StepMaxAttempts, logger),
		Aggregator:    pipeline.NewAggregator(db, reconcile.NewEngine(logger), logger),
		Locker:        locker,
		Logger:        logger,
		ModelID:       cfg.ModelID(),
		PromptVersion: cfg.PromptVersion,
		BackoffBase:   cfg.StepBackoffBase,
		LockTTL:       cfg.RunLockTTL,
	})
	return a, nil
}

func (a *App) newExtractor(ctx context.Context) (extract.Extractor, error) {
	switch a.Cfg.Extractor {
	case "text":
		return extract.NewTextExtractor(), nil
	case "", "vertex":
		ex, err := extract.NewVertexExtractor(ctx, a.Cfg, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("vertex extractor: %w", err)
		}
		a.closers = append(a.closers, ex.Close)
		return ex, nil
	default:
		return nil, fmt.Errorf("unsupported EXTRACTOR: %s", a.Cfg.Extractor)
	}
}

// NewIntake builds mail intake for provider, or returns nil when provider is
// empty or "none".
func (a *App) NewIntake(ctx context.Context, provider string) (*connectors.IntakeService, error) {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" || p == "none" {
		return nil, nil
	}
	conn, err := connectors.NewMailConnector(ctx, a.Cfg, p)
	if err != nil {
		return nil, err
	}
	return connectors.NewIntakeService(a.DB, conn, connectors.NewMailStore(a.DB, a.Blobs), a.Ingest, nil, a.Logger), nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
