// Package listener runs the unattended loop: mail intake, parsing of newly
// uploaded documents and export of finished runs.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"invoicerecon/internal"
	"invoicerecon/internal/catalog"
	"invoicerecon/internal/config"
	"invoicerecon/internal/connectors"
	"invoicerecon/internal/pipeline"
	"invoicerecon/internal/storage"
)

const (
	lastExportKey = "listener.last_export"
	exportBatch   = 200
)

type Intake interface {
	Run(ctx context.Context, label string, fetchMax, processBatch int) (connectors.IntakeResult, error)
}

type Runner interface {
	RunDocument(ctx context.Context, documentID string) (internal.ParseRun, pipeline.FinalizeResult, error)
}

type CycleResult struct {
	Intake   connectors.IntakeResult
	Runs     int
	Failed   int
	Exported int
}

type Service struct {
	db     *storage.DB
	cfg    config.Config
	intake Intake
	runner Runner
	logger *slog.Logger
}

// NewService wires the loop. intake may be nil when no mailbox is configured.
func NewService(db *storage.DB, cfg config.Config, intake Intake, runner Runner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, cfg: cfg, intake: intake, runner: runner, logger: logger}
}

// Run repeats RunCycle every MAIL_LISTENER_INTERVAL_SEC until ctx is done.
// Cycle errors are logged, not returned.
func (s *Service) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.MailListenerIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Listener cycle failed.", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	if s.intake != nil {
		in, err := s.intake.Run(ctx, s.cfg.MailListenerLabel, s.cfg.MailListenerFetchMax, s.cfg.MailListenerProcessBatch)
		res.Intake = in
		if err != nil {
			return res, fmt.Errorf("intake: %w", err)
		}
	}

	docs, err := s.db.ListDocumentsByStatus(ctx, internal.DocumentUploaded, s.cfg.MailListenerProcessBatch)
	if err != nil {
		return res, err
	}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, _, err := s.runner.RunDocument(ctx, doc.ID); err != nil {
			s.logger.Warn("Document run failed.", "documentId", doc.ID, "error", err)
			res.Failed++
			continue
		}
		res.Runs++
	}

	if s.cfg.MailListenerAutoExport {
		n, err := s.ExportFinished(ctx)
		res.Exported = n
		if err != nil {
			return res, fmt.Errorf("export: %w", err)
		}
	}

	s.logger.Info("Listener cycle done.",
		"fetched", res.Intake.Fetched,
		"registered", res.Intake.Registered,
		"runs", res.Runs,
		"failedRuns", res.Failed,
		"exported", res.Exported,
	)
	return res, nil
}

// ExportFinished writes an XLSX for every run finished since the last export
// and advances the watermark after each file.
func (s *Service) ExportFinished(ctx context.Context) (int, error) {
	since := time.Time{}
	if v, err := s.db.GetMetadata(ctx, lastExportKey); err != nil {
		return 0, err
	} else if v != nil {
		if t, err := time.Parse(time.RFC3339Nano, *v); err == nil {
			since = t
		}
	}

	runs, err := s.db.ListFinishedRunsSince(ctx, since, exportBatch)
	if err != nil || len(runs) == 0 {
		return 0, err
	}
	index, err := catalog.LoadIndex(ctx, s.db)
	if err != nil {
		return 0, err
	}

	exported := 0
	for _, run := range runs {
		rows, err := s.db.GetDiffExportRows(ctx, run.ID)
		if err != nil {
			return exported, err
		}
		if len(rows) > 0 {
			path := ExportPath(s.cfg.OutputDir, run.ID)
			if err := pipeline.ExportDiffXLSX(rows, index, s.cfg.SuggestMinScore, path); err != nil {
				return exported, err
			}
			exported++
			s.logger.Info("Diff exported.", "parseRunId", run.ID, "rows", len(rows), "path", path)
		}
		if run.FinishedAt != nil {
			if err := s.db.SetMetadata(ctx, lastExportKey, run.FinishedAt.UTC().Format(time.RFC3339Nano)); err != nil {
				return exported, err
			}
		}
	}
	return exported, nil
}

func ExportPath(outputDir, parseRunID string) string {
	return filepath.Join(outputDir, "listener", parseRunID+".xlsx")
}
