// Package workflow sequences a parse run: split once, parse every page with
// retry, then finalize.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"invoicerecon/internal"
	"invoicerecon/internal/blob"
	"invoicerecon/internal/pipeline"
	"invoicerecon/internal/splitter"
	"invoicerecon/internal/storage"
	"invoicerecon/internal/util"
)

var (
	ErrRunNotFound      = errors.New("workflow: parse run not found")
	ErrDocumentNotFound = errors.New("workflow: document not found")
	ErrDocumentDeleted  = errors.New("workflow: document deleted")
	ErrDocumentBusy     = errors.New("workflow: document is already parsing")
)

const (
	defaultBackoffBase = 2 * time.Second
	defaultLockTTL     = 15 * time.Minute
)

// Deps wires the orchestrator.
type Deps struct {
	DB            *storage.DB
	Blobs         blob.Store
	Splitter      *splitter.Splitter
	Pages         *pipeline.PageParser
	Aggregator    *pipeline.Aggregator
	Locker        Locker
	Logger        *slog.Logger
	ModelID       string
	PromptVersion string
	BackoffBase   time.Duration
	LockTTL       time.Duration
}

type Orchestrator struct {
	db            *storage.DB
	blobs         blob.Store
	splitter      *splitter.Splitter
	pages         *pipeline.PageParser
	aggregator    *pipeline.Aggregator
	locker        Locker
	logger        *slog.Logger
	modelID       string
	promptVersion string
	backoffBase   time.Duration
	lockTTL       time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
}

func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		db:            d.DB,
		blobs:         d.Blobs,
		splitter:      d.Splitter,
		pages:         d.Pages,
		aggregator:    d.Aggregator,
		locker:        d.Locker,
		logger:        d.Logger,
		modelID:       d.ModelID,
		promptVersion: d.PromptVersion,
		backoffBase:   d.BackoffBase,
		lockTTL:       d.LockTTL,
		sleep:         sleepCtx,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.locker == nil {
		o.locker = NewMemoryLocker()
	}
	if o.backoffBase <= 0 {
		o.backoffBase = defaultBackoffBase
	}
	if o.lockTTL <= 0 {
		o.lockTTL = defaultLockTTL
	}
	if o.aggregator == nil {
		o.aggregator = pipeline.NewAggregator(d.DB, nil, o.logger)
	}
	return o
}

// StartRun creates a RUNNING parse run and moves the document to PARSING.
func (o *Orchestrator) StartRun(ctx context.Context, documentID string) (internal.ParseRun, error) {
	doc, err := o.db.GetDocument(ctx, documentID)
	if err != nil {
		return internal.ParseRun{}, err
	}
	if doc == nil {
		return internal.ParseRun{}, fmt.Errorf("%s: %w", documentID, ErrDocumentNotFound)
	}
	if doc.Deleted {
		return internal.ParseRun{}, fmt.Errorf("%s: %w", documentID, ErrDocumentDeleted)
	}
	if doc.Status == internal.DocumentParsing {
		return internal.ParseRun{}, fmt.Errorf("%s: %w", documentID, ErrDocumentBusy)
	}

	run := internal.ParseRun{
		ID:            uuid.NewString(),
		DocumentID:    documentID,
		Status:        internal.RunRunning,
		ModelID:       o.modelID,
		PromptVersion: o.promptVersion,
		Stats:         internal.RunStats{FailedPageNos: []int{}},
		StartedAt:     time.Now().UTC(),
	}
	err = o.db.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.CreateParseRun(ctx, run); err != nil {
			return err
		}
		return tx.UpdateDocumentStatus(ctx, documentID, internal.DocumentParsing, nil)
	})
	if err != nil {
		return internal.ParseRun{}, fmt.Errorf("start run: %w", err)
	}
	o.logger.Info("Parse run started.", "parseRunId", run.ID, "documentId", documentID, "modelId", o.modelID)
	return run, nil
}

// RunDocument starts a run for the document and executes it.
func (o *Orchestrator) RunDocument(ctx context.Context, documentID string) (internal.ParseRun, pipeline.FinalizeResult, error) {
	run, err := o.StartRun(ctx, documentID)
	if err != nil {
		return internal.ParseRun{}, pipeline.FinalizeResult{}, err
	}
	res, err := o.Run(ctx, run.ID)
	return run, res, err
}

// Run executes or resumes a parse run. Page failures end up in the run
// stats; a failure to load, split or finalize marks the run and document
// FAILED and is returned.
func (o *Orchestrator) Run(ctx context.Context, parseRunID string) (pipeline.FinalizeResult, error) {
	run, err := o.db.GetParseRun(ctx, parseRunID)
	if err != nil {
		return pipeline.FinalizeResult{}, err
	}
	if run == nil {
		return pipeline.FinalizeResult{}, fmt.Errorf("%s: %w", parseRunID, ErrRunNotFound)
	}
	logCtx := o.logger.With("parseRunId", run.ID, "documentId", run.DocumentID)

	release, err := o.locker.Acquire(ctx, LockKey(run.DocumentID), o.lockTTL)
	if err != nil {
		return pipeline.FinalizeResult{}, err
	}
	defer release()

	doc, err := o.db.GetDocument(ctx, run.DocumentID)
	if err != nil {
		return pipeline.FinalizeResult{}, err
	}
	if doc == nil {
		return pipeline.FinalizeResult{}, o.fail(ctx, logCtx, *run, nil, fmt.Errorf("%s: %w", run.DocumentID, ErrDocumentNotFound))
	}
	if doc.Deleted {
		return pipeline.FinalizeResult{}, o.fail(ctx, logCtx, *run, doc, fmt.Errorf("%s: %w", run.DocumentID, ErrDocumentDeleted))
	}
	if run.Status != internal.RunRunning {
		logCtx.Info("Resuming finished parse run.", "status", run.Status)
	}

	processed, err := o.prepare(ctx, logCtx, *run, *doc)
	if err != nil {
		return pipeline.FinalizeResult{}, o.fail(ctx, logCtx, *run, doc, fmt.Errorf("prepare pages: %w", err))
	}

	for pageNo := 1; pageNo <= processed; pageNo++ {
		if _, err := o.runPage(ctx, logCtx, *run, pageNo); err != nil {
			return pipeline.FinalizeResult{}, o.fail(ctx, logCtx, *run, doc, fmt.Errorf("page %d: %w", pageNo, err))
		}
	}

	res, err := o.aggregator.Finalize(ctx, run.ID)
	if err != nil {
		return pipeline.FinalizeResult{}, o.fail(ctx, logCtx, *run, doc, fmt.Errorf("finalize: %w", err))
	}
	return res, nil
}

// prepare reuses stored page assets when they cover the run's recorded page
// range, and splits the source otherwise.
func (o *Orchestrator) prepare(ctx context.Context, logCtx *slog.Logger, run internal.ParseRun, doc internal.Document) (int, error) {
	if run.Stats.ProcessedPages > 0 {
		assets, err := o.db.ListPageAssets(ctx, doc.ID)
		if err != nil {
			return 0, err
		}
		if splitter.VerifyAssets(assets, run.Stats.ProcessedPages) == nil {
			logCtx.Info("Reusing page assets.", "processedPages", run.Stats.ProcessedPages)
			return run.Stats.ProcessedPages, nil
		}
	}

	content, err := o.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return 0, fmt.Errorf("load source: %w", err)
	}
	res, _, err := o.splitter.Prepare(ctx, doc.ID, content)
	if err != nil {
		return 0, err
	}
	stats := internal.RunStats{PageCount: res.PageCount, ProcessedPages: res.ProcessedPages, FailedPageNos: []int{}}
	if err := o.db.UpdateRunStats(ctx, run.ID, stats); err != nil {
		return 0, fmt.Errorf("record page counts: %w", err)
	}
	return res.ProcessedPages, nil
}

// runPage invokes the page step until it stops asking for a retry, waiting
// backoffBase, 2x, 4x, ... between attempts.
func (o *Orchestrator) runPage(ctx context.Context, logCtx *slog.Logger, run internal.ParseRun, pageNo int) (pipeline.PageResult, error) {
	for attempt := 1; ; attempt++ {
		res, err := o.pages.ParsePage(ctx, run.ID, run.DocumentID, pageNo, attempt)
		var retry *pipeline.RetryableError
		if !errors.As(err, &retry) {
			return res, err
		}
		delay := o.backoffBase << (attempt - 1)
		logCtx.Warn("Retrying page.", "pageNo", pageNo, "attempt", attempt, "delay", delay.String(), "error", retry.Err)
		if err := o.sleep(ctx, delay); err != nil {
			return pipeline.PageResult{}, err
		}
	}
}

func (o *Orchestrator) fail(ctx context.Context, logCtx *slog.Logger, run internal.ParseRun, doc *internal.Document, cause error) error {
	ctx = context.WithoutCancel(ctx)
	summary := util.TruncateError(cause, pipeline.ErrorSummaryLimit)
	logCtx.Error("Parse run failed.", "error", cause)

	if err := o.db.FailRun(ctx, run.ID, summary); err != nil {
		logCtx.Warn("Could not mark run failed.", "error", err)
	}
	if doc != nil && !doc.Deleted {
		if err := o.db.UpdateDocumentStatus(ctx, doc.ID, internal.DocumentFailed, &summary); err != nil {
			logCtx.Warn("Could not mark document failed.", "error", err)
		}
	}
	return cause
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
