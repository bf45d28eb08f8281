// Package pipeline holds the per-page parse step, merge and finalize of a
// parse run, and the diff export.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"invoicerecon/internal"
	"invoicerecon/internal/blob"
	"invoicerecon/internal/extract"
	"invoicerecon/internal/util"
)

// DefaultMaxAttempts bounds how often a transient page failure is retried.
const DefaultMaxAttempts = 3

// ErrorSummaryLimit caps persisted error text.
const ErrorSummaryLimit = 500

// PageStore is the slice of storage the page step reads and writes.
type PageStore interface {
	GetParsePage(ctx context.Context, parseRunID string, pageNo int) (*internal.ParsePage, error)
	GetPageAsset(ctx context.Context, documentID string, pageNo int) (*internal.PageAsset, error)
	MarkPageRunning(ctx context.Context, parseRunID string, pageNo int, stepID string, attempt int) error
	MarkPageSucceeded(ctx context.Context, parseRunID string, pageNo int, parsedJSON string) error
	MarkPageFailed(ctx context.Context, parseRunID string, pageNo int, errSummary string) error
}

type PageResult struct {
	PageNo int                 `json:"pageNo"`
	Status internal.PageStatus `json:"status"`
}

type PageParser struct {
	store       PageStore
	blobs       blob.Store
	extractor   extract.Extractor
	maxAttempts int
	logger      *slog.Logger
}

func NewPageParser(store PageStore, blobs blob.Store, extractor extract.Extractor, maxAttempts int, logger *slog.Logger) *PageParser {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PageParser{store: store, blobs: blobs, extractor: extractor, maxAttempts: maxAttempts, logger: logger}
}

func (p *PageParser) MaxAttempts() int { return p.maxAttempts }

func StepID(pageNo int) string {
	return fmt.Sprintf("parse-page-%d", pageNo)
}

// ParsePage drives one page to SUCCEEDED or FAILED. A page that already
// succeeded returns SKIPPED without touching the asset or the extractor.
// Transient failures below the attempt ceiling come back as *RetryableError;
// every other page failure is recorded and reported as FAILED with a nil error.
func (p *PageParser) ParsePage(ctx context.Context, parseRunID, documentID string, pageNo, attempt int) (PageResult, error) {
	logCtx := p.logger.With("parseRunId", parseRunID, "documentId", documentID, "pageNo", pageNo, "attempt", attempt)

	current, err := p.store.GetParsePage(ctx, parseRunID, pageNo)
	if err != nil {
		return PageResult{}, p.retryOrFail(pageNo, attempt, fmt.Errorf("read page status: %w", err))
	}
	if current != nil && current.Status == internal.PageSucceeded {
		logCtx.Info("Page already parsed, skipping.")
		return PageResult{PageNo: pageNo, Status: internal.PageSkipped}, nil
	}

	if err := p.store.MarkPageRunning(ctx, parseRunID, pageNo, StepID(pageNo), attempt); err != nil {
		return PageResult{}, p.retryOrFail(pageNo, attempt, fmt.Errorf("mark page running: %w", err))
	}

	parsed, err := p.extract(ctx, documentID, pageNo)
	if err == nil {
		var blob []byte
		blob, err = json.Marshal(parsed)
		if err == nil {
			err = p.store.MarkPageSucceeded(ctx, parseRunID, pageNo, string(blob))
		}
		if err == nil {
			logCtx.Info("Page parsed.", "lineItems", len(parsed.LineItems))
			return PageResult{PageNo: pageNo, Status: internal.PageSucceeded}, nil
		}
	}

	if IsTransient(err) && attempt < p.maxAttempts {
		logCtx.Warn("Transient page failure, will retry.", "error", err)
		return PageResult{}, &RetryableError{PageNo: pageNo, Attempt: attempt, Err: err}
	}

	logCtx.Error("Page failed.", "error", err)
	if markErr := p.store.MarkPageFailed(ctx, parseRunID, pageNo, util.TruncateError(err, ErrorSummaryLimit)); markErr != nil {
		logCtx.Warn("Could not record page failure.", "error", markErr)
	}
	return PageResult{PageNo: pageNo, Status: internal.PageFailed}, nil
}

func (p *PageParser) extract(ctx context.Context, documentID string, pageNo int) (internal.ParsedInvoice, error) {
	asset, err := p.store.GetPageAsset(ctx, documentID, pageNo)
	if err != nil {
		return internal.ParsedInvoice{}, fmt.Errorf("load page asset: %w", err)
	}
	if asset == nil {
		return internal.ParsedInvoice{}, fmt.Errorf("page asset %d not found", pageNo)
	}
	content, err := p.blobs.Get(ctx, asset.StorageKey)
	if err != nil {
		return internal.ParsedInvoice{}, fmt.Errorf("fetch page bytes: %w", err)
	}
	parsed, err := p.extractor.ExtractPage(ctx, content, pageNo)
	if err != nil {
		return internal.ParsedInvoice{}, fmt.Errorf("extract page: %w", err)
	}
	return parsed, nil
}

// retryOrFail handles store errors hit before the attempt is recorded. They
// retry like transient failures and escalate once the ceiling is reached.
func (p *PageParser) retryOrFail(pageNo, attempt int, err error) error {
	if attempt < p.maxAttempts {
		return &RetryableError{PageNo: pageNo, Attempt: attempt, Err: err}
	}
	return err
}
