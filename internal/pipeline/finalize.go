package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"invoicerecon/internal"
	"invoicerecon/internal/reconcile"
	"invoicerecon/internal/storage"
	"invoicerecon/internal/util"
)

type FinalizeResult struct {
	Status         internal.RunStatus
	Stats          internal.RunStats
	VendorName     *string
	InvoiceDate    *string
	HistoryWritten int
}

// Aggregator merges the succeeded pages of a run and writes the run outcome.
type Aggregator struct {
	db     *storage.DB
	engine *reconcile.Engine
	logger *slog.Logger
}

func NewAggregator(db *storage.DB, engine *reconcile.Engine, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = reconcile.NewEngine(logger)
	}
	return &Aggregator{db: db, engine: engine, logger: logger}
}

// Finalize replaces the run's line and diff rows and records run and
// document status in one transaction. Calling it again with the same page
// outcomes rewrites identical rows.
func (a *Aggregator) Finalize(ctx context.Context, parseRunID string) (FinalizeResult, error) {
	run, err := a.db.MustParseRun(ctx, parseRunID)
	if err != nil {
		return FinalizeResult{}, err
	}
	logCtx := a.logger.With("parseRunId", parseRunID, "documentId", run.DocumentID)

	pages, err := a.db.ListParsePages(ctx, parseRunID)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("list parse pages: %w", err)
	}

	processed := run.Stats.ProcessedPages
	if processed == 0 {
		processed = len(pages)
	}
	byNo := make(map[int]internal.ParsePage, len(pages))
	for _, p := range pages {
		byNo[p.PageNo] = p
	}

	stats := internal.RunStats{
		PageCount:      run.Stats.PageCount,
		ProcessedPages: processed,
		FailedPageNos:  []int{},
	}
	var parsed []internal.ParsedInvoice
	var firstError string
	for n := 1; n <= processed; n++ {
		page, ok := byNo[n]
		if ok && page.Status == internal.PageSucceeded && page.ParsedJSON != nil {
			var inv internal.ParsedInvoice
			err := json.Unmarshal([]byte(*page.ParsedJSON), &inv)
			if err == nil {
				parsed = append(parsed, inv)
				stats.SucceededPages++
				continue
			}
			logCtx.Warn("Stored page result is unreadable.", "pageNo", n, "error", err)
			firstError = util.FirstNonEmpty(firstError, fmt.Sprintf("page %d: unreadable result", n))
		}
		if ok && page.ErrorSummary != nil {
			firstError = util.FirstNonEmpty(firstError, fmt.Sprintf("page %d: %s", n, *page.ErrorSummary))
		}
		stats.FailedPages++
		stats.FailedPageNos = append(stats.FailedPageNos, n)
	}
	if stats.PageCount == 0 {
		stats.PageCount = processed
	}

	merged := Merge(parsed)
	status := ClassifyRun(stats.SucceededPages, stats.FailedPages)
	summary := errorSummary(status, stats, firstError)

	var historyWritten int
	err = a.db.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.DeleteRunOutputs(ctx, parseRunID); err != nil {
			return fmt.Errorf("delete run outputs: %w", err)
		}

		if status != internal.RunFailed {
			res, err := a.engine.Reconcile(ctx, tx, reconcile.Input{
				ParseRunID:  parseRunID,
				VendorName:  merged.VendorName,
				InvoiceDate: merged.InvoiceDate,
				Items:       merged.LineItems,
			})
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			for _, li := range res.LineItems {
				if err := tx.InsertLineItem(ctx, li); err != nil {
					return fmt.Errorf("insert line item %d: %w", li.LineNo, err)
				}
			}
			for _, d := range res.Diffs {
				if err := tx.InsertDiffItem(ctx, d); err != nil {
					return fmt.Errorf("insert diff item %d: %w", d.LineNo, err)
				}
			}
			stats.LineItemCount = len(res.LineItems)
			stats.DiffCount = len(res.Diffs)
			historyWritten = res.HistoryWritten
		}

		if err := tx.FinishRun(ctx, parseRunID, status, stats, summary); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		return tx.FinishDocument(ctx, run.DocumentID, internal.DocumentStatusFor(status), merged.VendorName, merged.InvoiceDate, summary)
	})
	if err != nil {
		return FinalizeResult{}, err
	}

	logCtx.Info("Parse run finalized.",
		"status", status,
		"succeededPages", stats.SucceededPages,
		"failedPages", stats.FailedPages,
		"lineItems", stats.LineItemCount,
		"historyWritten", historyWritten,
	)
	return FinalizeResult{
		Status:         status,
		Stats:          stats,
		VendorName:     merged.VendorName,
		InvoiceDate:    merged.InvoiceDate,
		HistoryWritten: historyWritten,
	}, nil
}

func errorSummary(status internal.RunStatus, stats internal.RunStats, firstError string) *string {
	switch status {
	case internal.RunPartial:
		nos := make([]string, len(stats.FailedPageNos))
		for i, n := range stats.FailedPageNos {
			nos[i] = strconv.Itoa(n)
		}
		s := util.Truncate("failed pages: "+strings.Join(nos, ", "), ErrorSummaryLimit)
		return &s
	case internal.RunFailed:
		s := "no page parsed successfully"
		if firstError != "" {
			s += "; " + firstError
		}
		s = util.Truncate(s, ErrorSummaryLimit)
		return &s
	default:
		return nil
	}
}
