package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"invoicerecon/internal"
	"invoicerecon/internal/catalog"
)

func TestMergeFirstWinsAndRenumbers(t *testing.T) {
	pages := []internal.ParsedInvoice{
		{VendorName: str("A"), LineItems: []internal.ExtractedLineItem{{LineNo: 1, ProductName: str("first")}}},
		{VendorName: nil, InvoiceDate: str("2024-02-01"), LineItems: []internal.ExtractedLineItem{{LineNo: 1, ProductName: str("second")}}},
		{VendorName: str("B"), InvoiceDate: str("2024-03-01"), LineItems: []internal.ExtractedLineItem{{LineNo: 7, ProductName: str("third")}}},
	}

	merged := Merge(pages)
	assert.Equal(t, "A", *merged.VendorName)
	assert.Equal(t, "2024-02-01", *merged.InvoiceDate)
	require.Len(t, merged.LineItems, 3)
	for i, item := range merged.LineItems {
		assert.Equal(t, i+1, item.LineNo)
	}
	assert.Equal(t, "third", *merged.LineItems[2].ProductName)
	assert.Equal(t, 1, pages[0].LineItems[0].LineNo)
}

func TestMergeBlankVendorIsSkipped(t *testing.T) {
	merged := Merge([]internal.ParsedInvoice{{VendorName: str("  ")}, {VendorName: str("ACME")}})
	assert.Equal(t, "ACME", *merged.VendorName)
	assert.Nil(t, merged.InvoiceDate)
	assert.Empty(t, merged.LineItems)
}

func TestClassifyRun(t *testing.T) {
	assert.Equal(t, internal.RunSucceeded, ClassifyRun(3, 0))
	assert.Equal(t, internal.RunPartial, ClassifyRun(2, 1))
	assert.Equal(t, internal.RunFailed, ClassifyRun(0, 3))
	assert.Equal(t, internal.RunFailed, ClassifyRun(0, 0))
}

func markSucceeded(t *testing.T, f fixture, pageNo int, inv internal.ParsedInvoice) {
	t.Helper()
	ctx := context.Background()
	blob, err := json.Marshal(inv)
	require.NoError(t, err)
	require.NoError(t, f.db.MarkPageRunning(ctx, f.run.ID, pageNo, StepID(pageNo), 1))
	require.NoError(t, f.db.MarkPageSucceeded(ctx, f.run.ID, pageNo, string(blob)))
}

func markFailed(t *testing.T, f fixture, pageNo int, msg string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.MarkPageRunning(ctx, f.run.ID, pageNo, StepID(pageNo), 3))
	require.NoError(t, f.db.MarkPageFailed(ctx, f.run.ID, pageNo, msg))
}

func TestFinalizePartialRun(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	markSucceeded(t, f, 1, sampleInvoice())
	markFailed(t, f, 2, "quota exhausted")
	page3 := internal.ParsedInvoice{LineItems: []internal.ExtractedLineItem{
		{LineNo: 1, ProductName: str("Bolt"), Quantity: dec("1"), UnitPrice: dec("3"), Amount: dec("3"), Confidence: conf(0.5)},
	}}
	markSucceeded(t, f, 3, page3)

	agg := NewAggregator(f.db, nil, nil)
	res, err := agg.Finalize(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.RunPartial, res.Status)
	assert.Equal(t, []int{2}, res.Stats.FailedPageNos)
	assert.Equal(t, 2, res.Stats.SucceededPages)
	assert.Equal(t, 1, res.Stats.FailedPages)
	assert.Equal(t, 2, res.Stats.LineItemCount)

	run, err := f.db.MustParseRun(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.RunPartial, run.Status)
	assert.Equal(t, []int{2}, run.Stats.FailedPageNos)

	doc, err := f.db.MustDocument(ctx, f.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.DocumentParsedPartial, doc.Status)
	assert.Equal(t, "ACME", *doc.VendorName)
	require.NotNil(t, doc.ParseErrorSummary)
	assert.Contains(t, *doc.ParseErrorSummary, "2")

	diffs, err := f.db.ListDiffItems(ctx, f.run.ID)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, internal.DiffNewCandidate, diffs[0].Classification)
	assert.Equal(t, internal.DiffUnmatched, diffs[1].Classification)
	assert.Equal(t, 2, diffs[1].LineNo)
}

func TestFinalizeAllFailed(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	markFailed(t, f, 1, "bad page")

	res, err := NewAggregator(f.db, nil, nil).Finalize(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.RunFailed, res.Status)
	assert.Equal(t, []int{1, 2}, res.Stats.FailedPageNos)

	doc, err := f.db.MustDocument(ctx, f.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.DocumentFailed, doc.Status)
	assert.Contains(t, *doc.ParseErrorSummary, "bad page")
}

func TestFinalizeIsIdempotent(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	markSucceeded(t, f, 1, sampleInvoice())
	markSucceeded(t, f, 2, internal.ParsedInvoice{LineItems: []internal.ExtractedLineItem{
		{LineNo: 1, ProductName: str("Gear"), Spec: str("M4"), Quantity: dec("4"), UnitPrice: dec("2.5"), Amount: dec("10"), Confidence: conf(0.9)},
	}})

	agg := NewAggregator(f.db, nil, nil)
	first, err := agg.Finalize(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.RunSucceeded, first.Status)
	assert.Equal(t, 2, first.HistoryWritten)
	lines1, err := f.db.ListLineItems(ctx, f.run.ID)
	require.NoError(t, err)
	diffs1, err := f.db.ListDiffItems(ctx, f.run.ID)
	require.NoError(t, err)
	history1, err := f.db.CountUpdateHistory(ctx)
	require.NoError(t, err)

	second, err := agg.Finalize(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Zero(t, second.HistoryWritten)
	lines2, err := f.db.ListLineItems(ctx, f.run.ID)
	require.NoError(t, err)
	diffs2, err := f.db.ListDiffItems(ctx, f.run.ID)
	require.NoError(t, err)
	history2, err := f.db.CountUpdateHistory(ctx)
	require.NoError(t, err)

	assert.Equal(t, lines1, lines2)
	assert.Equal(t, diffs1, diffs2)
	assert.Equal(t, history1, history2)
	assert.Equal(t, first.Stats, second.Stats)
}

func TestExportDiffXLSX(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	markSucceeded(t, f, 1, internal.ParsedInvoice{LineItems: []internal.ExtractedLineItem{
		{LineNo: 1, ProductName: str("Hex bolt"), Spec: str("M8"), Quantity: dec("1"), UnitPrice: dec("2"), Amount: dec("9"), Confidence: conf(0.5)},
	}})
	_, err := NewAggregator(f.db, nil, nil).Finalize(ctx, f.run.ID)
	require.NoError(t, err)

	rows, err := f.db.GetDiffExportRows(ctx, f.run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	idx := catalog.BuildIndex([]internal.Product{
		{ID: "p1", ProductKey: "hex bolt m10", Name: "Hex bolt", Spec: str("M10")},
		{ID: "p2", ProductKey: "washer", Name: "Washer"},
	})
	path := filepath.Join(t.TempDir(), "out", "diff.xlsx")
	require.NoError(t, ExportDiffXLSX(rows, idx, 0.3, path))

	xf, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = xf.Close() }()
	sheet := xf.GetSheetName(0)

	header, err := xf.GetCellValue(sheet, "I1")
	require.NoError(t, err)
	assert.Equal(t, "classification", header)
	class, err := xf.GetCellValue(sheet, "I2")
	require.NoError(t, err)
	assert.Equal(t, "UNMATCHED", class)
	suggestion, err := xf.GetCellValue(sheet, "S2")
	require.NoError(t, err)
	assert.Equal(t, "Hex bolt M10", suggestion)
}
