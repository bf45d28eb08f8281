package listener

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"invoicerecon/internal"
	"invoicerecon/internal/config"
	"invoicerecon/internal/connectors"
	"invoicerecon/internal/pipeline"
	"invoicerecon/internal/storage"
)

type fakeIntake struct {
	calls int
	err   error
}

func (f *fakeIntake) Run(context.Context, string, int, int) (connectors.IntakeResult, error) {
	f.calls++
	return connectors.IntakeResult{Fetched: 1, Registered: 1}, f.err
}

type fakeRunner struct {
	db   *storage.DB
	seen []string
	fail map[string]bool
}

func (f *fakeRunner) RunDocument(ctx context.Context, documentID string) (internal.ParseRun, pipeline.FinalizeResult, error) {
	f.seen = append(f.seen, documentID)
	if f.fail[documentID] {
		_ = f.db.UpdateDocumentStatus(ctx, documentID, internal.DocumentFailed, nil)
		return internal.ParseRun{}, pipeline.FinalizeResult{}, errors.New("boom")
	}
	return internal.ParseRun{}, pipeline.FinalizeResult{}, f.db.UpdateDocumentStatus(ctx, documentID, internal.DocumentParsed, nil)
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func addDoc(t *testing.T, db *storage.DB, id string) {
	t.Helper()
	require.NoError(t, db.CreateDocument(context.Background(), internal.Document{
		ID: id, Filename: id + ".pdf", StorageKey: "documents/" + id + "/source.pdf", ContentHash: "h-" + id, Status: internal.DocumentUploaded,
	}))
}

func TestRunCycleParsesUploadedDocuments(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	addDoc(t, db, "a")
	addDoc(t, db, "b")
	intake := &fakeIntake{}
	runner := &fakeRunner{db: db, fail: map[string]bool{"b": true}}
	svc := NewService(db, config.Config{MailListenerProcessBatch: 10}, intake, runner, nil)

	res, err := svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, intake.calls)
	assert.ElementsMatch(t, []string{"a", "b"}, runner.seen)
	assert.Equal(t, 1, res.Runs)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Intake.Registered)

	res, err = svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Runs+res.Failed)
}

func TestRunCycleStopsOnIntakeError(t *testing.T) {
	db := openDB(t)
	addDoc(t, db, "a")
	runner := &fakeRunner{db: db}
	svc := NewService(db, config.Config{MailListenerProcessBatch: 10}, &fakeIntake{err: errors.New("imap down")}, runner, nil)

	_, err := svc.RunCycle(context.Background())
	require.Error(t, err)
	assert.Empty(t, runner.seen)
}

func finishedRun(t *testing.T, db *storage.DB, docID, runID string) {
	t.Helper()
	ctx := context.Background()
	addDoc(t, db, docID)
	require.NoError(t, db.CreateParseRun(ctx, internal.ParseRun{
		ID: runID, DocumentID: docID, Status: internal.RunRunning, ModelID: "m", PromptVersion: "v1",
		Stats: internal.RunStats{PageCount: 1, ProcessedPages: 1}, StartedAt: time.Now(),
	}))
	require.NoError(t, db.MarkPageRunning(ctx, runID, 1, "parse-page-1", 1))
	require.NoError(t, db.MarkPageSucceeded(ctx, runID, 1,
		`{"vendorName":"ACME","invoiceDate":"2024-05-01","lineItems":[{"lineNo":1,"productName":"Mystery part","quantity":"1","unitPrice":"3","confidence":0.2}]}`))
	_, err := pipeline.NewAggregator(db, nil, nil).Finalize(ctx, runID)
	require.NoError(t, err)
}

func TestExportFinishedAdvancesWatermark(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	out := t.TempDir()
	svc := NewService(db, config.Config{OutputDir: out, SuggestMinScore: 0.3}, nil, &fakeRunner{db: db}, nil)

	finishedRun(t, db, "d1", "run-1")
	n, err := svc.ExportFinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f, err := excelize.OpenFile(ExportPath(out, "run-1"))
	require.NoError(t, err)
	name, err := f.GetCellValue(f.GetSheetName(0), "B2")
	require.NoError(t, err)
	assert.Equal(t, "Mystery part", name)
	require.NoError(t, f.Close())

	n, err = svc.ExportFinished(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	finishedRun(t, db, "d2", "run-2")
	n, err = svc.ExportFinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, ExportPath(out, "run-2"))
}

func TestRunStopsWithContext(t *testing.T) {
	db := openDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := NewService(db, config.Config{MailListenerIntervalSec: 1}, nil, &fakeRunner{db: db}, nil)
	assert.NoError(t, svc.Run(ctx))
}
