package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"invoicerecon/internal"
	"invoicerecon/internal/blob"
	"invoicerecon/internal/pipeline"
	"invoicerecon/internal/splitter"
	"invoicerecon/internal/storage"
)

// scriptedExtractor answers by page content; errs are consumed one per call
// before falling back to the result.
type scriptedExtractor struct {
	mu      sync.Mutex
	calls   map[string]int
	errs    map[string][]error
	results map[string]internal.ParsedInvoice
}

func newScriptedExtractor() *scriptedExtractor {
	return &scriptedExtractor{calls: map[string]int{}, errs: map[string][]error{}, results: map[string]internal.ParsedInvoice{}}
}

func (s *scriptedExtractor) ExtractPage(_ context.Context, content []byte, _ int) (internal.ParsedInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(content)
	s.calls[key]++
	if queue := s.errs[key]; len(queue) > 0 {
		s.errs[key] = queue[1:]
		return internal.ParsedInvoice{}, queue[0]
	}
	if res, ok := s.results[key]; ok {
		return res, nil
	}
	return internal.ParsedInvoice{}, errors.New("no scripted answer")
}

type harness struct {
	db     *storage.DB
	blobs  *blob.LocalStore
	ex     *scriptedExtractor
	locker *MemoryLocker
	orch   *Orchestrator
	delays []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		db:     db,
		blobs:  blob.NewLocalStore(filepath.Join(dir, "blobs")),
		ex:     newScriptedExtractor(),
		locker: NewMemoryLocker(),
	}
	h.orch = New(Deps{
		DB:            db,
		Blobs:         h.blobs,
		Splitter:      splitter.New(h.blobs, db, 10, 2, nil),
		Pages:         pipeline.NewPageParser(db, h.blobs, h.ex, 3, nil),
		Locker:        h.locker,
		ModelID:       "test-model",
		PromptVersion: "v1",
		BackoffBase:   time.Second,
	})
	h.orch.sleep = func(_ context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return nil
	}
	return h
}

func (h *harness) addDocument(t *testing.T, id string, content []byte) internal.Document {
	t.Helper()
	ctx := context.Background()
	doc := internal.Document{ID: id, Filename: id + ".pdf", StorageKey: blob.SourceKey(id), ContentHash: "hash-" + id, Status: internal.DocumentUploaded}
	require.NoError(t, h.blobs.Put(ctx, doc.StorageKey, content, splitter.MimeTypePDF))
	require.NoError(t, h.db.CreateDocument(ctx, doc))
	return doc
}

func ptr[T any](v T) *T { return &v }

func invoice(name string) internal.ParsedInvoice {
	return internal.ParsedInvoice{
		VendorName:  ptr("ACME"),
		InvoiceDate: ptr("2024-05-01"),
		LineItems: []internal.ExtractedLineItem{{
			LineNo:      1,
			ProductName: ptr(name),
			Quantity:    ptr(decimal.RequireFromString("1")),
			UnitPrice:   ptr(decimal.RequireFromString("4.50")),
			Confidence:  ptr(0.9),
		}},
	}
}

func TestRunDocumentSinglePage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	content := []byte("not really a pdf")
	doc := h.addDocument(t, "doc-1", content)
	h.ex.results[string(content)] = invoice("Widget")

	run, res, err := h.orch.RunDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.RunSucceeded, res.Status)
	assert.Equal(t, 1, res.Stats.SucceededPages)
	assert.Equal(t, 1, res.Stats.LineItemCount)

	stored, err := h.db.MustParseRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.RunSucceeded, stored.Status)
	assert.Equal(t, "test-model", stored.ModelID)
	assert.Equal(t, 1, stored.Stats.PageCount)

	d, err := h.db.MustDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.DocumentParsed, d.Status)
	assert.Equal(t, "ACME", *d.VendorName)

	assets, err := h.db.ListPageAssets(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, blob.PageKey(doc.ID, 1), assets[0].StorageKey)
}

func TestRunRetriesTransientPageWithBackoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	content := []byte("flaky page")
	doc := h.addDocument(t, "doc-1", content)
	unavailable := &googleapi.Error{Code: 503, Message: "unavailable"}
	h.ex.errs[string(content)] = []error{unavailable, unavailable}
	h.ex.results[string(content)] = invoice("Widget")

	_, res, err := h.orch.RunDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.RunSucceeded, res.Status)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.delays)
	assert.Equal(t, 3, h.ex.calls[string(content)])
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	content := []byte("always down")
	doc := h.addDocument(t, "doc-1", content)
	unavailable := &googleapi.Error{Code: 503, Message: "unavailable"}
	h.ex.errs[string(content)] = []error{unavailable, unavailable, unavailable, unavailable}

	run, res, err := h.orch.RunDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.RunFailed, res.Status)
	assert.Equal(t, 3, h.ex.calls[string(content)])
	assert.Len(t, h.delays, 2)

	page, err := h.db.GetParsePage(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, internal.PageFailed, page.Status)

	d, err := h.db.MustDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.DocumentFailed, d.Status)
	require.NotNil(t, d.ParseErrorSummary)
}

func TestRunReusesAssetsAndReportsPartial(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := internal.Document{ID: "doc-2", Filename: "multi.pdf", StorageKey: blob.SourceKey("doc-2"), ContentHash: "h2", Status: internal.DocumentUploaded}
	require.NoError(t, h.db.CreateDocument(ctx, doc))
	for n := 1; n <= 3; n++ {
		key := blob.PageKey(doc.ID, n)
		data := []byte(fmt.Sprintf("page-%d", n))
		require.NoError(t, h.blobs.Put(ctx, key, data, splitter.MimeTypePDF))
		require.NoError(t, h.db.UpsertPageAsset(ctx, internal.PageAsset{DocumentID: doc.ID, PageNo: n, StorageKey: key, ContentHash: "h", ByteSize: int64(len(data)), MimeType: splitter.MimeTypePDF}))
	}
	h.ex.results["page-1"] = invoice("Widget")
	h.ex.errs["page-2"] = []error{errors.New("unreadable scan")}
	h.ex.results["page-3"] = invoice("Gear")

	run, err := h.orch.StartRun(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, h.db.UpdateRunStats(ctx, run.ID, internal.RunStats{PageCount: 3, ProcessedPages: 3}))

	// The source blob was never stored, so splitting again would fail.
	res, err := h.orch.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.RunPartial, res.Status)
	assert.Equal(t, []int{2}, res.Stats.FailedPageNos)
	assert.Equal(t, 2, res.Stats.LineItemCount)
	assert.Empty(t, h.delays)

	// Resuming retries only the failed page.
	h.ex.results["page-2"] = invoice("Bolt")
	res, err = h.orch.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.RunSucceeded, res.Status)
	assert.Equal(t, 1, h.ex.calls["page-1"])
	assert.Equal(t, 2, h.ex.calls["page-2"])
	assert.Equal(t, 1, h.ex.calls["page-3"])
	assert.Equal(t, 3, res.Stats.LineItemCount)
}

func TestStartRunRejectsBusyAndMissing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.addDocument(t, "doc-1", []byte("x"))

	_, err := h.orch.StartRun(ctx, doc.ID)
	require.NoError(t, err)
	_, err = h.orch.StartRun(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrDocumentBusy)

	_, err = h.orch.StartRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = h.orch.Run(ctx, "no-such-run")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunRefusesWhenLocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.addDocument(t, "doc-1", []byte("x"))
	run, err := h.orch.StartRun(ctx, doc.ID)
	require.NoError(t, err)

	release, err := h.locker.Acquire(ctx, LockKey(doc.ID), time.Minute)
	require.NoError(t, err)
	defer release()

	_, err = h.orch.Run(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunLocked)

	stored, err := h.db.MustParseRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.RunRunning, stored.Status)
}

func TestRunOnDeletedDocumentFailsRunOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.addDocument(t, "doc-1", []byte("x"))
	run, err := h.orch.StartRun(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, h.db.SoftDeleteDocument(ctx, doc.ID))

	_, err = h.orch.Run(ctx, run.ID)
	assert.ErrorIs(t, err, ErrDocumentDeleted)

	stored, err := h.db.MustParseRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.RunFailed, stored.Status)
	d, err := h.db.MustDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.DocumentDeleted, d.Status)
}

func TestRunFailsRunAndDocumentWhenSourceMissing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := internal.Document{ID: "doc-1", Filename: "doc-1.pdf", StorageKey: blob.SourceKey("doc-1"), ContentHash: "hash-doc-1", Status: internal.DocumentUploaded}
	require.NoError(t, h.db.CreateDocument(ctx, doc))

	run, _, err := h.orch.RunDocument(ctx, doc.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, blob.ErrObjectNotFound)

	stored, err := h.db.MustParseRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.RunFailed, stored.Status)
	require.NotNil(t, stored.ErrorDetail)
	assert.Contains(t, *stored.ErrorDetail, "load source")
	assert.LessOrEqual(t, len(*stored.ErrorDetail), pipeline.ErrorSummaryLimit)

	d, err := h.db.MustDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.DocumentFailed, d.Status)
	require.NotNil(t, d.ParseErrorSummary)
	assert.Equal(t, *stored.ErrorDetail, *d.ParseErrorSummary)
	assert.Empty(t, h.ex.calls)
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrRunLocked)
	_, err = l.Acquire(ctx, "other", time.Minute)
	assert.NoError(t, err)

	release()
	release()
	again, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	again()

	_, err = l.Acquire(ctx, "short", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = l.Acquire(ctx, "short", time.Minute)
	assert.NoError(t, err)
}
