package splitter

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoicerecon/internal"
	"invoicerecon/internal/blob"
)

// buildPDF writes a minimal PDF with n empty pages and a correct xref table.
func buildPDF(n int) []byte {
	var buf bytes.Buffer
	offsets := []int{0}
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets)-1, body)
	}

	buf.WriteString("%PDF-1.4\n")
	kids := make([]string, n)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n))
	for i := 0; i < n; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 200 200] /Resources << >> >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets))
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets[1:] {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets), xref)
	return buf.Bytes()
}

type memAssets struct {
	mu     sync.Mutex
	assets map[int]internal.PageAsset
}

func (m *memAssets) UpsertPageAsset(_ context.Context, a internal.PageAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assets == nil {
		m.assets = map[int]internal.PageAsset{}
	}
	m.assets[a.PageNo] = a
	return nil
}

func TestSplitMultiPage(t *testing.T) {
	res, err := Split(context.Background(), buildPDF(3), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.PageCount)
	assert.Equal(t, 3, res.ProcessedPages)
	require.Len(t, res.Pages, 3)
	for i, p := range res.Pages {
		assert.Equal(t, i+1, p.PageNo)
		n, err := api.PageCount(bytes.NewReader(p.Data), newConfig())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Len(t, p.Hash, 64)
	}
}

func TestSplitHonoursPageCap(t *testing.T) {
	res, err := Split(context.Background(), buildPDF(4), 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.PageCount)
	assert.Equal(t, 2, res.ProcessedPages)
	assert.Len(t, res.Pages, 2)
}

func TestSplitFallsBackToSinglePage(t *testing.T) {
	content := []byte("definitely not a pdf")
	res, err := Split(context.Background(), content, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PageCount)
	require.Len(t, res.Pages, 1)
	assert.Equal(t, content, res.Pages[0].Data)
}

func TestPrepareUploadsAndRecordsAssets(t *testing.T) {
	ctx := context.Background()
	store := blob.NewLocalStore(filepath.Join(t.TempDir(), "blobs"))
	assets := &memAssets{}
	s := New(store, assets, 0, 2, nil)

	res, out, err := s.Prepare(ctx, "doc-1", buildPDF(2))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ProcessedPages)
	require.Len(t, out, 2)
	require.NoError(t, VerifyAssets(out, 2))

	for n := 1; n <= 2; n++ {
		a := assets.assets[n]
		assert.Equal(t, blob.PageKey("doc-1", n), a.StorageKey)
		assert.Equal(t, MimeTypePDF, a.MimeType)
		data, err := store.Get(ctx, a.StorageKey)
		require.NoError(t, err)
		assert.EqualValues(t, len(data), a.ByteSize)
	}

	// Preparing again overwrites the same keys.
	_, again, err := s.Prepare(ctx, "doc-1", buildPDF(2))
	require.NoError(t, err)
	assert.Equal(t, out[0].StorageKey, again[0].StorageKey)
	assert.Len(t, assets.assets, 2)
}

func TestVerifyAssets(t *testing.T) {
	assets := []internal.PageAsset{{PageNo: 1}, {PageNo: 3}}
	assert.Error(t, VerifyAssets(assets, 3))
	assert.NoError(t, VerifyAssets(assets, 1))
	assert.Error(t, VerifyAssets(nil, 0))
}
