package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"invoicerecon/internal"
	"invoicerecon/internal/config"
	"invoicerecon/internal/reconcile"
	"invoicerecon/internal/storage"
)

func newService(t *testing.T) (*Service, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewService(db, config.Config{CatalogRateLimitRPS: 10}, nil), db
}

func TestReadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
products:
  - name: "  Widget "
    spec: 10mm
    category: parts
    unitPrice: 12.50
    vendor: ACME
    priceDate: 2024-01-15
  - name: ""
    spec: orphan
`), 0o644))

	rows, err := ReadYAML(path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Widget", rows[0].Name)
	assert.Equal(t, "12.50", rows[0].UnitPrice)
	assert.Equal(t, "2024-01-15", rows[0].PriceDate)
}

func TestReadXLSXWithHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.xlsx")
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Category", "Product name", "Spec", "Unit price", "Supplier"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"fasteners", "Hex bolt", "M8", "0.35", "ACME"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]any{"", "", "", "", ""}))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	rows, err := ReadXLSX(path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, Row{Name: "Hex bolt", Spec: "M8", Category: "fasteners", UnitPrice: "0.35", Vendor: "ACME", SourceID: sheet + "!2"}, rows[0])
}

func TestApplyCreatesThenUpdates(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	rows := []Row{
		{Name: "Widget", Spec: "10mm", Category: "parts", UnitPrice: "12.5", Vendor: "ACME", PriceDate: "2024-01-15"},
		{Name: "Gear", UnitPrice: "n/a"},
		{Name: " "},
	}
	stats, err := svc.Apply(ctx, rows, "seed.yaml")
	require.NoError(t, err)
	assert.Equal(t, ImportStats{Created: 2, Prices: 1, Skipped: 1}, stats)

	widget, err := db.GetProductByKey(ctx, "widget 10mm")
	require.NoError(t, err)
	require.NotNil(t, widget)
	assert.Equal(t, reconcile.ProductID("widget 10mm"), widget.ID)
	assert.Equal(t, internal.QualityOK, widget.QualityFlag)
	gear, err := db.GetProductByKey(ctx, "gear")
	require.NoError(t, err)
	assert.Equal(t, internal.QualityWarnKeyWeak, gear.QualityFlag)

	older := []Row{{Name: "widget", Spec: " 10mm", UnitPrice: "9", Vendor: "ACME", PriceDate: "01.01.2024"}}
	stats, err = svc.Apply(ctx, older, "seed.yaml")
	require.NoError(t, err)
	assert.Equal(t, ImportStats{Updated: 1}, stats)
	vp, err := db.GetVendorPrice(ctx, widget.ID, "ACME")
	require.NoError(t, err)
	assert.Equal(t, "12.5", vp.UnitPrice.String())

	newer := []Row{{Name: "Widget", Spec: "10mm", UnitPrice: "13", Vendor: "ACME", PriceDate: "2024-02-01"}}
	stats, err = svc.Apply(ctx, newer, "seed.yaml")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Prices)
	vp, err = db.GetVendorPrice(ctx, widget.ID, "ACME")
	require.NoError(t, err)
	assert.Equal(t, "13", vp.UnitPrice.String())
	assert.Equal(t, "2024-02-01", *vp.PriceUpdatedOn)

	history, err := db.ListProductHistory(ctx, widget.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, internal.FieldProductCreate, history[0].FieldName)
	assert.Equal(t, internal.SourceImport, history[0].SourceType)
}

func TestImportFileRejectsUnknownExtension(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.ImportFile(context.Background(), "products.csv")
	require.Error(t, err)
}

func TestNormalizeDate(t *testing.T) {
	assert.Equal(t, "2024-03-05", *NormalizeDate("05.03.2024"))
	assert.Equal(t, "2024-03-05", *NormalizeDate("2024-03-05"))
	assert.Nil(t, NormalizeDate("soon"))
	assert.Nil(t, NormalizeDate(""))
}

func TestIndexSuggest(t *testing.T) {
	spec := "M10"
	idx := BuildIndex([]internal.Product{
		{ID: "p1", ProductKey: "hex bolt m10", Name: "Hex bolt", Spec: &spec},
		{ID: "p2", ProductKey: "hex nut m10", Name: "Hex nut", Spec: &spec},
		{ID: "p3", ProductKey: "washer", Name: "Washer"},
	})
	assert.Equal(t, 3, idx.Len())

	got := idx.Suggest("hex bolt M10", 2, 0)
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].ProductID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.Equal(t, "p2", got[1].ProductID)

	assert.Empty(t, idx.Suggest("hex bolt M10", 2, 1.01))
	assert.Empty(t, idx.Suggest("   ", 2, 0))
}
