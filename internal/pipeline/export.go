package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"invoicerecon/internal"
	"invoicerecon/internal/catalog"
	"invoicerecon/internal/util"
)

// SuggestionsPerRow is how many catalog candidates an UNMATCHED row lists.
const SuggestionsPerRow = 2

// Suggester proposes catalog products for a line that matched nothing.
type Suggester interface {
	Suggest(query string, limit int, minScore float64) []catalog.Suggestion
}

// ExportDiffXLSX writes the workbook built by WriteDiffXLSX to outputPath,
// creating its directory.
func ExportDiffXLSX(rows []internal.DiffExportRow, suggester Suggester, minScore float64, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	if err := WriteDiffXLSX(out, rows, suggester, minScore); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// WriteDiffXLSX writes one sheet row per diff item. suggester may be nil.
func WriteDiffXLSX(w io.Writer, rows []internal.DiffExportRow, suggester Suggester, minScore float64) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)

	headers := []string{
		"line_no", "raw_product_name", "raw_spec", "quantity", "unit_price", "amount",
		"model_confidence", "system_confidence", "classification", "reason_code",
		"product_id", "vendor_name", "invoice_date",
		"before_unit_price", "after_unit_price", "before_spec", "after_spec", "price_applied",
	}
	for i := 1; i <= SuggestionsPerRow; i++ {
		headers = append(headers, fmt.Sprintf("suggestion%d_name", i), fmt.Sprintf("suggestion%d_score", i))
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, row := range rows {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(sheet, cell, value)
		}

		set(1, row.LineNo)
		set(2, util.Deref(row.RawProductName))
		set(3, util.Deref(row.RawSpec))
		set(4, decimalCell(row.Quantity))
		set(5, decimalCell(row.UnitPrice))
		set(6, decimalCell(row.Amount))
		set(7, floatCell(row.ModelConfidence))
		set(8, row.SystemConfidence)
		set(9, row.Classification)
		set(10, util.Deref(row.ReasonCode))
		set(11, util.Deref(row.ProductID))
		set(12, util.Deref(row.VendorName))
		set(13, util.Deref(row.InvoiceDate))
		set(14, snapshotCell(row.Before, "unitPrice"))
		set(15, snapshotCell(row.After, "unitPrice"))
		set(16, snapshotCell(row.Before, "spec"))
		set(17, snapshotCell(row.After, "spec"))
		set(18, snapshotCell(row.After, "priceApplied"))

		if suggester == nil || row.Classification != string(internal.DiffUnmatched) {
			continue
		}
		query := strings.TrimSpace(util.Deref(row.RawProductName) + " " + util.Deref(row.RawSpec))
		for j, s := range suggester.Suggest(query, SuggestionsPerRow, minScore) {
			set(19+2*j, s.Name)
			set(20+2*j, s.Score)
		}
	}

	_, err := f.WriteTo(w)
	return err
}

func decimalCell(v *decimal.Decimal) any {
	if v == nil {
		return ""
	}
	return v.InexactFloat64()
}

func floatCell(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}

func snapshotCell(m map[string]any, key string) any {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return v
}
