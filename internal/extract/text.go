package extract

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	pdf "github.com/ledongthuc/pdf"

	"invoicerecon/internal"
	"invoicerecon/internal/util"
)

// TextConfidence is reported for every line the heuristic extractor finds.
const TextConfidence = 0.5

var (
	noisePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^--+$`),
		regexp.MustCompile(`(?i)^(sub)?total\b`),
		regexp.MustCompile(`(?i)^(vat|tax|shipping|discount)\b`),
		regexp.MustCompile(`(?i)^page \d+`),
		regexp.MustCompile(`(?i)^(tel|phone|e-?mail)[:\s]`),
		regexp.MustCompile(`(?i)^http`),
	}
	vendorPattern = regexp.MustCompile(`(?i)^(vendor|supplier|seller|from)\s*[:\-]\s*(.+)$`)
	isoDate       = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	dottedDate    = regexp.MustCompile(`\b(\d{2})[./](\d{2})[./](\d{4})\b`)
	datePrefix    = regexp.MustCompile(`(?i)\b(invoice\s+)?date\b`)
	hasLetters    = regexp.MustCompile(`\p{L}`)
	hasDigit      = regexp.MustCompile(`\d`)
)

// TextExtractor reads the PDF text layer instead of calling a model.
type TextExtractor struct{}

func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

func (TextExtractor) ExtractPage(ctx context.Context, content []byte, pageNo int) (internal.ParsedInvoice, error) {
	if err := ctx.Err(); err != nil {
		return internal.ParsedInvoice{}, err
	}
	text, err := pageText(content)
	if err != nil {
		return internal.ParsedInvoice{}, fmt.Errorf("page %d: read text layer: %w", pageNo, err)
	}
	return ParseText(text), nil
}

func pageText(content []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		t, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(t)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// ParseText builds an invoice from plain text lines: a labelled vendor line,
// the first date found, and every line ending in figures as a product line.
func ParseText(text string) internal.ParsedInvoice {
	out := internal.ParsedInvoice{LineItems: []internal.ExtractedLineItem{}}
	for _, line := range splitLines(text) {
		if out.VendorName == nil {
			if m := vendorPattern.FindStringSubmatch(line); m != nil {
				out.VendorName = util.NonEmptyPtr(m[2])
				continue
			}
		}
		if datePrefix.MatchString(line) || out.InvoiceDate == nil {
			if d := findDate(line); d != "" {
				if out.InvoiceDate == nil {
					out.InvoiceDate = &d
				}
				continue
			}
		}
		if isNoise(line) {
			continue
		}

		parsed := util.ParseLine(line)
		if parsed.Quantity == nil && parsed.Amount == nil {
			continue
		}
		if !hasLetters.MatchString(parsed.Label) {
			continue
		}

		name, spec := splitLabel(parsed.Label)
		item := internal.ExtractedLineItem{
			LineNo:      len(out.LineItems) + 1,
			ProductName: util.NonEmptyPtr(name),
			Spec:        spec,
			Quantity:    parsed.Quantity,
			UnitPrice:   parsed.UnitPrice,
			Amount:      parsed.Amount,
			Confidence:  util.FloatPtr(TextConfidence),
		}
		if item.Amount == nil && item.Quantity != nil && item.UnitPrice != nil {
			a := item.Quantity.Mul(*item.UnitPrice)
			item.Amount = &a
		}
		out.LineItems = append(out.LineItems, item)
	}
	return out
}

// splitLabel moves trailing tokens that carry digits (sizes, model numbers)
// into the spec.
func splitLabel(label string) (string, *string) {
	fields := strings.Fields(label)
	cut := len(fields)
	for cut > 1 && hasDigit.MatchString(fields[cut-1]) {
		cut--
	}
	if cut == len(fields) {
		return label, nil
	}
	return strings.Join(fields[:cut], " "), util.NonEmptyPtr(strings.Join(fields[cut:], " "))
}

func findDate(line string) string {
	if m := isoDate.FindStringSubmatch(line); m != nil {
		return m[0]
	}
	if m := dottedDate.FindStringSubmatch(line); m != nil {
		return fmt.Sprintf("%s-%s-%s", m[3], m[2], m[1])
	}
	return ""
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := strings.Split(text, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = util.CollapseSpaces(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isNoise(line string) bool {
	for _, re := range noisePatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
