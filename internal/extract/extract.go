// Package extract turns one single-page PDF into a ParsedInvoice.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"invoicerecon/internal"
	"invoicerecon/internal/util"
)

// ErrInvalidPayload marks a response that does not match the invoice schema.
// It is never worth retrying.
var ErrInvalidPayload = errors.New("extract: invalid payload")

type Extractor interface {
	ExtractPage(ctx context.Context, content []byte, pageNo int) (internal.ParsedInvoice, error)
}

type rawLineItem struct {
	LineNo      *int            `json:"lineNo"`
	ProductName *string         `json:"productName"`
	Spec        *string         `json:"spec"`
	Quantity    json.RawMessage `json:"quantity"`
	UnitPrice   json.RawMessage `json:"unitPrice"`
	Amount      json.RawMessage `json:"amount"`
	Confidence  *float64        `json:"confidence"`
}

type rawInvoice struct {
	VendorName  *string       `json:"vendorName"`
	InvoiceDate *string       `json:"invoiceDate"`
	LineItems   []rawLineItem `json:"lineItems"`
}

// ParsePayload validates a model response against the invoice schema and
// decodes it. Markdown code fences around the JSON are tolerated.
func ParsePayload(raw []byte) (internal.ParsedInvoice, error) {
	body := stripFences(raw)
	if len(body) == 0 {
		return internal.ParsedInvoice{}, fmt.Errorf("empty response: %w", ErrInvalidPayload)
	}
	if err := validatePayload(body); err != nil {
		return internal.ParsedInvoice{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var in rawInvoice
	if err := json.Unmarshal(body, &in); err != nil {
		return internal.ParsedInvoice{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	out := internal.ParsedInvoice{
		VendorName:  util.TrimmedOrNil(in.VendorName),
		InvoiceDate: util.TrimmedOrNil(in.InvoiceDate),
		LineItems:   make([]internal.ExtractedLineItem, 0, len(in.LineItems)),
	}
	for i, li := range in.LineItems {
		item := internal.ExtractedLineItem{
			LineNo:      i + 1,
			ProductName: util.TrimmedOrNil(li.ProductName),
			Spec:        util.TrimmedOrNil(li.Spec),
			Confidence:  li.Confidence,
		}
		if li.LineNo != nil {
			item.LineNo = *li.LineNo
		}
		var err error
		if item.Quantity, err = decodeAmount(li.Quantity); err != nil {
			return internal.ParsedInvoice{}, fmt.Errorf("%w: line %d quantity: %v", ErrInvalidPayload, i+1, err)
		}
		if item.UnitPrice, err = decodeAmount(li.UnitPrice); err != nil {
			return internal.ParsedInvoice{}, fmt.Errorf("%w: line %d unitPrice: %v", ErrInvalidPayload, i+1, err)
		}
		if item.Amount, err = decodeAmount(li.Amount); err != nil {
			return internal.ParsedInvoice{}, fmt.Errorf("%w: line %d amount: %v", ErrInvalidPayload, i+1, err)
		}
		out.LineItems = append(out.LineItems, item)
	}
	return out, nil
}

// decodeAmount accepts a JSON number, a formatted numeric string or null.
func decodeAmount(raw json.RawMessage) (*decimal.Decimal, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		d, ok := util.ParseNumber(s)
		if !ok {
			return nil, fmt.Errorf("not a number: %q", s)
		}
		return &d, nil
	}
	d, err := decimal.NewFromString(string(trimmed))
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func stripFences(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return []byte(strings.TrimSpace(s))
}
