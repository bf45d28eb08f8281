package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	raw := "```json\n" + `{
  "vendorName": " ACME Supply ",
  "invoiceDate": "2024-05-01",
  "lineItems": [
    {"lineNo": 4, "productName": "Widget", "spec": "Spec A", "quantity": 2, "unitPrice": "1,250.50", "amount": 2501, "confidence": 0.92},
    {"productName": "Bolt", "spec": "", "quantity": null, "unitPrice": null, "amount": "12,5", "confidence": null}
  ]
}` + "\n```"

	got, err := ParsePayload([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, got.VendorName)
	assert.Equal(t, "ACME Supply", *got.VendorName)
	assert.Equal(t, "2024-05-01", *got.InvoiceDate)
	require.Len(t, got.LineItems, 2)

	first := got.LineItems[0]
	assert.Equal(t, 4, first.LineNo)
	assert.Equal(t, "1250.5", first.UnitPrice.String())
	assert.Equal(t, "2501", first.Amount.String())
	assert.InDelta(t, 0.92, *first.Confidence, 1e-9)

	second := got.LineItems[1]
	assert.Equal(t, 2, second.LineNo)
	assert.Nil(t, second.Spec)
	assert.Nil(t, second.Quantity)
	assert.Equal(t, "12.5", second.Amount.String())
	assert.Nil(t, second.Confidence)
}

func TestParsePayloadRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"not json":       "I am unable to read this page",
		"missing items":  `{"vendorName": "A"}`,
		"bad date":       `{"invoiceDate": "01/05/2024", "lineItems": []}`,
		"bad confidence": `{"lineItems": [{"productName": "A", "confidence": 1.5}]}`,
		"bad number":     `{"lineItems": [{"productName": "A", "quantity": "lots"}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePayload([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPayload))
		})
	}
}

func TestParseText(t *testing.T) {
	text := `Supplier: ACME Supply
Invoice date: 01.05.2024
Description Qty Price Amount
Cable NYM 3x2.5 2 pcs 10.00 20.00
Widget Pro 3 4.50
Subtotal 33.50
Total 33.50`

	got := ParseText(text)
	require.NotNil(t, got.VendorName)
	assert.Equal(t, "ACME Supply", *got.VendorName)
	require.NotNil(t, got.InvoiceDate)
	assert.Equal(t, "2024-05-01", *got.InvoiceDate)
	require.Len(t, got.LineItems, 2)

	cable := got.LineItems[0]
	assert.Equal(t, 1, cable.LineNo)
	assert.Equal(t, "Cable NYM", *cable.ProductName)
	assert.Equal(t, "3x2.5", *cable.Spec)
	assert.Equal(t, "2", cable.Quantity.String())
	assert.Equal(t, "20", cable.Amount.String())
	assert.InDelta(t, TextConfidence, *cable.Confidence, 1e-9)

	widget := got.LineItems[1]
	assert.Equal(t, "Widget Pro", *widget.ProductName)
	assert.Nil(t, widget.Spec)
	assert.Equal(t, "13.5", widget.Amount.String())
}
