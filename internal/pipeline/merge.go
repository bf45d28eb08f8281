package pipeline

import (
	"invoicerecon/internal"
	"invoicerecon/internal/util"
)

// Merge combines page results given in ascending page order. Vendor name and
// invoice date come from the first page that has one; line items are
// concatenated and renumbered from 1.
func Merge(pages []internal.ParsedInvoice) internal.ParsedInvoice {
	out := internal.ParsedInvoice{LineItems: []internal.ExtractedLineItem{}}
	for _, page := range pages {
		if out.VendorName == nil {
			out.VendorName = util.TrimmedOrNil(page.VendorName)
		}
		if out.InvoiceDate == nil {
			out.InvoiceDate = util.TrimmedOrNil(page.InvoiceDate)
		}
		for _, item := range page.LineItems {
			item.LineNo = len(out.LineItems) + 1
			out.LineItems = append(out.LineItems, item)
		}
	}
	return out
}

// ClassifyRun maps page outcomes onto a run status.
func ClassifyRun(succeeded, failed int) internal.RunStatus {
	switch {
	case succeeded == 0:
		return internal.RunFailed
	case failed > 0:
		return internal.RunPartial
	default:
		return internal.RunSucceeded
	}
}
