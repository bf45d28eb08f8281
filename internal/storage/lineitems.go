package storage

import (
	"context"
	"database/sql"

	"invoicerecon/internal"
)

// DeleteRunOutputs removes the line and diff rows of a run ahead of a
// re-finalize.
func (s queries) DeleteRunOutputs(ctx context.Context, parseRunID string) error {
	if _, err := s.exec(ctx, `DELETE FROM document_diff_items WHERE parse_run_id = ?`, parseRunID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `DELETE FROM document_line_items WHERE parse_run_id = ?`, parseRunID)
	return err
}

func (s queries) InsertLineItem(ctx context.Context, item internal.LineItem) error {
	_, err := s.exec(ctx, `
INSERT INTO document_line_items (
  id, parse_run_id, line_no, raw_product_name, raw_spec, product_key,
  quantity, unit_price, amount, model_confidence, system_confidence, matched_product_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, item.ID, item.ParseRunID, item.LineNo, stringArg(item.RawProductName), stringArg(item.RawSpec), item.ProductKey,
		decimalArg(item.Quantity), decimalArg(item.UnitPrice), decimalArg(item.Amount),
		floatArg(item.ModelConfidence), item.SystemConfidence, stringArg(item.MatchedProductID))
	return err
}

func (s queries) InsertDiffItem(ctx context.Context, item internal.DiffItem) error {
	var reason *string
	if item.ReasonCode != nil {
		r := string(*item.ReasonCode)
		reason = &r
	}
	_, err := s.exec(ctx, `
INSERT INTO document_diff_items (
  id, parse_run_id, line_item_id, line_no, classification, reason_code,
  vendor_name, invoice_date, before_json, after_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, item.ID, item.ParseRunID, item.LineItemID, item.LineNo, string(item.Classification), stringArg(reason),
		stringArg(item.VendorName), stringArg(item.InvoiceDate), marshalJSON(item.Before), marshalJSON(item.After))
	return err
}

const lineItemColumns = `id, parse_run_id, line_no, raw_product_name, raw_spec, product_key, quantity, unit_price, amount, model_confidence, system_confidence, matched_product_id`

func scanLineItem(row interface{ Scan(...any) error }) (internal.LineItem, error) {
	var it internal.LineItem
	var name, spec, qty, price, amount, matched sql.NullString
	var modelConf sql.NullFloat64
	if err := row.Scan(&it.ID, &it.ParseRunID, &it.LineNo, &name, &spec, &it.ProductKey,
		&qty, &price, &amount, &modelConf, &it.SystemConfidence, &matched); err != nil {
		return internal.LineItem{}, err
	}
	it.RawProductName = nullString(name)
	it.RawSpec = nullString(spec)
	it.Quantity = nullDecimal(qty)
	it.UnitPrice = nullDecimal(price)
	it.Amount = nullDecimal(amount)
	it.ModelConfidence = nullFloat(modelConf)
	it.MatchedProductID = nullString(matched)
	return it, nil
}

func (s queries) ListLineItems(ctx context.Context, parseRunID string) ([]internal.LineItem, error) {
	rows, err := s.query(ctx, `
SELECT `+lineItemColumns+` FROM document_line_items WHERE parse_run_id = ? ORDER BY line_no ASC`, parseRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.LineItem
	for rows.Next() {
		it, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

const diffColumns = `id, parse_run_id, line_item_id, line_no, classification, reason_code, vendor_name, invoice_date, before_json, after_json`

func scanDiffItem(row interface{ Scan(...any) error }) (internal.DiffItem, error) {
	var d internal.DiffItem
	var classification, beforeJSON, afterJSON string
	var reason, vendor, invoiceDate sql.NullString
	if err := row.Scan(&d.ID, &d.ParseRunID, &d.LineItemID, &d.LineNo, &classification, &reason,
		&vendor, &invoiceDate, &beforeJSON, &afterJSON); err != nil {
		return internal.DiffItem{}, err
	}
	d.Classification = internal.Classification(classification)
	if reason.Valid {
		rc := internal.ReasonCode(reason.String)
		d.ReasonCode = &rc
	}
	d.VendorName = nullString(vendor)
	d.InvoiceDate = nullString(invoiceDate)
	d.Before = unmarshalMap(beforeJSON)
	d.After = unmarshalMap(afterJSON)
	return d, nil
}

func (s queries) ListDiffItems(ctx context.Context, parseRunID string) ([]internal.DiffItem, error) {
	rows, err := s.query(ctx, `
SELECT `+diffColumns+` FROM document_diff_items WHERE parse_run_id = ? ORDER BY line_no ASC`, parseRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.DiffItem
	for rows.Next() {
		d, err := scanDiffItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDiffExportRows joins every diff row of a run with its line item.
func (s queries) GetDiffExportRows(ctx context.Context, parseRunID string) ([]internal.DiffExportRow, error) {
	rows, err := s.query(ctx, `
SELECT d.line_no, l.raw_product_name, l.raw_spec, l.quantity, l.unit_price, l.amount,
       l.model_confidence, l.system_confidence, d.classification, d.reason_code,
       l.matched_product_id, d.vendor_name, d.invoice_date, d.before_json, d.after_json
FROM document_diff_items d
JOIN document_line_items l ON l.id = d.line_item_id
WHERE d.parse_run_id = ?
ORDER BY d.line_no ASC`, parseRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.DiffExportRow
	for rows.Next() {
		var r internal.DiffExportRow
		var name, spec, qty, price, amount, reason, productID, vendor, invoiceDate sql.NullString
		var modelConf sql.NullFloat64
		var beforeJSON, afterJSON string
		if err := rows.Scan(&r.LineNo, &name, &spec, &qty, &price, &amount, &modelConf, &r.SystemConfidence,
			&r.Classification, &reason, &productID, &vendor, &invoiceDate, &beforeJSON, &afterJSON); err != nil {
			return nil, err
		}
		r.RawProductName = nullString(name)
		r.RawSpec = nullString(spec)
		r.Quantity = nullDecimal(qty)
		r.UnitPrice = nullDecimal(price)
		r.Amount = nullDecimal(amount)
		r.ModelConfidence = nullFloat(modelConf)
		r.ReasonCode = nullString(reason)
		r.ProductID = nullString(productID)
		r.VendorName = nullString(vendor)
		r.InvoiceDate = nullString(invoiceDate)
		r.Before = unmarshalMap(beforeJSON)
		r.After = unmarshalMap(afterJSON)
		out = append(out, r)
	}
	return out, rows.Err()
}
