package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"invoicerecon/internal"
)

const productColumns = `id, product_key, name, spec, category, default_unit_price, quality_flag, last_updated_at, last_updated_source, last_updated_source_id`

func scanProduct(row interface{ Scan(...any) error }) (internal.Product, error) {
	var p internal.Product
	var spec, category, price, sourceID sql.NullString
	var flag, updatedAt string
	if err := row.Scan(&p.ID, &p.ProductKey, &p.Name, &spec, &category, &price, &flag,
		&updatedAt, &p.LastUpdatedSource, &sourceID); err != nil {
		return internal.Product{}, err
	}
	p.Spec = nullString(spec)
	p.Category = nullString(category)
	p.DefaultUnitPrice = nullDecimal(price)
	p.QualityFlag = internal.QualityFlag(flag)
	p.LastUpdatedAt = parseTime(updatedAt)
	p.LastUpdatedSourceID = nullString(sourceID)
	return p, nil
}

func (s queries) GetProduct(ctx context.Context, id string) (*internal.Product, error) {
	p, err := scanProduct(s.queryRow(ctx, `SELECT `+productColumns+` FROM product_master WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s queries) GetProductByKey(ctx context.Context, productKey string) (*internal.Product, error) {
	p, err := scanProduct(s.queryRow(ctx, `SELECT `+productColumns+` FROM product_master WHERE product_key = ?`, productKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s queries) ListProducts(ctx context.Context) ([]internal.Product, error) {
	rows, err := s.query(ctx, `SELECT `+productColumns+` FROM product_master ORDER BY product_key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertProduct creates a product unless its key already exists. It reports
// whether a row was written.
func (s queries) InsertProduct(ctx context.Context, p internal.Product) (bool, error) {
	if p.LastUpdatedAt.IsZero() {
		p.LastUpdatedAt = time.Now()
	}
	res, err := s.exec(ctx, `
INSERT INTO product_master (
  id, product_key, name, spec, category, default_unit_price, quality_flag,
  last_updated_at, last_updated_source, last_updated_source_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(product_key) DO NOTHING
`, p.ID, p.ProductKey, p.Name, stringArg(p.Spec), stringArg(p.Category), decimalArg(p.DefaultUnitPrice),
		string(p.QualityFlag), formatTime(p.LastUpdatedAt), p.LastUpdatedSource, stringArg(p.LastUpdatedSourceID))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateProductFromImport refreshes the descriptive columns of an existing
// product from a catalog row.
func (s queries) UpdateProductFromImport(ctx context.Context, id string, category *string, defaultPrice *decimal.Decimal, sourceID *string) error {
	_, err := s.exec(ctx, `
UPDATE product_master
SET category = COALESCE(?, category),
    default_unit_price = COALESCE(?, default_unit_price),
    last_updated_at = ?, last_updated_source = ?, last_updated_source_id = ?
WHERE id = ?
`, stringArg(category), decimalArg(defaultPrice), formatTime(time.Now()), internal.SourceImport, stringArg(sourceID), id)
	return err
}

func (s queries) UpdateProductSpec(ctx context.Context, id string, spec string, source, sourceID string) error {
	_, err := s.exec(ctx, `
UPDATE product_master
SET spec = ?, last_updated_at = ?, last_updated_source = ?, last_updated_source_id = ?
WHERE id = ?
`, spec, formatTime(time.Now()), source, sourceID, id)
	return err
}

// TouchProduct stamps last-updated metadata after a vendor price change.
func (s queries) TouchProduct(ctx context.Context, id string, source, sourceID string) error {
	_, err := s.exec(ctx, `
UPDATE product_master
SET last_updated_at = ?, last_updated_source = ?, last_updated_source_id = ?
WHERE id = ?
`, formatTime(time.Now()), source, sourceID, id)
	return err
}

func (s queries) GetVendorPrice(ctx context.Context, productID, vendorName string) (*internal.VendorPrice, error) {
	var vp internal.VendorPrice
	var price, updatedAt string
	var priceDate, sourceID sql.NullString
	err := s.queryRow(ctx, `
SELECT product_id, vendor_name, unit_price, price_updated_on, source_type, source_id, updated_at
FROM vendor_prices WHERE product_id = ? AND vendor_name = ?
`, productID, vendorName).Scan(&vp.ProductID, &vp.VendorName, &price, &priceDate, &vp.SourceType, &sourceID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	vp.UnitPrice, err = decimal.NewFromString(price)
	if err != nil {
		return nil, err
	}
	vp.PriceUpdatedOn = nullString(priceDate)
	vp.SourceID = nullString(sourceID)
	vp.UpdatedAt = parseTime(updatedAt)
	return &vp, nil
}

func (s queries) UpsertVendorPrice(ctx context.Context, vp internal.VendorPrice) error {
	_, err := s.exec(ctx, `
INSERT INTO vendor_prices (product_id, vendor_name, unit_price, price_updated_on, source_type, source_id, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(product_id, vendor_name) DO UPDATE SET
  unit_price = excluded.unit_price,
  price_updated_on = excluded.price_updated_on,
  source_type = excluded.source_type,
  source_id = excluded.source_id,
  updated_at = excluded.updated_at
`, vp.ProductID, vp.VendorName, decimalArg(&vp.UnitPrice), stringArg(vp.PriceUpdatedOn), vp.SourceType,
		stringArg(vp.SourceID), formatTime(time.Now()))
	return err
}

// InsertUpdateHistory appends an audit row; a repeated idempotency key is
// ignored and reported as false.
func (s queries) InsertUpdateHistory(ctx context.Context, h internal.UpdateHistory) (bool, error) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	res, err := s.exec(ctx, `
INSERT INTO update_history (idempotency_key, parse_run_id, product_id, field_name, before_json, after_json, source_type, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(idempotency_key) DO NOTHING
`, h.IdempotencyKey, stringArg(h.ParseRunID), h.ProductID, h.FieldName, marshalJSON(h.Before), marshalJSON(h.After),
		h.SourceType, formatTime(h.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const historyColumns = `idempotency_key, parse_run_id, product_id, field_name, before_json, after_json, source_type, created_at`

func scanHistory(row interface{ Scan(...any) error }) (internal.UpdateHistory, error) {
	var h internal.UpdateHistory
	var runID sql.NullString
	var beforeJSON, afterJSON, createdAt string
	if err := row.Scan(&h.IdempotencyKey, &runID, &h.ProductID, &h.FieldName, &beforeJSON, &afterJSON,
		&h.SourceType, &createdAt); err != nil {
		return internal.UpdateHistory{}, err
	}
	h.ParseRunID = nullString(runID)
	h.Before = unmarshalMap(beforeJSON)
	h.After = unmarshalMap(afterJSON)
	h.CreatedAt = parseTime(createdAt)
	return h, nil
}

// ListRunHistoryForProduct returns the audit rows one parse run wrote for a product.
func (s queries) ListRunHistoryForProduct(ctx context.Context, parseRunID, productID string) ([]internal.UpdateHistory, error) {
	return s.listHistory(ctx, `
SELECT `+historyColumns+` FROM update_history
WHERE parse_run_id = ? AND product_id = ? ORDER BY created_at ASC`, parseRunID, productID)
}

func (s queries) ListProductHistory(ctx context.Context, productID string) ([]internal.UpdateHistory, error) {
	return s.listHistory(ctx, `
SELECT `+historyColumns+` FROM update_history WHERE product_id = ? ORDER BY created_at ASC`, productID)
}

func (s queries) listHistory(ctx context.Context, query string, args ...any) ([]internal.UpdateHistory, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.UpdateHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s queries) CountUpdateHistory(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM update_history`).Scan(&n)
	return n, err
}
