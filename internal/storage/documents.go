package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"invoicerecon/internal"
)

const documentColumns = `id, filename, storage_key, content_hash, source, status, vendor_name, invoice_date, parse_error_summary, deleted, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (internal.Document, error) {
	var doc internal.Document
	var status, createdAt, updatedAt string
	var vendor, invoiceDate, errSummary sql.NullString
	var deleted int
	if err := row.Scan(&doc.ID, &doc.Filename, &doc.StorageKey, &doc.ContentHash, &doc.Source, &status,
		&vendor, &invoiceDate, &errSummary, &deleted, &createdAt, &updatedAt); err != nil {
		return internal.Document{}, err
	}
	doc.Status = internal.DocumentStatus(status)
	doc.VendorName = nullString(vendor)
	doc.InvoiceDate = nullString(invoiceDate)
	doc.ParseErrorSummary = nullString(errSummary)
	doc.Deleted = deleted != 0
	doc.CreatedAt = parseTime(createdAt)
	doc.UpdatedAt = parseTime(updatedAt)
	return doc, nil
}

func (s queries) CreateDocument(ctx context.Context, doc internal.Document) error {
	now := formatTime(time.Now())
	_, err := s.exec(ctx, `
INSERT INTO documents (id, filename, storage_key, content_hash, source, status, deleted, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
`, doc.ID, doc.Filename, doc.StorageKey, doc.ContentHash, doc.Source, string(doc.Status), now, now)
	return err
}

func (s queries) GetDocument(ctx context.Context, id string) (*internal.Document, error) {
	doc, err := scanDocument(s.queryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s queries) MustDocument(ctx context.Context, id string) (internal.Document, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return internal.Document{}, err
	}
	if doc == nil {
		return internal.Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return *doc, nil
}

// FindDocumentByHash returns the oldest live document with the given content hash.
func (s queries) FindDocumentByHash(ctx context.Context, hash string) (*internal.Document, error) {
	doc, err := scanDocument(s.queryRow(ctx, `
SELECT `+documentColumns+` FROM documents
WHERE content_hash = ? AND deleted = 0
ORDER BY created_at ASC LIMIT 1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s queries) ListDocumentsByStatus(ctx context.Context, status internal.DocumentStatus, limit int) ([]internal.Document, error) {
	rows, err := s.query(ctx, `
SELECT `+documentColumns+` FROM documents
WHERE status = ? AND deleted = 0
ORDER BY created_at ASC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s queries) UpdateDocumentStatus(ctx context.Context, id string, status internal.DocumentStatus, errSummary *string) error {
	_, err := s.exec(ctx, `
UPDATE documents SET status = ?, parse_error_summary = ?, updated_at = ? WHERE id = ?
`, string(status), stringArg(errSummary), formatTime(time.Now()), id)
	return err
}

// FinishDocument records the outcome of a finalized parse run. Deleted
// documents keep their DELETED status.
func (s queries) FinishDocument(ctx context.Context, id string, status internal.DocumentStatus, vendorName, invoiceDate, errSummary *string) error {
	_, err := s.exec(ctx, `
UPDATE documents
SET status = ?, vendor_name = ?, invoice_date = ?, parse_error_summary = ?, updated_at = ?
WHERE id = ? AND deleted = 0
`, string(status), stringArg(vendorName), stringArg(invoiceDate), stringArg(errSummary), formatTime(time.Now()), id)
	return err
}

func (s queries) SoftDeleteDocument(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `
UPDATE documents SET deleted = 1, status = ?, updated_at = ? WHERE id = ? AND deleted = 0
`, string(internal.DocumentDeleted), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}
