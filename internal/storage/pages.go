package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"invoicerecon/internal"
)

// UpsertPageAsset replaces any previous asset for (documentId, pageNo).
func (s queries) UpsertPageAsset(ctx context.Context, asset internal.PageAsset) error {
	_, err := s.exec(ctx, `
INSERT INTO document_page_assets (document_id, page_no, storage_key, content_hash, byte_size, mime_type, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(document_id, page_no) DO UPDATE SET
  storage_key = excluded.storage_key,
  content_hash = excluded.content_hash,
  byte_size = excluded.byte_size,
  mime_type = excluded.mime_type,
  updated_at = excluded.updated_at
`, asset.DocumentID, asset.PageNo, asset.StorageKey, asset.ContentHash, asset.ByteSize, asset.MimeType, formatTime(time.Now()))
	return err
}

func (s queries) GetPageAsset(ctx context.Context, documentID string, pageNo int) (*internal.PageAsset, error) {
	var a internal.PageAsset
	err := s.queryRow(ctx, `
SELECT document_id, page_no, storage_key, content_hash, byte_size, mime_type
FROM document_page_assets WHERE document_id = ? AND page_no = ?
`, documentID, pageNo).Scan(&a.DocumentID, &a.PageNo, &a.StorageKey, &a.ContentHash, &a.ByteSize, &a.MimeType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s queries) ListPageAssets(ctx context.Context, documentID string) ([]internal.PageAsset, error) {
	rows, err := s.query(ctx, `
SELECT document_id, page_no, storage_key, content_hash, byte_size, mime_type
FROM document_page_assets WHERE document_id = ? ORDER BY page_no ASC
`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.PageAsset
	for rows.Next() {
		var a internal.PageAsset
		if err := rows.Scan(&a.DocumentID, &a.PageNo, &a.StorageKey, &a.ContentHash, &a.ByteSize, &a.MimeType); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const pageColumns = `parse_run_id, page_no, status, parsed_json, error_summary, step_id, attempt, started_at, finished_at`

func scanParsePage(row interface{ Scan(...any) error }) (internal.ParsePage, error) {
	var p internal.ParsePage
	var status string
	var parsed, errSummary, startedAt, finishedAt sql.NullString
	if err := row.Scan(&p.ParseRunID, &p.PageNo, &status, &parsed, &errSummary, &p.StepID, &p.Attempt, &startedAt, &finishedAt); err != nil {
		return internal.ParsePage{}, err
	}
	p.Status = internal.PageStatus(status)
	p.ParsedJSON = nullString(parsed)
	p.ErrorSummary = nullString(errSummary)
	p.StartedAt = nullTime(startedAt)
	p.FinishedAt = nullTime(finishedAt)
	return p, nil
}

func (s queries) GetParsePage(ctx context.Context, parseRunID string, pageNo int) (*internal.ParsePage, error) {
	p, err := scanParsePage(s.queryRow(ctx, `
SELECT `+pageColumns+` FROM document_parse_pages WHERE parse_run_id = ? AND page_no = ?
`, parseRunID, pageNo))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s queries) ListParsePages(ctx context.Context, parseRunID string) ([]internal.ParsePage, error) {
	rows, err := s.query(ctx, `
SELECT `+pageColumns+` FROM document_parse_pages WHERE parse_run_id = ? ORDER BY page_no ASC
`, parseRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ParsePage
	for rows.Next() {
		p, err := scanParsePage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPageRunning records the attempt before any external call is made.
func (s queries) MarkPageRunning(ctx context.Context, parseRunID string, pageNo int, stepID string, attempt int) error {
	_, err := s.exec(ctx, `
INSERT INTO document_parse_pages (parse_run_id, page_no, status, step_id, attempt, started_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(parse_run_id, page_no) DO UPDATE SET
  status = excluded.status,
  step_id = excluded.step_id,
  attempt = excluded.attempt,
  started_at = excluded.started_at,
  error_summary = NULL,
  finished_at = NULL
`, parseRunID, pageNo, string(internal.PageRunning), stepID, attempt, formatTime(time.Now()))
	return err
}

func (s queries) MarkPageSucceeded(ctx context.Context, parseRunID string, pageNo int, parsedJSON string) error {
	_, err := s.exec(ctx, `
UPDATE document_parse_pages SET status = ?, parsed_json = ?, error_summary = NULL, finished_at = ?
WHERE parse_run_id = ? AND page_no = ?
`, string(internal.PageSucceeded), parsedJSON, formatTime(time.Now()), parseRunID, pageNo)
	return err
}

func (s queries) MarkPageFailed(ctx context.Context, parseRunID string, pageNo int, errSummary string) error {
	_, err := s.exec(ctx, `
UPDATE document_parse_pages SET status = ?, error_summary = ?, finished_at = ?
WHERE parse_run_id = ? AND page_no = ?
`, string(internal.PageFailed), errSummary, formatTime(time.Now()), parseRunID, pageNo)
	return err
}
