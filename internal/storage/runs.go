package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"invoicerecon/internal"
)

const runColumns = `id, document_id, status, model_id, prompt_version, stats_json, error_detail, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (internal.ParseRun, error) {
	var run internal.ParseRun
	var status, statsJSON, startedAt string
	var errDetail, finishedAt sql.NullString
	if err := row.Scan(&run.ID, &run.DocumentID, &status, &run.ModelID, &run.PromptVersion, &statsJSON,
		&errDetail, &startedAt, &finishedAt); err != nil {
		return internal.ParseRun{}, err
	}
	run.Status = internal.RunStatus(status)
	_ = json.Unmarshal([]byte(statsJSON), &run.Stats)
	if run.Stats.FailedPageNos == nil {
		run.Stats.FailedPageNos = []int{}
	}
	run.ErrorDetail = nullString(errDetail)
	run.StartedAt = parseTime(startedAt)
	run.FinishedAt = nullTime(finishedAt)
	return run, nil
}

func (s queries) CreateParseRun(ctx context.Context, run internal.ParseRun) error {
	if run.Stats.FailedPageNos == nil {
		run.Stats.FailedPageNos = []int{}
	}
	_, err := s.exec(ctx, `
INSERT INTO document_parse_runs (id, document_id, status, model_id, prompt_version, stats_json, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, run.ID, run.DocumentID, string(run.Status), run.ModelID, run.PromptVersion, marshalJSON(run.Stats), formatTime(run.StartedAt))
	return err
}

func (s queries) GetParseRun(ctx context.Context, id string) (*internal.ParseRun, error) {
	run, err := scanRun(s.queryRow(ctx, `SELECT `+runColumns+` FROM document_parse_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s queries) MustParseRun(ctx context.Context, id string) (internal.ParseRun, error) {
	run, err := s.GetParseRun(ctx, id)
	if err != nil {
		return internal.ParseRun{}, err
	}
	if run == nil {
		return internal.ParseRun{}, fmt.Errorf("parse run %s: %w", id, ErrNotFound)
	}
	return *run, nil
}

func (s queries) ListParseRuns(ctx context.Context, documentID string) ([]internal.ParseRun, error) {
	rows, err := s.query(ctx, `
SELECT `+runColumns+` FROM document_parse_runs WHERE document_id = ? ORDER BY started_at ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ParseRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListFinishedRunsSince returns runs finalized after the given instant, oldest first.
func (s queries) ListFinishedRunsSince(ctx context.Context, since time.Time, limit int) ([]internal.ParseRun, error) {
	rows, err := s.query(ctx, `
SELECT `+runColumns+` FROM document_parse_runs
WHERE finished_at IS NOT NULL AND finished_at > ? AND status <> ?
ORDER BY finished_at ASC LIMIT ?`, formatTime(since), string(internal.RunRunning), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ParseRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// UpdateRunStats overwrites the stats blob without touching status.
func (s queries) UpdateRunStats(ctx context.Context, id string, stats internal.RunStats) error {
	if stats.FailedPageNos == nil {
		stats.FailedPageNos = []int{}
	}
	_, err := s.exec(ctx, `UPDATE document_parse_runs SET stats_json = ? WHERE id = ?`, marshalJSON(stats), id)
	return err
}

// FinishRun writes the terminal status, stats and error detail of a run.
func (s queries) FinishRun(ctx context.Context, id string, status internal.RunStatus, stats internal.RunStats, errDetail *string) error {
	if stats.FailedPageNos == nil {
		stats.FailedPageNos = []int{}
	}
	_, err := s.exec(ctx, `
UPDATE document_parse_runs SET status = ?, stats_json = ?, error_detail = ?, finished_at = ? WHERE id = ?
`, string(status), marshalJSON(stats), stringArg(errDetail), formatTime(time.Now()), id)
	return err
}

// FailRun marks a run FAILED keeping whatever stats it already has.
func (s queries) FailRun(ctx context.Context, id string, errDetail string) error {
	_, err := s.exec(ctx, `
UPDATE document_parse_runs SET status = ?, error_detail = ?, finished_at = ? WHERE id = ?
`, string(internal.RunFailed), errDetail, formatTime(time.Now()), id)
	return err
}
