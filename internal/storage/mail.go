package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"invoicerecon/internal"
)

const (
	MailFetched   = "fetched"
	MailProcessed = "processed"
	MailIgnored   = "ignored"
	MailFailed    = "failed"
)

const mailColumns = `id, provider, message_id, subject, sender, received_at, hash, status, raw_key`

func scanMail(row interface{ Scan(...any) error }) (internal.MailMessage, error) {
	var m internal.MailMessage
	err := row.Scan(&m.ID, &m.Provider, &m.MessageID, &m.Subject, &m.Sender, &m.ReceivedAt, &m.Hash, &m.Status, &m.RawKey)
	return m, err
}

// UpsertMailMessage records a fetched message once per (provider, messageId).
// An existing row keeps its status.
func (s queries) UpsertMailMessage(ctx context.Context, msg internal.FetchedMailMessage, hash, rawKey string) (internal.MailMessage, error) {
	now := formatTime(time.Now())
	_, err := s.exec(ctx, `
INSERT INTO mail_messages (id, provider, message_id, subject, sender, received_at, hash, status, raw_key, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, message_id) DO UPDATE SET
  subject = excluded.subject,
  sender = excluded.sender,
  received_at = excluded.received_at,
  hash = excluded.hash,
  raw_key = excluded.raw_key,
  updated_at = excluded.updated_at
`, uuid.NewString(), msg.Provider, msg.MessageID, msg.Subject, msg.From, msg.ReceivedAt, hash, MailFetched, rawKey, now, now)
	if err != nil {
		return internal.MailMessage{}, err
	}

	row, err := s.GetMailMessage(ctx, msg.Provider, msg.MessageID)
	if err != nil {
		return internal.MailMessage{}, err
	}
	if row == nil {
		return internal.MailMessage{}, errors.New("failed to upsert mail message")
	}
	return *row, nil
}

func (s queries) GetMailMessage(ctx context.Context, provider, messageID string) (*internal.MailMessage, error) {
	m, err := scanMail(s.queryRow(ctx, `
SELECT `+mailColumns+` FROM mail_messages WHERE provider = ? AND message_id = ?`, provider, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s queries) ListMailByStatus(ctx context.Context, status string, limit int) ([]internal.MailMessage, error) {
	rows, err := s.query(ctx, `
SELECT `+mailColumns+` FROM mail_messages WHERE status = ? ORDER BY received_at ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.MailMessage
	for rows.Next() {
		m, err := scanMail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s queries) UpdateMailStatus(ctx context.Context, id, status string) error {
	_, err := s.exec(ctx, `UPDATE mail_messages SET status = ?, updated_at = ? WHERE id = ?`, status, formatTime(time.Now()), id)
	return err
}
