package connectors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"invoicerecon/internal"
	"invoicerecon/internal/blob"
	"invoicerecon/internal/storage"
)

// MailStore keeps raw messages content-addressed in the blob store and
// records each one once per (provider, messageId).
type MailStore struct {
	db    *storage.DB
	blobs blob.Store
}

func NewMailStore(db *storage.DB, blobs blob.Store) *MailStore {
	return &MailStore{db: db, blobs: blobs}
}

func (s *MailStore) Store(ctx context.Context, msg internal.FetchedMailMessage) (internal.MailMessage, error) {
	sum := sha256.Sum256(msg.Raw)
	hash := hex.EncodeToString(sum[:])
	key := blob.MailKey(hash)

	_, err := s.blobs.Get(ctx, key)
	switch {
	case errors.Is(err, blob.ErrObjectNotFound):
		if err := s.blobs.Put(ctx, key, msg.Raw, "message/rfc822"); err != nil {
			return internal.MailMessage{}, fmt.Errorf("store raw mail: %w", err)
		}
	case err != nil:
		return internal.MailMessage{}, err
	}
	return s.db.UpsertMailMessage(ctx, msg, hash, key)
}

func (s *MailStore) Raw(ctx context.Context, m internal.MailMessage) ([]byte, error) {
	return s.blobs.Get(ctx, m.RawKey)
}
