package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoicerecon/internal"
	"invoicerecon/internal/blob"
	"invoicerecon/internal/storage"
)

func newService(t *testing.T) (*Service, *storage.DB, *blob.LocalStore) {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := blob.NewLocalStore(filepath.Join(dir, "blobs"))
	return NewService(db, store, nil), db, store
}

func TestRegisterStoresAndDedupes(t *testing.T) {
	svc, _, store := newService(t)
	ctx := context.Background()
	content := []byte("%PDF-1.4 invoice")

	first, err := svc.Register(ctx, Upload{Filename: "../in/invoice.pdf", Content: content, Source: "upload"})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, internal.DocumentUploaded, first.Document.Status)
	assert.Equal(t, "invoice.pdf", first.Document.Filename)
	assert.Equal(t, ContentHash(content), first.Document.ContentHash)

	stored, err := store.Get(ctx, blob.SourceKey(first.Document.ID))
	require.NoError(t, err)
	assert.Equal(t, content, stored)

	second, err := svc.Register(ctx, Upload{Filename: "copy.pdf", Content: content})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Document.ID, second.Document.ID)
}

func TestRegisterAfterDeleteCreatesNewDocument(t *testing.T) {
	svc, db, _ := newService(t)
	ctx := context.Background()
	content := []byte("%PDF-1.4 again")

	first, err := svc.Register(ctx, Upload{Filename: "a.pdf", Content: content})
	require.NoError(t, err)
	require.NoError(t, svc.SoftDelete(ctx, first.Document.ID))

	doc, err := db.MustDocument(ctx, first.Document.ID)
	require.NoError(t, err)
	assert.True(t, doc.Deleted)
	assert.Equal(t, internal.DocumentDeleted, doc.Status)

	second, err := svc.Register(ctx, Upload{Filename: "a.pdf", Content: content})
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.Document.ID, second.Document.ID)

	err = svc.SoftDelete(ctx, first.Document.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestRegisterRejectsEmpty(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Register(context.Background(), Upload{Filename: "a.pdf"})
	assert.ErrorIs(t, err, ErrEmptyUpload)
}
