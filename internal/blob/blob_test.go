package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "documents/d1/pages/page-3.pdf", PageKey("d1", 3))
	assert.Equal(t, "documents/d1/source.pdf", SourceKey("d1"))
	assert.Equal(t, "mail/abc.eml", MailKey("abc"))
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())

	_, err := s.Get(ctx, PageKey("d1", 1))
	assert.True(t, errors.Is(err, ErrObjectNotFound))

	require.NoError(t, s.Put(ctx, PageKey("d1", 1), []byte("one"), "application/pdf"))
	require.NoError(t, s.Put(ctx, PageKey("d1", 1), []byte("two"), "application/pdf"))
	got, err := s.Get(ctx, PageKey("d1", 1))
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	assert.Error(t, s.Put(ctx, "../escape", []byte("x"), ""))
}
