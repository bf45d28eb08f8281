package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"invoicerecon/internal/config"
)

// ErrObjectNotFound is returned by Get when the key has no object.
var ErrObjectNotFound = errors.New("blob: object not found")

// Store is a flat key/value object store. Writes overwrite whole objects.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

func SourceKey(documentID string) string {
	return fmt.Sprintf("documents/%s/source.pdf", documentID)
}

func PageKey(documentID string, pageNo int) string {
	return fmt.Sprintf("documents/%s/pages/page-%d.pdf", documentID, pageNo)
}

func MailKey(hash string) string {
	return fmt.Sprintf("mail/%s.eml", hash)
}

// LocalStore keeps objects as files below a root directory.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	return data, err
}

func (s *LocalStore) Put(_ context.Context, key string, data []byte, _ string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// Open builds the store selected by BLOB_BACKEND.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.BlobBackend {
	case "", "local":
		return NewLocalStore(cfg.BlobDir), nil
	case "gcs":
		if err := cfg.Require("GCS_BUCKET", cfg.GCSBucket); err != nil {
			return nil, err
		}
		return NewGCSStore(ctx, cfg.GCSBucket)
	default:
		return nil, fmt.Errorf("unsupported BLOB_BACKEND: %s", cfg.BlobBackend)
	}
}
