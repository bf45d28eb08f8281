package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
)

const (
	gcsMaxAttempts  = 4
	gcsWriteTimeout = 50 * time.Second
)

type GCSStore struct {
	client *storage.Client
	bucket string
}

func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// NewGCSStoreWithClient wraps an existing client, e.g. one shared by a
// function instance.
func NewGCSStoreWithClient(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	return ReadObject(ctx, s.client, s.bucket, key)
}

// ReadObject reads a whole object from any bucket.
func ReadObject(ctx context.Context, client *storage.Client, bucket, key string) ([]byte, error) {
	r, err := client.Bucket(bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("gs://%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Put uploads with a doubling backoff between attempts.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	backoff := time.Second
	var lastErr error

	for i := 0; i < gcsMaxAttempts; i++ {
		err := s.write(ctx, key, data, contentType)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("Upload failed, will retry.", "gcsObject", key, "attempt", i+1, "maxAttempts", gcsMaxAttempts,
			"backoff", backoff.String(), "error", err)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload for %s failed after all retries: %w", key, lastErr)
}

func (s *GCSStore) write(ctx context.Context, key string, data []byte, contentType string) error {
	writeCtx, cancel := context.WithTimeout(ctx, gcsWriteTimeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(writeCtx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("io.Copy to GCS failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer (finalize upload): %w", err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
