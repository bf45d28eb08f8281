// Package ingest registers uploaded invoice PDFs as documents.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"invoicerecon/internal"
	"invoicerecon/internal/blob"
	"invoicerecon/internal/splitter"
	"invoicerecon/internal/storage"
)

var ErrEmptyUpload = errors.New("ingest: empty upload")

type Upload struct {
	Filename string
	Content  []byte
	Source   string
}

type Registration struct {
	Document  internal.Document `json:"document"`
	Duplicate bool              `json:"duplicate"`
}

type Service struct {
	db     *storage.DB
	blobs  blob.Store
	logger *slog.Logger
}

func NewService(db *storage.DB, blobs blob.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, blobs: blobs, logger: logger}
}

func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Register stores the bytes and creates an UPLOADED document, unless a live
// document with the same content already exists.
func (s *Service) Register(ctx context.Context, up Upload) (Registration, error) {
	if len(up.Content) == 0 {
		return Registration{}, ErrEmptyUpload
	}
	hash := ContentHash(up.Content)

	existing, err := s.db.FindDocumentByHash(ctx, hash)
	if err != nil {
		return Registration{}, err
	}
	if existing != nil {
		s.logger.Info("Duplicate upload.", "documentId", existing.ID, "filename", up.Filename)
		return Registration{Document: *existing, Duplicate: true}, nil
	}

	id := uuid.NewString()
	doc := internal.Document{
		ID:          id,
		Filename:    cleanFilename(up.Filename),
		StorageKey:  blob.SourceKey(id),
		ContentHash: hash,
		Source:      up.Source,
		Status:      internal.DocumentUploaded,
	}
	if err := s.blobs.Put(ctx, doc.StorageKey, up.Content, splitter.MimeTypePDF); err != nil {
		return Registration{}, fmt.Errorf("store source: %w", err)
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		return Registration{}, fmt.Errorf("create document: %w", err)
	}

	created, err := s.db.MustDocument(ctx, id)
	if err != nil {
		return Registration{}, err
	}
	s.logger.Info("Document registered.", "documentId", id, "filename", doc.Filename, "source", up.Source, "bytes", len(up.Content))
	return Registration{Document: created}, nil
}

func (s *Service) SoftDelete(ctx context.Context, documentID string) error {
	if err := s.db.SoftDeleteDocument(ctx, documentID); err != nil {
		return err
	}
	s.logger.Info("Document deleted.", "documentId", documentID)
	return nil
}

func cleanFilename(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "document.pdf"
	}
	return name
}
