// Package splitter turns a document PDF into one single-page PDF per page and
// records each page as a Page Asset.
package splitter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	pdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"

	"invoicerecon/internal"
	"invoicerecon/internal/blob"
)

const MimeTypePDF = "application/pdf"

func init() {
	// pdfcpu would otherwise create a config dir under $HOME on first use.
	api.DisableConfigDir()
}

type Page struct {
	PageNo int
	Data   []byte
	Hash   string
}

type Result struct {
	PageCount      int
	ProcessedPages int
	Pages          []Page
}

func newConfig() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

// Split cuts content into single-page PDFs, at most maxPages of them (no cap
// when maxPages <= 0). A document whose page tree cannot be read is treated as
// one page made of the whole input.
func Split(ctx context.Context, content []byte, maxPages int, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pageCount, err := countPages(content)
	if err != nil || pageCount < 1 {
		logger.Warn("Page count unavailable, treating document as a single page.",
			"error", err, "probePages", probePageCount(content))
		return Result{
			PageCount:      1,
			ProcessedPages: 1,
			Pages:          []Page{newPage(1, content)},
		}, nil
	}

	processed := pageCount
	if maxPages > 0 && processed > maxPages {
		processed = maxPages
		logger.Info("Page cap reached, trailing pages ignored.", "pageCount", pageCount, "maxPages", maxPages)
	}

	pages := make([]Page, 0, processed)
	for n := 1; n <= processed; n++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		var out bytes.Buffer
		if err := api.Trim(bytes.NewReader(content), &out, []string{strconv.Itoa(n)}, newConfig()); err != nil {
			return Result{}, fmt.Errorf("extract page %d: %w", n, err)
		}
		pages = append(pages, newPage(n, out.Bytes()))
	}

	return Result{PageCount: pageCount, ProcessedPages: processed, Pages: pages}, nil
}

func countPages(content []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("page count: %v", r)
		}
	}()
	return api.PageCount(bytes.NewReader(content), newConfig())
}

func newPage(n int, data []byte) Page {
	return Page{PageNo: n, Data: data, Hash: contentHash(data)}
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// probePageCount asks a second parser for the page count; only used to make
// the single-page fallback visible in logs. Returns 0 when unknown.
func probePageCount(content []byte) (n int) {
	defer func() {
		if recover() != nil {
			n = 0
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return 0
	}
	return r.NumPage()
}

// AssetWriter persists the page mapping.
type AssetWriter interface {
	UpsertPageAsset(ctx context.Context, asset internal.PageAsset) error
}

type Splitter struct {
	store       blob.Store
	assets      AssetWriter
	maxPages    int
	uploadLimit int
	logger      *slog.Logger
}

func New(store blob.Store, assets AssetWriter, maxPages, uploadLimit int, logger *slog.Logger) *Splitter {
	if uploadLimit <= 0 {
		uploadLimit = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Splitter{store: store, assets: assets, maxPages: maxPages, uploadLimit: uploadLimit, logger: logger}
}

// Prepare splits the document, uploads each page under its deterministic key
// and upserts the Page Asset rows. Running it again overwrites in place.
func (s *Splitter) Prepare(ctx context.Context, documentID string, content []byte) (Result, []internal.PageAsset, error) {
	logCtx := s.logger.With("documentId", documentID)

	res, err := Split(ctx, content, s.maxPages, logCtx)
	if err != nil {
		return Result{}, nil, err
	}

	assets := make([]internal.PageAsset, len(res.Pages))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.uploadLimit)
	for i, page := range res.Pages {
		page := page
		key := blob.PageKey(documentID, page.PageNo)
		assets[i] = internal.PageAsset{
			DocumentID:  documentID,
			PageNo:      page.PageNo,
			StorageKey:  key,
			ContentHash: page.Hash,
			ByteSize:    int64(len(page.Data)),
			MimeType:    MimeTypePDF,
		}
		eg.Go(func() error {
			if err := s.store.Put(gctx, key, page.Data, MimeTypePDF); err != nil {
				return fmt.Errorf("page %d: %w", page.PageNo, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Result{}, nil, fmt.Errorf("one or more pages failed to upload: %w", err)
	}

	for _, asset := range assets {
		if err := s.assets.UpsertPageAsset(ctx, asset); err != nil {
			return Result{}, nil, fmt.Errorf("upsert page asset %d: %w", asset.PageNo, err)
		}
	}

	logCtx.Info("Page assets prepared.", "pageCount", res.PageCount, "processedPages", res.ProcessedPages)
	return res, assets, nil
}

var errNoPages = errors.New("no page assets")

// VerifyAssets reports whether stored assets cover pages 1..processed.
func VerifyAssets(assets []internal.PageAsset, processed int) error {
	if processed < 1 {
		return errNoPages
	}
	seen := make(map[int]bool, len(assets))
	for _, a := range assets {
		seen[a.PageNo] = true
	}
	for n := 1; n <= processed; n++ {
		if !seen[n] {
			return fmt.Errorf("page %d: %w", n, errNoPages)
		}
	}
	return nil
}
