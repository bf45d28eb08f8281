// Package catalog seeds and refreshes the product master from files and a
// remote catalog, and offers fuzzy lookups over it.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"invoicerecon/internal"
	"invoicerecon/internal/config"
	"invoicerecon/internal/reconcile"
	"invoicerecon/internal/storage"
	"invoicerecon/internal/util"
)

const lastSyncKey = "catalog.last_sync"

type ImportStats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Prices  int `json:"prices"`
	Skipped int `json:"skipped"`
}

type Service struct {
	db     *storage.DB
	client *Client
	logger *slog.Logger
}

func NewService(db *storage.DB, cfg config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, client: NewClient(cfg), logger: logger}
}

// ImportFile reads a .yaml/.yml or .xlsx product list and applies it.
func (s *Service) ImportFile(ctx context.Context, path string) (ImportStats, error) {
	var rows []Row
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		rows, err = ReadYAML(path)
	case ".xlsx":
		rows, err = ReadXLSX(path)
	default:
		return ImportStats{}, fmt.Errorf("unsupported catalog file: %s", path)
	}
	if err != nil {
		return ImportStats{}, err
	}
	return s.Apply(ctx, rows, filepath.Base(path))
}

// Sync pulls the remote catalog and applies it.
func (s *Service) Sync(ctx context.Context) (ImportStats, error) {
	rows, err := s.client.FetchAll(ctx)
	if err != nil {
		return ImportStats{}, err
	}
	stats, err := s.Apply(ctx, rows, "catalog-sync")
	if err != nil {
		return ImportStats{}, err
	}
	_ = s.db.SetMetadata(ctx, lastSyncKey, time.Now().UTC().Format(time.RFC3339))
	return stats, nil
}

// Apply upserts rows by product key in one transaction. New products get a
// product_create history row; vendor prices follow the same recency rule as
// invoices.
func (s *Service) Apply(ctx context.Context, rows []Row, source string) (ImportStats, error) {
	var stats ImportStats
	err := s.db.WithTx(ctx, func(tx *storage.Tx) error {
		for _, row := range rows {
			if err := applyRow(ctx, tx, row.trimmed(), source, &stats); err != nil {
				return fmt.Errorf("%s: %w", row.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return ImportStats{}, err
	}
	s.logger.Info("Catalog applied.", "source", source, "created", stats.Created, "updated", stats.Updated, "prices", stats.Prices, "skipped", stats.Skipped)
	return stats, nil
}

func applyRow(ctx context.Context, tx *storage.Tx, row Row, source string, stats *ImportStats) error {
	name := util.NonEmptyPtr(row.Name)
	spec := util.NonEmptyPtr(row.Spec)
	key := reconcile.ProductKey(name, spec)
	if name == nil || key == "" {
		stats.Skipped++
		return nil
	}

	var price *decimal.Decimal
	if p, ok := util.ParseNumber(row.UnitPrice); ok {
		price = &p
	}
	sourceID := util.StringPtr(util.FirstNonEmpty(row.SourceID, source))

	existing, err := tx.GetProductByKey(ctx, key)
	if err != nil {
		return err
	}
	var productID string
	if existing == nil {
		flag := internal.QualityOK
		if spec == nil {
			flag = internal.QualityWarnKeyWeak
		}
		p := internal.Product{
			ID:                  reconcile.ProductID(key),
			ProductKey:          key,
			Name:                *name,
			Spec:                spec,
			Category:            util.NonEmptyPtr(row.Category),
			DefaultUnitPrice:    price,
			QualityFlag:         flag,
			LastUpdatedSource:   internal.SourceImport,
			LastUpdatedSourceID: sourceID,
		}
		if _, err := tx.InsertProduct(ctx, p); err != nil {
			return err
		}
		if _, err := tx.InsertUpdateHistory(ctx, internal.UpdateHistory{
			IdempotencyKey: "import:" + p.ID + ":" + internal.FieldProductCreate,
			ProductID:      p.ID,
			FieldName:      internal.FieldProductCreate,
			Before:         map[string]any{},
			After: map[string]any{
				"productKey":  key,
				"name":        *name,
				"spec":        spec,
				"category":    p.Category,
				"qualityFlag": string(flag),
				"source":      source,
			},
			SourceType: internal.SourceImport,
		}); err != nil {
			return err
		}
		productID = p.ID
		stats.Created++
	} else {
		if err := tx.UpdateProductFromImport(ctx, existing.ID, util.NonEmptyPtr(row.Category), price, sourceID); err != nil {
			return err
		}
		productID = existing.ID
		stats.Updated++
	}

	vendor := strings.TrimSpace(row.Vendor)
	if vendor == "" || price == nil {
		return nil
	}
	date := NormalizeDate(row.PriceDate)
	current, err := tx.GetVendorPrice(ctx, productID, vendor)
	if err != nil {
		return err
	}
	if current != nil && !reconcile.IsNewer(date, current.PriceUpdatedOn) {
		return nil
	}
	if err := tx.UpsertVendorPrice(ctx, internal.VendorPrice{
		ProductID:      productID,
		VendorName:     vendor,
		UnitPrice:      *price,
		PriceUpdatedOn: date,
		SourceType:     internal.SourceImport,
		SourceID:       sourceID,
	}); err != nil {
		return err
	}
	stats.Prices++
	return nil
}

// LoadIndex builds a fuzzy index over the current product master.
func LoadIndex(ctx context.Context, db *storage.DB) (*Index, error) {
	products, err := db.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	return BuildIndex(products), nil
}

var dateLayouts = []string{"2006-01-02", "02.01.2006", "2006/01/02", "01/02/2006"}

// NormalizeDate renders a recognised date as YYYY-MM-DD.
func NormalizeDate(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			out := t.Format("2006-01-02")
			return &out
		}
	}
	return nil
}
