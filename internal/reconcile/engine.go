package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"invoicerecon/internal"
	"invoicerecon/internal/util"
)

// UnknownVendor keys vendor prices for invoices without a vendor name.
const UnknownVendor = "UNKNOWN"

const invoiceDateLayout = "2006-01-02"

// Repo is the slice of the relational store reconciliation writes through.
// storage.Tx satisfies it.
type Repo interface {
	GetProductByKey(ctx context.Context, productKey string) (*internal.Product, error)
	InsertProduct(ctx context.Context, p internal.Product) (bool, error)
	UpdateProductSpec(ctx context.Context, id string, spec string, source, sourceID string) error
	TouchProduct(ctx context.Context, id string, source, sourceID string) error
	GetVendorPrice(ctx context.Context, productID, vendorName string) (*internal.VendorPrice, error)
	UpsertVendorPrice(ctx context.Context, vp internal.VendorPrice) error
	InsertUpdateHistory(ctx context.Context, h internal.UpdateHistory) (bool, error)
	ListRunHistoryForProduct(ctx context.Context, parseRunID, productID string) ([]internal.UpdateHistory, error)
}

// Input is one merged invoice of a parse run.
type Input struct {
	ParseRunID  string
	VendorName  *string
	InvoiceDate *string
	Items       []internal.ExtractedLineItem
}

type Result struct {
	LineItems []internal.LineItem
	Diffs     []internal.DiffItem
	// HistoryWritten counts audit rows inserted by this call; rows already
	// present from an earlier finalize are not counted.
	HistoryWritten int
}

type Engine struct {
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// LineItemID and DiffItemID are derived from the run and line number so a
// re-finalize reproduces the same rows.
func LineItemID(parseRunID string, lineNo int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("invoicerecon:line:%s:%d", parseRunID, lineNo))).String()
}

func DiffItemID(parseRunID string, lineNo int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("invoicerecon:diff:%s:%d", parseRunID, lineNo))).String()
}

// ProductID is derived from the product key.
func ProductID(productKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("invoicerecon:product:"+productKey)).String()
}

func HistoryKey(parseRunID, productID, field string) string {
	return parseRunID + ":" + productID + ":" + field
}

type priceState struct {
	price *decimal.Decimal
	date  *string
}

// productState is the view of one product as this run sees it: loaded as it
// stood before the run, then advanced by each decision.
type productState struct {
	exists      bool
	product     internal.Product
	spec        *string
	specWritten bool
	prices      map[string]*priceState
	history     map[string]internal.UpdateHistory
}

type session struct {
	repo        Repo
	runID       string
	vendorKey   string
	vendorName  *string
	invoiceDate *string
	states      map[string]*productState
	result      Result
	logger      *slog.Logger
}

// Reconcile classifies every item and applies the accepted changes through
// repo. Run it inside the transaction that replaces the run's line and diff rows.
func (e *Engine) Reconcile(ctx context.Context, repo Repo, in Input) (Result, error) {
	vendorName := util.TrimmedOrNil(in.VendorName)
	vendorKey := UnknownVendor
	if vendorName != nil {
		vendorKey = *vendorName
	}
	s := &session{
		repo:        repo,
		runID:       in.ParseRunID,
		vendorKey:   vendorKey,
		vendorName:  vendorName,
		invoiceDate: util.TrimmedOrNil(in.InvoiceDate),
		states:      map[string]*productState{},
		result: Result{
			LineItems: make([]internal.LineItem, 0, len(in.Items)),
			Diffs:     make([]internal.DiffItem, 0, len(in.Items)),
		},
		logger: e.logger.With("parseRunId", in.ParseRunID),
	}

	for _, item := range in.Items {
		if err := s.reconcileItem(ctx, item); err != nil {
			return Result{}, fmt.Errorf("line %d: %w", item.LineNo, err)
		}
	}
	return s.result, nil
}

func (s *session) reconcileItem(ctx context.Context, item internal.ExtractedLineItem) error {
	name := util.TrimmedOrNil(item.ProductName)
	spec := util.TrimmedOrNil(item.Spec)
	key := ProductKey(name, spec)
	conf := SystemConfidence(ConfidenceInput{
		ModelConfidence: item.Confidence,
		ProductName:     name,
		Spec:            spec,
		Quantity:        item.Quantity,
		UnitPrice:       item.UnitPrice,
		Amount:          item.Amount,
	})

	line := internal.LineItem{
		ID:               LineItemID(s.runID, item.LineNo),
		ParseRunID:       s.runID,
		LineNo:           item.LineNo,
		RawProductName:   item.ProductName,
		RawSpec:          item.Spec,
		ProductKey:       key,
		Quantity:         item.Quantity,
		UnitPrice:        item.UnitPrice,
		Amount:           item.Amount,
		ModelConfidence:  item.Confidence,
		SystemConfidence: conf,
	}
	diff := internal.DiffItem{
		ID:          DiffItemID(s.runID, item.LineNo),
		ParseRunID:  s.runID,
		LineItemID:  line.ID,
		LineNo:      item.LineNo,
		VendorName:  s.vendorName,
		InvoiceDate: s.invoiceDate,
	}

	var state *productState
	if key != "" {
		var err error
		if state, err = s.load(ctx, key); err != nil {
			return err
		}
	}

	switch {
	case state == nil || !state.exists:
		if state != nil && name != nil && conf >= NewProductConfidence {
			if err := s.createProduct(ctx, state, key, name, spec, item.UnitPrice, &line, &diff); err != nil {
				return err
			}
		} else {
			reason := internal.ReasonNoProductMatch
			diff.Classification = internal.DiffUnmatched
			diff.ReasonCode = &reason
			diff.Before = map[string]any{}
			diff.After = map[string]any{
				"productKey":       key,
				"name":             name,
				"spec":             spec,
				"unitPrice":        decimalValue(item.UnitPrice),
				"systemConfidence": conf,
			}
		}
	default:
		pid := state.product.ID
		line.MatchedProductID = &pid
		if err := s.updateProduct(ctx, state, spec, item.UnitPrice, conf, &diff); err != nil {
			return err
		}
	}

	s.result.LineItems = append(s.result.LineItems, line)
	s.result.Diffs = append(s.result.Diffs, diff)
	return nil
}

// load returns the product as it stood before this run, cached per key.
func (s *session) load(ctx context.Context, key string) (*productState, error) {
	if st, ok := s.states[key]; ok {
		return st, nil
	}
	st := &productState{prices: map[string]*priceState{}, history: map[string]internal.UpdateHistory{}}
	s.states[key] = st

	p, err := s.repo.GetProductByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if p == nil {
		return st, nil
	}
	st.product = *p
	st.exists = true
	st.spec = p.Spec

	rows, err := s.repo.ListRunHistoryForProduct(ctx, s.runID, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list run history: %w", err)
	}
	for _, h := range rows {
		st.history[h.FieldName] = h
	}
	if _, created := st.history[internal.FieldProductCreate]; created {
		// Created by an earlier finalize of this run.
		st.exists = false
		st.spec = nil
		return st, nil
	}
	if h, ok := st.history[internal.FieldSpec]; ok {
		st.spec = stringValue(h.Before["spec"])
	}
	return st, nil
}

func (s *session) price(ctx context.Context, st *productState) (*priceState, error) {
	if ps, ok := st.prices[s.vendorKey]; ok {
		return ps, nil
	}
	ps := &priceState{}
	st.prices[s.vendorKey] = ps

	if h, ok := st.history[internal.FieldUnitPrice]; ok && stringValue(h.Before["vendorName"]) != nil && *stringValue(h.Before["vendorName"]) == s.vendorKey {
		ps.price = parseDecimal(h.Before["unitPrice"])
		ps.date = stringValue(h.Before["priceUpdatedOn"])
		return ps, nil
	}

	vp, err := s.repo.GetVendorPrice(ctx, st.product.ID, s.vendorKey)
	if err != nil {
		return nil, fmt.Errorf("get vendor price: %w", err)
	}
	if vp != nil {
		price := vp.UnitPrice
		ps.price = &price
		ps.date = vp.PriceUpdatedOn
	}
	return ps, nil
}

func (s *session) createProduct(ctx context.Context, st *productState, key string, name, spec *string, unitPrice *decimal.Decimal, line *internal.LineItem, diff *internal.DiffItem) error {
	flag := internal.QualityOK
	if spec == nil {
		flag = internal.QualityWarnKeyWeak
	}
	runID := s.runID
	p := internal.Product{
		ID:                  ProductID(key),
		ProductKey:          key,
		Name:                *name,
		Spec:                spec,
		DefaultUnitPrice:    unitPrice,
		QualityFlag:         flag,
		LastUpdatedAt:       time.Now(),
		LastUpdatedSource:   internal.SourceParseRun,
		LastUpdatedSourceID: &runID,
	}
	if st.product.ID != "" {
		p.ID = st.product.ID
	}
	if _, err := s.repo.InsertProduct(ctx, p); err != nil {
		return fmt.Errorf("insert product: %w", err)
	}

	snapshot := map[string]any{
		"productId":   p.ID,
		"productKey":  key,
		"name":        *name,
		"spec":        spec,
		"unitPrice":   decimalValue(unitPrice),
		"qualityFlag": string(flag),
	}
	if err := s.writeHistory(ctx, p.ID, internal.FieldProductCreate, map[string]any{}, snapshot); err != nil {
		return err
	}

	st.exists = true
	st.product = p
	st.spec = spec
	if unitPrice != nil {
		ok, err := s.priceWritable(ctx, p.ID)
		if err != nil {
			return err
		}
		if ok {
			if err := s.repo.UpsertVendorPrice(ctx, internal.VendorPrice{
				ProductID:      p.ID,
				VendorName:     s.vendorKey,
				UnitPrice:      *unitPrice,
				PriceUpdatedOn: s.invoiceDate,
				SourceType:     internal.SourceParseRun,
				SourceID:       &runID,
			}); err != nil {
				return fmt.Errorf("upsert vendor price: %w", err)
			}
		}
		st.prices[s.vendorKey] = &priceState{price: unitPrice, date: s.invoiceDate}
	} else {
		st.prices[s.vendorKey] = &priceState{}
	}

	pid := p.ID
	line.MatchedProductID = &pid
	diff.Classification = internal.DiffNewCandidate
	diff.Before = map[string]any{}
	diff.After = snapshot
	return nil
}

func (s *session) updateProduct(ctx context.Context, st *productState, spec *string, unitPrice *decimal.Decimal, conf float64, diff *internal.DiffItem) error {
	ps, err := s.price(ctx, st)
	if err != nil {
		return err
	}

	hasPriceChange := unitPrice != nil && (ps.price == nil || !ps.price.Equal(*unitPrice))
	hasSpecChange := spec != nil && !sameSpec(spec, st.spec)

	diff.Before = map[string]any{
		"productId":      st.product.ID,
		"spec":           st.spec,
		"unitPrice":      decimalValue(ps.price),
		"priceUpdatedOn": ps.date,
	}
	after := map[string]any{
		"productId":      st.product.ID,
		"spec":           st.spec,
		"unitPrice":      decimalValue(ps.price),
		"priceUpdatedOn": ps.date,
	}
	diff.After = after

	if !hasPriceChange && !hasSpecChange {
		diff.Classification = internal.DiffNoChange
		return nil
	}

	in := PolicyInput{Confidence: &conf, SpecUpdate: hasSpecChange, PriceUpdate: hasPriceChange}
	if hasPriceChange {
		in.Deviation = Deviation(unitPrice, ps.price)
		if in.Deviation != nil {
			after["priceDeviation"] = *in.Deviation
		}
	}
	if hasSpecChange {
		after["spec"] = spec
	}
	if hasPriceChange {
		after["unitPrice"] = decimalValue(unitPrice)
	}

	decision := EvaluatePolicy(in)
	if !decision.Allowed {
		diff.Classification = internal.DiffBlocked
		diff.ReasonCode = decision.Reason
		return nil
	}
	diff.Classification = internal.DiffUpdate

	if hasSpecChange {
		after["specApplied"] = !st.specWritten
		if st.specWritten {
			s.logger.Info("Spec change not applied, an earlier line of this run already set it.",
				"productId", st.product.ID, "spec", *spec)
		} else {
			if err := s.applySpec(ctx, st, spec); err != nil {
				return err
			}
			st.spec = spec
			st.specWritten = true
		}
	}

	if hasPriceChange {
		applied := IsNewer(s.invoiceDate, ps.date)
		after["priceApplied"] = applied
		if !applied {
			s.logger.Info("Price change not applied, invoice is not newer than stored price.",
				"productId", st.product.ID, "invoiceDate", s.invoiceDate, "priceUpdatedOn", ps.date)
			return nil
		}
		after["priceUpdatedOn"] = s.invoiceDate

		if err := s.applyPrice(ctx, st, ps, unitPrice); err != nil {
			return err
		}
		ps.price = unitPrice
		ps.date = s.invoiceDate
	}
	return nil
}

// applySpec writes spec unless the stored spec has moved on since this run
// decided. A later run's spec is never replaced by re-finalizing an older one.
func (s *session) applySpec(ctx context.Context, st *productState, spec *string) error {
	current, err := s.repo.GetProductByKey(ctx, st.product.ProductKey)
	if err != nil {
		return fmt.Errorf("get product: %w", err)
	}
	if current == nil || !(sameSpec(current.Spec, st.spec) || sameSpec(current.Spec, spec)) {
		s.logger.Info("Spec left as stored, changed after this run.", "productId", st.product.ID)
		return nil
	}
	if err := s.repo.UpdateProductSpec(ctx, st.product.ID, *spec, internal.SourceParseRun, s.runID); err != nil {
		return fmt.Errorf("update spec: %w", err)
	}
	return s.writeHistory(ctx, st.product.ID, internal.FieldSpec,
		map[string]any{"spec": st.spec}, map[string]any{"spec": *spec})
}

// applyPrice writes the vendor price when the stored row is still older than
// this invoice. The decision itself was made against the run's baseline.
func (s *session) applyPrice(ctx context.Context, st *productState, ps *priceState, unitPrice *decimal.Decimal) error {
	ok, err := s.priceWritable(ctx, st.product.ID)
	if err != nil || !ok {
		return err
	}
	runID := s.runID
	if err := s.repo.UpsertVendorPrice(ctx, internal.VendorPrice{
		ProductID:      st.product.ID,
		VendorName:     s.vendorKey,
		UnitPrice:      *unitPrice,
		PriceUpdatedOn: s.invoiceDate,
		SourceType:     internal.SourceParseRun,
		SourceID:       &runID,
	}); err != nil {
		return fmt.Errorf("upsert vendor price: %w", err)
	}
	if err := s.repo.TouchProduct(ctx, st.product.ID, internal.SourceParseRun, s.runID); err != nil {
		return fmt.Errorf("touch product: %w", err)
	}
	before := map[string]any{"vendorName": s.vendorKey, "unitPrice": decimalValue(ps.price), "priceUpdatedOn": ps.date}
	next := map[string]any{"vendorName": s.vendorKey, "unitPrice": decimalValue(unitPrice), "priceUpdatedOn": s.invoiceDate}
	return s.writeHistory(ctx, st.product.ID, internal.FieldUnitPrice, before, next)
}

// priceWritable re-reads the stored vendor price and applies the recency gate
// to it.
func (s *session) priceWritable(ctx context.Context, productID string) (bool, error) {
	vp, err := s.repo.GetVendorPrice(ctx, productID, s.vendorKey)
	if err != nil {
		return false, fmt.Errorf("get vendor price: %w", err)
	}
	if vp == nil {
		return true, nil
	}
	if !IsNewer(s.invoiceDate, vp.PriceUpdatedOn) {
		s.logger.Info("Vendor price left as stored, not older than this invoice.",
			"productId", productID, "invoiceDate", s.invoiceDate, "priceUpdatedOn", vp.PriceUpdatedOn)
		return false, nil
	}
	return true, nil
}

func (s *session) writeHistory(ctx context.Context, productID, field string, before, after map[string]any) error {
	runID := s.runID
	inserted, err := s.repo.InsertUpdateHistory(ctx, internal.UpdateHistory{
		IdempotencyKey: HistoryKey(s.runID, productID, field),
		ParseRunID:     &runID,
		ProductID:      productID,
		FieldName:      field,
		Before:         before,
		After:          after,
		SourceType:     internal.SourceParseRun,
	})
	if err != nil {
		return fmt.Errorf("insert %s history: %w", field, err)
	}
	if inserted {
		s.result.HistoryWritten++
	}
	return nil
}

// IsNewer reports whether a price dated invoiceDate may replace one dated
// stored. No stored date always allows it; no invoice date never does
// otherwise.
func IsNewer(invoiceDate, stored *string) bool {
	if stored == nil {
		return true
	}
	if invoiceDate == nil {
		return false
	}
	a, errA := time.Parse(invoiceDateLayout, *invoiceDate)
	b, errB := time.Parse(invoiceDateLayout, *stored)
	if errA == nil && errB == nil {
		return a.After(b)
	}
	return strings.Compare(*invoiceDate, *stored) > 0
}

func decimalValue(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func stringValue(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func parseDecimal(v any) *decimal.Decimal {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}
