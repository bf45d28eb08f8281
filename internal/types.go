package internal

import (
	"time"

	"github.com/shopspring/decimal"
)

type DocumentStatus string

const (
	DocumentUploaded      DocumentStatus = "UPLOADED"
	DocumentParsing       DocumentStatus = "PARSING"
	DocumentParsed        DocumentStatus = "PARSED"
	DocumentParsedPartial DocumentStatus = "PARSED_PARTIAL"
	DocumentFailed        DocumentStatus = "FAILED"
	DocumentDeleted       DocumentStatus = "DELETED"
)

type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunPartial   RunStatus = "PARTIAL"
	RunFailed    RunStatus = "FAILED"
)

// DocumentStatusFor maps a finalized run status onto the owning document.
func DocumentStatusFor(status RunStatus) DocumentStatus {
	switch status {
	case RunSucceeded:
		return DocumentParsed
	case RunPartial:
		return DocumentParsedPartial
	case RunRunning:
		return DocumentParsing
	default:
		return DocumentFailed
	}
}

// PageStatus is persisted per (parseRunId, pageNo). PageSkipped is never
// written; it is only returned by the page step.
type PageStatus string

const (
	PageRunning   PageStatus = "RUNNING"
	PageSucceeded PageStatus = "SUCCEEDED"
	PageFailed    PageStatus = "FAILED"
	PageSkipped   PageStatus = "SKIPPED"
)

type Classification string

const (
	DiffNewCandidate Classification = "NEW_CANDIDATE"
	DiffUpdate       Classification = "UPDATE"
	DiffBlocked      Classification = "BLOCKED"
	DiffNoChange     Classification = "NO_CHANGE"
	DiffUnmatched    Classification = "UNMATCHED"
)

type ReasonCode string

const (
	ReasonNoProductMatch     ReasonCode = "NO_PRODUCT_MATCH"
	ReasonLowConfidence      ReasonCode = "LOW_CONFIDENCE"
	ReasonSpecConfidenceLow  ReasonCode = "SPEC_CONFIDENCE_LOW"
	ReasonPriceUnknown       ReasonCode = "PRICE_UNKNOWN"
	ReasonPriceDeviationHigh ReasonCode = "PRICE_DEVIATION_HIGH"
)

type QualityFlag string

const (
	QualityOK          QualityFlag = "OK"
	QualityWarnKeyWeak QualityFlag = "WARN_KEY_WEAK"
)

const (
	FieldProductCreate = "product_create"
	FieldSpec          = "spec"
	FieldUnitPrice     = "unit_price"
)

const (
	SourceParseRun = "parse_run"
	SourceImport   = "import"
)

type Document struct {
	ID                string         `json:"id"`
	Filename          string         `json:"filename"`
	StorageKey        string         `json:"storageKey"`
	ContentHash       string         `json:"contentHash"`
	Source            string         `json:"source"`
	Status            DocumentStatus `json:"status"`
	VendorName        *string        `json:"vendorName"`
	InvoiceDate       *string        `json:"invoiceDate"`
	ParseErrorSummary *string        `json:"parseErrorSummary"`
	Deleted           bool           `json:"deleted"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// RunStats is the fixed-shape stats blob stored on a parse run.
type RunStats struct {
	PageCount      int   `json:"pageCount"`
	ProcessedPages int   `json:"processedPages"`
	SucceededPages int   `json:"succeededPages"`
	FailedPages    int   `json:"failedPages"`
	FailedPageNos  []int `json:"failedPageNos"`
	LineItemCount  int   `json:"lineItemCount"`
	DiffCount      int   `json:"diffCount"`
}

type ParseRun struct {
	ID            string     `json:"id"`
	DocumentID    string     `json:"documentId"`
	Status        RunStatus  `json:"status"`
	ModelID       string     `json:"modelId"`
	PromptVersion string     `json:"promptVersion"`
	Stats         RunStats   `json:"stats"`
	ErrorDetail   *string    `json:"errorDetail"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt"`
}

type PageAsset struct {
	DocumentID  string `json:"documentId"`
	PageNo      int    `json:"pageNo"`
	StorageKey  string `json:"storageKey"`
	ContentHash string `json:"contentHash"`
	ByteSize    int64  `json:"byteSize"`
	MimeType    string `json:"mimeType"`
}

type ParsePage struct {
	ParseRunID   string     `json:"parseRunId"`
	PageNo       int        `json:"pageNo"`
	Status       PageStatus `json:"status"`
	ParsedJSON   *string    `json:"parsedJson"`
	ErrorSummary *string    `json:"errorSummary"`
	StepID       string     `json:"stepId"`
	Attempt      int        `json:"attempt"`
	StartedAt    *time.Time `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt"`
}

// ExtractedLineItem is one line as returned by the extractor.
type ExtractedLineItem struct {
	LineNo      int              `json:"lineNo"`
	ProductName *string          `json:"productName"`
	Spec        *string          `json:"spec"`
	Quantity    *decimal.Decimal `json:"quantity"`
	UnitPrice   *decimal.Decimal `json:"unitPrice"`
	Amount      *decimal.Decimal `json:"amount"`
	Confidence  *float64         `json:"confidence"`
}

// ParsedInvoice is the extractor output for one page, and the merged result
// for a whole run.
type ParsedInvoice struct {
	VendorName  *string             `json:"vendorName"`
	InvoiceDate *string             `json:"invoiceDate"`
	LineItems   []ExtractedLineItem `json:"lineItems"`
}

type LineItem struct {
	ID               string           `json:"id"`
	ParseRunID       string           `json:"parseRunId"`
	LineNo           int              `json:"lineNo"`
	RawProductName   *string          `json:"rawProductName"`
	RawSpec          *string          `json:"rawSpec"`
	ProductKey       string           `json:"productKey"`
	Quantity         *decimal.Decimal `json:"quantity"`
	UnitPrice        *decimal.Decimal `json:"unitPrice"`
	Amount           *decimal.Decimal `json:"amount"`
	ModelConfidence  *float64         `json:"modelConfidence"`
	SystemConfidence float64          `json:"systemConfidence"`
	MatchedProductID *string          `json:"matchedProductId"`
}

type DiffItem struct {
	ID             string         `json:"id"`
	ParseRunID     string         `json:"parseRunId"`
	LineItemID     string         `json:"lineItemId"`
	LineNo         int            `json:"lineNo"`
	Classification Classification `json:"classification"`
	ReasonCode     *ReasonCode    `json:"reasonCode"`
	VendorName     *string        `json:"vendorName"`
	InvoiceDate    *string        `json:"invoiceDate"`
	Before         map[string]any `json:"before"`
	After          map[string]any `json:"after"`
}

type Product struct {
	ID                  string           `json:"id"`
	ProductKey          string           `json:"productKey"`
	Name                string           `json:"name"`
	Spec                *string          `json:"spec"`
	Category            *string          `json:"category"`
	DefaultUnitPrice    *decimal.Decimal `json:"defaultUnitPrice"`
	QualityFlag         QualityFlag      `json:"qualityFlag"`
	LastUpdatedAt       time.Time        `json:"lastUpdatedAt"`
	LastUpdatedSource   string           `json:"lastUpdatedSource"`
	LastUpdatedSourceID *string          `json:"lastUpdatedSourceId"`
}

type VendorPrice struct {
	ProductID      string          `json:"productId"`
	VendorName     string          `json:"vendorName"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	PriceUpdatedOn *string         `json:"priceUpdatedOn"`
	SourceType     string          `json:"sourceType"`
	SourceID       *string         `json:"sourceId"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type UpdateHistory struct {
	IdempotencyKey string         `json:"idempotencyKey"`
	ParseRunID     *string        `json:"parseRunId"`
	ProductID      string         `json:"productId"`
	FieldName      string         `json:"fieldName"`
	Before         map[string]any `json:"before"`
	After          map[string]any `json:"after"`
	SourceType     string         `json:"sourceType"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type MailMessage struct {
	ID         string
	Provider   string
	MessageID  string
	Subject    string
	Sender     string
	ReceivedAt string
	Hash       string
	Status     string
	RawKey     string
}

type FetchedMailMessage struct {
	Provider   string
	MessageID  string
	Subject    string
	From       string
	ReceivedAt string
	Raw        []byte
}

// DiffExportRow joins a diff item with its line item for reporting.
type DiffExportRow struct {
	LineNo           int
	RawProductName   *string
	RawSpec          *string
	Quantity         *decimal.Decimal
	UnitPrice        *decimal.Decimal
	Amount           *decimal.Decimal
	ModelConfidence  *float64
	SystemConfidence float64
	Classification   string
	ReasonCode       *string
	ProductID        *string
	VendorName       *string
	InvoiceDate      *string
	Before           map[string]any
	After            map[string]any
}
