package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"

	"invoicerecon/internal"
	"invoicerecon/internal/config"
	"invoicerecon/internal/util"
)

const invoiceSystemPrompt = "You are an invoice data extractor. You read one page of a vendor invoice and return its header fields and product lines as JSON. You never invent values that are not printed on the page."

const invoiceUserPrompt = `You will be provided with page %d of a vendor invoice as a PDF.

Return a single JSON object with exactly these keys:
- "vendorName": the issuing vendor's name, or null when the page does not show it.
- "invoiceDate": the invoice date as YYYY-MM-DD, or null when the page does not show it.
- "lineItems": an array with one object per product line on this page, in printed order. Each object has
  "lineNo" (1-based position on this page), "productName", "spec" (size, model or variant text, or null),
  "quantity", "unitPrice", "amount" (numbers, or null when not printed) and
  "confidence" (your confidence in the line between 0 and 1).

Skip subtotal, tax, shipping and total rows. Return an empty "lineItems" array for a page without product lines.
Return ONLY the JSON object.`

// VertexExtractor sends each page inline to a Gemini model configured for JSON output.
type VertexExtractor struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	limiter *util.RateLimiter
	timeout time.Duration
	logger  *slog.Logger
}

func NewVertexExtractor(ctx context.Context, cfg config.Config, logger *slog.Logger) (*VertexExtractor, error) {
	if cfg.GCPProject == "" || cfg.VertexRegion == "" {
		return nil, fmt.Errorf("NewVertexExtractor: GCP_PROJECT and VERTEX_REGION cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, cfg.GCPProject, cfg.VertexRegion)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := client.GenerativeModel(cfg.VertexModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(invoiceSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexExtractor{
		client:  client,
		model:   model,
		limiter: util.NewRateLimiter(cfg.AIRateLimitRPS),
		timeout: time.Duration(cfg.AITimeoutSec) * time.Second,
		logger:  logger,
	}, nil
}

func (e *VertexExtractor) ExtractPage(ctx context.Context, content []byte, pageNo int) (internal.ParsedInvoice, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return internal.ParsedInvoice{}, err
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := e.model.GenerateContent(callCtx,
		genai.Blob{MIMEType: "application/pdf", Data: content},
		genai.Text(fmt.Sprintf(invoiceUserPrompt, pageNo)),
	)
	if err != nil {
		return internal.ParsedInvoice{}, fmt.Errorf("failed to generate content from gemini: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return internal.ParsedInvoice{}, fmt.Errorf("page %d: empty model response: %w", pageNo, ErrInvalidPayload)
	}
	parsed, err := ParsePayload([]byte(text))
	if err != nil {
		e.logger.Warn("Model response rejected.", "pageNo", pageNo, "response", util.Truncate(text, 500), "error", err)
		return internal.ParsedInvoice{}, err
	}
	return parsed, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}

func (e *VertexExtractor) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
