package connectors

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jhillyerd/enmime"

	"invoicerecon/internal"
	"invoicerecon/internal/ingest"
	"invoicerecon/internal/storage"
	"invoicerecon/internal/util"
)

type IntakeResult struct {
	Fetched    int
	Stored     int
	Processed  int
	Ignored    int
	Failed     int
	Registered int
	Duplicates int
}

type MessageResult struct {
	Detect      DetectResult
	Registered  []ingest.Registration
	LinkFailure int
}

// IntakeService moves mail from a connector into documents.
type IntakeService struct {
	db         *storage.DB
	connector  MailConnector
	store      *MailStore
	ingest     *ingest.Service
	downloader *Downloader
	logger     *slog.Logger
}

func NewIntakeService(db *storage.DB, connector MailConnector, store *MailStore, ing *ingest.Service, downloader *Downloader, logger *slog.Logger) *IntakeService {
	if logger == nil {
		logger = slog.Default()
	}
	if downloader == nil {
		downloader = NewDownloader(nil)
	}
	return &IntakeService{db: db, connector: connector, store: store, ingest: ing, downloader: downloader, logger: logger}
}

// FetchAndStore pulls up to max messages from label and records them.
func (s *IntakeService) FetchAndStore(ctx context.Context, label string, max int) (IntakeResult, error) {
	messages, err := s.connector.FetchInbox(ctx, label, max)
	if err != nil {
		return IntakeResult{}, fmt.Errorf("fetch inbox: %w", err)
	}
	res := IntakeResult{Fetched: len(messages)}
	for _, msg := range messages {
		if _, err := s.store.Store(ctx, msg); err != nil {
			return res, err
		}
		res.Stored++
	}
	return res, nil
}

// ProcessPending processes up to limit fetched messages. A message that cannot
// be processed is marked failed and the batch continues.
func (s *IntakeService) ProcessPending(ctx context.Context, limit int) (IntakeResult, error) {
	pending, err := s.db.ListMailByStatus(ctx, storage.MailFetched, limit)
	if err != nil {
		return IntakeResult{}, err
	}

	var res IntakeResult
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		logCtx := s.logger.With("mailId", m.ID, "provider", m.Provider, "messageId", m.MessageID)

		mr, err := s.ProcessMessage(ctx, m)
		if err != nil {
			logCtx.Error("Mail processing failed.", "error", err)
			if err := s.db.UpdateMailStatus(ctx, m.ID, storage.MailFailed); err != nil {
				return res, err
			}
			res.Failed++
			continue
		}

		status := storage.MailProcessed
		if len(mr.Registered) == 0 {
			status = storage.MailIgnored
			res.Ignored++
		} else {
			res.Processed++
		}
		for _, r := range mr.Registered {
			if r.Duplicate {
				res.Duplicates++
			} else {
				res.Registered++
			}
		}
		if err := s.db.UpdateMailStatus(ctx, m.ID, status); err != nil {
			return res, err
		}
		logCtx.Info("Mail processed.", "status", status, "score", mr.Detect.Score, "documents", len(mr.Registered))
	}
	return res, nil
}

// Run is one intake cycle: fetch, then process what is pending.
func (s *IntakeService) Run(ctx context.Context, label string, fetchMax, processBatch int) (IntakeResult, error) {
	fetched, err := s.FetchAndStore(ctx, label, fetchMax)
	if err != nil {
		return fetched, err
	}
	res, err := s.ProcessPending(ctx, processBatch)
	res.Fetched, res.Stored = fetched.Fetched, fetched.Stored
	return res, err
}

type pdfFile struct {
	name    string
	content []byte
}

// ProcessMessage parses a stored message and registers its PDFs when it looks
// like an invoice. Links that fail to download are logged and counted.
func (s *IntakeService) ProcessMessage(ctx context.Context, m internal.MailMessage) (MessageResult, error) {
	raw, err := s.store.Raw(ctx, m)
	if err != nil {
		return MessageResult{}, fmt.Errorf("load raw mail: %w", err)
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return MessageResult{}, fmt.Errorf("parse mail: %w", err)
	}

	var files []pdfFile
	var names []string
	for _, part := range append(env.Attachments, env.Inlines...) {
		name := strings.TrimSpace(part.FileName)
		names = append(names, name)
		if isPDFPart(name, part.ContentType) && len(part.Content) > 0 {
			files = append(files, pdfFile{name: util.FirstNonEmpty(name, "attachment.pdf"), content: part.Content})
		}
	}

	out := MessageResult{Detect: DetectInvoice(util.FirstNonEmpty(env.GetHeader("Subject"), m.Subject), env.Text, env.HTML, names)}
	if !out.Detect.IsInvoice {
		return out, nil
	}

	if env.HTML != "" {
		for _, link := range PDFLinks(env.HTML) {
			content, name, err := s.downloader.Download(ctx, link)
			if err != nil {
				s.logger.Warn("PDF link download failed.", "url", link, "error", err)
				out.LinkFailure++
				continue
			}
			files = append(files, pdfFile{name: name, content: content})
		}
	}

	source := "mail:" + m.Provider
	for _, f := range files {
		reg, err := s.ingest.Register(ctx, ingest.Upload{Filename: f.name, Content: f.content, Source: source})
		if err != nil {
			return out, fmt.Errorf("register %s: %w", f.name, err)
		}
		out.Registered = append(out.Registered, reg)
	}
	return out, nil
}

func isPDFPart(name, contentType string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".pdf") || strings.EqualFold(contentType, "application/pdf")
}
