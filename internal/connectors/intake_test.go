package connectors

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoicerecon/internal"
	"invoicerecon/internal/blob"
	"invoicerecon/internal/ingest"
	"invoicerecon/internal/storage"
)

type fakeConnector struct {
	messages []internal.FetchedMailMessage
}

func (f *fakeConnector) FetchInbox(_ context.Context, _ string, max int) ([]internal.FetchedMailMessage, error) {
	if len(f.messages) > max {
		return f.messages[:max], nil
	}
	return f.messages, nil
}

func mimeWithPDF(subject, messageID string, pdf []byte) []byte {
	b64 := base64.StdEncoding.EncodeToString(pdf)
	return []byte(strings.ReplaceAll(fmt.Sprintf(`From: Billing <billing@acme.test>
To: ap@example.test
Subject: %s
Message-ID: <%s>
Date: Tue, 07 May 2024 09:15:00 +0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="b1"

--b1
Content-Type: text/plain; charset=utf-8

Please find attached invoice 2024-17. Amount due 120.00 EUR.

--b1
Content-Type: application/pdf; name="inv-17.pdf"
Content-Disposition: attachment; filename="inv-17.pdf"
Content-Transfer-Encoding: base64

%s
--b1--
`, subject, messageID, b64), "\n", "\r\n"))
}

func mimeHTML(subject, messageID, html string) []byte {
	return []byte(strings.ReplaceAll(fmt.Sprintf(`From: billing@acme.test
Subject: %s
Message-ID: <%s>
MIME-Version: 1.0
Content-Type: text/html; charset=utf-8

%s
`, subject, messageID, html), "\n", "\r\n"))
}

type intakeFixture struct {
	db     *storage.DB
	blobs  *blob.LocalStore
	intake *IntakeService
	conn   *fakeConnector
}

func newIntakeFixture(t *testing.T, client *http.Client) intakeFixture {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	blobs := blob.NewLocalStore(filepath.Join(dir, "blobs"))
	conn := &fakeConnector{}
	dl := NewDownloader(client)
	dl.base = time.Millisecond
	svc := NewIntakeService(db, conn, NewMailStore(db, blobs), ingest.NewService(db, blobs, nil), dl, nil)
	return intakeFixture{db: db, blobs: blobs, intake: svc, conn: conn}
}

func TestIntakeRegistersAttachedPDF(t *testing.T) {
	f := newIntakeFixture(t, nil)
	ctx := context.Background()
	pdf := []byte("%PDF-1.4 attached invoice")
	f.conn.messages = []internal.FetchedMailMessage{
		{Provider: "imap", MessageID: "m1", Subject: "Invoice 2024-17", Raw: mimeWithPDF("Invoice 2024-17", "m1@acme.test", pdf)},
		{Provider: "imap", MessageID: "m2", Subject: "Lunch?", Raw: mimeHTML("Lunch?", "m2@acme.test", "<p>see you at noon</p>")},
	}

	res, err := f.intake.Run(ctx, "INBOX", 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Stored)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Ignored)
	assert.Equal(t, 1, res.Registered)

	docs, err := f.db.ListDocumentsByStatus(ctx, internal.DocumentUploaded, 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "inv-17.pdf", docs[0].Filename)
	assert.Equal(t, "mail:imap", docs[0].Source)
	stored, err := f.blobs.Get(ctx, docs[0].StorageKey)
	require.NoError(t, err)
	assert.Equal(t, pdf, stored)

	m1, err := f.db.GetMailMessage(ctx, "imap", "m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MailProcessed, m1.Status)
	m2, err := f.db.GetMailMessage(ctx, "imap", "m2")
	require.NoError(t, err)
	assert.Equal(t, storage.MailIgnored, m2.Status)

	// Fetching the same messages again keeps their status and adds no documents.
	res, err = f.intake.Run(ctx, "INBOX", 10, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	docs, err = f.db.ListDocumentsByStatus(ctx, internal.DocumentUploaded, 10)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestIntakeDownloadsLinkedPDFWithRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/inv-9.pdf":
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("%PDF-1.4 linked"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newIntakeFixture(t, srv.Client())
	ctx := context.Background()
	html := fmt.Sprintf(`<p>Your invoice is ready.</p><a href="%s/files/inv-9.pdf">Download</a> <a href="%s/missing.pdf">old</a> <a href="%s/files/inv-9.pdf">again</a>`, srv.URL, srv.URL, srv.URL)
	f.conn.messages = []internal.FetchedMailMessage{{Provider: "gmail", MessageID: "g1", Subject: "Invoice", Raw: mimeHTML("Your invoice", "g1@acme.test", html)}}

	res, err := f.intake.Run(ctx, "INBOX", 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Registered)
	assert.EqualValues(t, 2, hits.Load())

	docs, err := f.db.ListDocumentsByStatus(ctx, internal.DocumentUploaded, 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "inv-9.pdf", docs[0].Filename)
}

func TestPDFLinks(t *testing.T) {
	html := `<a href="https://x.test/a.PDF?sig=1">a</a><a href="mailto:x@y">m</a><a href="/rel.pdf">r</a><a href="https://x.test/page">p</a><a href="https://x.test/a.PDF?sig=1">dup</a>`
	assert.Equal(t, []string{"https://x.test/a.PDF?sig=1"}, PDFLinks(html))
}

func TestDetectInvoice(t *testing.T) {
	pos := DetectInvoice("Invoice 2024-17", "Amount due 120.00", "", []string{"inv.pdf"})
	assert.True(t, pos.IsInvoice)
	assert.Equal(t, "rules_positive", pos.Reason)
	assert.LessOrEqual(t, pos.Score, 1.0)

	neg := DetectInvoice("Lunch?", "see you at noon", "", nil)
	assert.False(t, neg.IsInvoice)
	assert.Equal(t, "rules_negative", neg.Reason)
}
