package connectors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"invoicerecon/internal/util"
)

const (
	downloadAttempts = 3
	maxDownloadBytes = 32 << 20
)

// PDFLinks returns the distinct absolute http(s) hrefs in html whose path
// ends in .pdf, in document order.
func PDFLinks(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		u, err := url.Parse(strings.TrimSpace(href))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		if !strings.HasSuffix(strings.ToLower(u.Path), ".pdf") {
			return
		}
		if _, ok := seen[u.String()]; ok {
			return
		}
		seen[u.String()] = struct{}{}
		out = append(out, u.String())
	})
	return out
}

// Downloader fetches linked PDFs, retrying transport errors and 429/5xx.
type Downloader struct {
	client *http.Client
	base   time.Duration
}

func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Downloader{client: client, base: 500 * time.Millisecond}
}

func (d *Downloader) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	var lastErr error
	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		if attempt > 1 {
			wait := d.base*time.Duration(1<<(attempt-2)) + time.Duration(rand.Intn(100))*time.Millisecond
			if err := sleep(ctx, wait); err != nil {
				return nil, "", err
			}
		}

		body, retry, err := d.get(ctx, rawURL)
		if err == nil {
			return body, filenameFromURL(rawURL), nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return nil, "", lastErr
}

func (d *Downloader) get(ctx context.Context, rawURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, true, err
	}
	if len(body) > maxDownloadBytes {
		return nil, false, errors.New("download exceeds size limit")
	}
	return body, false, nil
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "linked.pdf"
	}
	return util.FirstNonEmpty(path.Base(u.Path), "linked.pdf")
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
