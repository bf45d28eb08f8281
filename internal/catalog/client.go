package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"invoicerecon/internal/config"
	"invoicerecon/internal/util"
)

const maxAttempts = 5

// Client pages through a remote product master.
type Client struct {
	cfg        config.Config
	httpClient *http.Client
	limiter    *util.RateLimiter
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
	Data    json.RawMessage `json:"data"`
}

type scrollPayload struct {
	Products []map[string]any `json:"products"`
	ScrollID *string          `json:"scrollId"`
	Total    *int             `json:"total"`
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: time.Duration(cfg.CatalogTimeoutMs) * time.Millisecond},
		limiter:    util.NewRateLimiter(cfg.CatalogRateLimitRPS),
	}
}

// FetchAll follows the scroll cursor until the catalog is exhausted.
// Entries without a name are dropped.
func (c *Client) FetchAll(ctx context.Context) ([]Row, error) {
	all := make([]Row, 0)
	seen := map[string]struct{}{}
	var scrollID string

	for {
		query := map[string]string{}
		if scrollID != "" {
			query["scrollId"] = scrollID
		}

		body, err := c.fetchJSON(ctx, "products/scroll", query)
		if err != nil {
			return nil, err
		}

		var payload scrollPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, err
		}

		for _, raw := range payload.Products {
			row, err := toRow(raw)
			if err != nil {
				continue
			}
			all = append(all, row)
		}

		if payload.ScrollID == nil || *payload.ScrollID == "" || len(payload.Products) == 0 {
			break
		}
		if _, ok := seen[*payload.ScrollID]; ok {
			break
		}
		seen[*payload.ScrollID] = struct{}{}
		scrollID = *payload.ScrollID
	}

	return all, nil
}

func (c *Client) fetchJSON(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	if strings.TrimSpace(c.cfg.CatalogAPIToken) == "" {
		return nil, errors.New("missing CATALOG_API_TOKEN")
	}

	baseURL := strings.TrimRight(c.cfg.CatalogAPIBaseURL, "/") + "/"
	u, err := url.Parse(baseURL + endpoint)
	if err != nil {
		return nil, err
	}

	q := u.Query()
	for k, v := range params {
		if strings.TrimSpace(v) != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.CatalogAPIToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if isRetryableStatus(resp.StatusCode) && attempt < maxAttempts {
				lastErr = fmt.Errorf("catalog status %d", resp.StatusCode)
				if err := sleep(ctx, backoff(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("catalog api error: status=%d body=%s", resp.StatusCode, util.Truncate(string(body), 500))
		}

		var apiResp apiResponse
		if err := json.Unmarshal(body, &apiResp); err != nil {
			return nil, err
		}
		if !apiResp.Success {
			return nil, fmt.Errorf("catalog api unsuccessful: %s", util.FirstNonEmpty(apiResp.Message, string(apiResp.Errors)))
		}
		return apiResp.Data, nil
	}

	if lastErr == nil {
		lastErr = errors.New("catalog request failed")
	}
	return nil, lastErr
}

func backoff(attempt int) time.Duration {
	return time.Duration(250*(1<<(attempt-1))+rand.Intn(100)) * time.Millisecond
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

func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func toRow(raw map[string]any) (Row, error) {
	name := toString(raw["name"])
	if name == "" {
		return Row{}, errors.New("empty name")
	}
	row := Row{
		Name:      name,
		Spec:      toString(raw["spec"]),
		Category:  toString(raw["category"]),
		UnitPrice: toString(raw["unitPrice"]),
		Vendor:    toString(raw["vendor"]),
		PriceDate: toString(raw["priceDate"]),
		SourceID:  toString(raw["id"]),
	}
	return row, nil
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
