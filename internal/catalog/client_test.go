package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoicerecon/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, payload any) *http.Response {
	blob, _ := json.Marshal(payload)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(string(blob))),
		Header:     make(http.Header),
	}
}

func testClient(rt roundTripFunc) *Client {
	cfg := config.Config{
		CatalogAPIToken:     "test",
		CatalogAPIBaseURL:   "https://example.test/api/v1",
		CatalogRateLimitRPS: 1000,
		CatalogTimeoutMs:    1000,
	}
	client := NewClient(cfg)
	client.httpClient = &http.Client{Transport: rt}
	return client
}

func TestFetchAllFollowsScrollWithRetry(t *testing.T) {
	attempt := 0
	client := testClient(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "/api/v1/products/scroll", r.URL.Path)
		require.Equal(t, "Bearer test", r.Header.Get("Authorization"))
		attempt++
		switch attempt {
		case 1:
			return jsonResponse(http.StatusServiceUnavailable, map[string]any{"error": "busy"}), nil
		case 2:
			assert.Empty(t, r.URL.Query().Get("scrollId"))
			return jsonResponse(http.StatusOK, map[string]any{"success": true, "data": map[string]any{
				"products": []map[string]any{{"id": "a1", "name": "Widget", "spec": "10mm", "unitPrice": 12.5, "vendor": "ACME"}},
				"scrollId": "abc",
			}}), nil
		default:
			assert.Equal(t, "abc", r.URL.Query().Get("scrollId"))
			return jsonResponse(http.StatusOK, map[string]any{"success": true, "data": map[string]any{
				"products": []map[string]any{{"id": "a2", "name": "Gear"}, {"id": "a3", "name": "  "}},
				"scrollId": nil,
			}}), nil
		}
	})

	rows, err := client.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 3, attempt)
	assert.Equal(t, "Widget", rows[0].Name)
	assert.Equal(t, "12.5", rows[0].UnitPrice)
	assert.Equal(t, "a1", rows[0].SourceID)
}

func TestFetchAllStopsOnClientError(t *testing.T) {
	calls := 0
	client := testClient(func(r *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(http.StatusUnauthorized, map[string]any{"error": "nope"}), nil
	})

	_, err := client.FetchAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestFetchAllRequiresToken(t *testing.T) {
	client := NewClient(config.Config{CatalogRateLimitRPS: 10})
	_, err := client.FetchAll(context.Background())
	require.ErrorContains(t, err, "CATALOG_API_TOKEN")
}
