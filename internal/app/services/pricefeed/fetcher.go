package pricefeed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/shiptrack/escrow_layer/pkg/logger"
)

// Fetcher retrieves the USD price of one ledger unit of an asset.
type Fetcher interface {
	Fetch(ctx context.Context, assetID string) (float64, string, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, assetID string) (float64, string, error)

func (f FetcherFunc) Fetch(ctx context.Context, assetID string) (float64, string, error) {
	if f == nil {
		return 0, "", fmt.Errorf("no fetcher configured")
	}
	return f(ctx, assetID)
}

// HTTPFetcher pulls spot prices from a CoinGecko-compatible endpoint. The
// response shape is {"<asset>":{"usd":<price>}}.
type HTTPFetcher struct {
	client  *http.Client
	baseURL string
	apiKey  string
	log     *logger.Logger
}

// NewHTTPFetcher creates a fetcher against baseURL. The client may be nil.
func NewHTTPFetcher(client *http.Client, baseURL, apiKey string, log *logger.Logger) (*HTTPFetcher, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.NewDefault("pricefeed-fetcher")
	}
	return &HTTPFetcher{client: client, baseURL: baseURL, apiKey: apiKey, log: log}, nil
}

// Fetch returns the USD price for assetID and the serving host as source.
func (f *HTTPFetcher) Fetch(ctx context.Context, assetID string) (float64, string, error) {
	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", f.baseURL, url.QueryEscape(assetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return 0, "", fmt.Errorf("create request: %w", err)
	}
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("price endpoint returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, "", fmt.Errorf("read response: %w", err)
	}

	price := gjson.GetBytes(body, assetID+".usd")
	if !price.Exists() {
		return 0, "", fmt.Errorf("no usd price for asset %s in response", assetID)
	}
	value := price.Float()
	if value <= 0 {
		return 0, "", fmt.Errorf("non-positive price %v for asset %s", value, assetID)
	}
	return value, req.URL.Host, nil
}
