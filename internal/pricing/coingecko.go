// internal/pricing/coingecko.go
package pricing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

const (
	// DefaultCoinGeckoURL is the public CoinGecko API root.
	DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"
	feedRequestTimeout  = 10 * time.Second
)

// CoinGeckoFeed reads spot prices from CoinGecko's /simple/price endpoint.
type CoinGeckoFeed struct {
	baseURL    string
	httpClient *http.Client
}

// NewCoinGeckoFeed creates a feed against baseURL.
func NewCoinGeckoFeed(baseURL string) *CoinGeckoFeed {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	return &CoinGeckoFeed{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: feedRequestTimeout},
	}
}

// simplePriceResponse maps coin id to fiat code to price, e.g. {"bitcoin":{"usd":500}}.
type simplePriceResponse map[string]map[string]decimal.Decimal

func (f *CoinGeckoFeed) FetchRate(ctx context.Context, coinID, fiat string) (decimal.Decimal, error) {
	coinID = strings.ToLower(coinID)
	fiat = strings.ToLower(fiat)

	query := url.Values{}
	query.Set("ids", coinID)
	query.Set("vs_currencies", fiat)
	endpoint := fmt.Sprintf("%s/simple/price?%s", f.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, string(body))
	}

	var payload simplePriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: decode response: %w", err)
	}

	price, ok := payload[coinID][fiat]
	if !ok {
		return decimal.Zero, fmt.Errorf("coingecko: no %s price for %s", fiat, coinID)
	}
	return price, nil
}
