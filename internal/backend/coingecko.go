package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CoinGeckoConfig configures a CoinGecko price feed.
type CoinGeckoConfig struct {
	URL      string        // simple/price endpoint
	CoinID   string        // e.g. "litecoin"
	Currency string        // e.g. "jpy"
	Timeout  time.Duration // default 5s
}

// DefaultCoinGeckoURL is the public simple/price endpoint.
const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3/simple/price"

// CoinGeckoFeed implements PriceFeed using CoinGecko's simple/price API.
type CoinGeckoFeed struct {
	url        string
	coinID     string
	currency   string
	httpClient *http.Client
}

// NewCoinGeckoFeed creates a new CoinGecko price feed.
func NewCoinGeckoFeed(cfg CoinGeckoConfig) *CoinGeckoFeed {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = DefaultCoinGeckoURL
	}

	return &CoinGeckoFeed{
		url:      endpoint,
		coinID:   strings.ToLower(cfg.CoinID),
		currency: strings.ToLower(cfg.Currency),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Type returns TypeCoinGecko.
func (f *CoinGeckoFeed) Type() Type {
	return TypeCoinGecko
}

// Rate returns the price of one coin in the configured currency.
// The response looks like {"litecoin":{"jpy":12345.6}}.
func (f *CoinGeckoFeed) Rate(ctx context.Context) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("ids", f.coinID)
	query.Set("vs_currencies", f.currency)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url+"?"+query.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return decimal.Zero, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return decimal.Zero, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	rate, ok := result[f.coinID][f.currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no %s/%s price", ErrMalformedResponse, f.coinID, f.currency)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s", ErrMalformedResponse, rate)
	}
	return rate, nil
}
