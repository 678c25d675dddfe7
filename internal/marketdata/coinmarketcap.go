package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const quotesPath = "/cryptocurrency/quotes/latest"

// CoinMarketCapOptions parameterise the CoinMarketCap client.
type CoinMarketCapOptions struct {
	BaseURL            string
	APIKey             string
	Timeout            time.Duration
	UserAgent          string
	RateLimitPerMinute int
	SymbolsPerCredit   int
}

// CoinMarketCap fetches latest quotes from the CoinMarketCap Pro API.
type CoinMarketCap struct {
	opts    CoinMarketCapOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewCoinMarketCap constructs a client.
func NewCoinMarketCap(opts CoinMarketCapOptions, logger zerolog.Logger) *CoinMarketCap {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = 30
	}
	if opts.SymbolsPerCredit <= 0 {
		opts.SymbolsPerCredit = 100
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://pro-api.coinmarketcap.com/v1"
	}

	return &CoinMarketCap{
		opts:    opts,
		logger:  logger.With().Str("component", "coinmarketcap").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(opts.RateLimitPerMinute)/60), 1),
		baseURL: baseURL,
	}
}

// EstimateCost bills one credit per started block of SymbolsPerCredit symbols.
func (c *CoinMarketCap) EstimateCost(symbols []string) int {
	if len(symbols) == 0 {
		return 0
	}
	return (len(symbols) + c.opts.SymbolsPerCredit - 1) / c.opts.SymbolsPerCredit
}

// FetchQuotes requests USD quotes for symbols in a single call.
func (c *CoinMarketCap) FetchQuotes(ctx context.Context, symbols []string) ([]Quote, int, error) {
	if len(symbols) == 0 {
		return nil, 0, errors.New("at least one symbol required")
	}
	if c.opts.APIKey == "" {
		return nil, 0, errors.New("coinmarketcap api key not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limit wait: %w", err)
	}

	params := url.Values{
		"symbol":  {strings.Join(symbols, ",")},
		"convert": {"USD"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+quotesPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-CMC_PRO_API_KEY", c.opts.APIKey)
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "opportunity-dispatch/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, parseHTTPError(resp.StatusCode, payload)
	}

	var res quotesResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, 0, fmt.Errorf("decode quotes: %w", err)
	}

	quotes := make([]Quote, 0, len(res.Data))
	for key, d := range res.Data {
		usd, ok := d.Quote["USD"]
		if !ok {
			c.logger.Warn().Str("symbol", key).Msg("quote without USD conversion skipped")
			continue
		}
		symbol := d.Symbol
		if symbol == "" {
			symbol = key
		}
		quotes = append(quotes, Quote{
			Symbol:           strings.ToUpper(symbol),
			Price:            usd.Price,
			Volume24h:        usd.Volume24h,
			PercentChange1h:  usd.PercentChange1h,
			PercentChange24h: usd.PercentChange24h,
			LastUpdated:      usd.LastUpdated,
		})
	}

	cost := res.Status.CreditCount
	if cost <= 0 {
		cost = c.EstimateCost(symbols)
	}

	c.logger.Debug().Strs("symbols", symbols).Int("quotes", len(quotes)).Int("credits", cost).Msg("quotes received")
	return quotes, cost, nil
}

type quotesResponse struct {
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
		CreditCount  int    `json:"credit_count"`
	} `json:"status"`
	Data map[string]struct {
		Symbol string              `json:"symbol"`
		Quote  map[string]usdQuote `json:"quote"`
	} `json:"data"`
}

type usdQuote struct {
	Price            decimal.Decimal `json:"price"`
	Volume24h        decimal.Decimal `json:"volume_24h"`
	PercentChange1h  decimal.Decimal `json:"percent_change_1h"`
	PercentChange24h decimal.Decimal `json:"percent_change_24h"`
	LastUpdated      time.Time       `json:"last_updated"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr quotesResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Status.ErrorMessage != "" {
		return fmt.Errorf("coinmarketcap api error (%d): %s", status, apiErr.Status.ErrorMessage)
	}
	if len(payload) > 0 {
		return fmt.Errorf("coinmarketcap api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("coinmarketcap api error (%d)", status)
}

var _ Provider = (*CoinMarketCap)(nil)
