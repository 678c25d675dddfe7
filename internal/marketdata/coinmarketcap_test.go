package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestCoinMarketCapEstimateCost(t *testing.T) {
	c := NewCoinMarketCap(CoinMarketCapOptions{APIKey: "k"}, zerolog.Nop())
	cases := map[int]int{0: 0, 1: 1, 100: 1, 101: 2, 250: 3}
	for n, want := range cases {
		symbols := make([]string, n)
		if got := c.EstimateCost(symbols); got != want {
			t.Fatalf("%d 个 symbol 应计费 %d, 实际 %d", n, want, got)
		}
	}
}

func TestCoinMarketCapFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != quotesPath {
			t.Fatalf("路径不正确: %s", r.URL.Path)
		}
		if r.Header.Get("X-CMC_PRO_API_KEY") != "secret" {
			t.Fatalf("缺少 API key 头")
		}
		if got := r.URL.Query().Get("symbol"); got != "BTC,ETH" {
			t.Fatalf("symbol 参数不正确: %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": {"error_code": 0, "credit_count": 1},
			"data": {
				"BTC": {"symbol": "BTC", "quote": {"USD": {"price": 67000.5, "volume_24h": 1000, "percent_change_24h": -1.5, "last_updated": "2026-10-18T10:00:00Z"}}},
				"ETH": {"symbol": "ETH", "quote": {"USD": {"price": 2500, "volume_24h": 500, "percent_change_24h": 2.25, "last_updated": "2026-10-18T10:00:00Z"}}}
			}
		}`))
	}))
	defer srv.Close()

	c := NewCoinMarketCap(CoinMarketCapOptions{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second, RateLimitPerMinute: 6000}, zerolog.Nop())
	quotes, cost, err := c.FetchQuotes(context.Background(), []string{"BTC", "ETH"})
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if cost != 1 {
		t.Fatalf("应计费 1 credit, 实际 %d", cost)
	}
	if len(quotes) != 2 {
		t.Fatalf("应返回 2 个报价, 实际 %d", len(quotes))
	}
	for _, q := range quotes {
		if q.Symbol == "BTC" && !q.Price.Equal(decimal.RequireFromString("67000.5")) {
			t.Fatalf("BTC 价格不正确: %s", q.Price)
		}
	}
}

func TestCoinMarketCapHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]any{"error_code": 1008, "error_message": "minute rate limit"},
		})
	}))
	defer srv.Close()

	c := NewCoinMarketCap(CoinMarketCapOptions{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second, RateLimitPerMinute: 6000}, zerolog.Nop())
	_, _, err := c.FetchQuotes(context.Background(), []string{"BTC"})
	if err == nil {
		t.Fatal("HTTP 429 应返回错误")
	}
	if !strings.Contains(err.Error(), "minute rate limit") {
		t.Fatalf("错误信息应包含 API 描述: %v", err)
	}
}

func TestCoinMarketCapRequiresKey(t *testing.T) {
	c := NewCoinMarketCap(CoinMarketCapOptions{}, zerolog.Nop())
	if _, _, err := c.FetchQuotes(context.Background(), []string{"BTC"}); err == nil {
		t.Fatal("缺少 API key 时应返回错误")
	}
}
