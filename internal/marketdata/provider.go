package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a USD quote for one symbol.
type Quote struct {
	Symbol           string          `json:"symbol"`
	Price            decimal.Decimal `json:"price"`
	Volume24h        decimal.Decimal `json:"volume_24h"`
	PercentChange1h  decimal.Decimal `json:"percent_change_1h"`
	PercentChange24h decimal.Decimal `json:"percent_change_24h"`
	LastUpdated      time.Time       `json:"last_updated"`
}

// Provider is a credit-billed market data source.
type Provider interface {
	// EstimateCost returns the credits a FetchQuotes call for symbols will bill.
	EstimateCost(symbols []string) int
	// FetchQuotes returns quotes and the credits the call actually billed.
	FetchQuotes(ctx context.Context, symbols []string) ([]Quote, int, error)
}
