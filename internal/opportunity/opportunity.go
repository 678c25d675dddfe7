package opportunity

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Opportunity is a detected cross-venue price gap. Values are never mutated
// after construction; refreshed prices produce a new value.
type Opportunity struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	BuyVenue   string          `json:"buy_venue"`
	SellVenue  string          `json:"sell_venue"`
	BuyPrice   decimal.Decimal `json:"buy_price"`
	SellPrice  decimal.Decimal `json:"sell_price"`
	MarginPct  decimal.Decimal `json:"margin_pct"`
	DetectedAt time.Time       `json:"detected_at"`
	// ReferencePrice is the aggregated market price fetched right before
	// distribution, when quote refresh is enabled.
	ReferencePrice *decimal.Decimal `json:"reference_price,omitempty"`
}

// New validates inputs, assigns an ID and computes the margin.
func New(symbol, buyVenue, sellVenue string, buyPrice, sellPrice decimal.Decimal, detectedAt time.Time) (Opportunity, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Opportunity{}, errors.New("symbol is required")
	}
	if buyVenue == "" || sellVenue == "" {
		return Opportunity{}, errors.New("both venues are required")
	}
	if !buyPrice.IsPositive() || !sellPrice.IsPositive() {
		return Opportunity{}, errors.New("prices must be positive")
	}
	if detectedAt.IsZero() {
		return Opportunity{}, errors.New("detection time is required")
	}

	return Opportunity{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		BuyVenue:   buyVenue,
		SellVenue:  sellVenue,
		BuyPrice:   buyPrice,
		SellPrice:  sellPrice,
		MarginPct:  Margin(buyPrice, sellPrice),
		DetectedAt: detectedAt.UTC(),
	}, nil
}

// Margin is the percentage gain of selling at sell after buying at buy.
func Margin(buy, sell decimal.Decimal) decimal.Decimal {
	if buy.IsZero() {
		return decimal.Zero
	}
	return sell.Div(buy).Sub(decimal.NewFromInt(1)).Mul(hundred)
}

// WithReference returns a copy carrying the aggregated market price.
func (o Opportunity) WithReference(price decimal.Decimal) Opportunity {
	o.ReferencePrice = &price
	return o
}
