package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"opportunity-dispatch/internal/apperr"
	"opportunity-dispatch/internal/opportunity"
)

// Sink 将机会推送给单个用户。
type Sink interface {
	Deliver(ctx context.Context, userID string, opp opportunity.Opportunity) error
}

// Job is the payload handed to asynchronous channels.
type Job struct {
	UserID      string                  `json:"user_id"`
	Opportunity opportunity.Opportunity `json:"opportunity"`
	QueuedAt    time.Time               `json:"queued_at"`
}

func failed(op string, err error) error {
	return apperr.New(apperr.DeliveryFailed, op, err)
}

func renderMessage(opp opportunity.Opportunity) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Arbitrage] %s\n", opp.Symbol))
	builder.WriteString(fmt.Sprintf("Buy: %s @ %s\n", opp.BuyVenue, opp.BuyPrice.String()))
	builder.WriteString(fmt.Sprintf("Sell: %s @ %s\n", opp.SellVenue, opp.SellPrice.String()))
	if opp.ReferencePrice != nil {
		builder.WriteString(fmt.Sprintf("Reference: %s USD\n", opp.ReferencePrice.String()))
	}
	builder.WriteString(fmt.Sprintf("Margin: %s%%\n", opp.MarginPct.StringFixed(3)))
	builder.WriteString(fmt.Sprintf("Detected: %s UTC\n", opp.DetectedAt.UTC().Format(time.RFC3339)))
	return builder.String()
}
