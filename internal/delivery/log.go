package delivery

import (
	"context"

	"github.com/rs/zerolog"

	"opportunity-dispatch/internal/opportunity"
)

// LogSink only logs deliveries. Used for dry runs and simulations.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "delivery_log").Logger()}
}

func (s *LogSink) Deliver(_ context.Context, userID string, opp opportunity.Opportunity) error {
	s.logger.Info().
		Str("user_id", userID).
		Str("opportunity_id", opp.ID).
		Str("symbol", opp.Symbol).
		Str("margin_pct", opp.MarginPct.StringFixed(3)).
		Msg("delivery (dry run)")
	return nil
}

var _ Sink = (*LogSink)(nil)
