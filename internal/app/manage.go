package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"opportunity-dispatch/internal/opportunity"
)

// IngestOptions describe an opportunity submitted by an upstream detector.
type IngestOptions struct {
	Symbol    string
	BuyVenue  string
	SellVenue string
	BuyPrice  decimal.Decimal
	SellPrice decimal.Decimal
}

// Ingest stores a new pending opportunity and returns it.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) (opportunity.Opportunity, error) {
	opp, err := opportunity.New(opts.Symbol, opts.BuyVenue, opts.SellVenue, opts.BuyPrice, opts.SellPrice, time.Now())
	if err != nil {
		return opportunity.Opportunity{}, err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return opportunity.Opportunity{}, err
	}
	if store == nil {
		return opportunity.Opportunity{}, errors.New("database not configured; cannot ingest")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if err := store.InsertOpportunity(ctx, opp); err != nil {
		return opportunity.Opportunity{}, err
	}
	a.Logger.Info().
		Str("opportunity_id", opp.ID).
		Str("symbol", opp.Symbol).
		Str("margin_pct", opp.MarginPct.StringFixed(3)).
		Msg("opportunity queued")
	return opp, nil
}

// Subscribe opts users in or out of deliveries.
func (a *App) Subscribe(ctx context.Context, userIDs []string, active bool) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot manage subscribers")
	}
	if closeStore != nil {
		defer closeStore()
	}

	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := store.UpsertSubscriber(ctx, id, active); err != nil {
			return err
		}
	}
	a.Logger.Info().Int("users", len(userIDs)).Bool("active", active).Msg("subscribers updated")
	return nil
}
