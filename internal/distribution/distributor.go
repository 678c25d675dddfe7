package distribution

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"opportunity-dispatch/internal/apperr"
	"opportunity-dispatch/internal/delivery"
	"opportunity-dispatch/internal/fairness"
	"opportunity-dispatch/internal/flags"
	"opportunity-dispatch/internal/marketdata"
	"opportunity-dispatch/internal/opportunity"
)

// Selector picks and records recipients for an opportunity.
type Selector interface {
	SelectRecipients(ctx context.Context, opp opportunity.Opportunity, candidates []string, cfg fairness.Config, now time.Time) (fairness.Selection, error)
}

// QuoteSource refreshes the market price of a symbol.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (marketdata.Quote, error)
}

// Auditor records delivery attempts.
type Auditor interface {
	RecordDelivery(ctx context.Context, oppID, userID string, deliveryErr error, at time.Time) error
}

// Recorder receives cycle metrics.
type Recorder interface {
	ObserveCycle(report CycleReport, elapsed time.Duration)
}

// FlagReader is the part of the flag manager the distributor consults.
type FlagReader interface {
	BoolOr(name string, def bool) bool
	IntOr(name string, def int) int
	FloatOr(name string, def float64) float64
}

// CycleReport summarises one RunCycle call.
type CycleReport struct {
	Paused    bool `json:"paused"`
	Expired   int  `json:"expired"`
	Processed int  `json:"processed"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	// Skipped counts opportunities closed with zero eligible recipients.
	Skipped int `json:"skipped"`
	// Deferred counts opportunities left pending for the next cycle.
	Deferred int `json:"deferred"`
}

// Distributor drives batched, fair delivery of pending opportunities.
type Distributor struct {
	cfg       Config
	source    Source
	directory UserDirectory
	selector  Selector
	sink      delivery.Sink
	quotes    QuoteSource
	auditor   Auditor
	metrics   Recorder
	flags     FlagReader
	logger    zerolog.Logger
}

// Option customises a Distributor.
type Option func(*Distributor)

// WithQuotes enables quote refresh before delivery, subject to the
// distribution.refresh_quotes flag.
func WithQuotes(q QuoteSource) Option {
	return func(d *Distributor) { d.quotes = q }
}

// WithAuditor records every delivery attempt.
func WithAuditor(a Auditor) Option {
	return func(d *Distributor) { d.auditor = a }
}

// WithRecorder attaches cycle metrics.
func WithRecorder(r Recorder) Option {
	return func(d *Distributor) { d.metrics = r }
}

// WithFlags attaches the feature flag manager.
func WithFlags(f FlagReader) Option {
	return func(d *Distributor) { d.flags = f }
}

// New constructs a distributor.
func New(cfg Config, source Source, directory UserDirectory, selector Selector, sink delivery.Sink, logger zerolog.Logger, opts ...Option) *Distributor {
	d := &Distributor{
		cfg:       cfg,
		source:    source,
		directory: directory,
		selector:  selector,
		sink:      sink,
		flags:     flags.NewManager(flags.Defaults()),
		logger:    logger.With().Str("component", "distributor").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the active configuration.
func (d *Distributor) Config() Config { return d.cfg }

// RunCycle distributes up to BatchSize pending opportunities. A store
// failure stops the batch; the untouched opportunities stay pending and are
// counted as deferred. Delivery failures never stop the batch.
func (d *Distributor) RunCycle(ctx context.Context, now time.Time) (CycleReport, error) {
	start := time.Now()
	var report CycleReport
	defer func() {
		if d.metrics != nil {
			d.metrics.ObserveCycle(report, time.Since(start))
		}
	}()

	if !d.flags.BoolOr(flags.DistributionEnabled, true) {
		report.Paused = true
		d.logger.Info().Msg("distribution paused by feature flag")
		return report, nil
	}

	expired, err := d.source.ExpireBefore(ctx, now.Add(-d.cfg.TTL()))
	if err != nil {
		return report, storeErr("distribution.expire", err)
	}
	report.Expired = expired

	pending, err := d.source.Pending(ctx, d.cfg.BatchSize)
	if err != nil {
		return report, storeErr("distribution.pending", err)
	}
	if len(pending) == 0 {
		d.logger.Debug().Int("expired", expired).Msg("no pending opportunities")
		return report, nil
	}
	sortByDetection(pending)

	users, err := d.directory.ActiveUsers(ctx)
	if err != nil {
		report.Deferred = len(pending)
		return report, storeErr("distribution.users", err)
	}

	caps := d.cfg.Fairness
	if n := d.flags.IntOr(flags.DistributionMaxParticipant, caps.MaxParticipants); n >= 1 {
		caps.MaxParticipants = n
	} else if n != caps.MaxParticipants {
		d.logger.Warn().Int("value", n).Int("configured", caps.MaxParticipants).Msg("ignoring non-positive max_participants flag")
	}
	refresh := d.quotes != nil && d.flags.BoolOr(flags.DistributionRefreshQuotes, false)
	minMargin := decimal.NewFromFloat(d.flags.FloatOr(flags.MinRateThreshold, 0))

	for i, opp := range pending {
		if err := ctx.Err(); err != nil {
			report.Deferred += len(pending) - i
			return report, err
		}

		if opp.MarginPct.LessThan(minMargin) {
			if err := d.source.MarkDistributed(ctx, opp.ID, 0, now); err != nil {
				report.Deferred += len(pending) - i
				err = storeErr("distribution.mark", err)
				d.deferral(err).Err(err).Str("opportunity_id", opp.ID).Int("deferred", len(pending)-i).Msg("mark failed, deferring rest of batch")
				return report, err
			}
			report.Processed++
			report.Skipped++
			d.logger.Debug().Str("opportunity_id", opp.ID).Str("margin_pct", opp.MarginPct.String()).Msg("margin below threshold, closed without delivery")
			continue
		}

		if refresh {
			opp = d.refresh(ctx, opp)
		}

		sel, selErr := d.selector.SelectRecipients(ctx, opp, users, caps, now)
		// Recorded recipients are delivered even when selection stopped early,
		// their state already counts the delivery.
		delivered, failed := d.deliver(ctx, opp, sel.UserIDs(), now)
		report.Delivered += delivered
		report.Failed += failed

		if selErr != nil {
			report.Deferred += len(pending) - i
			d.deferral(selErr).Err(selErr).Str("opportunity_id", opp.ID).Int("deferred", len(pending)-i).Msg("selection failed, deferring rest of batch")
			return report, selErr
		}

		if err := d.source.MarkDistributed(ctx, opp.ID, delivered, now); err != nil {
			report.Processed++
			report.Deferred += len(pending) - i - 1
			err = storeErr("distribution.mark", err)
			d.deferral(err).Err(err).Str("opportunity_id", opp.ID).Int("deferred", len(pending)-i-1).Msg("mark failed, deferring rest of batch")
			return report, err
		}
		report.Processed++
		if len(sel.Recipients) == 0 {
			report.Skipped++
		}

		d.logger.Debug().
			Str("opportunity_id", opp.ID).
			Str("symbol", opp.Symbol).
			Int("recipients", len(sel.Recipients)).
			Int("delivered", delivered).
			Int("failed", failed).
			Msg("opportunity distributed")
	}

	d.logger.Info().
		Int("expired", report.Expired).
		Int("processed", report.Processed).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("distribution cycle complete")
	return report, nil
}

func (d *Distributor) refresh(ctx context.Context, opp opportunity.Opportunity) opportunity.Opportunity {
	q, err := d.quotes.Quote(ctx, opp.Symbol)
	if err != nil {
		evt := d.logger.Warn()
		if apperr.IsKind(err, apperr.QuotaExhausted) {
			evt = d.logger.Info()
		}
		evt.Err(err).Str("symbol", opp.Symbol).Msg("quote refresh skipped, using detection prices")
		return opp
	}
	return opp.WithReference(q.Price)
}

func (d *Distributor) deliver(ctx context.Context, opp opportunity.Opportunity, userIDs []string, now time.Time) (delivered, failed int) {
	for _, userID := range userIDs {
		dctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
		err := d.sink.Deliver(dctx, userID, opp)
		cancel()

		if err != nil {
			failed++
			d.logger.Warn().Err(err).Str("user_id", userID).Str("opportunity_id", opp.ID).Msg("delivery failed")
		} else {
			delivered++
		}

		if d.auditor != nil {
			if auditErr := d.auditor.RecordDelivery(ctx, opp.ID, userID, err, now); auditErr != nil {
				d.logger.Error().Err(auditErr).Str("user_id", userID).Msg("failed to record delivery audit")
			}
		}
	}
	return delivered, failed
}

// deferral picks the log level for a batch cut short by err: transient
// failures are retried on the next tick and only warn.
func (d *Distributor) deferral(err error) *zerolog.Event {
	if apperr.IsTransient(err) {
		return d.logger.Warn()
	}
	return d.logger.Error()
}

func storeErr(op string, err error) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.New(apperr.StoreUnavailable, op, err)
}
