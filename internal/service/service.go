package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"opportunity-dispatch/internal/budget"
	"opportunity-dispatch/internal/distribution"
	"opportunity-dispatch/internal/marketdata"
	"opportunity-dispatch/internal/quota"
	"opportunity-dispatch/internal/scheduler"
	"opportunity-dispatch/internal/storage"
)

// Cycler runs one distribution cycle.
type Cycler interface {
	RunCycle(ctx context.Context, now time.Time) (distribution.CycleReport, error)
}

// QuoteRefresher warms the quote cache.
type QuoteRefresher interface {
	Quotes(ctx context.Context, symbols []string) (map[string]marketdata.Quote, error)
}

// UsageReader exposes the governor's persisted usage.
type UsageReader interface {
	Usage(ctx context.Context) (quota.Usage, error)
	Budget() budget.Budget
}

// Runner is a long-lived background component such as the ops server.
type Runner interface {
	Run(ctx context.Context) error
}

// Deps collects the collaborators of the service. Only Distributor and
// DistributionTicker are mandatory.
type Deps struct {
	Distributor        Cycler
	DistributionTicker *scheduler.Scheduler
	Quotes             QuoteRefresher
	QuoteTicker        *scheduler.Scheduler
	Usage              UsageReader
	Snapshots          storage.QuotaSnapshotStore
	Locker             storage.AdvisoryLocker
	LockKey            int64
	Provider           string
	Ops                Runner
}

// Service orchestrates distribution cycles, quote refreshes and the ops server.
type Service struct {
	deps   Deps
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs the dispatch service.
func New(deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		deps:   deps,
		now:    time.Now,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Run starts every configured loop and blocks until ctx is cancelled or one
// of them fails.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.DistributionTicker == nil || s.deps.Distributor == nil {
		return fmt.Errorf("distribution scheduler not configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.deps.DistributionTicker.Run(gctx, s.DistributeTick)
	})
	if s.deps.QuoteTicker != nil && s.deps.Quotes != nil && s.deps.Usage != nil {
		g.Go(func() error {
			return s.deps.QuoteTicker.Run(gctx, s.RefreshTick)
		})
	}
	if s.deps.Ops != nil {
		g.Go(func() error {
			return s.deps.Ops.Run(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		s.logger.Info().Msg("service stopped")
		return nil
	}
	return err
}

// DistributeTick runs one distribution cycle under the advisory lock.
func (s *Service) DistributeTick(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	_, err = s.deps.Distributor.RunCycle(ctx, tick)
	return err
}

// RefreshTick 刷新优先币种报价，并记录当天的额度快照。
func (s *Service) RefreshTick(ctx context.Context, tick time.Time) error {
	symbols := s.deps.Usage.Budget().PrioritySymbols()
	if len(symbols) > 0 {
		quotes, err := s.deps.Quotes.Quotes(ctx, symbols)
		if err != nil {
			s.logger.Warn().Err(err).Int("symbols", len(symbols)).Int("quotes", len(quotes)).Msg("priority quote refresh incomplete")
		} else {
			s.logger.Debug().Int("quotes", len(quotes)).Msg("priority quotes refreshed")
		}
	}

	return s.snapshot(ctx, tick)
}

func (s *Service) snapshot(ctx context.Context, tick time.Time) error {
	usage, err := s.deps.Usage.Usage(ctx)
	if err != nil {
		return fmt.Errorf("read quota usage: %w", err)
	}
	b := s.deps.Usage.Budget()

	s.logger.Info().
		Int("day_used", usage.DayUsed).
		Int("priority_used", usage.PriorityUsed).
		Int("month_used", usage.MonthUsed).
		Int("daily_target", b.DailyTarget).
		Msg("quota usage")

	if s.deps.Snapshots == nil {
		return nil
	}

	day := tick.UTC().Truncate(24 * time.Hour)
	if parsed, err := time.Parse("2006-01-02", usage.Day); err == nil {
		day = parsed
	}
	snap := storage.QuotaSnapshot{
		Provider:     s.deps.Provider,
		Day:          day,
		DayUsed:      usage.DayUsed,
		PriorityUsed: usage.PriorityUsed,
		MonthUsed:    usage.MonthUsed,
		DailyTarget:  b.DailyTarget,
		MonthlyLimit: b.MonthlyLimit,
		RecordedAt:   s.now().UTC(),
	}
	if err := s.deps.Snapshots.UpsertQuotaSnapshot(ctx, snap); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist quota snapshot")
	}
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.deps.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.deps.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
