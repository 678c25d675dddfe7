package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"opportunity-dispatch/internal/apperr"
	"opportunity-dispatch/internal/budget"
	"opportunity-dispatch/internal/kvstore"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// Usage is the persisted credit consumption for one provider and month.
// Day and Month are the reset markers.
type Usage struct {
	Day          string `json:"day"`
	DayUsed      int    `json:"day_used"`
	PriorityUsed int    `json:"priority_used"`
	Month        string `json:"month"`
	MonthUsed    int    `json:"month_used"`
}

// GeneralUsed is today's spending outside the priority reservation.
func (u Usage) GeneralUsed() int { return u.DayUsed - u.PriorityUsed }

func (u Usage) rolled(day, month string) Usage {
	if u.Month != month {
		u.Month = month
		u.MonthUsed = 0
	}
	if u.Day != day {
		u.Day = day
		u.DayUsed = 0
		u.PriorityUsed = 0
	}
	return u
}

// Decision is the outcome of a debit attempt.
type Decision struct {
	Accepted    bool
	Reason      apperr.Scope
	FromReserve int
	Usage       Usage
}

// Err converts a denial into a QuotaExhausted error; nil when accepted.
func (d Decision) Err() error {
	if d.Accepted {
		return nil
	}
	return apperr.Quota(d.Reason, "quota.debit")
}

// Recorder receives quota metrics.
type Recorder interface {
	RecordDebit(provider, symbol, result string, cost int)
	SetQuotaUsage(provider, window string, used, limit int)
}

type nopRecorder struct{}

func (nopRecorder) RecordDebit(string, string, string, int) {}
func (nopRecorder) SetQuotaUsage(string, string, int, int)  {}

// Governor is the only writer of Usage.
type Governor struct {
	store    kvstore.Store
	budget   budget.Budget
	provider string
	policy   kvstore.RetryPolicy
	now      func() time.Time
	metrics  Recorder
	logger   zerolog.Logger
}

// Option customises a Governor.
type Option func(*Governor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithRetryPolicy overrides the store retry policy.
func WithRetryPolicy(p kvstore.RetryPolicy) Option {
	return func(g *Governor) { g.policy = p }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(g *Governor) {
		if r != nil {
			g.metrics = r
		}
	}
}

// WithProvider names the provider whose credits are metered.
func WithProvider(name string) Option {
	return func(g *Governor) { g.provider = name }
}

// NewGovernor constructs a governor over store for the given budget.
func NewGovernor(store kvstore.Store, b budget.Budget, logger zerolog.Logger, opts ...Option) *Governor {
	g := &Governor{
		store:    store,
		budget:   b,
		provider: "coinmarketcap",
		policy:   kvstore.DefaultRetryPolicy,
		now:      time.Now,
		metrics:  nopRecorder{},
		logger:   logger.With().Str("component", "quota").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Budget returns the plan the governor enforces.
func (g *Governor) Budget() budget.Budget { return g.budget }

// TryDebit charges cost credits for a fetch of symbol. A denial leaves the
// stored usage untouched and is reported in the Decision, not as an error;
// errors are reserved for store failures and invalid arguments.
func (g *Governor) TryDebit(ctx context.Context, symbol string, cost int) (Decision, error) {
	if cost <= 0 {
		return Decision{}, apperr.Configf("debit cost must be positive, got %d", cost)
	}

	now := g.now().UTC()
	day, month := now.Format(dayLayout), now.Format(monthLayout)
	priority := g.budget.IsPriority(symbol)

	var decision Decision
	_, err := kvstore.Update(ctx, g.store, g.key(month), g.policy, func(cur []byte, found bool) ([]byte, bool, error) {
		u, err := decodeUsage(cur, found, day, month)
		if err != nil {
			return nil, false, err
		}
		u = u.rolled(day, month)

		next, fromReserve, scope := g.apply(u, priority, cost)
		if scope != apperr.ScopeNone {
			decision = Decision{Reason: scope, Usage: u}
			return nil, false, nil
		}

		raw, err := json.Marshal(next)
		if err != nil {
			return nil, false, fmt.Errorf("encode usage: %w", err)
		}
		decision = Decision{Accepted: true, FromReserve: fromReserve, Usage: next}
		return raw, true, nil
	})
	if err != nil {
		return Decision{}, err
	}

	g.observe(symbol, cost, decision)
	return decision, nil
}

// RecordOverage books credits the provider billed beyond an accepted debit.
// The credits are already spent, so they are recorded without cap checks and
// may push usage past the daily target; later debits are then denied.
func (g *Governor) RecordOverage(ctx context.Context, symbol string, credits int) (Usage, error) {
	if credits <= 0 {
		return Usage{}, apperr.Configf("overage must be positive, got %d", credits)
	}

	now := g.now().UTC()
	day, month := now.Format(dayLayout), now.Format(monthLayout)
	priority := g.budget.IsPriority(symbol)

	var usage Usage
	_, err := kvstore.Update(ctx, g.store, g.key(month), g.policy, func(cur []byte, found bool) ([]byte, bool, error) {
		u, err := decodeUsage(cur, found, day, month)
		if err != nil {
			return nil, false, err
		}
		u = u.rolled(day, month)
		if priority {
			if avail := g.budget.PriorityReserve - u.PriorityUsed; avail > 0 {
				u.PriorityUsed += min(avail, credits)
			}
		}
		u.DayUsed += credits
		u.MonthUsed += credits

		raw, err := json.Marshal(u)
		if err != nil {
			return nil, false, fmt.Errorf("encode usage: %w", err)
		}
		usage = u
		return raw, true, nil
	})
	if err != nil {
		return Usage{}, err
	}

	g.metrics.RecordDebit(g.provider, symbol, "overage", credits)
	g.metrics.SetQuotaUsage(g.provider, "daily", usage.DayUsed, g.budget.DailyTarget)
	g.metrics.SetQuotaUsage(g.provider, "monthly", usage.MonthUsed, g.budget.MonthlyLimit)
	g.logger.Warn().
		Str("symbol", symbol).
		Int("credits", credits).
		Int("daily_used", usage.DayUsed).
		Int("monthly_used", usage.MonthUsed).
		Msg("provider billed beyond debit")
	return usage, nil
}

func (g *Governor) apply(u Usage, priority bool, cost int) (Usage, int, apperr.Scope) {
	b := g.budget
	if u.MonthUsed+cost > b.MonthlyLimit {
		return u, 0, apperr.ScopeMonthly
	}

	fromReserve := 0
	if priority {
		if avail := b.PriorityReserve - u.PriorityUsed; avail > 0 {
			fromReserve = min(avail, cost)
		}
	}
	general := cost - fromReserve
	if u.GeneralUsed()+general > b.GeneralCap() {
		return u, 0, apperr.ScopeDaily
	}

	u.DayUsed += cost
	u.PriorityUsed += fromReserve
	u.MonthUsed += cost
	return u, fromReserve, apperr.ScopeNone
}

// Usage returns the current usage as of now, with window resets applied to
// the view only.
func (g *Governor) Usage(ctx context.Context) (Usage, error) {
	now := g.now().UTC()
	day, month := now.Format(dayLayout), now.Format(monthLayout)

	raw, found, err := kvstore.Read(ctx, g.store, g.key(month), g.policy)
	if err != nil {
		return Usage{}, err
	}
	u, err := decodeUsage(raw, found, day, month)
	if err != nil {
		return Usage{}, err
	}
	return u.rolled(day, month), nil
}

// Remaining reports credits still spendable today and this month.
func (g *Governor) Remaining(ctx context.Context) (daily, monthly int, err error) {
	u, err := g.Usage(ctx)
	if err != nil {
		return 0, 0, err
	}
	return g.budget.DailyTarget - u.DayUsed, g.budget.MonthlyLimit - u.MonthUsed, nil
}

func (g *Governor) observe(symbol string, cost int, d Decision) {
	result := "accepted"
	if !d.Accepted {
		result = "denied_" + string(d.Reason)
	}
	g.metrics.RecordDebit(g.provider, symbol, result, cost)
	g.metrics.SetQuotaUsage(g.provider, "daily", d.Usage.DayUsed, g.budget.DailyTarget)
	g.metrics.SetQuotaUsage(g.provider, "monthly", d.Usage.MonthUsed, g.budget.MonthlyLimit)

	evt := g.logger.Debug()
	if !d.Accepted {
		evt = g.logger.Warn()
	}
	evt.Str("symbol", symbol).
		Int("cost", cost).
		Str("result", result).
		Int("daily_used", d.Usage.DayUsed).
		Int("daily_target", g.budget.DailyTarget).
		Int("monthly_used", d.Usage.MonthUsed).
		Int("monthly_limit", g.budget.MonthlyLimit).
		Msg("credit debit")
}

func (g *Governor) key(month string) string {
	return "quota:" + g.provider + ":" + month
}

func decodeUsage(raw []byte, found bool, day, month string) (Usage, error) {
	if !found {
		return Usage{Day: day, Month: month}, nil
	}
	var u Usage
	if err := json.Unmarshal(raw, &u); err != nil {
		return Usage{}, apperr.New(apperr.StoreUnavailable, "quota.decode", err)
	}
	return u, nil
}
