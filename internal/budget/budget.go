package budget

import (
	"math"
	"sort"
	"strings"

	"opportunity-dispatch/internal/apperr"
)

// DefaultDaysInPeriod spreads the monthly allowance over a fixed 30-day month.
const DefaultDaysInPeriod = 30

// Config is the credit allowance as configured for a provider plan.
type Config struct {
	MonthlyLimit    int      `mapstructure:"monthly_limit"`
	DaysInPeriod    int      `mapstructure:"days_in_period"`
	DailyTarget     int      `mapstructure:"daily_target"`
	ReserveFraction float64  `mapstructure:"priority_reserve_fraction"`
	ReserveCredits  int      `mapstructure:"priority_reserve_credits"`
	PrioritySymbols []string `mapstructure:"priority_symbols"`
}

// Budget is the derived spending plan. It is never persisted.
type Budget struct {
	MonthlyLimit    int
	DailyTarget     int
	PriorityReserve int
	prioritySymbols map[string]struct{}
}

// GeneralCap is the part of the daily target open to non-reserved spending.
func (b Budget) GeneralCap() int {
	return b.DailyTarget - b.PriorityReserve
}

// IsPriority reports whether symbol draws on the priority reservation.
func (b Budget) IsPriority(symbol string) bool {
	_, ok := b.prioritySymbols[normalizeSymbol(symbol)]
	return ok
}

// PrioritySymbols lists the reserved symbols in sorted order.
func (b Budget) PrioritySymbols() []string {
	out := make([]string, 0, len(b.prioritySymbols))
	for s := range b.prioritySymbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DailyTarget returns override when positive, otherwise monthly/days floored
// with a minimum of one credit. Leftover credits at month end are discarded.
func DailyTarget(monthlyLimit, daysInPeriod, override int) int {
	if override > 0 {
		return override
	}
	if daysInPeriod <= 0 {
		daysInPeriod = DefaultDaysInPeriod
	}
	target := monthlyLimit / daysInPeriod
	if target < 1 {
		return 1
	}
	return target
}

// Plan derives the Budget from configuration.
func Plan(cfg Config) (Budget, error) {
	if cfg.MonthlyLimit <= 0 {
		return Budget{}, apperr.Configf("quota.monthly_limit must be greater than zero")
	}
	if cfg.DaysInPeriod < 0 {
		return Budget{}, apperr.Configf("quota.days_in_period cannot be negative")
	}
	if cfg.DailyTarget < 0 {
		return Budget{}, apperr.Configf("quota.daily_target cannot be negative")
	}
	if cfg.DailyTarget > cfg.MonthlyLimit {
		return Budget{}, apperr.Configf("quota.daily_target %d exceeds monthly limit %d", cfg.DailyTarget, cfg.MonthlyLimit)
	}
	if cfg.ReserveFraction < 0 || cfg.ReserveFraction > 1 || math.IsNaN(cfg.ReserveFraction) {
		return Budget{}, apperr.Configf("quota.priority_reserve_fraction must be within [0,1]")
	}
	if cfg.ReserveCredits < 0 {
		return Budget{}, apperr.Configf("quota.priority_reserve_credits cannot be negative")
	}

	daily := DailyTarget(cfg.MonthlyLimit, cfg.DaysInPeriod, cfg.DailyTarget)

	reserve := cfg.ReserveCredits
	if reserve == 0 {
		reserve = int(math.Floor(float64(daily) * cfg.ReserveFraction))
	}
	if reserve > daily {
		reserve = daily
	}

	symbols := make(map[string]struct{}, len(cfg.PrioritySymbols))
	for _, s := range cfg.PrioritySymbols {
		if n := normalizeSymbol(s); n != "" {
			symbols[n] = struct{}{}
		}
	}
	if len(symbols) == 0 {
		reserve = 0
	}

	return Budget{
		MonthlyLimit:    cfg.MonthlyLimit,
		DailyTarget:     daily,
		PriorityReserve: reserve,
		prioritySymbols: symbols,
	}, nil
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
