package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opportunity-dispatch/internal/budget"
	"opportunity-dispatch/internal/distribution"
	"opportunity-dispatch/internal/marketdata"
	"opportunity-dispatch/internal/quota"
	"opportunity-dispatch/internal/scheduler"
	"opportunity-dispatch/internal/storage"
)

type countingCycler struct {
	mu    sync.Mutex
	ticks []time.Time
}

func (c *countingCycler) RunCycle(_ context.Context, now time.Time) (distribution.CycleReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = append(c.ticks, now)
	return distribution.CycleReport{Processed: 1}, nil
}

func (c *countingCycler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ticks)
}

type stubLocker struct {
	acquired bool
	err      error
	unlocked int
}

func (l *stubLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { l.unlocked++ }, true, nil
}

type stubQuotes struct {
	symbols []string
	err     error
}

func (q *stubQuotes) Quotes(_ context.Context, symbols []string) (map[string]marketdata.Quote, error) {
	q.symbols = symbols
	return map[string]marketdata.Quote{}, q.err
}

type stubUsage struct {
	usage quota.Usage
	plan  budget.Budget
}

func (u stubUsage) Usage(context.Context) (quota.Usage, error) { return u.usage, nil }
func (u stubUsage) Budget() budget.Budget                      { return u.plan }

type memorySnapshots struct {
	snaps []storage.QuotaSnapshot
}

func (m *memorySnapshots) UpsertQuotaSnapshot(_ context.Context, snap storage.QuotaSnapshot) error {
	m.snaps = append(m.snaps, snap)
	return nil
}

func (m *memorySnapshots) ListQuotaSnapshotsBetween(context.Context, string, time.Time, time.Time) ([]storage.QuotaSnapshot, error) {
	return m.snaps, nil
}

func TestDistributeTickHonoursAdvisoryLock(t *testing.T) {
	cycler := &countingCycler{}
	locker := &stubLocker{acquired: false}
	svc := New(Deps{Distributor: cycler, Locker: locker, LockKey: 7}, zerolog.Nop())

	require.NoError(t, svc.DistributeTick(context.Background(), time.Now()))
	assert.Equal(t, 0, cycler.count())

	locker.acquired = true
	require.NoError(t, svc.DistributeTick(context.Background(), time.Now()))
	assert.Equal(t, 1, cycler.count())
	assert.Equal(t, 1, locker.unlocked)

	locker.err = errors.New("connection refused")
	assert.Error(t, svc.DistributeTick(context.Background(), time.Now()))
}

func TestRefreshTickFetchesPrioritySymbolsAndSnapshots(t *testing.T) {
	plan, err := budget.Plan(budget.Config{MonthlyLimit: 10000, ReserveFraction: 0.3, PrioritySymbols: []string{"eth", "btc"}})
	require.NoError(t, err)

	quotes := &stubQuotes{err: errors.New("quota exhausted")}
	snaps := &memorySnapshots{}
	usage := stubUsage{
		usage: quota.Usage{Day: "2025-03-04", DayUsed: 12, PriorityUsed: 4, Month: "2025-03", MonthUsed: 700},
		plan:  plan,
	}
	svc := New(Deps{Quotes: quotes, Usage: usage, Snapshots: snaps, Provider: "coinmarketcap"}, zerolog.Nop())

	require.NoError(t, svc.RefreshTick(context.Background(), time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)))

	assert.Equal(t, []string{"BTC", "ETH"}, quotes.symbols)
	require.Len(t, snaps.snaps, 1)
	snap := snaps.snaps[0]
	assert.Equal(t, "coinmarketcap", snap.Provider)
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), snap.Day)
	assert.Equal(t, 12, snap.DayUsed)
	assert.Equal(t, 700, snap.MonthUsed)
	assert.Equal(t, 333, snap.DailyTarget)
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	cycler := &countingCycler{}
	ticker := scheduler.New(scheduler.Options{Name: "distribution", Interval: 5 * time.Millisecond, RunImmediately: true}, zerolog.Nop())
	svc := New(Deps{Distributor: cycler, DistributionTicker: ticker}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return cycler.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestRunRequiresDistributionScheduler(t *testing.T) {
	assert.Error(t, New(Deps{}, zerolog.Nop()).Run(context.Background()))
}
