package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opportunity-dispatch/internal/apperr"
	"opportunity-dispatch/internal/budget"
	"opportunity-dispatch/internal/kvstore"
	"opportunity-dispatch/internal/quota"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls [][]string
	fail  error
	// failFirst fails that many calls before succeeding.
	failFirst int
	billed    int
}

func (p *fakeProvider) EstimateCost(symbols []string) int { return 1 }

func (p *fakeProvider) FetchQuotes(_ context.Context, symbols []string) ([]Quote, int, error) {
	p.mu.Lock()
	p.calls = append(p.calls, append([]string(nil), symbols...))
	n := len(p.calls)
	p.mu.Unlock()
	if p.fail != nil {
		return nil, 0, p.fail
	}
	if n <= p.failFirst {
		return nil, 0, errors.New("502 bad gateway")
	}
	out := make([]Quote, len(symbols))
	for i, s := range symbols {
		out[i] = Quote{Symbol: s, Price: decimal.NewFromInt(int64(100 + i))}
	}
	billed := p.billed
	if billed == 0 {
		billed = 1
	}
	return out, billed, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newGovernor(t *testing.T, monthly int, now func() time.Time) *quota.Governor {
	t.Helper()
	b, err := budget.Plan(budget.Config{MonthlyLimit: monthly, ReserveCredits: 1, PrioritySymbols: []string{"BTC"}})
	require.NoError(t, err)
	return quota.NewGovernor(kvstore.NewMemory(), b, zerolog.Nop(), quota.WithClock(now))
}

func TestFetcherServesCacheWithoutDebit(t *testing.T) {
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	gov := newGovernor(t, 3000, clock)
	p := &fakeProvider{}
	f := NewFetcher(p, gov, gov.Budget(), FetcherOptions{CacheTTL: time.Minute}, zerolog.Nop())
	f.SetClock(clock)
	ctx := context.Background()

	quotes, err := f.Quotes(ctx, []string{"btc", "SOL", "sol"})
	require.NoError(t, err)
	assert.Len(t, quotes, 2)
	assert.Equal(t, [][]string{{"BTC"}, {"SOL"}}, p.calls, "priority and general symbols are fetched separately")

	u, err := gov.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, u.DayUsed)
	assert.Equal(t, 1, u.PriorityUsed)

	_, err = f.Quotes(ctx, []string{"BTC", "SOL"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.callCount())

	now = now.Add(2 * time.Minute)
	_, err = f.Quote(ctx, "SOL")
	require.NoError(t, err)
	assert.Equal(t, 3, p.callCount())
}

func TestFetcherDeniedDoesNotCallProvider(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC) }
	gov := newGovernor(t, 30, clock) // daily target 1, fully reserved for BTC
	p := &fakeProvider{}
	f := NewFetcher(p, gov, gov.Budget(), FetcherOptions{}, zerolog.Nop())

	_, err := f.Quote(context.Background(), "DOGE")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrDailyExhausted)
	assert.Zero(t, p.callCount())
}

func TestFetcherProviderFailureKeepsDebit(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC) }
	gov := newGovernor(t, 3000, clock)
	p := &fakeProvider{fail: errors.New("503 service unavailable")}
	f := NewFetcher(p, gov, gov.Budget(), FetcherOptions{MaxRetries: 2, RetryBackoff: time.Millisecond}, zerolog.Nop())

	_, err := f.Quote(context.Background(), "ETH")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.ProviderUnavailable))
	assert.Equal(t, 3, p.callCount())

	u, err := gov.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, u.DayUsed, "every attempt is charged")
}

func TestFetcherDebitsEveryRetry(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC) }
	gov := newGovernor(t, 3000, clock)
	p := &fakeProvider{failFirst: 2}
	f := NewFetcher(p, gov, gov.Budget(), FetcherOptions{MaxRetries: 2, RetryBackoff: time.Millisecond}, zerolog.Nop())

	q, err := f.Quote(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, "ETH", q.Symbol)
	assert.Equal(t, 3, p.callCount())

	u, err := gov.Usage(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, u.DayUsed, p.callCount(), "provider calls must not exceed debited credits")
	assert.Equal(t, 3, u.MonthUsed)
}

func TestFetcherStopsRetryingWhenDenied(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC) }
	gov := newGovernor(t, 60, clock) // daily target 2, one general credit
	p := &fakeProvider{fail: errors.New("503 service unavailable")}
	f := NewFetcher(p, gov, gov.Budget(), FetcherOptions{MaxRetries: 3, RetryBackoff: time.Millisecond}, zerolog.Nop())

	_, err := f.Quote(context.Background(), "DOGE")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrDailyExhausted)
	assert.Equal(t, 1, p.callCount(), "the retry after the budget ran out never reaches the provider")

	u, err := gov.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, u.DayUsed)
}

func TestFetcherRecordsBilledOverage(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC) }
	gov := newGovernor(t, 3000, clock)
	p := &fakeProvider{billed: 4}
	f := NewFetcher(p, gov, gov.Budget(), FetcherOptions{}, zerolog.Nop())

	_, err := f.Quote(context.Background(), "SOL")
	require.NoError(t, err)

	u, err := gov.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, u.DayUsed, "estimate plus the billed difference")
	assert.Equal(t, 4, u.MonthUsed)
}

func TestFetcherTTLSourceIsReadPerLookup(t *testing.T) {
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	gov := newGovernor(t, 3000, clock)
	p := &fakeProvider{}
	f := NewFetcher(p, gov, gov.Budget(), FetcherOptions{CacheTTL: time.Hour}, zerolog.Nop())
	f.SetClock(clock)
	ttl := time.Hour
	f.SetTTLSource(func() time.Duration { return ttl })
	ctx := context.Background()

	_, err := f.Quote(ctx, "SOL")
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = f.Quote(ctx, "SOL")
	require.NoError(t, err)
	assert.Equal(t, 1, p.callCount())

	ttl = 30 * time.Second
	_, err = f.Quote(ctx, "SOL")
	require.NoError(t, err)
	assert.Equal(t, 2, p.callCount(), "a shorter TTL applies to entries already cached")
}
