package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"opportunity-dispatch/internal/apperr"
	"opportunity-dispatch/internal/quota"
)

// Debiter authorises credit spending before a provider call and books
// credits billed beyond the authorised cost.
type Debiter interface {
	TryDebit(ctx context.Context, symbol string, cost int) (quota.Decision, error)
	RecordOverage(ctx context.Context, symbol string, credits int) (quota.Usage, error)
}

// PriorityChecker reports whether a symbol is served from the priority reserve.
type PriorityChecker interface {
	IsPriority(symbol string) bool
}

// FetcherOptions tune caching and retries.
type FetcherOptions struct {
	CacheTTL     time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

type cachedQuote struct {
	quote     Quote
	fetchedAt time.Time
}

// Fetcher serves quotes from a TTL cache and falls back to the provider only
// after the quota governor accepted the call's cost. Every provider attempt,
// retries included, is debited first; accepted credits are never refunded.
type Fetcher struct {
	provider Provider
	debiter  Debiter
	priority PriorityChecker
	opts     FetcherOptions
	ttl      func() time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cachedQuote
}

// NewFetcher wires a provider to the governor.
func NewFetcher(provider Provider, debiter Debiter, priority PriorityChecker, opts FetcherOptions, logger zerolog.Logger) *Fetcher {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 180 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	return &Fetcher{
		provider: provider,
		debiter:  debiter,
		priority: priority,
		opts:     opts,
		ttl:      func() time.Duration { return opts.CacheTTL },
		now:      time.Now,
		logger:   logger.With().Str("component", "quote_fetcher").Logger(),
		cache:    make(map[string]cachedQuote),
	}
}

// SetClock overrides the time source used for cache expiry.
func (f *Fetcher) SetClock(now func() time.Time) { f.now = now }

// SetTTLSource makes every cache lookup ask ttl for the current TTL, so a
// flag reload takes effect without rebuilding the fetcher.
func (f *Fetcher) SetTTLSource(ttl func() time.Duration) {
	if ttl != nil {
		f.ttl = ttl
	}
}

// Quotes returns quotes for symbols. Fresh cache entries are served without
// spending credits; the rest are fetched in up to two calls, one for priority
// symbols and one for the others, so each is debited against the right pool.
// When a call is denied or fails the quotes gathered so far are returned with
// the error.
func (f *Fetcher) Quotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(symbols))
	var priority, general []string
	for _, s := range normalize(symbols) {
		if q, ok := f.cached(s); ok {
			out[s] = q
			continue
		}
		if f.priority != nil && f.priority.IsPriority(s) {
			priority = append(priority, s)
		} else {
			general = append(general, s)
		}
	}

	var errs []error
	for _, group := range [][]string{priority, general} {
		if len(group) == 0 {
			continue
		}
		quotes, err := f.fetch(ctx, group)
		for _, q := range quotes {
			out[q.Symbol] = q
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// Quote returns the quote of a single symbol.
func (f *Fetcher) Quote(ctx context.Context, symbol string) (Quote, error) {
	quotes, err := f.Quotes(ctx, []string{symbol})
	if err != nil {
		return Quote{}, err
	}
	q, ok := quotes[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Quote{}, apperr.New(apperr.ProviderUnavailable, "marketdata.quote", fmt.Errorf("no quote returned for %s", symbol))
	}
	return q, nil
}

func (f *Fetcher) fetch(ctx context.Context, symbols []string) ([]Quote, error) {
	cost := f.provider.EstimateCost(symbols)

	var lastErr error
	for attempt := 0; attempt <= f.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(f.opts.RetryBackoff * time.Duration(1<<(attempt-1)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, apperr.New(apperr.ProviderUnavailable, "marketdata.fetch", ctx.Err())
			case <-timer.C:
			}
		}

		decision, err := f.debiter.TryDebit(ctx, symbols[0], cost)
		if err != nil {
			return nil, err
		}
		if !decision.Accepted {
			f.logger.Warn().Strs("symbols", symbols).Int("cost", cost).Int("attempt", attempt+1).Str("scope", string(decision.Reason)).Msg("quote fetch skipped, credits exhausted")
			return nil, errors.Join(decision.Err(), lastErr)
		}

		quotes, billed, err := f.provider.FetchQuotes(ctx, symbols)
		if billed > cost {
			if _, oerr := f.debiter.RecordOverage(ctx, symbols[0], billed-cost); oerr != nil {
				f.logger.Error().Err(oerr).Int("estimated", cost).Int("billed", billed).Msg("failed to record billed overage")
			}
		}
		if err != nil {
			lastErr = err
			f.logger.Warn().Err(err).Int("attempt", attempt+1).Strs("symbols", symbols).Msg("provider call failed")
			continue
		}

		fetchedAt := f.now()
		f.mu.Lock()
		for _, q := range quotes {
			f.cache[q.Symbol] = cachedQuote{quote: q, fetchedAt: fetchedAt}
		}
		f.mu.Unlock()
		return quotes, nil
	}

	return nil, apperr.New(apperr.ProviderUnavailable, "marketdata.fetch", lastErr)
}

func (f *Fetcher) cached(symbol string) (Quote, bool) {
	ttl := f.ttl()
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.cache[symbol]
	if !ok || f.now().Sub(c.fetchedAt) > ttl {
		return Quote{}, false
	}
	return c.quote, true
}

func normalize(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
