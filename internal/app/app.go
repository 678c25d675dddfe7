package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"opportunity-dispatch/internal/budget"
	"opportunity-dispatch/internal/config"
	"opportunity-dispatch/internal/delivery"
	"opportunity-dispatch/internal/distribution"
	"opportunity-dispatch/internal/fairness"
	"opportunity-dispatch/internal/flags"
	"opportunity-dispatch/internal/kvstore"
	"opportunity-dispatch/internal/marketdata"
	"opportunity-dispatch/internal/metrics"
	"opportunity-dispatch/internal/quota"
	"opportunity-dispatch/internal/scheduler"
	"opportunity-dispatch/internal/service"
	"opportunity-dispatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// stack is the fully wired dispatcher.
type stack struct {
	flags       *flags.Manager
	kv          kvstore.Store
	db          *storage.Store
	plan        budget.Budget
	governor    *quota.Governor
	quotes      *marketdata.Fetcher
	evaluator   *fairness.Evaluator
	distributor *distribution.Distributor
	registry    *prometheus.Registry
	closers     []func()
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if !a.Config.Database.Enabled() {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openKV(ctx context.Context, db *storage.Store) (kvstore.Store, func(), error) {
	switch a.Config.Store.Backend {
	case config.BackendRedis:
		r, err := kvstore.DialRedis(ctx, a.Config.Store.Redis)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case config.BackendPostgres:
		if db == nil {
			return nil, nil, errors.New("postgres store backend requires database.dsn")
		}
		return kvstore.NewPostgres(db.Pool()), nil, nil
	default:
		a.Logger.Warn().Msg("store.backend is memory; quota and fairness state are per process")
		return kvstore.NewMemory(), nil, nil
	}
}

func (a *App) newSink() (delivery.Sink, func(), error) {
	cfg := a.Config.Delivery
	switch cfg.Sink {
	case config.SinkTelegram:
		return delivery.NewTelegramSink(cfg.Telegram.BotToken, cfg.Telegram.APIBase, cfg.Telegram.Timeout, a.Logger), nil, nil
	case config.SinkKafka:
		sink, err := delivery.NewKafkaSink(cfg.Kafka, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() {
			if err := sink.Close(); err != nil {
				a.Logger.Error().Err(err).Msg("failed to close kafka writer")
			}
		}, nil
	default:
		return delivery.NewLogSink(a.Logger), nil, nil
	}
}

// build opens every backend named by the configuration and wires the
// dispatcher on top of them.
func (a *App) build(ctx context.Context) (*stack, error) {
	st := &stack{}

	fm, err := flags.Load(a.Config.Flags.Path)
	if err != nil {
		return nil, err
	}
	st.flags = fm

	db, closeDB, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if db == nil {
		a.Logger.Warn().Msg("database.dsn not configured; opportunities are kept in memory")
	} else {
		st.db = db
		st.closers = append(st.closers, closeDB)
	}

	kv, closeKV, err := a.openKV(ctx, db)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.kv = kv
	if closeKV != nil {
		st.closers = append(st.closers, closeKV)
	}

	sink, closeSink, err := a.newSink()
	if err != nil {
		st.Close()
		return nil, err
	}
	if closeSink != nil {
		st.closers = append(st.closers, closeSink)
	}

	var source distribution.Source
	var directory distribution.UserDirectory
	if db != nil {
		source, directory = db, db
	} else {
		source = distribution.NewMemorySource()
		directory = distribution.StaticDirectory(a.Config.Delivery.Subscribers)
	}

	if err := a.assemble(st, source, directory, sink); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// assemble builds the governor, quote fetcher and distributor over st.kv.
func (a *App) assemble(st *stack, source distribution.Source, directory distribution.UserDirectory, sink delivery.Sink) error {
	plan, err := budget.Plan(a.Config.Quota)
	if err != nil {
		return err
	}
	st.plan = plan

	st.registry = prometheus.NewRegistry()
	st.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(st.registry)
	recorder.SetDetailed(func() bool { return st.flags.IsEnabled(flags.DetailedMetrics) })

	policy := a.Config.Store.Retry
	st.governor = quota.NewGovernor(st.kv, plan, a.Logger,
		quota.WithRetryPolicy(policy),
		quota.WithRecorder(recorder),
		quota.WithProvider(a.Config.Provider.Name),
	)

	fetchOpts := a.Config.Provider.FetcherOptions()
	provider := marketdata.NewCoinMarketCap(a.Config.Provider.ClientOptions(), a.Logger)
	st.quotes = marketdata.NewFetcher(provider, st.governor, plan, fetchOpts, a.Logger)
	st.quotes.SetTTLSource(cacheTTLSource(st.flags, fetchOpts.CacheTTL))

	st.evaluator = fairness.NewEvaluator(st.kv, policy, a.Logger)

	opts := []distribution.Option{
		distribution.WithQuotes(st.quotes),
		distribution.WithRecorder(recorder),
		distribution.WithFlags(st.flags),
	}
	if st.db != nil {
		opts = append(opts, distribution.WithAuditor(st.db))
	}
	st.distributor = distribution.New(a.Config.Distribution, source, directory, st.evaluator, sink, a.Logger, opts...)
	return nil
}

// cacheTTLSource re-reads the caching flag on every call so a SIGHUP reload
// changes the quote TTL of the running fetcher.
func cacheTTLSource(fm *flags.Manager, def time.Duration) func() time.Duration {
	return func() time.Duration { return quoteCacheTTL(fm, def) }
}

// quoteCacheTTL applies the caching flag: disabled caching expires entries
// immediately, an override value replaces the configured TTL.
func quoteCacheTTL(fm *flags.Manager, def time.Duration) time.Duration {
	if _, ok := fm.Snapshot().Lookup(flags.QuoteCaching); !ok {
		return def
	}
	if !fm.IsEnabled(flags.QuoteCaching) {
		return time.Nanosecond
	}
	v, ok := flags.Value[struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	}](fm, flags.QuoteCaching)
	if !ok || v.TTLSeconds <= 0 {
		return def
	}
	return time.Duration(v.TTLSeconds) * time.Second
}

// Run executes the long-running dispatch service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	go a.watchFlags(ctx, st.flags)

	sc := a.Config.Scheduler
	deps := service.Deps{
		Distributor: st.distributor,
		DistributionTicker: scheduler.New(scheduler.Options{
			Name:           "distribution",
			Interval:       a.Config.Distribution.Interval,
			AlignToStart:   sc.AlignToInterval,
			StartupDelay:   sc.StartupDelay,
			TickTimeout:    sc.TickTimeout,
			RunImmediately: true,
		}, a.Logger),
		Quotes:   st.quotes,
		Usage:    st.governor,
		Provider: a.Config.Provider.Name,
	}
	if sc.QuoteRefreshInterval > 0 {
		deps.QuoteTicker = scheduler.New(scheduler.Options{
			Name:         "quote_refresh",
			Interval:     sc.QuoteRefreshInterval,
			AlignToStart: sc.AlignToInterval,
			StartupDelay: sc.StartupDelay,
			TickTimeout:  sc.TickTimeout,
		}, a.Logger)
	}
	if st.db != nil {
		deps.Snapshots = st.db
		deps.Locker = st.db
		deps.LockKey = sc.AdvisoryLockKey
	}
	if a.Config.Metrics.Enabled {
		deps.Ops = metrics.NewServer(a.Config.Metrics.Addr, st.registry, func(ctx context.Context) (any, error) {
			return a.quotaReport(ctx, st)
		}, a.Logger)
	}

	svc := service.New(deps, a.Logger)

	a.Logger.Info().
		Dur("interval", a.Config.Distribution.Interval).
		Str("store", a.Config.Store.Backend).
		Str("sink", a.Config.Delivery.Sink).
		Msg("starting dispatch service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("dispatch service stopped")
	return nil
}

// watchFlags reloads the flag file on SIGHUP.
func (a *App) watchFlags(ctx context.Context, fm *flags.Manager) {
	path := a.Config.Flags.Path
	if path == "" {
		return
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := fm.Reload(path); err != nil {
				a.Logger.Error().Err(err).Str("path", path).Msg("flag reload failed, keeping previous flags")
				continue
			}
			a.Logger.Info().Str("path", path).Int("flags", fm.Snapshot().Len()).Msg("flags reloaded")
		}
	}
}

// Cycle runs a single distribution cycle and returns its report.
func (a *App) Cycle(ctx context.Context) (distribution.CycleReport, error) {
	st, err := a.build(ctx)
	if err != nil {
		return distribution.CycleReport{}, err
	}
	defer st.Close()

	if st.db == nil {
		return distribution.CycleReport{}, errors.New("database not configured; nothing is pending in a fresh in-memory source")
	}
	return st.distributor.RunCycle(ctx, time.Now().UTC())
}

// QuotaReport is the current credit position of the provider.
type QuotaReport struct {
	Provider         string `json:"provider"`
	Day              string `json:"day"`
	Month            string `json:"month"`
	DayUsed          int    `json:"day_used"`
	PriorityUsed     int    `json:"priority_used"`
	GeneralUsed      int    `json:"general_used"`
	MonthUsed        int    `json:"month_used"`
	DailyTarget      int    `json:"daily_target"`
	PriorityReserve  int    `json:"priority_reserve"`
	GeneralCap       int    `json:"general_cap"`
	MonthlyLimit     int    `json:"monthly_limit"`
	DailyRemaining   int    `json:"daily_remaining"`
	MonthlyRemaining int    `json:"monthly_remaining"`
}

// QuotaStatus reads the persisted usage of the configured provider.
func (a *App) QuotaStatus(ctx context.Context) (QuotaReport, error) {
	st, err := a.build(ctx)
	if err != nil {
		return QuotaReport{}, err
	}
	defer st.Close()
	return a.quotaReport(ctx, st)
}

func (a *App) quotaReport(ctx context.Context, st *stack) (QuotaReport, error) {
	u, err := st.governor.Usage(ctx)
	if err != nil {
		return QuotaReport{}, fmt.Errorf("read quota usage: %w", err)
	}
	b := st.governor.Budget()
	return QuotaReport{
		Provider:         a.Config.Provider.Name,
		Day:              u.Day,
		Month:            u.Month,
		DayUsed:          u.DayUsed,
		PriorityUsed:     u.PriorityUsed,
		GeneralUsed:      u.GeneralUsed(),
		MonthUsed:        u.MonthUsed,
		DailyTarget:      b.DailyTarget,
		PriorityReserve:  b.PriorityReserve,
		GeneralCap:       b.GeneralCap(),
		MonthlyLimit:     b.MonthlyLimit,
		DailyRemaining:   b.DailyTarget - u.DayUsed,
		MonthlyRemaining: b.MonthlyLimit - u.MonthUsed,
	}, nil
}

// Budget derives the spending plan from configuration alone.
func (a *App) Budget() (budget.Budget, error) {
	return budget.Plan(a.Config.Quota)
}

// Flags loads the configured flag set.
func (a *App) Flags() ([]flags.Flag, error) {
	fm, err := flags.Load(a.Config.Flags.Path)
	if err != nil {
		return nil, err
	}
	return fm.Snapshot().List(), nil
}

// ExportOptions hold parameters for exporting quota history.
type ExportOptions struct {
	From    *time.Time
	To      *time.Time
	PNGPath string
	CSVPath string
	MaxDays int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
