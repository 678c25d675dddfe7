package config

import (
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"opportunity-dispatch/internal/apperr"
	"opportunity-dispatch/internal/budget"
	"opportunity-dispatch/internal/delivery"
	"opportunity-dispatch/internal/distribution"
	"opportunity-dispatch/internal/kvstore"
	"opportunity-dispatch/internal/logging"
	"opportunity-dispatch/internal/marketdata"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Delivery sinks.
const (
	SinkTelegram = "telegram"
	SinkKafka    = "kafka"
	SinkLog      = "log"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig           `mapstructure:"app"`
	Logging      logging.Config      `mapstructure:"logging"`
	Store        StoreConfig         `mapstructure:"store"`
	Database     DatabaseConfig      `mapstructure:"database"`
	Scheduler    SchedulerConfig     `mapstructure:"scheduler"`
	Distribution distribution.Config `mapstructure:"distribution"`
	Quota        budget.Config       `mapstructure:"quota"`
	Provider     ProviderConfig      `mapstructure:"provider"`
	Delivery     DeliveryConfig      `mapstructure:"delivery"`
	Metrics      MetricsConfig       `mapstructure:"metrics"`
	Flags        FlagsConfig         `mapstructure:"flags"`
	Export       ExportConfig        `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StoreConfig selects the shared key-value store holding quota and fairness state.
type StoreConfig struct {
	Backend string              `mapstructure:"backend"`
	Redis   kvstore.RedisConfig `mapstructure:"redis"`
	Retry   kvstore.RetryPolicy `mapstructure:"retry"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool { return d.DSN != "" }

// SchedulerConfig governs tick cadence.
type SchedulerConfig struct {
	TickTimeout          time.Duration `mapstructure:"tick_timeout"`
	AlignToInterval      bool          `mapstructure:"align_to_interval"`
	AdvisoryLockKey      int64         `mapstructure:"advisory_lock_key"`
	StartupDelay         time.Duration `mapstructure:"startup_delay"`
	QuoteRefreshInterval time.Duration `mapstructure:"quote_refresh_interval"`
}

// ProviderConfig covers the credit-metered market data provider.
type ProviderConfig struct {
	Name               string        `mapstructure:"name"`
	BaseURL            string        `mapstructure:"base_url"`
	APIKey             string        `mapstructure:"api_key"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	UserAgent          string        `mapstructure:"user_agent"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	SymbolsPerCredit   int           `mapstructure:"symbols_per_credit"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
}

// ClientOptions maps the section onto the CoinMarketCap client.
func (p ProviderConfig) ClientOptions() marketdata.CoinMarketCapOptions {
	return marketdata.CoinMarketCapOptions{
		BaseURL:            p.BaseURL,
		APIKey:             p.APIKey,
		Timeout:            p.RequestTimeout,
		UserAgent:          p.UserAgent,
		RateLimitPerMinute: p.RateLimitPerMinute,
		SymbolsPerCredit:   p.SymbolsPerCredit,
	}
}

// FetcherOptions maps the section onto the caching fetcher.
func (p ProviderConfig) FetcherOptions() marketdata.FetcherOptions {
	return marketdata.FetcherOptions{
		CacheTTL:     p.CacheTTL,
		MaxRetries:   p.MaxRetries,
		RetryBackoff: p.RetryBackoff,
	}
}

// DeliveryConfig defines how opportunities reach users.
type DeliveryConfig struct {
	Sink     string                `mapstructure:"sink"`
	Telegram TelegramConfig        `mapstructure:"telegram"`
	Kafka    delivery.KafkaOptions `mapstructure:"kafka"`
	// Subscribers is the recipient list used when no database is configured.
	Subscribers []string `mapstructure:"subscribers"`
}

// TelegramConfig 描述 Telegram 推送参数。
type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MetricsConfig controls the ops HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// FlagsConfig points at the feature flag document.
type FlagsConfig struct {
	Path string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDays int `mapstructure:"max_days"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, apperr.Configf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return apperr.Configf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "opportunity-dispatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.pool_size", 10)
	v.SetDefault("store.redis.prefix", "dispatch")
	v.SetDefault("store.redis.ttl", "0s")
	v.SetDefault("store.retry.max_attempts", kvstore.DefaultRetryPolicy.MaxAttempts)
	v.SetDefault("store.retry.base_delay", kvstore.DefaultRetryPolicy.BaseDelay)
	v.SetDefault("store.retry.max_delay", kvstore.DefaultRetryPolicy.MaxDelay)
	v.SetDefault("store.retry.op_timeout", kvstore.DefaultRetryPolicy.OpTimeout)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.tick_timeout", "25s")
	v.SetDefault("scheduler.align_to_interval", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x64697370))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.quote_refresh_interval", "5m")

	d := distribution.DefaultConfig()
	v.SetDefault("distribution.batch_size", d.BatchSize)
	v.SetDefault("distribution.interval", d.Interval)
	v.SetDefault("distribution.expiry_intervals", d.ExpiryIntervals)
	v.SetDefault("distribution.delivery_timeout", d.DeliveryTimeout)
	v.SetDefault("distribution.max_per_user_per_hour", d.Fairness.MaxPerHour)
	v.SetDefault("distribution.max_per_user_per_day", d.Fairness.MaxPerDay)
	v.SetDefault("distribution.cooldown", d.Fairness.Cooldown)
	v.SetDefault("distribution.max_participants_per_opportunity", d.Fairness.MaxParticipants)
	v.SetDefault("distribution.fairness.strategy", d.Fairness.Rules.Strategy)
	v.SetDefault("distribution.fairness.boost_inactive", d.Fairness.Rules.BoostInactive)
	v.SetDefault("distribution.fairness.inactive_after", d.Fairness.Rules.InactiveAfter)

	v.SetDefault("quota.monthly_limit", 10000)
	v.SetDefault("quota.days_in_period", budget.DefaultDaysInPeriod)
	v.SetDefault("quota.daily_target", 0)
	v.SetDefault("quota.priority_reserve_fraction", 0.3)
	v.SetDefault("quota.priority_reserve_credits", 0)
	v.SetDefault("quota.priority_symbols", []string{"BTC", "ETH", "BNB", "SOL", "XRP", "ADA", "DOGE", "AVAX", "DOT", "MATIC"})

	v.SetDefault("provider.name", "coinmarketcap")
	v.SetDefault("provider.base_url", "https://pro-api.coinmarketcap.com/v1")
	v.SetDefault("provider.request_timeout", "10s")
	v.SetDefault("provider.user_agent", "opportunity-dispatch/1.0")
	v.SetDefault("provider.rate_limit_per_minute", 30)
	v.SetDefault("provider.symbols_per_credit", 100)
	v.SetDefault("provider.cache_ttl", "180s")
	v.SetDefault("provider.max_retries", 2)
	v.SetDefault("provider.retry_backoff", "500ms")

	v.SetDefault("delivery.sink", SinkLog)
	v.SetDefault("delivery.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("delivery.telegram.timeout", "10s")
	v.SetDefault("delivery.kafka.topic", "opportunity-deliveries")
	v.SetDefault("delivery.kafka.compression", "snappy")
	v.SetDefault("delivery.kafka.required_acks", 1)
	v.SetDefault("delivery.kafka.max_attempts", 3)
	v.SetDefault("delivery.kafka.write_timeout", "10s")
	v.SetDefault("delivery.kafka.batch_timeout", "50ms")
	v.SetDefault("delivery.subscribers", []string{})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9102")

	v.SetDefault("flags.path", "")

	v.SetDefault("export.max_days", 400)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return apperr.Configf("store.redis.addr is required for the redis backend")
		}
	case BackendPostgres:
		if !c.Database.Enabled() {
			return apperr.Configf("database.dsn is required for the postgres backend")
		}
	default:
		return apperr.Configf("store.backend %q is not one of memory, redis, postgres", c.Store.Backend)
	}
	if c.Store.Retry.MaxAttempts < 0 {
		return apperr.Configf("store.retry.max_attempts cannot be negative")
	}

	if err := c.Distribution.Validate(); err != nil {
		return err
	}
	if _, err := budget.Plan(c.Quota); err != nil {
		return err
	}

	if c.Scheduler.TickTimeout < 0 {
		return apperr.Configf("scheduler.tick_timeout cannot be negative")
	}
	if c.Scheduler.QuoteRefreshInterval < 0 {
		return apperr.Configf("scheduler.quote_refresh_interval cannot be negative")
	}

	if c.Provider.MaxRetries < 0 {
		return apperr.Configf("provider.max_retries cannot be negative")
	}
	if c.Provider.SymbolsPerCredit < 0 {
		return apperr.Configf("provider.symbols_per_credit cannot be negative")
	}

	switch c.Delivery.Sink {
	case SinkLog:
	case SinkTelegram:
		if c.Delivery.Telegram.BotToken == "" {
			return apperr.Configf("delivery.telegram.bot_token 必须配置")
		}
	case SinkKafka:
		if len(c.Delivery.Kafka.Brokers) == 0 {
			return apperr.Configf("delivery.kafka.brokers 必须配置")
		}
		if c.Delivery.Kafka.Topic == "" {
			return apperr.Configf("delivery.kafka.topic 必须配置")
		}
	default:
		return apperr.Configf("delivery.sink %q is not one of telegram, kafka, log", c.Delivery.Sink)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return apperr.Configf("metrics.addr is required when metrics are enabled")
	}
	if c.Export.MaxDays <= 0 {
		return apperr.Configf("export.max_days must be greater than zero")
	}
	return nil
}

// ResolveDays returns either the CLI override or the config default.
func (c *Config) ResolveDays(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDays
}
