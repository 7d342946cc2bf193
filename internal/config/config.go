package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // session.timezone must resolve without system zoneinfo

	"github.com/rewired-gh/mmsim/internal/session"
	"github.com/rewired-gh/mmsim/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Strategy   StrategyConfig            `mapstructure:"strategy"`
	Defaults   ParamsConfig              `mapstructure:"defaults"`
	Securities map[string]OverrideConfig `mapstructure:"securities"`
	Session    SessionConfig             `mapstructure:"session"`
	Feed       FeedConfig                `mapstructure:"feed"`
	Runner     RunnerConfig              `mapstructure:"runner"`
	Storage    StorageConfig             `mapstructure:"storage"`
	Kafka      KafkaConfig               `mapstructure:"kafka"`
	Telegram   TelegramConfig            `mapstructure:"telegram"`
	Logging    LoggingConfig             `mapstructure:"logging"`
}

// StrategyConfig selects the quoting policy and engine switches
type StrategyConfig struct {
	Name                string `mapstructure:"name"`
	MonitorLiquidity    bool   `mapstructure:"monitor_liquidity"`
	StopLossDepthCapped bool   `mapstructure:"stop_loss_depth_capped"`
}

// ParamsConfig holds the strategy parameters shared by every security.
// QuoteSizeBid and QuoteSizeAsk fall back to QuoteSize when unset.
type ParamsConfig struct {
	QuoteSize            int64   `mapstructure:"quote_size"`
	QuoteSizeBid         *int64  `mapstructure:"quote_size_bid"`
	QuoteSizeAsk         *int64  `mapstructure:"quote_size_ask"`
	RefillIntervalSec    float64 `mapstructure:"refill_interval_sec"`
	MaxPosition          int64   `mapstructure:"max_position"`
	MaxNotional          float64 `mapstructure:"max_notional"` // 0 = no cap
	MinNotional          float64 `mapstructure:"min_local_currency_before_quote"`
	StopLossThresholdPct float64 `mapstructure:"stop_loss_threshold_pct"`
}

// OverrideConfig holds per-security overrides; nil fields inherit the defaults
type OverrideConfig struct {
	QuoteSize            *int64   `mapstructure:"quote_size"`
	QuoteSizeBid         *int64   `mapstructure:"quote_size_bid"`
	QuoteSizeAsk         *int64   `mapstructure:"quote_size_ask"`
	RefillIntervalSec    *float64 `mapstructure:"refill_interval_sec"`
	MaxPosition          *int64   `mapstructure:"max_position"`
	MaxNotional          *float64 `mapstructure:"max_notional"`
	MinNotional          *float64 `mapstructure:"min_local_currency_before_quote"`
	StopLossThresholdPct *float64 `mapstructure:"stop_loss_threshold_pct"`
}

// SessionConfig holds the exchange calendar. Times are "HH:MM[:SS]" in Timezone.
type SessionConfig struct {
	Timezone     string            `mapstructure:"timezone"`
	Open         string            `mapstructure:"open"`
	AuctionEnd   string            `mapstructure:"auction_end"`
	SilentEnd    string            `mapstructure:"silent_end"`
	ClosingStart string            `mapstructure:"closing_start"`
	Close        string            `mapstructure:"close"`
	FlattenAt    string            `mapstructure:"flatten_at"`
	Actions      map[string]string `mapstructure:"actions"` // window name -> action name
	EODFlatten   string            `mapstructure:"eod_flatten"`
}

// FeedConfig holds input discovery and parsing configuration
type FeedConfig struct {
	Paths      []string `mapstructure:"paths"`
	ChunkSize  int      `mapstructure:"chunk_size"`
	TimeFormat string   `mapstructure:"time_format"`
}

// RunnerConfig holds parallelism configuration
type RunnerConfig struct {
	Workers int `mapstructure:"workers"` // 0 = number of CPUs
}

// StorageConfig holds SQLite result storage configuration
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
	MaxRuns int    `mapstructure:"max_runs"`
}

// KafkaConfig holds trade publishing configuration
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// MMSIM_STORAGE_DB_PATH overrides storage.db_path
	v.SetEnvPrefix("MMSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy.name", "fill_cooldown")
	v.SetDefault("strategy.monitor_liquidity", false)
	v.SetDefault("strategy.stop_loss_depth_capped", false)

	v.SetDefault("defaults.quote_size", 50000)
	v.SetDefault("defaults.refill_interval_sec", 60)
	v.SetDefault("defaults.max_position", 2000000)
	v.SetDefault("defaults.max_notional", 0) // 0 = no cap
	v.SetDefault("defaults.min_local_currency_before_quote", 25000)
	v.SetDefault("defaults.stop_loss_threshold_pct", 2.0)

	v.SetDefault("session.timezone", "Asia/Dubai")
	v.SetDefault("session.open", "09:30")
	v.SetDefault("session.auction_end", "10:00")
	v.SetDefault("session.silent_end", "10:05")
	v.SetDefault("session.closing_start", "14:45")
	v.SetDefault("session.close", "15:00")
	v.SetDefault("session.flatten_at", "14:55")
	v.SetDefault("session.eod_flatten", "first_event")

	v.SetDefault("feed.chunk_size", 10000)
	v.SetDefault("runner.workers", 0)

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", "./data/mmsim.db")
	v.SetDefault("storage.max_runs", 50)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "mmsim.trades")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if _, err := strategy.New(c.Strategy.Name, strategy.DefaultParams()); err != nil {
		return fmt.Errorf("strategy.name: %w", err)
	}

	if _, err := c.Defaults.params(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for symbol := range c.Securities {
		if _, err := c.SecurityParams(symbol); err != nil {
			return fmt.Errorf("securities.%s: %w", symbol, err)
		}
	}

	if _, err := c.SessionClock(); err != nil {
		return err
	}

	if c.Feed.ChunkSize < 1 {
		return fmt.Errorf("feed.chunk_size must be at least 1")
	}
	if c.Runner.Workers < 0 {
		return fmt.Errorf("runner.workers must not be negative")
	}

	if c.Storage.Enabled && c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required when storage is enabled")
	}
	if c.Storage.MaxRuns < 0 {
		return fmt.Errorf("storage.max_runs must not be negative")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// SecurityParams resolves the parameters for one security: its overrides, if
// any, applied over the defaults block. Lookup ignores case.
func (c *Config) SecurityParams(symbol string) (strategy.Params, error) {
	merged := c.Defaults
	if o, ok := c.override(symbol); ok {
		if o.QuoteSize != nil {
			merged.QuoteSize = *o.QuoteSize
			// a per-security quote_size beats side sizes inherited from defaults
			merged.QuoteSizeBid, merged.QuoteSizeAsk = nil, nil
		}
		if o.QuoteSizeBid != nil {
			merged.QuoteSizeBid = o.QuoteSizeBid
		}
		if o.QuoteSizeAsk != nil {
			merged.QuoteSizeAsk = o.QuoteSizeAsk
		}
		if o.RefillIntervalSec != nil {
			merged.RefillIntervalSec = *o.RefillIntervalSec
		}
		if o.MaxPosition != nil {
			merged.MaxPosition = *o.MaxPosition
		}
		if o.MaxNotional != nil {
			merged.MaxNotional = *o.MaxNotional
		}
		if o.MinNotional != nil {
			merged.MinNotional = *o.MinNotional
		}
		if o.StopLossThresholdPct != nil {
			merged.StopLossThresholdPct = *o.StopLossThresholdPct
		}
	}
	return merged.params()
}

func (c *Config) override(symbol string) (OverrideConfig, bool) {
	if o, ok := c.Securities[symbol]; ok {
		return o, true
	}
	for key, o := range c.Securities {
		if strings.EqualFold(key, symbol) {
			return o, true
		}
	}
	return OverrideConfig{}, false
}

func (p ParamsConfig) params() (strategy.Params, error) {
	out := strategy.Params{
		QuoteSize:      [2]int64{p.QuoteSize, p.QuoteSize},
		RefillInterval: time.Duration(p.RefillIntervalSec * float64(time.Second)),
		MaxPosition:    p.MaxPosition,
		MaxNotional:    decimal.NewFromFloat(p.MaxNotional),
		MinNotional:    decimal.NewFromFloat(p.MinNotional),
		StopLossPct:    decimal.NewFromFloat(p.StopLossThresholdPct),
	}
	if p.QuoteSizeBid != nil {
		out.QuoteSize[0] = *p.QuoteSizeBid
	}
	if p.QuoteSizeAsk != nil {
		out.QuoteSize[1] = *p.QuoteSizeAsk
	}
	if err := out.Validate(); err != nil {
		return strategy.Params{}, err
	}
	return out, nil
}

// SessionClock builds the exchange calendar from the session section.
func (c *Config) SessionClock() (*session.SessionClock, error) {
	loc, err := time.LoadLocation(c.Session.Timezone)
	if err != nil {
		return nil, fmt.Errorf("session.timezone: %w", err)
	}

	sched := session.DefaultSchedule()
	bounds := []struct {
		key string
		val string
		dst *session.TimeOfDay
	}{
		{"open", c.Session.Open, &sched.Open},
		{"auction_end", c.Session.AuctionEnd, &sched.AuctionEnd},
		{"silent_end", c.Session.SilentEnd, &sched.SilentEnd},
		{"closing_start", c.Session.ClosingStart, &sched.ClosingStart},
		{"close", c.Session.Close, &sched.Close},
		{"flatten_at", c.Session.FlattenAt, &sched.FlattenAt},
	}
	for _, b := range bounds {
		if b.val == "" {
			continue
		}
		if *b.dst, err = session.ParseTimeOfDay(b.val); err != nil {
			return nil, fmt.Errorf("session.%s: %w", b.key, err)
		}
	}

	for name, action := range c.Session.Actions {
		w, err := session.ParseWindow(name)
		if err != nil {
			return nil, fmt.Errorf("session.actions: %w", err)
		}
		if sched.Actions[w], err = session.ParseAction(action); err != nil {
			return nil, fmt.Errorf("session.actions.%s: %w", name, err)
		}
	}

	if c.Session.EODFlatten != "" {
		if sched.Flatten, err = session.ParseFlattenMode(c.Session.EODFlatten); err != nil {
			return nil, fmt.Errorf("session.eod_flatten: %w", err)
		}
	}

	return session.NewClock(loc, sched)
}
