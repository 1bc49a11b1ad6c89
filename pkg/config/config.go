// Package config loads the slipd configuration from a YAML file, the
// environment and a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/phenomenon0/parlay-desk/pkg/wager/policy"
	"github.com/phenomenon0/parlay-desk/pkg/wager/slip"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Gamma   GammaConfig   `yaml:"gamma"`
	Feed    FeedConfig    `yaml:"feed"`
	Limits  LimitsConfig  `yaml:"limits"`
	Entries EntriesConfig `yaml:"entries"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Dedup   DedupConfig   `yaml:"dedup"`
	Geo     GeoConfig     `yaml:"geo"`
	Settle  SettleConfig  `yaml:"settle"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CORSOrigins    []string      `yaml:"cors_origins"`
}

type GammaConfig struct {
	BaseURL         string        `yaml:"base_url"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	MaxPages        int           `yaml:"max_pages"`
	RateLimit       float64       `yaml:"rate_limit"`
	// TagID limits the board to one Gamma tag
	TagID string `yaml:"tag_id"`
}

// FeedConfig points at the live price channel. Without a URL lines move
// only on Gamma refreshes.
type FeedConfig struct {
	URL          string        `yaml:"url"`
	MaxTokens    int           `yaml:"max_tokens"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// LimitsConfig holds the remote bounds document location and the local
// staking limits. Without a URL the static max-win values are used.
type LimitsConfig struct {
	URL          string          `yaml:"url"`
	APIKey       string          `yaml:"api_key"`
	TTL          time.Duration   `yaml:"ttl"`
	SingleMaxWin decimal.Decimal `yaml:"single_max_win"`
	ParlayMaxWin decimal.Decimal `yaml:"parlay_max_win"`

	MinStake      decimal.Decimal `yaml:"min_stake"`
	MaxLegs       int             `yaml:"max_legs"`
	MaxDailyCash  decimal.Decimal `yaml:"max_daily_cash"`
	MaxDailyCoins decimal.Decimal `yaml:"max_daily_coins"`
}

// EntriesConfig points at the entry submission API. Without a URL entries
// are only recorded locally.
type EntriesConfig struct {
	URL       string  `yaml:"url"`
	APIKey    string  `yaml:"api_key"`
	RateLimit float64 `yaml:"rate_limit"`
}

type LedgerConfig struct {
	Driver       string          `yaml:"driver"` // memory | sqlite
	Path         string          `yaml:"path"`
	InitialCash  decimal.Decimal `yaml:"initial_cash"`
	InitialCoins decimal.Decimal `yaml:"initial_coins"`
}

// DedupConfig selects the duplicate-submission guard. Without a Redis
// address an in-process guard is used.
type DedupConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// GeoConfig gates entry placement by client location. An empty blocked list
// uses the built-in jurisdictions.
type GeoConfig struct {
	Enabled   bool          `yaml:"enabled"`
	LookupURL string        `yaml:"lookup_url"`
	Blocked   []string      `yaml:"blocked"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	FailOpen  bool          `yaml:"fail_open"`
}

// SettleConfig controls automatic grading of entries from resolved markets.
type SettleConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration that runs fully locally.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			RequestTimeout: 15 * time.Second,
			CORSOrigins:    []string{"*"},
		},
		Gamma: GammaConfig{
			BaseURL:         "https://gamma-api.polymarket.com",
			RefreshInterval: 30 * time.Second,
			MaxPages:        10,
			RateLimit:       10,
		},
		Feed: FeedConfig{
			MaxTokens:    500,
			PingInterval: 10 * time.Second,
		},
		Limits: LimitsConfig{
			TTL:           time.Minute,
			SingleMaxWin:  decimal.NewFromInt(5000),
			ParlayMaxWin:  decimal.NewFromInt(10000),
			MinStake:      decimal.NewFromInt(1),
			MaxLegs:       10,
			MaxDailyCash:  decimal.NewFromInt(1000),
			MaxDailyCoins: decimal.Zero,
		},
		Entries: EntriesConfig{
			RateLimit: 5,
		},
		Ledger: LedgerConfig{
			Driver:       "memory",
			Path:         "data/ledger.db",
			InitialCash:  decimal.NewFromInt(100),
			InitialCoins: decimal.NewFromInt(1000),
		},
		Dedup: DedupConfig{
			TTL: 30 * time.Second,
		},
		Geo: GeoConfig{
			LookupURL: "http://ip-api.com/json/",
			CacheTTL:  time.Hour,
		},
		Settle: SettleConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the environment. Missing files are ignored;
// variables already set are kept.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("SLIPD_ADDR", &c.Server.Addr)
	str("GAMMA_BASE_URL", &c.Gamma.BaseURL)
	str("GAMMA_TAG_ID", &c.Gamma.TagID)
	str("PRICE_FEED_URL", &c.Feed.URL)
	str("LIMITS_URL", &c.Limits.URL)
	str("LIMITS_API_KEY", &c.Limits.APIKey)
	str("ENTRIES_URL", &c.Entries.URL)
	str("ENTRIES_API_KEY", &c.Entries.APIKey)
	str("LEDGER_DRIVER", &c.Ledger.Driver)
	str("LEDGER_PATH", &c.Ledger.Path)
	str("REDIS_ADDR", &c.Dedup.RedisAddr)
	str("REDIS_PASSWORD", &c.Dedup.RedisPassword)
	str("LOG_LEVEL", &c.Log.Level)

	if v := os.Getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Dedup.RedisDB = db
	}
	if v := os.Getenv("GEO_ENABLED"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GEO_ENABLED: %w", err)
		}
		c.Geo.Enabled = on
	}
	if v := os.Getenv("GEO_BLOCKED"); v != "" {
		c.Geo.Blocked = splitList(v)
	}
	if v := os.Getenv("SETTLE_ENABLED"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SETTLE_ENABLED: %w", err)
		}
		c.Settle.Enabled = on
	}
	if v := os.Getenv("SETTLE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SETTLE_INTERVAL: %w", err)
		}
		c.Settle.Interval = d
	}
	if v := os.Getenv("BOARD_REFRESH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BOARD_REFRESH_INTERVAL: %w", err)
		}
		c.Gamma.RefreshInterval = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Gamma.BaseURL == "" {
		return fmt.Errorf("gamma.base_url is required")
	}
	if c.Gamma.RefreshInterval <= 0 {
		return fmt.Errorf("gamma.refresh_interval must be positive")
	}
	if c.Gamma.RateLimit <= 0 {
		return fmt.Errorf("gamma.rate_limit must be positive")
	}
	if c.Feed.URL != "" && (c.Feed.MaxTokens <= 0 || c.Feed.PingInterval <= 0) {
		return fmt.Errorf("feed.max_tokens and feed.ping_interval must be positive")
	}
	if c.Entries.RateLimit <= 0 {
		return fmt.Errorf("entries.rate_limit must be positive")
	}
	switch c.Ledger.Driver {
	case "memory":
	case "sqlite":
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("ledger.driver: unknown driver %q", c.Ledger.Driver)
	}
	if c.Ledger.InitialCash.IsNegative() || c.Ledger.InitialCoins.IsNegative() {
		return fmt.Errorf("ledger initial balances must not be negative")
	}
	if !c.Limits.MinStake.IsPositive() {
		return fmt.Errorf("limits.min_stake must be positive")
	}
	if c.Limits.MaxLegs < 0 {
		return fmt.Errorf("limits.max_legs must not be negative")
	}
	for name, v := range map[string]decimal.Decimal{
		"single_max_win":  c.Limits.SingleMaxWin,
		"parlay_max_win":  c.Limits.ParlayMaxWin,
		"max_daily_cash":  c.Limits.MaxDailyCash,
		"max_daily_coins": c.Limits.MaxDailyCoins,
	} {
		if v.IsNegative() {
			return fmt.Errorf("limits.%s must not be negative", name)
		}
	}
	if c.Limits.URL != "" && c.Limits.TTL <= 0 {
		return fmt.Errorf("limits.ttl must be positive")
	}
	if c.Dedup.TTL <= 0 {
		return fmt.Errorf("dedup.ttl must be positive")
	}
	if c.Geo.Enabled && (c.Geo.LookupURL == "" || c.Geo.CacheTTL <= 0) {
		return fmt.Errorf("geo.lookup_url and geo.cache_ttl are required when geo is enabled")
	}
	if c.Settle.Enabled && c.Settle.Interval <= 0 {
		return fmt.Errorf("settle.interval must be positive")
	}
	return nil
}

// RiskLimits converts the limits section for the policy engine. A zero daily
// limit leaves that currency unlimited.
func (c *Config) RiskLimits() *policy.RiskLimits {
	daily := make(map[slip.Currency]decimal.Decimal)
	if c.Limits.MaxDailyCash.IsPositive() {
		daily[slip.CurrencyCash] = c.Limits.MaxDailyCash
	}
	if c.Limits.MaxDailyCoins.IsPositive() {
		daily[slip.CurrencyCoins] = c.Limits.MaxDailyCoins
	}
	return &policy.RiskLimits{
		MinStake:      c.Limits.MinStake,
		MaxLegs:       c.Limits.MaxLegs,
		MaxDailyStake: daily,
	}
}

// StaticBounds returns the configured max-win values.
func (c *Config) StaticBounds() policy.StaticBounds {
	return policy.StaticBounds{
		SingleMaxWin: c.Limits.SingleMaxWin,
		ParlayMaxWin: c.Limits.ParlayMaxWin,
	}
}

// InitialBalances returns the opening balance per currency.
func (c *Config) InitialBalances() map[slip.Currency]decimal.Decimal {
	return map[slip.Currency]decimal.Decimal{
		slip.CurrencyCash:  c.Ledger.InitialCash,
		slip.CurrencyCoins: c.Ledger.InitialCoins,
	}
}
