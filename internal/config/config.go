// Package config loads engine settings from a YAML file, a .env file and
// the process environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/resolution"
	"github.com/atmx/challenge-engine/internal/tier"
)

// DefaultPath is read when neither an explicit path nor CONFIG_PATH is set.
const DefaultPath = "config.yaml"

// Config is the complete engine configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Trading     TradingConfig     `yaml:"trading"`
	Resolution  ResolutionConfig  `yaml:"resolution"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Tiers       []TierConfig      `yaml:"tiers"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the backends. Empty URLs fall back to in-memory
// implementations.
type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
}

// OracleConfig points at the price feed. Demo serves a static in-memory
// feed instead of calling URL.
type OracleConfig struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Demo          bool          `yaml:"demo"`

	// DemoPrices seeds the static feed, keyed by market id.
	DemoPrices map[string]float64 `yaml:"demo_prices"`
}

type TradingConfig struct {
	PriceTimeout         time.Duration `yaml:"price_timeout"`
	AllowUntrustedPrices bool          `yaml:"allow_untrusted_prices"`
	MaxExposurePerMarket float64       `yaml:"max_exposure_per_market"` // 0 disables
	MaxTotalExposure     float64       `yaml:"max_total_exposure"`      // 0 disables
	LargeTransaction     float64       `yaml:"large_transaction"`
}

type ResolutionConfig struct {
	UpperThreshold float64       `yaml:"upper_threshold"`
	LowerThreshold float64       `yaml:"lower_threshold"`
	Timeout        time.Duration `yaml:"timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

type IdempotencyConfig struct {
	Prefix        string        `yaml:"prefix"`
	InProgressTTL time.Duration `yaml:"in_progress_ttl"`
	CompletedTTL  time.Duration `yaml:"completed_ttl"`
}

// TierConfig is one row of the product table. Currency amounts are absolute,
// not percentages of the starting balance.
type TierConfig struct {
	Name            string   `yaml:"name"`
	Price           float64  `yaml:"price"`
	StartingBalance float64  `yaml:"starting_balance"`
	ProfitTarget    float64  `yaml:"profit_target"`
	MaxDrawdown     float64  `yaml:"max_drawdown"`
	DailyLossLimit  float64  `yaml:"daily_loss_limit"`
	ProfitSplit     float64  `yaml:"profit_split"`
	PayoutCap       *float64 `yaml:"payout_cap"`
	MinTradingDays  int      `yaml:"min_trading_days"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Load reads path (or CONFIG_PATH, or DefaultPath). A missing file is not
// an error: defaults and the environment still apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("ORACLE_URL"); v != "" {
		cfg.Oracle.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Oracle.Timeout <= 0 {
		cfg.Oracle.Timeout = 2 * time.Second
	}
	if cfg.Oracle.RatePerSecond <= 0 {
		cfg.Oracle.RatePerSecond = 20
	}
	if cfg.Oracle.URL == "" {
		cfg.Oracle.Demo = true
	}
	if cfg.Trading.PriceTimeout <= 0 {
		cfg.Trading.PriceTimeout = 2 * time.Second
	}
	if cfg.Trading.LargeTransaction <= 0 {
		cfg.Trading.LargeTransaction = 10000
	}
	def := resolution.DefaultPolicy()
	if cfg.Resolution.UpperThreshold <= 0 {
		cfg.Resolution.UpperThreshold = def.UpperThreshold.InexactFloat64()
	}
	if cfg.Resolution.LowerThreshold <= 0 {
		cfg.Resolution.LowerThreshold = def.LowerThreshold.InexactFloat64()
	}
	if cfg.Resolution.Timeout <= 0 {
		cfg.Resolution.Timeout = def.Timeout
	}
	if cfg.Resolution.SweepInterval <= 0 {
		cfg.Resolution.SweepInterval = time.Minute
	}
	if cfg.Idempotency.Prefix == "" {
		cfg.Idempotency.Prefix = "idem:trade:"
	}
	if cfg.Idempotency.InProgressTTL <= 0 {
		cfg.Idempotency.InProgressTTL = 30 * time.Second
	}
	if cfg.Idempotency.CompletedTTL <= 0 {
		cfg.Idempotency.CompletedTTL = 24 * time.Hour
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func (c *Config) validate() error {
	r := c.Resolution
	if r.UpperThreshold > 1 || r.LowerThreshold >= r.UpperThreshold {
		return fmt.Errorf("resolution thresholds must satisfy 0 < lower < upper <= 1, got %v / %v",
			r.LowerThreshold, r.UpperThreshold)
	}
	if c.Trading.MaxExposurePerMarket < 0 || c.Trading.MaxTotalExposure < 0 {
		return errors.New("exposure limits must not be negative")
	}
	if _, err := c.TierTable(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps Log.Level onto slog. Unknown names select info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ResolutionPolicy returns the detector policy.
func (c *Config) ResolutionPolicy() resolution.Policy {
	return resolution.Policy{
		UpperThreshold: decimal.NewFromFloat(c.Resolution.UpperThreshold),
		LowerThreshold: decimal.NewFromFloat(c.Resolution.LowerThreshold),
		Timeout:        c.Resolution.Timeout,
	}
}

// TierTable builds the product table. No configured tiers selects
// tier.Defaults.
func (c *Config) TierTable() (*tier.Table, error) {
	if len(c.Tiers) == 0 {
		return tier.NewTable(tier.Defaults())
	}
	rows := make([]tier.Tier, 0, len(c.Tiers))
	for _, tc := range c.Tiers {
		t := tier.Tier{
			Name:            tc.Name,
			Price:           decimal.NewFromFloat(tc.Price),
			StartingBalance: decimal.NewFromFloat(tc.StartingBalance),
			Rules: model.RulesConfig{
				ProfitTarget:   decimal.NewFromFloat(tc.ProfitTarget),
				MaxDrawdown:    decimal.NewFromFloat(tc.MaxDrawdown),
				DailyLossLimit: decimal.NewFromFloat(tc.DailyLossLimit),
			},
			ProfitSplit:    decimal.NewFromFloat(tc.ProfitSplit),
			MinTradingDays: tc.MinTradingDays,
		}
		if tc.PayoutCap != nil {
			cp := decimal.NewFromFloat(*tc.PayoutCap)
			t.PayoutCap = &cp
		}
		if t.ProfitSplit.IsZero() {
			t.ProfitSplit = decimal.NewFromFloat(0.80)
		}
		rows = append(rows, t)
	}
	return tier.NewTable(rows)
}

// LargeTransaction is the anomaly threshold for balance mutations.
func (c *Config) LargeTransaction() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.LargeTransaction)
}

// ExposureLimits returns the per-market and total exposure caps.
func (c *Config) ExposureLimits() (perMarket, total decimal.Decimal) {
	return decimal.NewFromFloat(c.Trading.MaxExposurePerMarket), decimal.NewFromFloat(c.Trading.MaxTotalExposure)
}
