// Package config defines all configuration for the triangular-arbitrage
// engine. Config is loaded from a YAML file (default: configs/config.yaml)
// with credentials overridable via KRAKEN_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Graph     GraphConfig     `mapstructure:"graph"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	HFTLoop   HFTLoopConfig   `mapstructure:"hft_loop"`
	Slippage  SlippageConfig  `mapstructure:"slippage"`
	Fee       FeeConfig       `mapstructure:"fee"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Pairs     []PairConfig    `mapstructure:"pairs"`
}

// PairConfig is one pre-resolved tradable pair. Per spec, the
// regulatory-restrictions file loader and the pair-selection bootstrap
// that would normally populate this list from Kraken's AssetPairs
// endpoint are both out of scope — operators supply the resolved list
// directly, in the same post-normalization shape
// kraken_pairs.rs::normalize_currency would produce.
type PairConfig struct {
	Base         string  `mapstructure:"base"`
	Quote        string  `mapstructure:"quote"`
	KrakenID     string  `mapstructure:"kraken_id"`
	WSName       string  `mapstructure:"ws_name"`
	MinOrderSize float64 `mapstructure:"min_order_size"`
	MinOrderCost float64 `mapstructure:"min_order_cost"`
}

// AuthConfig holds the Kraken API credentials used to sign private REST
// calls and fetch WebSocket tokens. Both fields are normally supplied via
// KRAKEN_API_KEY/KRAKEN_API_SECRET rather than committed to the YAML file.
type AuthConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// ExchangeConfig holds Kraken's REST and WebSocket endpoints.
type ExchangeConfig struct {
	RESTBaseURL  string `mapstructure:"rest_base_url"`
	WSPublicURL  string `mapstructure:"ws_public_url"`
	WSPrivateURL string `mapstructure:"ws_private_url"`
}

// GraphConfig holds the currency-graph section of the config file.
//
//   - MinDepthLevels, MaxStaleness, MaxSpreadPct: loaded but not passed
//     to internal/graph, whose validity gates are fixed constants (at
//     least 3 levels per side, books younger than 5 s, spread below 10%).
//   - MinProfitThreshold: net-profit fraction (e.g. 0.003) handed to the
//     scanner's graph.ScanConfig. It sets each Opportunity's
//     IsProfitable flag; a scan still reports cycles below it. It is
//     distinct from the trading guard's arming threshold, which gates
//     execution.
type GraphConfig struct {
	MinDepthLevels     int           `mapstructure:"min_depth_levels"`
	MaxStaleness       time.Duration `mapstructure:"max_staleness"`
	MaxSpreadPct       float64       `mapstructure:"max_spread_pct"`
	MinProfitThreshold float64       `mapstructure:"min_profit_threshold"`
}

// ScannerConfig controls the event-driven dispatcher's trigger mode and
// debounce window.
type ScannerConfig struct {
	TriggerMode    string        `mapstructure:"trigger_mode"` // disabled, immediate, debounced
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	BaseCurrencies []string      `mapstructure:"base_currencies"`
}

// HFTLoopConfig tunes the hot/cold-path execution loop.
type HFTLoopConfig struct {
	MinProfitThreshold float64 `mapstructure:"min_profit_threshold"`
	TradeAmountUSD     float64 `mapstructure:"trade_amount_usd"`
	MaxDailyLoss       float64 `mapstructure:"max_daily_loss"`
	MaxTotalLoss       float64 `mapstructure:"max_total_loss"`
}

// SlippageConfig tunes the slippage calculator's staleness tiers.
type SlippageConfig struct {
	StalenessWarnMS   int64 `mapstructure:"staleness_warn_ms"`
	StalenessBufferMS int64 `mapstructure:"staleness_buffer_ms"`
	StalenessRejectMS int64 `mapstructure:"staleness_reject_ms"`
}

// FeeConfig is the flat taker fee rate applied to every leg. Per spec,
// maker/taker distinction is out of scope — only taker market orders
// are ever placed.
type FeeConfig struct {
	Rate   float64 `mapstructure:"rate"`
	Source string  `mapstructure:"source"`
}

// StoreConfig sets where engine state is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig controls the structured logger's verbosity and output
// encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig holds the dashboard section of the config file. The
// dashboard's HTTP/WS transport is not implemented and the engine does
// not read these fields: snapshots always go to a
// dashboard.NopBroadcaster.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Credentials use env vars: KRAKEN_API_KEY, KRAKEN_API_SECRET,
// KRAKEN_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KRAKEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("KRAKEN_API_KEY"); key != "" {
		cfg.Auth.APIKey = key
	}
	if secret := os.Getenv("KRAKEN_API_SECRET"); secret != "" {
		cfg.Auth.APISecret = secret
	}
	if v := os.Getenv("KRAKEN_DRY_RUN"); v == "true" || v == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if c.Exchange.WSPublicURL == "" {
		return fmt.Errorf("exchange.ws_public_url is required")
	}
	if !c.DryRun && (c.Auth.APIKey == "" || c.Auth.APISecret == "") {
		return fmt.Errorf("auth.api_key and auth.api_secret are required when dry_run is false (set KRAKEN_API_KEY / KRAKEN_API_SECRET)")
	}
	if c.Graph.MinDepthLevels <= 0 {
		return fmt.Errorf("graph.min_depth_levels must be > 0")
	}
	if c.Graph.MaxSpreadPct <= 0 {
		return fmt.Errorf("graph.max_spread_pct must be > 0")
	}
	if c.Fee.Rate < 0 {
		return fmt.Errorf("fee.rate must be >= 0")
	}
	switch c.Scanner.TriggerMode {
	case "disabled", "immediate", "debounced", "":
	default:
		return fmt.Errorf("scanner.trigger_mode must be one of: disabled, immediate, debounced")
	}
	return nil
}
