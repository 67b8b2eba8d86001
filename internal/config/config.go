// Package config defines all configuration for the execution engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via FX_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"forex-exec/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Symbol  string        `mapstructure:"symbol"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Paper   PaperConfig   `mapstructure:"paper"`
	Risk    RiskConfig    `mapstructure:"risk"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
	Admin   AdminConfig   `mapstructure:"admin"`
}

// BrokerConfig selects the adapter and holds venue endpoints for the REST
// slot. API credentials come from FX_API_KEY / FX_API_SECRET env vars.
type BrokerConfig struct {
	Mode      types.ExecutionMode `mapstructure:"mode"` // PAPER or REST
	BaseURL   string              `mapstructure:"base_url"`
	StreamURL string              `mapstructure:"stream_url"`
	AccountID string              `mapstructure:"account_id"`
	APIKey    string              `mapstructure:"api_key"`
	APISecret string              `mapstructure:"api_secret"`
	// CallTimeout is the deadline applied to every adapter call.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// PaperConfig tunes the in-process fill simulator.
//
//   - SlippageEnabled / MaxSlippageBps: uniform adverse slippage in
//     [0, bps * price / 10000] added to every fill.
//   - SpreadSimulation / SpreadBps: half the spread is applied adversely
//     (BUY pays the ask, SELL receives the bid).
//   - Latency: simulated venue round-trip; fills are dispatched after a
//     second latency sleep.
//   - PartialFillsEnabled: with probability 0.3 the first fill covers only
//     [0.5, 1.0) of the requested size; the remainder follows later.
//   - RejectionRate: Bernoulli probability that place_order is rejected.
//   - FillRule: IMMEDIATE, NEXT_CANDLE_OPEN or REALISTIC_DELAY.
//   - Seed: RNG seed; 0 seeds from the clock.
type PaperConfig struct {
	SlippageEnabled     bool           `mapstructure:"slippage_enabled"`
	MaxSlippageBps      int            `mapstructure:"max_slippage_bps"`
	SpreadSimulation    bool           `mapstructure:"spread_simulation"`
	SpreadBps           int            `mapstructure:"spread_bps"`
	Latency             time.Duration  `mapstructure:"latency"`
	PartialFillsEnabled bool           `mapstructure:"partial_fills_enabled"`
	RejectionRate       float64        `mapstructure:"rejection_rate"`
	FillRule            types.FillRule `mapstructure:"fill_rule"`
	InitialBalance      float64        `mapstructure:"initial_balance"`
	Seed                int64          `mapstructure:"seed"`
}

// RiskConfig sets the hard limits every signal is validated against.
// These are regulatory-style caps, not tuning knobs.
type RiskConfig struct {
	MaxRiskPerTrade float64 `mapstructure:"max_risk_per_trade"` // fraction, default 0.01
	MaxLeverage     int     `mapstructure:"max_leverage"`       // default 200
	MaxMarginUsage  float64 `mapstructure:"max_margin_usage"`   // fraction of balance, default 0.8
	MinPositionSize float64 `mapstructure:"min_position_size"`  // lots, default 0.01
}

// RetryConfig holds per-error-category retry budgets and base delays.
type RetryConfig struct {
	RateLimitMaxAttempts int           `mapstructure:"rate_limit_max_attempts"`
	RateLimitBaseDelay   time.Duration `mapstructure:"rate_limit_base_delay"`
	TimeoutMaxAttempts   int           `mapstructure:"timeout_max_attempts"`
	TimeoutBaseDelay     time.Duration `mapstructure:"timeout_base_delay"`
	TransientMaxAttempts int           `mapstructure:"transient_max_attempts"`
	TransientBaseDelay   time.Duration `mapstructure:"transient_base_delay"`
	SystemMaxAttempts    int           `mapstructure:"system_max_attempts"`
	SystemBaseDelay      time.Duration `mapstructure:"system_base_delay"`
}

// BreakerConfig tunes the per-endpoint circuit breakers.
type BreakerConfig struct {
	FailureThreshold    int           `mapstructure:"failure_threshold"`      // consecutive failures to trip
	RecoveryTimeout     time.Duration `mapstructure:"recovery_timeout"`       // OPEN duration
	HalfOpenMaxRequests int           `mapstructure:"half_open_max_requests"` // probe budget
}

// EngineConfig tunes the per-trade execution pipeline.
type EngineConfig struct {
	// PartialFillTimeout bounds the wait for the remainder of a partial
	// fill; on expiry the remainder is cancelled and the trade proceeds
	// with what is filled.
	PartialFillTimeout time.Duration `mapstructure:"partial_fill_timeout"`
	// ReportBuffer is the per-trade execution report channel depth.
	ReportBuffer int `mapstructure:"report_buffer"`
}

// StoreConfig sets where state snapshots are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AdminConfig controls the admin HTTP server.
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Default returns the configuration the engine runs with when a field is
// absent from the YAML file. Risk caps default to the hard limits.
func Default() Config {
	return Config{
		Symbol: "XAUUSD",
		Broker: BrokerConfig{
			Mode:        types.ModePaper,
			CallTimeout: 10 * time.Second,
		},
		Paper: PaperConfig{
			SlippageEnabled:     true,
			MaxSlippageBps:      2,
			SpreadSimulation:    true,
			SpreadBps:           2,
			Latency:             50 * time.Millisecond,
			PartialFillsEnabled: true,
			RejectionRate:       0.02,
			FillRule:            types.FillImmediate,
			InitialBalance:      10_000,
		},
		Risk: RiskConfig{
			MaxRiskPerTrade: 0.01,
			MaxLeverage:     200,
			MaxMarginUsage:  0.8,
			MinPositionSize: 0.01,
		},
		Retry: RetryConfig{
			RateLimitMaxAttempts: 10,
			RateLimitBaseDelay:   5 * time.Second,
			TimeoutMaxAttempts:   3,
			TimeoutBaseDelay:     time.Second,
			TransientMaxAttempts: 5,
			TransientBaseDelay:   time.Second,
			SystemMaxAttempts:    2,
			SystemBaseDelay:      time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			RecoveryTimeout:     30 * time.Second,
			HalfOpenMaxRequests: 3,
		},
		Engine: EngineConfig{
			PartialFillTimeout: 30 * time.Second,
			ReportBuffer:       64,
		},
		Store:   StoreConfig{DataDir: "data"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Admin:   AdminConfig{Enabled: true, Port: 8090},
	}
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: FX_API_KEY, FX_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("FX_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("FX_API_SECRET"); secret != "" {
		cfg.Broker.APISecret = secret
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	switch c.Broker.Mode {
	case types.ModePaper:
	case types.ModeREST:
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker.base_url is required for REST mode")
		}
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required for REST mode (set FX_API_KEY)")
		}
	case types.ModeMT5:
		return fmt.Errorf("broker.mode MT5 is a reserved slot with no adapter yet")
	default:
		return fmt.Errorf("broker.mode must be one of: PAPER, REST")
	}
	if c.Broker.CallTimeout <= 0 {
		return fmt.Errorf("broker.call_timeout must be > 0")
	}
	if c.Risk.MaxRiskPerTrade <= 0 || c.Risk.MaxRiskPerTrade > 0.01 {
		return fmt.Errorf("risk.max_risk_per_trade must be in (0, 0.01]")
	}
	if c.Risk.MaxLeverage < 1 || c.Risk.MaxLeverage > 200 {
		return fmt.Errorf("risk.max_leverage must be in [1, 200]")
	}
	if c.Risk.MaxMarginUsage <= 0 || c.Risk.MaxMarginUsage > 1 {
		return fmt.Errorf("risk.max_margin_usage must be in (0, 1]")
	}
	if c.Paper.RejectionRate < 0 || c.Paper.RejectionRate > 1 {
		return fmt.Errorf("paper.rejection_rate must be in [0, 1]")
	}
	if c.Paper.MaxSlippageBps < 0 {
		return fmt.Errorf("paper.max_slippage_bps must be >= 0")
	}
	switch c.Paper.FillRule {
	case types.FillImmediate, types.FillNextCandleOpen, types.FillRealisticDelay:
	default:
		return fmt.Errorf("paper.fill_rule must be one of: IMMEDIATE, NEXT_CANDLE_OPEN, REALISTIC_DELAY")
	}
	if c.Engine.PartialFillTimeout <= 0 {
		return fmt.Errorf("engine.partial_fill_timeout must be > 0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	return nil
}
