// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for one worker process: the ambient
// system settings plus one BotConfig per trading pair it runs.
type Config struct {
	System      SystemConfig         `yaml:"system"`
	Concurrency ConcurrencyConfig    `yaml:"concurrency"`
	Telemetry   TelemetryConfig      `yaml:"telemetry"`
	Bots        map[string]BotConfig `yaml:"bots"`
}

// SystemConfig contains process-level settings shared by every bot.
type SystemConfig struct {
	LogLevel             string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	StateDir             string `yaml:"state_dir" validate:"required"`
	CredentialSocketPath string `yaml:"credential_socket_path" validate:"required"`
	LockTimeoutMs        int    `yaml:"lock_timeout_ms" validate:"min=1"`
	PipelineTimeoutMs    int    `yaml:"pipeline_timeout_ms" validate:"min=1"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ConcurrencyConfig contains worker pool sizing for the reconciler's
// concurrent chain-adapter fan-out.
type ConcurrencyConfig struct {
	ReconcilePoolSize   int `yaml:"reconcile_pool_size" validate:"min=1,max=100"`
	ReconcilePoolBuffer int `yaml:"reconcile_pool_buffer" validate:"min=1,max=10000"`
}

// SideAmount pairs a sell-asset and buy-asset value under one YAML key, the
// shape spec'd for weightDistribution, botFunds, and activeOrders.
type SideAmount struct {
	Sell string `yaml:"sell"`
	Buy  string `yaml:"buy"`
}

// BatchStressTier pairs a fill-queue depth (AtOrAboveFills) with a fill
// batch cap (MaxFills). Validate checks that tier thresholds strictly
// increase; the worker does not read the tiers, and its per-cycle fill cap
// is MaxFillBatchSize regardless of queue depth.
type BatchStressTier struct {
	AtOrAboveFills int `yaml:"at_or_above_fills" validate:"min=0"`
	MaxFills       int `yaml:"max_fills" validate:"min=1"`
}

// BotConfig is one trading pair's configuration, keyed by bot name in
// Config.Bots. Field names mirror the external configuration keys the core
// consumes; values that may be numeric or a relative expression ("2x",
// "50%") are kept as strings and resolved against a reference price or
// total by the grid package at build time.
type BotConfig struct {
	AssetA string `yaml:"asset_a" validate:"required"` // sell asset symbol
	AssetB string `yaml:"asset_b" validate:"required"` // buy asset symbol

	StartPrice string `yaml:"start_price" validate:"required"` // numeric, or a reference-mode identifier
	MinPrice   string `yaml:"min_price" validate:"required"`   // numeric, or "Nx" meaning N x startPrice
	MaxPrice   string `yaml:"max_price" validate:"required"`

	IncrementPercent    decimal.Decimal `yaml:"increment_percent"`
	TargetSpreadPercent decimal.Decimal `yaml:"target_spread_percent"`

	WeightDistribution SideAmount `yaml:"weight_distribution"`
	BotFunds           SideAmount `yaml:"bot_funds"`

	ActiveOrdersSell int `yaml:"active_orders_sell" validate:"min=0"`
	ActiveOrdersBuy  int `yaml:"active_orders_buy" validate:"min=0"`

	PartialDustThresholdPercent decimal.Decimal `yaml:"partial_dust_threshold_percent"`
	DivergenceThresholdPercent  decimal.Decimal `yaml:"divergence_threshold_percent"`
	GridRegenerationPercent     decimal.Decimal `yaml:"grid_regeneration_percent"`

	// SpreadToleranceSteps widens targetSpreadPercent by this fraction
	// before a spread-correction action fires, so a correction doesn't
	// chase every sub-step wobble. Tunable per bot rather than a fixed
	// tier schedule.
	SpreadToleranceSteps decimal.Decimal `yaml:"spread_tolerance_steps"`

	MaxRecoveryAttempts     int `yaml:"max_recovery_attempts" validate:"min=0"`
	RecoveryRetryIntervalMs int `yaml:"recovery_retry_interval_ms" validate:"min=1"`

	MaxFillBatchSize int               `yaml:"max_fill_batch_size" validate:"min=1"`
	BatchStressTiers []BatchStressTier `yaml:"batch_stress_tiers"`

	Disabled bool `yaml:"disabled"`
}

// ValidationError represents a single configuration validation failure.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, then validates it.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration. A
// ConfigError at startup must fail loudly, per the error taxonomy's
// instruction that a worker never enters NORMAL with an invalid config.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(c.Bots) == 0 {
		errs = append(errs, ValidationError{Field: "bots", Message: "at least one bot must be configured"}.Error())
	}
	for name, bot := range c.Bots {
		if err := bot.validate(name); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if c.System.StateDir == "" {
		return ValidationError{Field: "system.state_dir", Message: "state directory is required"}
	}
	if c.System.CredentialSocketPath == "" {
		return ValidationError{Field: "system.credential_socket_path", Message: "credential daemon socket path is required"}
	}
	return nil
}

func (b *BotConfig) validate(name string) error {
	if b.AssetA == "" || b.AssetB == "" {
		return ValidationError{Field: fmt.Sprintf("bots.%s.asset_a/asset_b", name), Message: "both assets are required"}
	}
	if b.AssetA == b.AssetB {
		return ValidationError{Field: fmt.Sprintf("bots.%s", name), Message: "asset_a and asset_b must differ"}
	}

	lowBound := decimal.NewFromFloat(0.01)
	highBound := decimal.NewFromInt(10)
	if b.IncrementPercent.LessThanOrEqual(lowBound) || b.IncrementPercent.GreaterThanOrEqual(highBound) {
		return ValidationError{
			Field:   fmt.Sprintf("bots.%s.increment_percent", name),
			Value:   b.IncrementPercent,
			Message: "must be in (0.01, 10)",
		}
	}

	weightLow := decimal.NewFromInt(-1)
	weightHigh := decimal.NewFromInt(2)
	for _, raw := range []string{b.WeightDistribution.Sell, b.WeightDistribution.Buy} {
		if raw == "" {
			continue
		}
		w, err := decimal.NewFromString(raw)
		if err != nil {
			return ValidationError{Field: fmt.Sprintf("bots.%s.weight_distribution", name), Value: raw, Message: "must be numeric"}
		}
		if w.LessThan(weightLow) || w.GreaterThan(weightHigh) {
			return ValidationError{Field: fmt.Sprintf("bots.%s.weight_distribution", name), Value: raw, Message: "must be in [-1, 2]"}
		}
	}

	if b.ActiveOrdersSell < 0 || b.ActiveOrdersBuy < 0 {
		return ValidationError{Field: fmt.Sprintf("bots.%s.active_orders", name), Message: "must be non-negative"}
	}

	if b.MaxFillBatchSize <= 0 {
		return ValidationError{Field: fmt.Sprintf("bots.%s.max_fill_batch_size", name), Message: "must be positive"}
	}

	prev := -1
	for _, tier := range b.BatchStressTiers {
		if tier.AtOrAboveFills <= prev {
			return ValidationError{Field: fmt.Sprintf("bots.%s.batch_stress_tiers", name), Message: "thresholds must be strictly increasing"}
		}
		prev = tier.AtOrAboveFills
	}

	return nil
}

// WithDefaults returns a copy of b with spec-mandated defaults applied to
// zero-valued optional fields.
func (b BotConfig) WithDefaults() BotConfig {
	if b.PartialDustThresholdPercent.IsZero() {
		b.PartialDustThresholdPercent = decimal.NewFromInt(5)
	}
	if b.SpreadToleranceSteps.IsZero() {
		b.SpreadToleranceSteps = decimal.NewFromFloat(0.1)
	}
	return b
}

// String returns a string representation of the configuration for startup
// logging. Credentials live behind the credential daemon, never in this
// file, so there is nothing to redact here.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a minimal configuration for tests.
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:             "INFO",
			StateDir:             "./state",
			CredentialSocketPath: "/tmp/dexmm-credd.sock",
			LockTimeoutMs:        20000,
			PipelineTimeoutMs:    300000,
		},
		Concurrency: ConcurrencyConfig{
			ReconcilePoolSize:   4,
			ReconcilePoolBuffer: 64,
		},
		Bots: map[string]BotConfig{
			"USDC-WETH": {
				AssetA:                      "WETH",
				AssetB:                      "USDC",
				StartPrice:                  "pool",
				MinPrice:                    "0.5x",
				MaxPrice:                    "2x",
				IncrementPercent:            decimal.NewFromFloat(1.0),
				TargetSpreadPercent:         decimal.NewFromFloat(2.0),
				WeightDistribution:          SideAmount{Sell: "0", Buy: "0"},
				BotFunds:                    SideAmount{Sell: "100%", Buy: "100%"},
				ActiveOrdersSell:            10,
				ActiveOrdersBuy:             10,
				PartialDustThresholdPercent: decimal.NewFromInt(5),
				DivergenceThresholdPercent:  decimal.NewFromFloat(3.0),
				GridRegenerationPercent:     decimal.NewFromFloat(20.0),
				MaxRecoveryAttempts:         5,
				RecoveryRetryIntervalMs:     2000,
				MaxFillBatchSize:            20,
			},
		},
	}
}
