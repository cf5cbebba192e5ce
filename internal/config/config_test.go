package config

import (
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "state_dir: ${TEST_STATE_DIR}",
			envVars: map[string]string{
				"TEST_STATE_DIR": "/var/lib/dexmm",
			},
			expected: "state_dir: /var/lib/dexmm",
		},
		{
			name:  "expand multiple env vars",
			input: "a: ${VAR_A}\nb: ${VAR_B}",
			envVars: map[string]string{
				"VAR_A": "1",
				"VAR_B": "2",
			},
			expected: "a: 1\nb: 2",
		},
		{
			name:     "missing env var expands to empty string",
			input:    "state_dir: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "state_dir: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `
system:
  log_level: "INFO"
  state_dir: "${TEST_STATE_DIR}"
  credential_socket_path: "/tmp/dexmm-credd.sock"
  lock_timeout_ms: 20000
  pipeline_timeout_ms: 300000

concurrency:
  reconcile_pool_size: 4
  reconcile_pool_buffer: 64

bots:
  weth-usdc:
    asset_a: "WETH"
    asset_b: "USDC"
    start_price: "pool"
    min_price: "0.5x"
    max_price: "2x"
    increment_percent: 1.0
    target_spread_percent: 2.0
    weight_distribution:
      sell: "0"
      buy: "0"
    bot_funds:
      sell: "100%"
      buy: "100%"
    active_orders_sell: 10
    active_orders_buy: 10
    partial_dust_threshold_percent: 5
    divergence_threshold_percent: 3
    grid_regeneration_percent: 20
    max_recovery_attempts: 5
    recovery_retry_interval_ms: 2000
    max_fill_batch_size: 20
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_STATE_DIR", "/tmp/dexmm-state")
	defer os.Unsetenv("TEST_STATE_DIR")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, "/tmp/dexmm-state", cfg.System.StateDir)
	bot, ok := cfg.Bots["weth-usdc"]
	require.True(t, ok)
	assert.Equal(t, "WETH", bot.AssetA)
	assert.True(t, bot.IncrementPercent.Equal(decimal.NewFromFloat(1.0)))
}

func TestValidate_RejectsEmptyBots(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bots = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one bot")
}

func TestValidate_RejectsIncrementPercentOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	bot := cfg.Bots["USDC-WETH"]
	bot.IncrementPercent = decimal.NewFromInt(11)
	cfg.Bots["USDC-WETH"] = bot

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "increment_percent")
}

func TestValidate_RejectsSameAsset(t *testing.T) {
	cfg := DefaultConfig()
	bot := cfg.Bots["USDC-WETH"]
	bot.AssetB = bot.AssetA
	cfg.Bots["USDC-WETH"] = bot

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestValidate_RejectsNonIncreasingStressTiers(t *testing.T) {
	cfg := DefaultConfig()
	bot := cfg.Bots["USDC-WETH"]
	bot.BatchStressTiers = []BatchStressTier{
		{AtOrAboveFills: 10, MaxFills: 5},
		{AtOrAboveFills: 5, MaxFills: 2},
	}
	cfg.Bots["USDC-WETH"] = bot

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strictly increasing")
}

func TestBotConfig_WithDefaults(t *testing.T) {
	bot := BotConfig{}
	bot = bot.WithDefaults()
	assert.True(t, bot.PartialDustThresholdPercent.Equal(decimal.NewFromInt(5)))
}

func TestConfig_String_NoSecretLeakage(t *testing.T) {
	cfg := DefaultConfig()
	out := cfg.String()
	assert.Contains(t, out, "state_dir")
	assert.NotContains(t, out, "password")
}
