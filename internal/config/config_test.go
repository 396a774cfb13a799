package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleWorkflow = `{
  "schedule": "0 */5 * * * *",
  "evms": [
    {
      "chainSelectorName": "ethereum-testnet-sepolia-arbitrum-1",
      "chainSelector": "3478487238524512106",
      "vaultManagerAddress": "0x1111111111111111111111111111111111111111",
      "consumerAddress": "0x2222222222222222222222222222222222222222",
      "mockAaveAddress": "0x3333333333333333333333333333333333333333",
      "gasLimit": "500000",
      "rpcUrl": "https://arb.example"
    },
    {
      "chainSelectorName": "ethereum-testnet-sepolia-base-1",
      "chainSelector": "10344971235874465080",
      "vaultManagerAddress": "0x4444444444444444444444444444444444444444",
      "consumerAddress": "0x5555555555555555555555555555555555555555",
      "yieldSourceAddress": "0x6666666666666666666666666666666666666666",
      "gasLimit": "500000"
    }
  ]
}`

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "CYCLE_TIMEOUT", "MAX_PARALLELISM", "WRITE_RETRIES", "SKIP_SELF_WRITES", "ANOMALY_CEILING"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 4*time.Minute, cfg.CycleTimeout)
	assert.Equal(t, 8, cfg.MaxParallelism)
	assert.Equal(t, 0, cfg.WriteRetries)
	assert.False(t, cfg.SkipSelfWrites)
	assert.Nil(t, cfg.AnomalyCeiling)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CYCLE_TIMEOUT", "30s")
	t.Setenv("MAX_PARALLELISM", "0")
	t.Setenv("SKIP_SELF_WRITES", "true")
	t.Setenv("ANOMALY_CEILING", "400000000000000000")
	t.Setenv("WRITE_RETRIES", "not-a-number")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.CycleTimeout)
	assert.Equal(t, 1, cfg.MaxParallelism, "parallelism is clamped to at least one")
	assert.True(t, cfg.SkipSelfWrites)
	require.NotNil(t, cfg.AnomalyCeiling)
	assert.Equal(t, "400000000000000000", cfg.AnomalyCeiling.String())
	assert.Equal(t, 0, cfg.WriteRetries, "invalid values fall back to the default")
}

func TestGetEnvAsBigInt_Invalid(t *testing.T) {
	t.Setenv("BIG", "-5")
	assert.Nil(t, GetEnvAsBigInt("BIG"))

	t.Setenv("BIG", "abc")
	assert.Nil(t, GetEnvAsBigInt("BIG"))
}

func TestParseWorkflowConfig(t *testing.T) {
	t.Setenv("CHAIN_ETHEREUM_TESTNET_SEPOLIA_BASE_1_RPC_URL", "https://base.example")

	cfg, err := ParseWorkflowConfig([]byte(sampleWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "0 */5 * * * *", cfg.Schedule)
	require.Len(t, cfg.EVMs, 2)
	assert.Equal(t, "0x3333333333333333333333333333333333333333", cfg.EVMs[0].YieldSource(), "legacy key is honored")
	assert.Equal(t, "0x6666666666666666666666666666666666666666", cfg.EVMs[1].YieldSource())
	assert.Equal(t, "https://arb.example", cfg.EVMs[0].RPCURL)
	assert.Equal(t, "https://base.example", cfg.EVMs[1].RPCURL, "env override wins")
}

func TestRPCEnvKey(t *testing.T) {
	assert.Equal(t, "CHAIN_ETHEREUM_TESTNET_SEPOLIA_RPC_URL", rpcEnvKey("ethereum-testnet-sepolia"))
	assert.Equal(t, "CHAIN_BASE_MAINNET_RPC_URL", rpcEnvKey("base.mainnet"))
	assert.Equal(t, "CHAIN_MY_CHAIN_RPC_URL", rpcEnvKey("my chain"))
}

func TestParseWorkflowConfig_DefaultScheduleAndErrors(t *testing.T) {
	cfg, err := ParseWorkflowConfig([]byte(`{"evms": []}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule, cfg.Schedule)

	_, err = ParseWorkflowConfig([]byte(`{not json`))
	assert.Error(t, err)
}

func TestLoadWorkflowConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleWorkflow), 0o600))

	cfg, err := LoadWorkflowConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.EVMs, 2)

	_, err = LoadWorkflowConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
