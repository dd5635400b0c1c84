package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlagsBeatEnv(t *testing.T) {
	t.Setenv("SIGFLOW_MAX_POSITIONS", "9")
	t.Setenv("SIGFLOW_RISK_PER_TRADE", "0.05")

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse([]string{"--max-positions", "2"}))
	require.NoError(t, ApplyEnvDefaults(fs, &cfg))

	require.Equal(t, 2, cfg.MaxPositions)            // flag wins
	require.InDelta(t, 0.05, cfg.RiskPerTrade, 1e-9) // env fills the gap
}

func TestTradingFileFillsUnsetParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"risk_per_trade": 0.02,
		"max_positions": 7,
		"max_signal_age_minutes": 10,
		"symbol_mapping": {"BTCUSDT": "BTC"}
	}`), 0o644))

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse([]string{"--config", path, "--max-positions", "3"}))
	require.NoError(t, ApplyEnvDefaults(fs, &cfg))

	require.InDelta(t, 0.02, cfg.RiskPerTrade, 1e-9)
	require.Equal(t, 3, cfg.MaxPositions) // explicit flag beats the file
	require.Equal(t, 10*time.Minute, cfg.MaxSignalAge)
	require.Equal(t, map[string]string{"BTCUSDT": "BTC"}, cfg.SymbolMapping)
}

func TestSaveTradingFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	mapping := map[string]string{"ETHUSDT": "ETH"}
	require.NoError(t, SaveTradingFile(path, 0.03, 8, 2.5, 15*time.Minute, mapping))

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse([]string{"--config", path}))
	require.NoError(t, ApplyEnvDefaults(fs, &cfg))

	require.InDelta(t, 0.03, cfg.RiskPerTrade, 1e-9)
	require.Equal(t, 8, cfg.MaxPositions)
	require.InDelta(t, 2.5, cfg.MaxPositionSize, 1e-9)
	require.Equal(t, 15*time.Minute, cfg.MaxSignalAge)
	require.Equal(t, mapping, cfg.SymbolMapping)
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Error(t, ValidateConfig(cfg)) // no private key

	cfg.Hyperliquid.Key = "0xabc"
	require.NoError(t, ValidateConfig(cfg))

	bad := cfg
	bad.RiskPerTrade = 1.5
	require.Error(t, ValidateConfig(bad))

	bad = cfg
	bad.TickInterval = 0
	require.Error(t, ValidateConfig(bad))
}
