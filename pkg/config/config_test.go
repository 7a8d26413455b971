package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.PaperTrading)
	require.Equal(t, "10000", cfg.StartingCapital.String())
	require.Equal(t, "0.1", cfg.LossThresholdPercent.String())
	require.Equal(t, 3, cfg.ReconcileFailLimit)
	require.NotEmpty(t, cfg.Symbols)
}

func TestPaperTradingNeverDefaultsToFalse(t *testing.T) {
	t.Setenv("PAPER_TRADING", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.PaperTrading)

	// Truthy noise still means paper trading.
	t.Setenv("PAPER_TRADING", "maybe")
	cfg, err = Load()
	require.NoError(t, err)
	require.True(t, cfg.PaperTrading)

	// Only an explicit opt-out flips it.
	t.Setenv("PAPER_TRADING", "false")
	cfg, err = Load()
	require.NoError(t, err)
	require.False(t, cfg.PaperTrading)
}

func TestLossThresholdBounds(t *testing.T) {
	t.Setenv("LOSS_THRESHOLD_PERCENT", "1.5")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("LOSS_THRESHOLD_PERCENT", "0")
	_, err = Load()
	require.Error(t, err)
}

func TestInvalidDecimalIsFatal(t *testing.T) {
	t.Setenv("STARTING_CAPITAL", "not-a-number")
	_, err := Load()
	require.Error(t, err)
}
