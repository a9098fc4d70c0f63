package sched

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_EmptyPath_ReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestDefaultConfig_DerivedConstants(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, int64(300), cfg.CreditsPerTslice())
	assert.Equal(t, int64(300), cfg.CreditsPerAcct())
	assert.Equal(t, "30ms", cfg.AcctPeriod().String())
	assert.Equal(t, ServiceTier(3), cfg.WorstTier())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_OverlaysFileOnDefaults(t *testing.T) {
	path := writeConfig(t, `
tick_ms: 5
ordering: priority
smt_power_savings: true
utility:
  partial: 10
  tiers:
    - {alpha: 1, time_limit_us: 500, ui: 2000, weight: 100}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.TickMS)
	assert.Equal(t, OrderingPriority, cfg.Ordering)
	assert.True(t, cfg.SMTPowerSavings)
	assert.Equal(t, int64(10), cfg.Utility.Partial)
	require.Len(t, cfg.Utility.Tiers, 1)
	assert.Equal(t, int64(500), cfg.Utility.Tiers[0].TimeLimitUS)

	// untouched keys keep their defaults
	assert.Equal(t, 10, cfg.CreditsPerMsec)
	assert.Equal(t, int64(2000), cfg.Utility.TMax)
	assert.True(t, cfg.LoadBalance)
}

func TestLoad_NonPositiveSizes_Clamped(t *testing.T) {
	path := writeConfig(t, "tick_ms: 0\nquantum_ms: -3\nevent_buffer: -1\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.TickMS)
	assert.Equal(t, 5, cfg.QuantumMS)
	assert.Equal(t, 0, cfg.EventBuffer)
}

func TestLoad_UnknownOrdering_Rejected(t *testing.T) {
	_, err := Load(writeConfig(t, "ordering: lottery\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_MissingOrBrokenFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "tick_ms: [1, 2\n"))
	assert.Error(t, err)
}
