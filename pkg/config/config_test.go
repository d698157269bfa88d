package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpjmd/Kinetix/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("KINETIX_PORT", "")
	t.Setenv("KINETIX_STORE_BACKEND", "")
	t.Setenv("KINETIX_PRODUCTION", "")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "file", cfg.StoreBackend)
	assert.Equal(t, 60*time.Minute, cfg.MonitorInterval)
	assert.Equal(t, int64(8453), cfg.ChainID)
	assert.False(t, cfg.Production)
	assert.Empty(t, cfg.IssuerProfiles)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KINETIX_PORT", "9090")
	t.Setenv("KINETIX_LOG_LEVEL", "debug")
	t.Setenv("KINETIX_STORE_BACKEND", "postgres")
	t.Setenv("KINETIX_MONITOR_INTERVAL", "5m")
	t.Setenv("KINETIX_PRODUCTION", "true")
	t.Setenv("KINETIX_ISSUER_PROFILES", "moltbook=kinetix, clawstr=npub1kx")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, 5*time.Minute, cfg.MonitorInterval)
	assert.True(t, cfg.Production)
	assert.Equal(t, map[string]string{"moltbook": "kinetix", "clawstr": "npub1kx"}, cfg.IssuerProfiles)
}

func TestLoad_FlagsBeatEnv(t *testing.T) {
	t.Setenv("KINETIX_PORT", "9090")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--port", "7070"}))

	cfg, err := config.Load(fs)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("KINETIX_STORE_BACKEND", "mongo")
	_, err := config.Load(nil)
	assert.Error(t, err)
}

func TestLoad_RejectsBadProfiles(t *testing.T) {
	t.Setenv("KINETIX_STORE_BACKEND", "")
	t.Setenv("KINETIX_ISSUER_PROFILES", "moltbook")
	_, err := config.Load(nil)
	assert.Error(t, err)
}

func TestDefaultRules_Valid(t *testing.T) {
	r := config.DefaultRules()
	require.NoError(t, r.Validate())
	assert.Equal(t, 70.0, r.Thresholds.Verified)
	assert.Equal(t, "trivial", r.Difficulty.Tiers[0].Name)
	assert.Contains(t, r.EvidenceRequirements, "moltbook")
}

func TestLoadRules_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := `
thresholds:
  verified: 80
  partial: 50
difficulty:
  tiers:
    - name: hard
      max_score: 100
    - name: easy
      max_score: 3
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	r, err := config.LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, 80.0, r.Thresholds.Verified)
	assert.Equal(t, 0.6, r.Consistency.Weights.CompletionRate, "untouched sections keep defaults")
	require.Len(t, r.Difficulty.Tiers, 2)
	assert.Equal(t, "easy", r.Difficulty.Tiers[0].Name, "tiers are ordered by max_score")
}

func TestLoadRules_RejectsInvertedThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thresholds:\n  verified: 30\n  partial: 60\n"), 0600))
	_, err := config.LoadRules(path)
	assert.Error(t, err)
}

func TestLoadSpendLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	doc := `
daily_limit_usd: "25.50"
per_tx_limit_usd: 2
allowed_recipients: ["0xABC"]
assets:
  SOL:
    enabled: true
    max_per_tx: 1
    price_usd: "150.25"
    decimals: 9
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	l, err := config.LoadSpendLimits(path)
	require.NoError(t, err)
	assert.True(t, l.DailyLimitUSD.Equal(decimal.RequireFromString("25.50")))
	assert.True(t, l.PerTxLimitUSD.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, []string{"0xabc"}, l.AllowedRecipients)
	require.Contains(t, l.Assets, "sol")
	assert.True(t, l.Assets["sol"].PriceUSD.Equal(decimal.RequireFromString("150.25")))
	assert.Contains(t, l.Assets, "usdc", "default assets are kept")
	assert.False(t, l.Assets["kinetix"].CountsTowardLimits())
}

func TestLoadSpendLimits_PartialAssetKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	doc := `
assets:
  ETH:
    price_usd: 2500
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	l, err := config.LoadSpendLimits(path)
	require.NoError(t, err)
	eth := l.Assets["eth"]
	assert.True(t, eth.Enabled)
	assert.True(t, eth.MaxPerTx.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, eth.PriceUSD.Equal(decimal.NewFromInt(2500)))
	assert.Equal(t, 18, eth.Decimals)
	assert.NotContains(t, l.Assets, "ETH")
}
