package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"krw-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, models.DefaultConfig(), cfg)
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tickers":["KRW-ETH"],"total_investment":2000000,"risk_mode":"aggressive"}`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"KRW-ETH"}, cfg.Tickers)
	assert.Equal(t, 2000000.0, cfg.TotalInvestment)
	assert.Equal(t, "aggressive", cfg.RiskMode)
	// keys absent from the file keep their defaults
	assert.Equal(t, 0.0005, cfg.FeeRate)
	assert.Equal(t, 9, cfg.GridRefreshHour)
	assert.NotNil(t, cfg.CustomRanges)
}

func TestLoadConfigRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tickers":`), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfigKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	first := models.DefaultConfig()
	first.TotalInvestment = 1
	require.NoError(t, SaveConfig(path, first))

	second := models.DefaultConfig()
	second.TotalInvestment = 2
	require.NoError(t, FileSaver{Path: path}.SaveConfig(second))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2.0, loaded.TotalInvestment)

	backup, err := LoadConfig(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, 1.0, backup.TotalInvestment)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temporary files must not be left behind")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(models.DefaultConfig()))

	cases := map[string]func(c *models.Config){
		"no tickers":      func(c *models.Config) { c.Tickers = nil },
		"zero investment": func(c *models.Config) { c.TotalInvestment = 0 },
		"bad risk mode":   func(c *models.Config) { c.RiskMode = "yolo" },
		"bad refresh":     func(c *models.Config) { c.GridRefreshHour = 24 },
		"positive stop":   func(c *models.Config) { c.EmergencyStopLoss = 5 },
		"zero stop loss":  func(c *models.Config) { c.StopLossThreshold = 0 },
		"positive panic":  func(c *models.Config) { c.PanicThreshold = 2 },
		"manual grid":     func(c *models.Config) { c.AutoGridCount = false; c.GridCount = 0 },
		"bad custom range": func(c *models.Config) {
			c.UseCustomRange = true
			c.CustomRanges["KRW-BTC"] = models.PriceRange{High: 1, Low: 2}
		},
	}
	for name, mutate := range cases {
		cfg := models.DefaultConfig()
		mutate(cfg)
		err := Validate(cfg)
		assert.True(t, errors.Is(err, ErrInvalid), name)
	}
}

func TestApplyRiskMode(t *testing.T) {
	cfg := models.DefaultConfig()
	ApplyRiskMode(cfg, "conservative")
	assert.Equal(t, "conservative", cfg.RiskMode)
	assert.Equal(t, 20, cfg.MaxGridCount)
	assert.Equal(t, -3.0, cfg.PanicThreshold)
	assert.Equal(t, 0.2, cfg.GridConfirmationBuffer)

	ApplyRiskMode(cfg, "unknown")
	assert.Equal(t, "stable", cfg.RiskMode)
}
