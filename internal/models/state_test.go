package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPositionValidates(t *testing.T) {
	_, err := NewPosition("", 100, 1, 110, time.Now())
	assert.ErrorIs(t, err, ErrInvalidPosition)

	_, err = NewPosition("KRW-BTC", 0, 1, 110, time.Now())
	assert.ErrorIs(t, err, ErrInvalidPosition)

	_, err = NewPosition("KRW-BTC", 100, -1, 110, time.Now())
	assert.ErrorIs(t, err, ErrInvalidPosition)

	pos, err := NewPosition("KRW-BTC", 47500, 0.01, 50000, time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, pos.ID)
	assert.Equal(t, 47500.0, pos.HighestPrice)
	assert.Equal(t, Idle, pos.Hold.State)
}

func TestPositionProfitRateAndHighest(t *testing.T) {
	pos, err := NewPosition("KRW-BTC", 50000, 2, 52500, time.Now())
	require.NoError(t, err)

	assert.InDelta(t, 100000.0, pos.Cost(), 1e-9)
	assert.InDelta(t, 10.0, pos.ProfitRate(55000), 1e-9)
	assert.InDelta(t, -4.0, pos.ProfitRate(48000), 1e-9)

	pos.UpdateHighest(51000)
	pos.UpdateHighest(50500)
	assert.Equal(t, 51000.0, pos.HighestPrice)
}

func TestConfigCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GridCounts["KRW-BTC"] = 20
	cp := cfg.Clone()
	cp.GridCounts["KRW-BTC"] = 30
	cp.Tickers[0] = "KRW-DOGE"

	assert.Equal(t, 20, cfg.GridCounts["KRW-BTC"])
	assert.Equal(t, "KRW-BTC", cfg.Tickers[0])
	assert.Equal(t, "demo", cfg.TradingMode())
}
