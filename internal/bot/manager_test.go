package bot

import (
	"context"
	"testing"
	"time"

	"krw-grid-bot-go/internal/exchange"
	"krw-grid-bot-go/internal/models"
	"krw-grid-bot-go/internal/persistence"
	"krw-grid-bot-go/internal/statemanager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, tickers ...string) (*Manager, *persistence.Repository) {
	t.Helper()
	if len(tickers) == 0 {
		tickers = []string{"KRW-BTC", "KRW-ETH"}
	}
	cfg := testConfig()
	cfg.Tickers = tickers
	cfg.CustomRanges["KRW-ETH"] = models.PriceRange{High: 3300000, Low: 2700000}
	cfg.CustomRanges["KRW-XRP"] = models.PriceRange{High: 1000, Low: 500}

	ex := exchange.NewPaperExchange(nil, "KRW", cfg.TotalInvestment, cfg.FeeRate, 0)
	now := time.Now()
	ex.SetCandle("KRW-BTC", models.Candle{OpenTime: now, Open: 50000, High: 50000, Low: 50000, Close: 50000, Volume: 1})
	ex.SetCandle("KRW-ETH", models.Candle{OpenTime: now, Open: 3000000, High: 3000000, Low: 3000000, Close: 3000000, Volume: 1})
	ex.SetCandle("KRW-XRP", models.Candle{OpenTime: now, Open: 750, High: 750, Low: 750, Close: 750, Volume: 1})

	store, err := persistence.NewBadgerStore("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	repo := persistence.NewRepository(store)

	cm := statemanager.NewConfigManager(cfg, nil, zap.NewNop())
	return NewManager(cm, ex, repo, nil, zap.NewNop()), repo
}

func waitRunning(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		statuses := m.Statuses()
		for _, st := range statuses {
			if st.State != StateRunning {
				return false
			}
		}
		return len(statuses) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func investedTotal(m *Manager) float64 {
	var sum float64
	for _, st := range m.Statuses() {
		sum += st.Investment
	}
	return sum
}

func TestManagerStartAllocatesAndStops(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Start(context.Background(), false))
	waitRunning(t, m)

	assert.InDelta(t, 1000000, investedTotal(m), 1e-6)
	for _, st := range m.Statuses() {
		assert.Greater(t, st.Investment, 0.0, st.Ticker)
		assert.Equal(t, 4, st.Grid.GridCount)
	}

	m.Stop(time.Second)
	for _, st := range m.Statuses() {
		assert.Equal(t, StateStopped, st.State, st.Ticker)
	}
}

func TestManagerResumeFoldsProfitsIntoTotal(t *testing.T) {
	m, repo := newTestManager(t)
	_, err := repo.AddProfit("KRW-BTC", 100000)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), true))
	waitRunning(t, m)
	assert.InDelta(t, 1100000, investedTotal(m), 1e-6)

	m.Stop(time.Second)
}

func TestManagerFreshStartDropsOldPositions(t *testing.T) {
	m, repo := newTestManager(t)
	pos, err := models.NewPosition("KRW-BTC", 47500, 1, 50000, time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.SavePositions("demo", "KRW-BTC", []*models.Position{pos}))

	require.NoError(t, m.Start(context.Background(), false))
	waitRunning(t, m)
	for _, st := range m.Statuses() {
		assert.Equal(t, 0, st.Positions, st.Ticker)
	}
	m.Stop(time.Second)
}

func TestManagerRequiresTickers(t *testing.T) {
	cfg := testConfig()
	cfg.Tickers = nil
	cm := statemanager.NewConfigManager(cfg, nil, zap.NewNop())
	m := NewManager(cm, exchange.NewPaperExchange(nil, "KRW", 1, 0, 0), nil, nil, zap.NewNop())
	assert.Error(t, m.Start(context.Background(), false))
}

func TestAllocationForRefreshesOncePerDay(t *testing.T) {
	m, _ := newTestManager(t, "KRW-BTC", "KRW-ETH", "KRW-XRP")
	clock := time.Date(2026, 1, 5, 10, 0, 0, 0, time.Local)
	m.now = func() time.Time { return clock }
	m.total = 1000000
	m.allocDay = clock.Format(dayLayout)

	// grid counts at each asset's ideal count
	m.UpdateGrid("KRW-BTC", models.GridConfig{High: 60000, Low: 40000, GridCount: 25})
	m.UpdateGrid("KRW-ETH", models.GridConfig{High: 3300000, Low: 2700000, GridCount: 30})
	m.UpdateGrid("KRW-XRP", models.GridConfig{High: 1000, Low: 500, GridCount: 38})

	ctx := context.Background()
	first, ok := m.AllocationFor(ctx, "KRW-BTC")
	require.True(t, ok)

	// a thin BTC grid only counts after the cache is dropped on the next day
	m.UpdateGrid("KRW-BTC", models.GridConfig{High: 50100, Low: 50000, GridCount: 1})
	same, _ := m.AllocationFor(ctx, "KRW-BTC")
	assert.Equal(t, first, same)

	clock = time.Date(2026, 1, 6, 9, 0, 0, 0, time.Local)
	next, _ := m.AllocationFor(ctx, "KRW-BTC")
	assert.Less(t, next, first)
	assert.Equal(t, "2026-01-06", m.allocDay)
}
