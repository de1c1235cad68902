package optimizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"krw-grid-bot-go/internal/models"
	"krw-grid-bot-go/internal/statemanager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockMarket returns count hourly candles with closes start, start+step, ...
type mockMarket struct {
	start, step float64
	err         error
}

func (m *mockMarket) GetOHLCV(ctx context.Context, ticker, interval string, count int) ([]models.Candle, error) {
	if m.err != nil {
		return nil, m.err
	}
	candles := make([]models.Candle, count)
	base := time.Now().Add(-time.Duration(count) * time.Hour)
	for i := range candles {
		c := m.start + float64(i)*m.step
		candles[i] = models.Candle{OpenTime: base.Add(time.Duration(i) * time.Hour), Open: c, High: c * 1.01, Low: c * 0.99, Close: c, Volume: 10}
	}
	return candles, nil
}

type mockLogs struct {
	logs  map[string][]models.TradeLogEntry
	err   error
	panic bool
}

func (m *mockLogs) LoadTradeLogs() (map[string][]models.TradeLogEntry, error) {
	if m.panic {
		panic("corrupt log index")
	}
	return m.logs, m.err
}

type mockSweeper struct {
	sync.Mutex
	calls int
}

func (m *mockSweeper) SweepProfitable(ctx context.Context) int {
	m.Lock()
	defer m.Unlock()
	m.calls++
	return 1
}

func (m *mockSweeper) callCount() int {
	m.Lock()
	defer m.Unlock()
	return m.calls
}

func sell(at time.Time, profit, rate float64) models.TradeLogEntry {
	return models.TradeLogEntry{Time: at, Action: string(models.Sell), Price: 100, Profit: profit, ProfitRate: rate}
}

func buy(at time.Time) models.TradeLogEntry {
	return models.TradeLogEntry{Time: at, Action: string(models.Buy), Price: 100}
}

func TestAnalyzeRequiresMinimumTrades(t *testing.T) {
	now := time.Now()
	logs := map[string][]models.TradeLogEntry{
		"KRW-BTC": {
			buy(now.Add(-48 * time.Hour)), // outside the window
			sell(now.Add(-30*time.Hour), 10, 1),
			buy(now.Add(-2 * time.Hour)),
			sell(now.Add(-time.Hour), 10, 1),
		},
	}
	perf, ok := Analyze(logs, 10000, now)
	assert.False(t, ok)
	assert.Equal(t, 2, perf.Trades)
}

func TestAnalyzeComputesWindowStats(t *testing.T) {
	now := time.Now()
	logs := map[string][]models.TradeLogEntry{
		"KRW-BTC": {
			buy(now.Add(-5 * time.Hour)),
			sell(now.Add(-4*time.Hour), 100, 1),
			sell(now.Add(-2*time.Hour), 50, 0.5),
		},
		"KRW-ETH": {
			sell(now.Add(-3*time.Hour), -300, -2),
		},
	}
	perf, ok := Analyze(logs, 10000, now)
	require.True(t, ok)
	assert.Equal(t, 4, perf.Trades)
	assert.Equal(t, 3, perf.Sells)
	assert.InDelta(t, 2.0/3.0, perf.WinRate, 1e-9)
	assert.InDelta(t, -150, perf.TotalProfit, 1e-9)
	assert.InDelta(t, -50, perf.AvgProfit, 1e-9)
	assert.InDelta(t, -0.5/3, perf.AvgProfitRate, 1e-9)
	// curve 10000 -> 10100 -> 9800 -> 9850, sorted by time across tickers
	assert.InDelta(t, 300.0/10100.0, perf.MaxDrawdown, 1e-9)
}

func TestMaxDrawdown(t *testing.T) {
	assert.Equal(t, 0.0, MaxDrawdown(nil))
	assert.Equal(t, 0.0, MaxDrawdown([]float64{100, 110, 120}))
	assert.InDelta(t, 0.5, MaxDrawdown([]float64{100, 200, 100, 150}), 1e-9)
}

func TestMarketConditions(t *testing.T) {
	vol, trend := MarketConditions(context.Background(), &mockMarket{start: 100, step: 1}, []string{"KRW-BTC"})
	assert.Greater(t, vol, 0.0)
	// prior 12h mean 105.5, recent 12h mean 117.5
	assert.InDelta(t, 12/105.5, trend, 1e-9)

	vol, trend = MarketConditions(context.Background(), &mockMarket{err: errors.New("down")}, []string{"KRW-BTC"})
	assert.Equal(t, 0.05, vol)
	assert.Equal(t, 0.0, trend)
}

func TestRecommend(t *testing.T) {
	cases := []struct {
		name string
		perf Performance
		want Recommendation
	}{
		{"strong", Performance{WinRate: 0.8, AvgProfitRate: 1.5, Volatility: 0.005}, StrongIncrease},
		{"mild", Performance{WinRate: 0.6, AvgProfitRate: 0.5, Volatility: 0.025, MaxDrawdown: 0.04}, MildIncrease},
		{"flat", Performance{WinRate: 0.5, AvgProfitRate: 0.1, Volatility: 0.025, MaxDrawdown: 0.04}, Maintain},
		{"weak", Performance{WinRate: 0.4, AvgProfitRate: -0.2, Volatility: 0.04, MaxDrawdown: 0.08}, MildDecrease},
		{"terrible", Performance{WinRate: 0.1, AvgProfitRate: -2, Volatility: 0.1, MaxDrawdown: 0.2}, StrongDecrease},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Recommend(tc.perf), tc.name)
	}
}

func TestApplyRecommendationStepsLadder(t *testing.T) {
	cfg := models.DefaultConfig()
	ApplyRecommendation(cfg, MildIncrease, Performance{Volatility: 0.01, WinRate: 0.5}, nil)
	assert.Equal(t, "aggressive", cfg.RiskMode)
	assert.Equal(t, 40, cfg.MaxGridCount)
	assert.Equal(t, -12.0, cfg.StopLossThreshold)
	assert.InDelta(t, 0.08, cfg.GridConfirmationBuffer, 1e-9)

	// the ladder is clamped at its top
	ApplyRecommendation(cfg, StrongIncrease, Performance{Volatility: 0.01, WinRate: 0.5}, nil)
	assert.Equal(t, "ultra_aggressive", cfg.RiskMode)

	ApplyRecommendation(cfg, StrongDecrease, Performance{Volatility: 0.01, WinRate: 0.5}, nil)
	assert.Equal(t, "stable", cfg.RiskMode)
}

func TestApplyRecommendationFineTuning(t *testing.T) {
	cfg := models.DefaultConfig()
	perf := Performance{Volatility: 0.03, WinRate: 0.3, MaxDrawdown: 0.1}
	ApplyRecommendation(cfg, Maintain, perf, map[string]int{"KRW-BTC": 25})

	assert.Equal(t, "stable", cfg.RiskMode)
	// 0.1 * 2.0 (volatility factor, clamped) * 1.2 (low win rate)
	assert.InDelta(t, 0.24, cfg.GridConfirmationBuffer, 1e-9)
	// drawdown above 5% tightens the stops
	assert.InDelta(t, -6.4, cfg.StopLossThreshold, 1e-9)
	assert.InDelta(t, 2.4, cfg.TrailingStopPercent, 1e-9)
	assert.Equal(t, 25, cfg.GridCounts["KRW-BTC"])
}

func newTestOptimizer(t *testing.T, logs TradeLogSource, sweeper Sweeper) (*Optimizer, *statemanager.ConfigManager) {
	t.Helper()
	cfg := models.DefaultConfig()
	cfg.AutoTrading = true
	cfg.Tickers = []string{"KRW-BTC", "KRW-ETH"}
	cm := statemanager.NewConfigManager(cfg, nil, zap.NewNop())
	cm.Start()
	t.Cleanup(cm.Stop)
	return New(logs, &mockMarket{start: 100, step: 0}, cm, sweeper, nil, zap.NewNop()), cm
}

func TestCycleInsufficientDataStillSweeps(t *testing.T) {
	sweeper := &mockSweeper{}
	o, cm := newTestOptimizer(t, &mockLogs{logs: map[string][]models.TradeLogEntry{}}, sweeper)

	_, err := o.Cycle(context.Background())
	assert.True(t, errors.Is(err, ErrInsufficientData))
	assert.Equal(t, 1, sweeper.callCount())
	assert.Equal(t, "stable", cm.Snapshot().RiskMode)
}

func TestCycleAppliesRecommendation(t *testing.T) {
	now := time.Now()
	logs := &mockLogs{logs: map[string][]models.TradeLogEntry{
		"KRW-BTC": {
			sell(now.Add(-3*time.Hour), 100, 1.5),
			sell(now.Add(-2*time.Hour), 100, 1.5),
			sell(now.Add(-time.Hour), 100, 1.5),
		},
	}}
	sweeper := &mockSweeper{}
	o, cm := newTestOptimizer(t, logs, sweeper)

	rec, err := o.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StrongIncrease, rec)
	assert.Equal(t, 1, sweeper.callCount())

	cfg := cm.Snapshot()
	assert.Equal(t, "ultra_aggressive", cfg.RiskMode)
	assert.InDelta(t, 0.045, cfg.GridConfirmationBuffer, 1e-9)
	assert.Contains(t, cfg.GridCounts, "KRW-BTC")
	assert.Contains(t, cfg.GridCounts, "KRW-ETH")
}

func TestCycleRecoversFromPanic(t *testing.T) {
	sweeper := &mockSweeper{}
	o, cm := newTestOptimizer(t, &mockLogs{panic: true}, sweeper)

	_, err := o.Cycle(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInsufficientData))
	assert.Equal(t, 1, sweeper.callCount())
	assert.Equal(t, "stable", cm.Snapshot().RiskMode)
}

func TestCycleLogSourceError(t *testing.T) {
	sweeper := &mockSweeper{}
	o, _ := newTestOptimizer(t, &mockLogs{err: errors.New("db closed")}, sweeper)

	_, err := o.Cycle(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, sweeper.callCount())
}

func TestRunOnlyCyclesInAutoMode(t *testing.T) {
	sweeper := &mockSweeper{}
	o, cm := newTestOptimizer(t, &mockLogs{logs: map[string][]models.TradeLogEntry{}}, sweeper)
	o.unit = time.Millisecond
	require.NoError(t, cm.UpdateAndWait(context.Background(), "test", func(cfg *models.Config) {
		cfg.AutoTrading = false
		cfg.OptimizeInterval = 5
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sweeper.callCount())

	require.NoError(t, cm.UpdateAndWait(context.Background(), "test", func(cfg *models.Config) {
		cfg.AutoTrading = true
	}))
	require.Eventually(t, func() bool { return sweeper.callCount() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
