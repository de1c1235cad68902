package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"krw-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTickerMapping(t *testing.T) {
	quote, base := SplitTicker("KRW-BTC")
	assert.Equal(t, "KRW", quote)
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "BTCKRW", ToSymbol("KRW-BTC"))
	assert.Equal(t, "XRPKRW", ToSymbol("krw-xrp"))
}

func TestAdjustToStep(t *testing.T) {
	assert.InDelta(t, 0.123, AdjustToStep(0.123456, 0.001), 1e-12)
	assert.InDelta(t, 50000, AdjustToStep(50123, 1000), 1e-9)
	assert.InDelta(t, 1.5, AdjustToStep(1.5, 0), 1e-12)

	assert.Equal(t, "0.123", FormatStep(0.123, 0.001))
	assert.Equal(t, "50000", FormatStep(50000, 1))

	rules := SymbolRules{TickSize: 0.01, StepSize: 0.0001}
	assert.InDelta(t, 47500.12, rules.RoundPrice(47500.129), 1e-9)
	assert.InDelta(t, 0.0123, rules.RoundQuantity(0.01239), 1e-12)
}

func TestClientOrderIDsAreUniqueAndShort(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newClientOrderID("gbl")
		assert.LessOrEqual(t, len(id), 36)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func newBacktestPaper() *PaperExchange {
	return NewPaperExchange(nil, "KRW", 1000000, 0.0005, 0.001)
}

func TestPaperLimitRoundTrip(t *testing.T) {
	ctx := context.Background()
	ex := newBacktestPaper()
	ex.SetCandle("KRW-BTC", models.Candle{OpenTime: time.Unix(0, 0), Open: 50000, High: 50000, Low: 50000, Close: 50000})

	buy, err := ex.BuyLimit(ctx, "KRW-BTC", 47500, 2)
	require.NoError(t, err)
	assert.Equal(t, models.Buy, buy.Side)
	assert.InDelta(t, 47500, buy.Price, 1e-9)
	assert.InDelta(t, 47500*2*0.0005, buy.Fee, 1e-9)
	assert.InDelta(t, 1000000-95000-47.5, ex.Cash(), 1e-6)
	assert.InDelta(t, 2, ex.Holdings("KRW-BTC"), 1e-12)

	sell, err := ex.SellLimit(ctx, "KRW-BTC", 50000, 2)
	require.NoError(t, err)
	assert.Equal(t, models.Sell, sell.Side)
	assert.InDelta(t, 0, ex.Holdings("KRW-BTC"), 1e-12)

	trades := ex.Trades()
	require.Len(t, trades, 1)
	assert.InDelta(t, 5000-50, trades[0].Profit, 1e-6)
	assert.InDelta(t, 1000000-47.5+5000-50, ex.Cash(), 1e-6)
}

func TestPaperMarketOrdersApplySlippage(t *testing.T) {
	ctx := context.Background()
	ex := newBacktestPaper()
	ex.SetCandle("KRW-ETH", models.Candle{OpenTime: time.Unix(0, 0), Close: 3000000})

	buy, err := ex.BuyMarket(ctx, "KRW-ETH", 100000)
	require.NoError(t, err)
	assert.InDelta(t, 3003000, buy.Price, 1e-6)
	assert.InDelta(t, 900000, ex.Cash(), 1e-6)

	sell, err := ex.SellMarket(ctx, "KRW-ETH", 10)
	require.NoError(t, err)
	assert.InDelta(t, 2997000, sell.Price, 1e-6)
	assert.InDelta(t, buy.Quantity, sell.Quantity, 1e-12)
}

func TestPaperRejectsInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	ex := newBacktestPaper()
	ex.SetCandle("KRW-BTC", models.Candle{OpenTime: time.Unix(0, 0), Close: 50000})

	_, err := ex.BuyLimit(ctx, "KRW-BTC", 50000, 100)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	_, err = ex.SellMarket(ctx, "KRW-BTC", 1)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
}

func TestPaperSeedRestoresHoldings(t *testing.T) {
	ctx := context.Background()
	ex := newBacktestPaper()
	ex.SetCandle("KRW-BTC", models.Candle{OpenTime: time.Unix(0, 0), Close: 50000})

	ex.Seed("KRW-BTC", 1, 40000)
	ex.Seed("KRW-BTC", 0, 40000)
	assert.InDelta(t, 1, ex.Holdings("KRW-BTC"), 1e-12)
	assert.InDelta(t, 1000000, ex.Cash(), 1e-9)

	_, err := ex.SellLimit(ctx, "KRW-BTC", 50000, 1)
	require.NoError(t, err)
	assert.InDelta(t, 10000-25, ex.Trades()[0].Profit, 1e-6)
}

func TestPaperWithoutCandlesHasNoData(t *testing.T) {
	ex := newBacktestPaper()
	_, err := ex.GetCurrentPrice(context.Background(), "KRW-BTC")
	assert.True(t, errors.Is(err, ErrNoData))
	_, err = ex.GetOrderbook(context.Background(), "KRW-BTC")
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestPaperOHLCVAggregatesHistory(t *testing.T) {
	ex := newBacktestPaper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 120; i++ {
		price := 100 + float64(i)
		ex.SetCandle("KRW-XRP", models.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     price, High: price + 1, Low: price - 1, Close: price, Volume: 1,
		})
	}

	candles, err := ex.GetOHLCV(context.Background(), "KRW-XRP", "1h", 24)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 100.0, candles[0].Open)
	assert.Equal(t, 159.0, candles[0].Close)
	assert.Equal(t, 160.0, candles[0].High)
	assert.Equal(t, 99.0, candles[0].Low)
	assert.Equal(t, 60.0, candles[0].Volume)

	last, err := ex.GetOHLCV(context.Background(), "KRW-XRP", "5m", 3)
	require.NoError(t, err)
	assert.Len(t, last, 3)
	assert.Equal(t, 219.0, last[2].Close)

	book, err := ex.GetOrderbook(context.Background(), "KRW-XRP")
	require.NoError(t, err)
	assert.Less(t, book.BestBid(), book.BestAsk())
	assert.Len(t, ex.EquityCurve(), 120)
}

func TestIntervalDuration(t *testing.T) {
	assert.Equal(t, 5*time.Minute, IntervalDuration("5m"))
	assert.Equal(t, time.Hour, IntervalDuration("1h"))
	assert.Equal(t, 24*time.Hour, IntervalDuration("1d"))
	assert.Equal(t, time.Minute, IntervalDuration("bogus"))
}

func TestPriceStreamCachesFreshPrices(t *testing.T) {
	stream := NewPriceStream("wss://example.invalid:9443/", []string{"KRW-BTC", "KRW-ETH"}, zap.NewNop())
	assert.Equal(t, "wss://example.invalid:9443/stream?streams=btckrw@miniTicker/ethkrw@miniTicker", stream.url)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stream.now = func() time.Time { return now }

	stream.handleMessage([]byte(`{"stream":"btckrw@miniTicker","data":{"e":"24hrMiniTicker","s":"BTCKRW","c":"50123.5"}}`))
	stream.handleMessage([]byte(`not json`))
	stream.handleMessage([]byte(`{"stream":"ethkrw@miniTicker","data":{"s":"ETHKRW","c":"0"}}`))

	price, ok := stream.Price("BTCKRW")
	assert.True(t, ok)
	assert.Equal(t, 50123.5, price)

	_, ok = stream.Price("ETHKRW")
	assert.False(t, ok)

	now = now.Add(DefaultPriceStaleAfter + time.Second)
	_, ok = stream.Price("BTCKRW")
	assert.False(t, ok)
}
