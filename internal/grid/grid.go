package grid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"krw-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

const (
	GenericMinGridCount = 10
	GenericMaxGridCount = 50

	rangeHighMargin = 1.02
	rangeLowMargin  = 0.98
	minProfitMargin = 0.001 // 每格往返利润需超过 2*fee + 0.1%

	panicSpanRatio   = 0.6
	panicBelowWeight = 0.7
)

var ErrRangeUnavailable = errors.New("price range unavailable")

// CandleSource 提供历史K线
type CandleSource interface {
	GetOHLCV(ctx context.Context, ticker, interval string, count int) ([]models.Candle, error)
}

// PeriodToInterval maps a range period to the candle interval and count that cover it.
func PeriodToInterval(period string) (string, int) {
	switch period {
	case "1h":
		return "1m", 60
	case "4h":
		return "5m", 48
	case "7d":
		return "1d", 7
	default: // "1d"
		return "1h", 24
	}
}

// Calculator 负责价格区间与网格计算
type Calculator struct {
	source CandleSource
	logger *zap.SugaredLogger
}

func NewCalculator(source CandleSource, logger *zap.Logger) *Calculator {
	return &Calculator{source: source, logger: logger.Sugar()}
}

// ComputeRange returns the (high, low) grid bounds for ticker. A valid custom
// range wins; otherwise the candle window selected by period is used with a
// 2% margin on each side.
func (c *Calculator) ComputeRange(ctx context.Context, ticker, period string, custom *models.PriceRange) (float64, float64, error) {
	if custom != nil && custom.Valid() {
		c.logger.Infof("[%s] 使用自定义价格区间: %.4f ~ %.4f", ticker, custom.Low, custom.High)
		return custom.High, custom.Low, nil
	}

	interval, count := PeriodToInterval(period)
	candles, err := c.source.GetOHLCV(ctx, ticker, interval, count)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrRangeUnavailable, err)
	}
	if len(candles) == 0 {
		return 0, 0, ErrRangeUnavailable
	}

	high, low := candles[0].High, candles[0].Low
	for _, k := range candles[1:] {
		high = math.Max(high, k.High)
		low = math.Min(low, k.Low)
	}
	if low <= 0 || high <= low {
		return 0, 0, ErrRangeUnavailable
	}

	high *= rangeHighMargin
	low *= rangeLowMargin
	c.logger.Infof("[%s] 价格区间 (%s): %.4f ~ %.4f", ticker, period, low, high)
	return high, low, nil
}

// MarketStats summarizes a short candle window.
type MarketStats struct {
	Volatility  float64 // 收益率标准差
	Trend       float64 // (last-first)/first
	VolumeRatio float64 // 最新成交量 / 之前的平均成交量
}

// NeutralStats is used whenever market data cannot be fetched.
var NeutralStats = MarketStats{Volatility: 0.05, Trend: 0, VolumeRatio: 1}

// AnalyzeCandles computes return volatility, trend and volume ratio of candles.
func AnalyzeCandles(candles []models.Candle) MarketStats {
	if len(candles) < 2 {
		return NeutralStats
	}

	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		if candles[i-1].Close > 0 {
			returns = append(returns, candles[i].Close/candles[i-1].Close-1)
		}
	}

	stats := MarketStats{VolumeRatio: 1}
	stats.Volatility = StdDev(returns)

	first, last := candles[0].Close, candles[len(candles)-1].Close
	if first > 0 {
		stats.Trend = (last - first) / first
	}

	var volSum float64
	for _, k := range candles[:len(candles)-1] {
		volSum += k.Volume
	}
	if avg := volSum / float64(len(candles)-1); avg > 0 {
		stats.VolumeRatio = candles[len(candles)-1].Volume / avg
	}
	return stats
}

// StdDev is the population standard deviation of values.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)))
}

// baseGridCount is min(fee constraint, capital constraint), unclamped.
func baseGridCount(high, low, feeRate, investment, minGridCapital float64) int {
	if high <= low || low <= 0 {
		return 0
	}

	// (a) 每格间距必须覆盖往返手续费 + 最低利润
	minStep := 2*feeRate + minProfitMargin
	byRange := math.MaxInt32
	if minStep > 0 {
		byRange = int(math.Floor((high-low)/(low*minStep) + 1e-9))
	}

	// (b) 每格至少分配 minGridCapital
	byCapital := math.MaxInt32
	if minGridCapital > 0 {
		byCapital = int(math.Floor(investment/minGridCapital + 1e-9))
	}

	if byRange < byCapital {
		return byRange
	}
	return byCapital
}

// ComputeGridCount returns the generic auto-sized grid count, clamped to [10, 50].
func ComputeGridCount(high, low, feeRate, investment, minGridCapital float64) int {
	return clamp(baseGridCount(high, low, feeRate, investment, minGridCapital), GenericMinGridCount, GenericMaxGridCount)
}

// ComputeCoinGridCount scales the generic count by the observed market and
// clamps it to the asset's own bounds. riskMax additionally caps the count
// when it does not fall below the asset minimum.
func ComputeCoinGridCount(p models.CoinProfile, high, low, feeRate, investment, minGridCapital float64, stats MarketStats, riskMax int) int {
	base := float64(baseGridCount(high, low, feeRate, investment, minGridCapital))

	volFactor := 1.0
	if p.BaseVolatility > 0 && stats.Volatility > 0 {
		volFactor = clampFloat(stats.Volatility/p.BaseVolatility, 0.7, 1.5)
	}
	// 强趋势行情下减少网格, 拉宽间距
	trendFactor := 1 - math.Min(math.Abs(stats.Trend), 0.1)*2
	volumeFactor := clampFloat(stats.VolumeRatio, 0.8, 1.2)

	count := int(math.Round(base * volFactor * trendFactor * volumeFactor))

	max := p.MaxGridCount
	if riskMax > 0 && riskMax < max {
		max = riskMax
	}
	if max < p.MinGridCount {
		max = p.MinGridCount
	}
	return clamp(count, p.MinGridCount, max)
}

// ComputeLevels returns count+1 ascending, evenly spaced prices from low to high.
func ComputeLevels(high, low float64, count int) []float64 {
	if count <= 0 || high <= low {
		return nil
	}
	step := (high - low) / float64(count)
	levels := make([]float64, count+1)
	for i := 0; i < count; i++ {
		levels[i] = low + float64(i)*step
	}
	levels[count] = high
	return levels
}

// Recenter returns a panic-mode range: 60% of the original span placed
// 70% below and 30% above price.
func Recenter(price, high, low float64) (float64, float64) {
	span := (high - low) * panicSpanRatio
	newLow := price - span*panicBelowWeight
	newHigh := price + span*(1-panicBelowWeight)
	if newLow <= 0 {
		newLow = price * 0.5
	}
	return newHigh, newLow
}

// IndexOf returns the index of the level equal to price, or -1.
func IndexOf(levels []float64, price float64) int {
	i := sort.SearchFloat64s(levels, price)
	if i < len(levels) && almostEqual(levels[i], price) {
		return i
	}
	if i > 0 && almostEqual(levels[i-1], price) {
		return i - 1
	}
	return -1
}

// NextBelow returns the highest level strictly below price.
func NextBelow(levels []float64, price float64) (float64, bool) {
	for i := len(levels) - 1; i >= 0; i-- {
		if levels[i] < price && !almostEqual(levels[i], price) {
			return levels[i], true
		}
	}
	return 0, false
}

// NextAbove returns the lowest level strictly above price.
func NextAbove(levels []float64, price float64) (float64, bool) {
	for _, l := range levels {
		if l > price && !almostEqual(l, price) {
			return l, true
		}
	}
	return 0, false
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
