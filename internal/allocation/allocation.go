package allocation

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"krw-grid-bot-go/internal/grid"
	"krw-grid-bot-go/internal/models"
	"krw-grid-bot-go/internal/profile"

	"go.uber.org/zap"
)

const (
	DefaultCacheTTL = 5 * time.Minute

	scoreInterval = "1h"
	scoreCandles  = 24

	idealGridsPerWeight = 25
	minGridSpacing      = 0.003
)

// MarketScore 是单个币种的综合市场评分
type MarketScore struct {
	Score      float64 // [0, 1]
	Volatility float64
	Trend      float64
}

// NeutralScore is returned whenever the candle window cannot be fetched.
var NeutralScore = MarketScore{Score: 0.5, Volatility: 0.05, Trend: 0}

// Engine 负责多币种资金分配, 结果缓存一段时间
type Engine struct {
	source grid.CandleSource
	ttl    time.Duration
	now    func() time.Time
	logger *zap.SugaredLogger

	mu       sync.Mutex
	cached   map[string]float64
	cachedAt time.Time
	cacheKey string
}

func NewEngine(source grid.CandleSource, ttl time.Duration, logger *zap.Logger) *Engine {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Engine{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.Sugar(),
	}
}

// Invalidate drops the cached allocation so the next Allocate recomputes.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cached = nil
	e.cacheKey = ""
}

// Score rates ticker from the last 24 hourly candles. Trend, volatility and
// volume ratio are weighted 40/30/30.
func (e *Engine) Score(ctx context.Context, ticker string) MarketScore {
	candles, err := e.source.GetOHLCV(ctx, ticker, scoreInterval, scoreCandles)
	if err != nil || len(candles) < 2 {
		e.logger.Debugf("[%s] 评分数据不可用, 使用中性评分: %v", ticker, err)
		return NeutralScore
	}

	stats := grid.AnalyzeCandles(candles)
	trendScore := clampFloat(0.5+stats.Trend*5, 0, 1)
	volScore := math.Min(stats.Volatility/0.05, 1)
	volumeScore := clampFloat(stats.VolumeRatio/2, 0, 1)

	return MarketScore{
		Score:      trendScore*0.4 + volScore*0.3 + volumeScore*0.3,
		Volatility: stats.Volatility,
		Trend:      stats.Trend,
	}
}

// GridEfficiency rates how close gridCount is to the asset's ideal count,
// penalizing grids whose spacing is too thin to cover costs. priceRange is
// (high-low)/low. The result lies in [0.1, 1].
func GridEfficiency(ticker string, gridCount int, priceRange float64) float64 {
	if gridCount <= 0 {
		return 0.1
	}
	p := profile.GetProfile(ticker)
	ideal := math.Round(idealGridsPerWeight * p.VolatilityWeight)
	if ideal < 1 {
		ideal = 1
	}

	eff := 1 - math.Abs(float64(gridCount)-ideal)/ideal
	if priceRange > 0 && priceRange/float64(gridCount) < minGridSpacing {
		eff *= 0.5
	}
	return clampFloat(eff, 0.1, 1)
}

// Allocate splits total across tickers. Each share is proportional to
// 0.5*score + 0.3*grid efficiency + 0.2*relative volatility weight, bounded by
// the asset's allocation limits, and the shares always sum to total. Any
// internal failure degrades to an equal split.
func (e *Engine) Allocate(ctx context.Context, total float64, tickers []string, configs map[string]models.GridConfig) (result map[string]float64) {
	if len(tickers) == 0 {
		return map[string]float64{}
	}

	key := cacheKey(total, tickers)
	e.mu.Lock()
	if e.cached != nil && e.cacheKey == key && e.now().Sub(e.cachedAt) < e.ttl {
		out := copyMap(e.cached)
		e.mu.Unlock()
		return out
	}
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("资金分配计算失败, 使用平均分配: %v", r)
			result = EqualSplit(total, tickers)
		}
	}()

	maxWeight := profile.MaxVolatilityWeight()
	weights := make([]float64, len(tickers))
	for i, t := range tickers {
		p := profile.GetProfile(t)
		perf := e.Score(ctx, t).Score

		eff := 0.5
		if cfg, ok := configs[t]; ok {
			eff = GridEfficiency(t, cfg.GridCount, cfg.PriceRangeRatio())
		}
		weights[i] = 0.5*perf + 0.3*eff + 0.2*(p.VolatilityWeight/maxWeight)
	}

	result = Distribute(total, tickers, weights)

	e.mu.Lock()
	e.cached = copyMap(result)
	e.cachedAt = e.now()
	e.cacheKey = key
	e.mu.Unlock()

	for _, t := range tickers {
		e.logger.Infof("[%s] 分配资金: %.0f (%.1f%%)", t, result[t], result[t]/total*100)
	}
	return result
}

// Distribute splits total in proportion to weights (equal split when no
// weight is positive), clamped to each asset's normalized allocation bounds.
// Residual from clamping flows to the assets that still have headroom.
func Distribute(total float64, tickers []string, weights []float64) map[string]float64 {
	n := len(tickers)
	if n == 0 {
		return map[string]float64{}
	}
	if total <= 0 {
		return EqualSplit(total, tickers)
	}

	lo, hi := normalizedBounds(tickers)

	w := make([]float64, n)
	var sumW float64
	for i := range w {
		if i < len(weights) && weights[i] > 0 && !math.IsNaN(weights[i]) && !math.IsInf(weights[i], 0) {
			w[i] = weights[i]
		}
		sumW += w[i]
	}
	if sumW <= 0 {
		for i := range w {
			w[i] = 1
		}
		sumW = float64(n)
	}
	for i := range w {
		w[i] /= sumW
		if w[i] <= 0 {
			w[i] = 1e-9
		}
	}

	// 水位填充: 找到比例系数 level, 使 sum(clamp(level*w, lo, hi)) == 1
	fill := func(level float64) float64 {
		var s float64
		for i := range w {
			s += clampFloat(level*w[i], lo[i], hi[i])
		}
		return s
	}
	var top float64
	for i := range w {
		top = math.Max(top, hi[i]/w[i])
	}
	bottom := 0.0
	for iter := 0; iter < 200; iter++ {
		mid := (bottom + top) / 2
		if fill(mid) < 1 {
			bottom = mid
		} else {
			top = mid
		}
	}

	shares := make([]float64, n)
	var sum float64
	for i := range w {
		shares[i] = clampFloat(top*w[i], lo[i], hi[i])
		sum += shares[i]
	}

	// 剩余的浮点误差分给仍有空间的币种
	residual := 1 - sum
	for i := 0; i < n && math.Abs(residual) > 0; i++ {
		room := hi[i] - shares[i]
		if residual < 0 {
			room = lo[i] - shares[i]
		}
		delta := residual
		if math.Abs(room) < math.Abs(delta) {
			delta = room
		}
		shares[i] += delta
		residual -= delta
	}

	out := make(map[string]float64, n)
	for i, t := range tickers {
		out[t] = shares[i] * total
	}
	return out
}

// EqualSplit divides total evenly across tickers.
func EqualSplit(total float64, tickers []string) map[string]float64 {
	out := make(map[string]float64, len(tickers))
	if len(tickers) == 0 {
		return out
	}
	share := total / float64(len(tickers))
	for _, t := range tickers {
		out[t] = share
	}
	return out
}

// Bounds returns each ticker's allocation bounds as fractions of the total,
// normalized so that sum(min) <= 1 <= sum(max).
func Bounds(tickers []string) map[string][2]float64 {
	lo, hi := normalizedBounds(tickers)
	out := make(map[string][2]float64, len(tickers))
	for i, t := range tickers {
		out[t] = [2]float64{lo[i], hi[i]}
	}
	return out
}

func normalizedBounds(tickers []string) ([]float64, []float64) {
	lo := make([]float64, len(tickers))
	hi := make([]float64, len(tickers))
	var sumLo, sumHi float64
	for i, t := range tickers {
		p := profile.GetProfile(t)
		lo[i], hi[i] = p.MinAllocation, p.MaxAllocation
		sumLo += lo[i]
		sumHi += hi[i]
	}
	if sumHi < 1 && sumHi > 0 {
		for i := range hi {
			hi[i] /= sumHi
		}
	}
	if sumLo > 1 {
		for i := range lo {
			lo[i] /= sumLo
		}
	}
	return lo, hi
}

func cacheKey(total float64, tickers []string) string {
	sorted := append([]string(nil), tickers...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",") + "|" + strconv.FormatFloat(total, 'f', 2, 64)
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
