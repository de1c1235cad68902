package optimizer

import (
	"context"
	"math"
	"sort"
	"time"

	"krw-grid-bot-go/internal/grid"
	"krw-grid-bot-go/internal/models"
)

const (
	AnalysisWindow = 24 * time.Hour
	MinTrades      = 3

	trendHalfWindow = 12
)

// Performance 是最近 24 小时的交易表现
type Performance struct {
	Trades        int
	Sells         int
	WinRate       float64 // 0..1, 只统计卖出
	TotalProfit   float64
	AvgProfit     float64
	AvgProfitRate float64 // (%)
	MaxDrawdown   float64 // 0..1

	// 市场状态, 由 MarketConditions 填充
	Volatility    float64
	TrendStrength float64
}

// Analyze 统计 now 之前 24 小时内的交易日志。交易不足 MinTrades 笔时返回 false。
// 回撤基于 investment 加累计已实现收益的曲线。
func Analyze(logs map[string][]models.TradeLogEntry, investment float64, now time.Time) (Performance, bool) {
	since := now.Add(-AnalysisWindow)

	var perf Performance
	var sells []models.TradeLogEntry
	for _, entries := range logs {
		for _, e := range entries {
			if e.Time.Before(since) || e.Time.After(now) {
				continue
			}
			perf.Trades++
			if e.IsSell() {
				sells = append(sells, e)
			}
		}
	}
	if perf.Trades < MinTrades {
		return perf, false
	}

	sort.Slice(sells, func(i, j int) bool { return sells[i].Time.Before(sells[j].Time) })

	perf.Sells = len(sells)
	curve := make([]float64, 0, len(sells)+1)
	curve = append(curve, investment)
	wins := 0
	var rateSum float64
	for _, s := range sells {
		if s.Profit > 0 {
			wins++
		}
		perf.TotalProfit += s.Profit
		rateSum += s.ProfitRate
		curve = append(curve, investment+perf.TotalProfit)
	}
	if perf.Sells > 0 {
		perf.WinRate = float64(wins) / float64(perf.Sells)
		perf.AvgProfit = perf.TotalProfit / float64(perf.Sells)
		perf.AvgProfitRate = rateSum / float64(perf.Sells)
	}
	perf.MaxDrawdown = MaxDrawdown(curve)
	return perf, true
}

// MaxDrawdown 返回曲线从峰值回落的最大比例 (0..1)
func MaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// MarketConditions 计算所有币种 1 小时收益率的标准差, 以及最近 12 小时均价
// 相对之前 12 小时均价的偏离 (各币种平均)。没有可用数据时返回中性值。
func MarketConditions(ctx context.Context, source grid.CandleSource, tickers []string) (volatility, trend float64) {
	var returns []float64
	var trends []float64

	for _, ticker := range tickers {
		candles, err := source.GetOHLCV(ctx, ticker, "1h", 2*trendHalfWindow)
		if err != nil || len(candles) < 2 {
			continue
		}
		for i := 1; i < len(candles); i++ {
			if candles[i-1].Close > 0 {
				returns = append(returns, candles[i].Close/candles[i-1].Close-1)
			}
		}
		if len(candles) >= 2*trendHalfWindow {
			split := len(candles) - trendHalfWindow
			prior := meanClose(candles[split-trendHalfWindow : split])
			recent := meanClose(candles[split:])
			if prior > 0 {
				trends = append(trends, (recent-prior)/prior)
			}
		}
	}

	if len(returns) == 0 {
		return grid.NeutralStats.Volatility, 0
	}
	volatility = grid.StdDev(returns)
	for _, t := range trends {
		trend += t
	}
	if len(trends) > 0 {
		trend /= float64(len(trends))
	}
	return volatility, trend
}

func meanClose(candles []models.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	var sum float64
	for _, c := range candles {
		sum += c.Close
	}
	return sum / float64(len(candles))
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
