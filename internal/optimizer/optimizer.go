package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"krw-grid-bot-go/internal/config"
	"krw-grid-bot-go/internal/grid"
	"krw-grid-bot-go/internal/metrics"
	"krw-grid-bot-go/internal/models"
	"krw-grid-bot-go/internal/notifier"
	"krw-grid-bot-go/internal/profile"

	"go.uber.org/zap"
)

// ErrInsufficientData 表示窗口内交易太少, 本轮不调整参数
var ErrInsufficientData = errors.New("not enough trades to optimize")

// Recommendation 是对风险偏好的调整建议, 值即风险阶梯上的步数
type Recommendation int

const (
	StrongDecrease Recommendation = -2
	MildDecrease   Recommendation = -1
	Maintain       Recommendation = 0
	MildIncrease   Recommendation = 1
	StrongIncrease Recommendation = 2
)

func (r Recommendation) String() string {
	switch r {
	case StrongIncrease:
		return "strong_increase"
	case MildIncrease:
		return "mild_increase"
	case MildDecrease:
		return "mild_decrease"
	case StrongDecrease:
		return "strong_decrease"
	default:
		return "maintain"
	}
}

const (
	weightWinRate    = 0.4
	weightAvgProfit  = 0.3
	weightVolatility = 0.15
	weightDrawdown   = 0.15

	drawdownTightenAt = 0.05
	tightenFactor     = 0.8

	minBuffer = 0.02
	maxBuffer = 0.5
)

// bucket maps v onto -2..+2 given four descending cut points: v >= cuts[0]
// scores +2, v >= cuts[1] scores +1 and so on.
func bucket(v float64, cuts [4]float64) float64 {
	for i, c := range cuts {
		if v >= c {
			return float64(2 - i)
		}
	}
	return -2
}

// Score 按权重 (胜率 40%, 平均收益 30%, 波动率 15%, 回撤 15%) 汇总表现, 范围 -2..+2
func Score(perf Performance) float64 {
	win := bucket(perf.WinRate, [4]float64{0.65, 0.55, 0.45, 0.35})
	avg := bucket(perf.AvgProfitRate, [4]float64{1.0, 0.3, 0, -0.5})
	// 波动率和回撤越低越好, 取负后套用同一个分段
	vol := bucket(-perf.Volatility, [4]float64{-0.01, -0.02, -0.03, -0.05})
	dd := bucket(-perf.MaxDrawdown, [4]float64{-0.01, -0.03, -0.05, -0.1})
	return weightWinRate*win + weightAvgProfit*avg + weightVolatility*vol + weightDrawdown*dd
}

// Recommend 把总分映射为五档建议
func Recommend(perf Performance) Recommendation {
	s := Score(perf)
	switch {
	case s >= 1.2:
		return StrongIncrease
	case s >= 0.4:
		return MildIncrease
	case s > -0.4:
		return Maintain
	case s > -1.2:
		return MildDecrease
	default:
		return StrongDecrease
	}
}

// ApplyRecommendation 在风险阶梯上移动并重新推导所有阈值, 然后做二次微调:
// 确认缓冲随波动率和胜率缩放, 回撤过大时收紧止损和追踪止损,
// gridCounts 中的币种网格数覆盖到配置。
func ApplyRecommendation(cfg *models.Config, rec Recommendation, perf Performance, gridCounts map[string]int) {
	mode := profile.StepRiskMode(cfg.RiskMode, int(rec))
	config.ApplyRiskMode(cfg, mode)

	volFactor := 1.0
	if perf.Volatility > 0 {
		volFactor = clampFloat(perf.Volatility/0.01, 0.5, 2.0)
	}
	winFactor := 1.0
	switch {
	case perf.WinRate < 0.4:
		winFactor = 1.2
	case perf.WinRate > 0.6:
		winFactor = 0.9
	}
	buffer := cfg.GridConfirmationBuffer * volFactor * winFactor
	cfg.GridConfirmationBuffer = math.Round(clampFloat(buffer, minBuffer, maxBuffer)*10000) / 10000

	if perf.MaxDrawdown > drawdownTightenAt {
		cfg.StopLossThreshold *= tightenFactor
		cfg.TrailingStopPercent *= tightenFactor
	}

	if cfg.GridCounts == nil {
		cfg.GridCounts = map[string]int{}
	}
	for ticker, n := range gridCounts {
		cfg.GridCounts[ticker] = n
	}
}

// TradeLogSource 提供所有币种的交易日志
type TradeLogSource interface {
	LoadTradeLogs() (map[string][]models.TradeLogEntry, error)
}

// ConfigStore 是运行时配置的拥有者
type ConfigStore interface {
	Snapshot() *models.Config
	UpdateAndWait(ctx context.Context, reason string, fn func(cfg *models.Config)) error
}

// Sweeper 卖出当前已达到止盈或追踪止损条件的持仓, 返回卖出的笔数
type Sweeper interface {
	SweepProfitable(ctx context.Context) int
}

// Optimizer 定期分析交易表现并调整风险参数
type Optimizer struct {
	logs    TradeLogSource
	market  grid.CandleSource
	calc    *grid.Calculator
	cfg     ConfigStore
	sweeper Sweeper
	notify  notifier.Notifier
	logger  *zap.SugaredLogger
	now     func() time.Time
	unit    time.Duration // OptimizeInterval 的单位
}

func New(logs TradeLogSource, market grid.CandleSource, cfg ConfigStore, sweeper Sweeper, notify notifier.Notifier, logger *zap.Logger) *Optimizer {
	if notify == nil {
		notify = notifier.Nop{}
	}
	return &Optimizer{
		logs:    logs,
		market:  market,
		calc:    grid.NewCalculator(market, logger),
		cfg:     cfg,
		sweeper: sweeper,
		notify:  notify,
		logger:  logger.Sugar(),
		now:     time.Now,
		unit:    time.Minute,
	}
}

// Run 按 OptimizeInterval 周期执行, 直到 ctx 结束。只在自动交易模式下工作。
func (o *Optimizer) Run(ctx context.Context) {
	o.logger.Info("自动优化器已启动")
	for {
		interval := time.Duration(o.cfg.Snapshot().OptimizeInterval) * o.unit
		if interval <= 0 {
			interval = 60 * o.unit
		}
		select {
		case <-ctx.Done():
			o.logger.Info("自动优化器已停止")
			return
		case <-time.After(interval):
		}

		if !o.cfg.Snapshot().AutoTrading {
			continue
		}
		o.Cycle(ctx)
	}
}

// Cycle 执行一轮优化。优化失败不会中断调度, 之后总会执行一次收益清扫。
func (o *Optimizer) Cycle(ctx context.Context) (Recommendation, error) {
	rec, err := o.optimize(ctx)
	switch {
	case err == nil:
		metrics.OptimizerRuns.WithLabelValues("applied").Inc()
	case errors.Is(err, ErrInsufficientData):
		metrics.OptimizerRuns.WithLabelValues("insufficient_data").Inc()
		o.logger.Infof("交易数据不足, 跳过参数优化: %v", err)
	default:
		metrics.OptimizerRuns.WithLabelValues("failed").Inc()
		o.logger.Errorf("参数优化失败: %v", err)
	}

	if n := o.sweep(ctx); n > 0 {
		o.logger.Infof("收益清扫卖出 %d 笔持仓", n)
	}
	return rec, err
}

func (o *Optimizer) optimize(ctx context.Context) (rec Recommendation, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec, err = Maintain, fmt.Errorf("optimizer panic: %v", r)
		}
	}()

	cfg := o.cfg.Snapshot()
	logs, err := o.logs.LoadTradeLogs()
	if err != nil {
		return Maintain, fmt.Errorf("读取交易日志失败: %w", err)
	}

	perf, ok := Analyze(logs, cfg.TotalInvestment, o.now())
	if !ok {
		return Maintain, fmt.Errorf("%w: %d trades in window", ErrInsufficientData, perf.Trades)
	}
	perf.Volatility, perf.TrendStrength = MarketConditions(ctx, o.market, cfg.Tickers)

	rec = Recommend(perf)
	nextMode := profile.StepRiskMode(cfg.RiskMode, int(rec))
	counts := o.gridCounts(ctx, cfg, profile.GetRiskSettings(nextMode).MaxGridCount)

	err = o.cfg.UpdateAndWait(ctx, "optimizer "+rec.String(), func(c *models.Config) {
		ApplyRecommendation(c, rec, perf, counts)
	})
	if err != nil {
		return rec, err
	}

	after := o.cfg.Snapshot()
	metrics.RiskLevel.Set(float64(profile.RiskModeIndex(after.RiskMode)))
	o.logger.Infow("参数优化完成",
		"recommendation", rec.String(),
		"risk_mode", after.RiskMode,
		"win_rate", perf.WinRate,
		"avg_profit_rate", perf.AvgProfitRate,
		"volatility", perf.Volatility,
		"trend", perf.TrendStrength,
		"max_drawdown", perf.MaxDrawdown,
		"buffer", after.GridConfirmationBuffer,
	)
	if after.RiskMode != cfg.RiskMode {
		o.notify.Notify(fmt.Sprintf("🔧 风险模式调整: %s → %s (胜率 %.0f%%, 回撤 %.1f%%)",
			cfg.RiskMode, after.RiskMode, perf.WinRate*100, perf.MaxDrawdown*100))
	}
	return rec, nil
}

// gridCounts 用与网格计算相同的行情输入为每个币种重新计算网格数
func (o *Optimizer) gridCounts(ctx context.Context, cfg *models.Config, riskMax int) map[string]int {
	counts := make(map[string]int, len(cfg.Tickers))
	if len(cfg.Tickers) == 0 {
		return counts
	}
	perTicker := cfg.TotalInvestment / float64(len(cfg.Tickers))

	for _, ticker := range cfg.Tickers {
		var custom *models.PriceRange
		if r, ok := cfg.CustomRanges[ticker]; ok && cfg.UseCustomRange {
			custom = &r
		}
		high, low, err := o.calc.ComputeRange(ctx, ticker, cfg.PricePeriod, custom)
		if err != nil {
			o.logger.Warnf("[%s] 无法计算价格区间, 保留原网格数: %v", ticker, err)
			continue
		}
		stats := grid.NeutralStats
		if candles, err := o.market.GetOHLCV(ctx, ticker, "1h", 24); err == nil {
			stats = grid.AnalyzeCandles(candles)
		}
		counts[ticker] = grid.ComputeCoinGridCount(profile.GetProfile(ticker), high, low, cfg.FeeRate, perTicker, cfg.MinGridCapital, stats, riskMax)
	}
	return counts
}

func (o *Optimizer) sweep(ctx context.Context) (n int) {
	if o.sweeper == nil {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorf("收益清扫异常: %v", r)
			n = 0
		}
	}()
	return o.sweeper.SweepProfitable(ctx)
}
