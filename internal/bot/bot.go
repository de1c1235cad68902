package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"krw-grid-bot-go/internal/exchange"
	"krw-grid-bot-go/internal/grid"
	"krw-grid-bot-go/internal/metrics"
	"krw-grid-bot-go/internal/models"
	"krw-grid-bot-go/internal/notifier"
	"krw-grid-bot-go/internal/persistence"
	"krw-grid-bot-go/internal/profile"
	"krw-grid-bot-go/internal/risk"
	"krw-grid-bot-go/internal/trend"

	"go.uber.org/zap"
)

const (
	maxConsecutiveFailures = 100
	dayLayout              = "2006-01-02"

	resetPanic  = "panic"
	resetBreach = "out_of_range"
	resetDaily  = "daily_refresh"
)

var (
	// ErrHalted 表示交易循环已进入终止状态
	ErrHalted = errors.New("trading loop halted")
	// ErrBadOrderbook 表示盘口数据未通过合理性检查
	ErrBadOrderbook = errors.New("orderbook failed sanity check")
)

// ConfigSource 提供每轮使用的配置快照
type ConfigSource interface {
	Snapshot() *models.Config
}

// Allocator 在每日刷新时提供新的资金分配, 并接收各币种最新的网格参数
type Allocator interface {
	AllocationFor(ctx context.Context, ticker string) (float64, bool)
	UpdateGrid(ticker string, g models.GridConfig)
}

// Deps 是 Bot 的外部依赖
type Deps struct {
	Exchange  exchange.Exchange
	Repo      *persistence.Repository
	Config    ConfigSource
	Allocator Allocator // 可为 nil
	Notifier  notifier.Notifier
	Logger    *zap.Logger
	Clock     func() time.Time // 回测时使用K线时间
}

// Bot 是单个币种的网格交易循环。一轮 tick 内的所有决策和下单都在 mu 下顺序完成。
type Bot struct {
	ticker string
	ex     exchange.Exchange
	repo   *persistence.Repository
	cfg    ConfigSource
	alloc  Allocator
	calc   *grid.Calculator
	notify notifier.Notifier
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	now    func() time.Time

	mu         sync.Mutex
	state      State
	investment float64
	gridCfg    models.GridConfig
	base       models.PriceRange // 最近一次按行情计算的区间, 重新居中时按它的跨度
	levels     []float64
	positions  []*models.Position
	buyIntent  models.Intent
	lastPrice  float64
	realized   float64
	trades     models.TradeCount
	detector   *risk.PanicDetector
	trail      risk.PortfolioTrail
	refreshDay string
	failures   int
}

// New 创建一个币种的交易循环, investment 是分配给它的资金
func New(ticker string, investment float64, deps Deps) *Bot {
	if deps.Notifier == nil {
		deps.Notifier = notifier.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	logger := deps.Logger.With(zap.String("ticker", ticker))
	return &Bot{
		ticker:     ticker,
		ex:         deps.Exchange,
		repo:       deps.Repo,
		cfg:        deps.Config,
		alloc:      deps.Allocator,
		calc:       grid.NewCalculator(deps.Exchange, deps.Logger),
		notify:     deps.Notifier,
		logger:     logger,
		sugar:      logger.Sugar(),
		now:        deps.Clock,
		investment: investment,
		detector:   risk.NewPanicDetector(),
	}
}

// Ticker returns the market this loop trades.
func (b *Bot) Ticker() string {
	return b.ticker
}

// State returns the current loop state.
func (b *Bot) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetInvestment 设置分配给该币种的资金, 在 Initialize 之前调用
func (b *Bot) SetInvestment(amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.investment = amount
}

// Run 初始化后按轮询间隔执行 tick, 直到进入终止状态或 ctx 结束
func (b *Bot) Run(ctx context.Context) State {
	if err := b.Initialize(ctx); err != nil {
		return StateError
	}

	ticker := time.NewTicker(b.cfg.Snapshot().PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.stop()
			return StateStopped
		case <-ticker.C:
		}

		// 下单不随 ctx 取消而中断, 停止信号在本轮结束后才生效
		if err := b.Tick(context.WithoutCancel(ctx)); err != nil {
			if errors.Is(err, ErrHalted) {
				return b.State()
			}
			b.logger.Debug("跳过本轮", zap.Error(err))
		}
	}
}

// Initialize 计算价格区间和网格, 校验行情可用并加载持仓。失败时进入 Error 状态。
func (b *Bot) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg := b.cfg.Snapshot()
	b.setState(StateInitializing)

	price, err := b.ex.GetCurrentPrice(ctx, b.ticker)
	if err == nil && price <= 0 {
		err = exchange.ErrNoData
	}
	if err != nil {
		return b.fail(fmt.Errorf("获取当前价格失败: %w", err))
	}
	if _, err := b.ex.GetOrderbook(ctx, b.ticker); err != nil {
		return b.fail(fmt.Errorf("获取盘口失败: %w", err))
	}
	if b.investment <= 0 {
		return b.fail(fmt.Errorf("分配资金为 %.2f, 无法交易", b.investment))
	}

	high, low, err := b.calc.ComputeRange(ctx, b.ticker, cfg.PricePeriod, customRange(cfg, b.ticker))
	if err != nil {
		return b.fail(err)
	}
	b.base = models.PriceRange{High: high, Low: low}
	b.applyGrid(ctx, cfg, high, low)

	positions, err := b.repo.LoadPositions(cfg.TradingMode(), b.ticker)
	if err != nil {
		return b.fail(fmt.Errorf("加载持仓失败: %w", err))
	}
	b.positions = positions
	b.lastPrice = price
	b.trail = risk.PortfolioTrail{High: b.investment}

	now := b.now()
	if now.Hour() >= cfg.GridRefreshHour {
		b.refreshDay = now.Format(dayLayout)
	}

	b.setState(StateRunning)
	metrics.OpenPositions.WithLabelValues(b.ticker).Set(float64(len(b.positions)))
	b.sugar.Infof("网格初始化完成: 区间 %.4f ~ %.4f, %d 格, 资金 %.0f, 恢复持仓 %d 笔",
		low, high, b.gridCfg.GridCount, b.investment, len(b.positions))
	b.notify.Notify(fmt.Sprintf("🤖 [%s] 网格交易启动: %.0f ~ %.0f, %d 格", b.ticker, low, high, b.gridCfg.GridCount))
	return nil
}

// Tick 执行一轮: 行情校验, 急跌检测和越界处理, 组合风控, 逐仓风控与网格卖出,
// 网格买入, 紧急止损, 每日刷新, 目标收益检查。
func (b *Bot) Tick(ctx context.Context) error {
	cfg := b.cfg.Snapshot()

	price, err := b.ex.GetCurrentPrice(ctx, b.ticker)
	if err == nil && price <= 0 {
		err = exchange.ErrNoData
	}
	if err != nil {
		return b.skip("price", err)
	}
	book, err := b.ex.GetOrderbook(ctx, b.ticker)
	if err != nil {
		return b.skip("orderbook", err)
	}
	if err := checkSpread(book, cfg.MaxSpreadPercent); err != nil {
		return b.skip("spread", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.Terminal() || b.state == StateInitializing {
		return ErrHalted
	}
	b.failures = 0
	prev := b.lastPrice
	b.lastPrice = price

	b.observePanic(ctx, cfg, price)
	if price > b.gridCfg.High || price < b.gridCfg.Low {
		reason := resetBreach
		if b.state == StatePanic {
			reason = resetPanic
		}
		b.resetGrid(ctx, cfg, price, reason)
	}

	// 组合风控优先于逐仓风控, 清仓后本轮不再买入
	dirty := b.applyPortfolioRisk(ctx, cfg, price)
	if !dirty {
		dirty = b.managePositions(ctx, cfg, price)
		if b.manageBuy(ctx, cfg, prev, price) {
			dirty = true
		}
	}
	if dirty {
		b.persist(cfg)
	}

	rate := b.totalProfitRate(cfg, price)
	if risk.EmergencyExitTriggered(rate, cfg.EmergencyStopLoss) {
		b.logger.Warn("总体亏损触发紧急止损, 清仓并停止",
			zap.Float64("price", price), zap.Float64("total_rate", rate), zap.Float64("threshold", cfg.EmergencyStopLoss))
		b.liquidate(ctx, cfg, price, risk.EmergencyExit)
		b.persist(cfg)
		b.setState(StateStopped)
		b.notify.Notify(fmt.Sprintf("🛑 [%s] 紧急止损: 总收益率 %.2f%%, 已清仓停止", b.ticker, rate))
		return ErrHalted
	}

	if now := b.now(); now.Hour() >= cfg.GridRefreshHour && b.refreshDay != now.Format(dayLayout) {
		b.refreshDay = now.Format(dayLayout)
		b.dailyRefresh(ctx, cfg, price)
	}

	if cfg.TargetProfit > 0 && rate >= cfg.TargetProfit {
		b.reachTarget(ctx, cfg, price, rate)
		return ErrHalted
	}

	metrics.Equity.WithLabelValues(b.ticker).Set(b.cash(cfg) + risk.MarkToMarket(b.positions, price).Value)
	return nil
}

// SweepProfitable 卖出当前已满足追踪止损或止盈条件的持仓
func (b *Bot) SweepProfitable(ctx context.Context) int {
	cfg := b.cfg.Snapshot()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() || b.state == StateInitializing || len(b.positions) == 0 {
		return 0
	}

	price, err := b.ex.GetCurrentPrice(ctx, b.ticker)
	if err != nil || price <= 0 {
		return 0
	}

	th := b.thresholds(cfg)
	kept := make([]*models.Position, 0, len(b.positions))
	swept := 0
	for _, pos := range b.positions {
		if risk.EvaluatePosition(pos, price, th).Sweepable() && b.sell(ctx, cfg, pos, price, risk.ProfitSweep, true) {
			swept++
			continue
		}
		kept = append(kept, pos)
	}
	b.positions = kept
	if swept > 0 {
		b.persist(cfg)
	}
	return swept
}

// SweepOnResume 在恢复运行前卖出扣除双边手续费后仍盈利的持仓,
// 亏损的持仓留待 Initialize 重新加载。
func (b *Bot) SweepOnResume(ctx context.Context) (int, error) {
	cfg := b.cfg.Snapshot()

	b.mu.Lock()
	defer b.mu.Unlock()

	positions, err := b.repo.LoadPositions(cfg.TradingMode(), b.ticker)
	if err != nil {
		return 0, err
	}
	if len(positions) == 0 {
		return 0, nil
	}
	price, err := b.ex.GetCurrentPrice(ctx, b.ticker)
	if err != nil {
		return 0, err
	}

	kept := make([]*models.Position, 0, len(positions))
	swept := 0
	for _, pos := range positions {
		if price*(1-cfg.FeeRate) > pos.BuyPrice*(1+cfg.FeeRate) && b.sell(ctx, cfg, pos, price, risk.ProfitSweep, true) {
			swept++
			continue
		}
		kept = append(kept, pos)
	}
	b.positions = kept
	b.persist(cfg)
	b.positions = nil
	// 这部分收益已经并入总资金
	b.realized = 0
	b.sugar.Infof("恢复运行: 卖出盈利持仓 %d 笔, 保留亏损持仓 %d 笔", swept, len(kept))
	return swept, nil
}

// --- 内部逻辑, 调用方需持有 b.mu ---

func (b *Bot) observePanic(ctx context.Context, cfg *models.Config, price float64) {
	if !cfg.PanicModeEnabled {
		if b.state == StatePanic {
			b.leavePanic()
		}
		return
	}

	change, active := b.detector.Observe(price, cfg.PanicThreshold)
	switch {
	case active && b.state != StatePanic:
		b.setState(StatePanic)
		metrics.PanicMode.WithLabelValues(b.ticker).Set(1)
		b.logger.Warn("急跌检测触发, 进入 panic 模式",
			zap.Float64("price", price), zap.Float64("change_pct", change), zap.Float64("threshold", cfg.PanicThreshold))
		b.notify.Notify(fmt.Sprintf("🚨 [%s] 急跌 %.2f%%, 网格以 %.0f 为中心重建", b.ticker, change, price))
		b.resetGrid(ctx, cfg, price, resetPanic)
	case !active && b.state == StatePanic:
		b.leavePanic()
	}
}

func (b *Bot) leavePanic() {
	b.setState(StateRunning)
	metrics.PanicMode.WithLabelValues(b.ticker).Set(0)
	b.sugar.Info("价格恢复, 退出 panic 模式")
}

// resetGrid 是价格越界的统一处理: 急跌时以当前价重新居中, 否则按最新行情
// 重算区间 (仍不包含当前价时退回重新居中)。重新居中总是使用 b.base 的跨度,
// 连续越界不会让网格越来越窄。已有持仓和卖出状态保持不变。
func (b *Bot) resetGrid(ctx context.Context, cfg *models.Config, price float64, reason string) {
	var high, low float64
	if reason == resetPanic {
		high, low = grid.Recenter(price, b.base.High, b.base.Low)
	} else {
		h, l, err := b.calc.ComputeRange(ctx, b.ticker, cfg.PricePeriod, customRange(cfg, b.ticker))
		switch {
		case err != nil && reason == resetDaily:
			b.sugar.Warnf("每日刷新无法计算价格区间, 保留当前网格: %v", err)
			return
		case err != nil || price > h || price < l:
			h, l = grid.Recenter(price, b.base.High, b.base.Low)
		default:
			b.base = models.PriceRange{High: h, Low: l}
		}
		high, low = h, l
	}

	b.applyGrid(ctx, cfg, high, low)
	metrics.GridResets.WithLabelValues(b.ticker, reason).Inc()
	b.sugar.Infof("网格重建 (%s): 价格 %.4f, 区间 %.4f ~ %.4f, %d 格", reason, price, low, high, b.gridCfg.GridCount)
}

func (b *Bot) applyGrid(ctx context.Context, cfg *models.Config, high, low float64) {
	count := b.gridCount(ctx, cfg, high, low)
	b.levels = grid.ComputeLevels(high, low, count)
	b.gridCfg = models.GridConfig{High: high, Low: low, GridCount: count}
	b.buyIntent = models.Intent{State: models.Idle}
	if b.alloc != nil {
		b.alloc.UpdateGrid(b.ticker, b.gridCfg)
	}
}

func (b *Bot) gridCount(ctx context.Context, cfg *models.Config, high, low float64) int {
	switch {
	case !cfg.AutoGridCount:
		return cfg.GridCount
	case cfg.GridCounts[b.ticker] > 0:
		return cfg.GridCounts[b.ticker]
	case cfg.CoinOptimization:
		stats := grid.NeutralStats
		if candles, err := b.ex.GetOHLCV(ctx, b.ticker, "1h", 24); err == nil {
			stats = grid.AnalyzeCandles(candles)
		}
		return grid.ComputeCoinGridCount(profile.GetProfile(b.ticker), high, low, cfg.FeeRate, b.investment, cfg.MinGridCapital, stats, cfg.MaxGridCount)
	}
	count := grid.ComputeGridCount(high, low, cfg.FeeRate, b.investment, cfg.MinGridCapital)
	if cfg.MaxGridCount >= grid.GenericMinGridCount && count > cfg.MaxGridCount {
		count = cfg.MaxGridCount
	}
	return count
}

// thresholds 开启币种优化时取币种参数与风险模式参数中更严格的一个
func (b *Bot) thresholds(cfg *models.Config) risk.Thresholds {
	th := risk.Thresholds{
		StopLossPercent:    cfg.StopLossThreshold,
		TrailingEnabled:    cfg.TrailingStop,
		TrailingPercent:    cfg.TrailingStopPercent,
		TrailingActivation: cfg.TrailingActivation,
		TakeProfitPercent:  cfg.TakeProfitPercent,
	}
	if cfg.CoinOptimization {
		p := profile.GetProfile(b.ticker)
		th.StopLossPercent = math.Max(p.StopLossPercent, cfg.StopLossThreshold)
		th.TrailingPercent = math.Min(p.TrailingPercent, cfg.TrailingStopPercent)
	}
	return th
}

// managePositions 逐仓执行止损/追踪止损/止盈, 然后是网格目标卖出
func (b *Bot) managePositions(ctx context.Context, cfg *models.Config, price float64) bool {
	th := b.thresholds(cfg)
	kept := make([]*models.Position, 0, len(b.positions))
	changed := false

	for _, pos := range b.positions {
		hold, high := pos.Hold, pos.HighestPrice

		reason := risk.EvaluatePosition(pos, price, th)
		// 有网格目标的持仓由网格卖出处理, 基础止盈只用于没有目标的持仓
		if reason == risk.TakeProfit && pos.TargetSellPrice > 0 {
			reason = risk.None
		}
		if reason != risk.None {
			if b.sell(ctx, cfg, pos, price, reason, true) {
				changed = true
				continue
			}
			kept = append(kept, pos)
			continue
		}

		var d trend.Decision
		if cfg.TrendConfirmation {
			d = trend.EvaluateSell(pos, b.levels, price, cfg.GridConfirmationBuffer)
		} else {
			d = trend.EvaluateNaiveSell(pos, price)
		}
		if d.Execute && b.sell(ctx, cfg, pos, d.Price, risk.GridTarget, false) {
			changed = true
			continue
		}
		if pos.Hold != hold || pos.HighestPrice != high {
			changed = true
		}
		kept = append(kept, pos)
	}

	b.positions = kept
	return changed
}

func (b *Bot) manageBuy(ctx context.Context, cfg *models.Config, prev, price float64) bool {
	var d trend.Decision
	if cfg.TrendConfirmation {
		b.buyIntent, d = trend.EvaluateBuy(b.buyIntent, b.levels, prev, price, cfg.GridConfirmationBuffer, b.held)
	} else {
		d = trend.EvaluateNaiveBuy(b.levels, prev, price, b.held)
	}
	if !d.Execute {
		return false
	}
	return b.buy(ctx, cfg, d.Price)
}

// held 判断某个网格价位附近 (半格以内) 是否已有持仓
func (b *Bot) held(level float64) bool {
	if b.gridCfg.GridCount <= 0 {
		return false
	}
	half := (b.gridCfg.High - b.gridCfg.Low) / float64(b.gridCfg.GridCount) / 2
	for _, pos := range b.positions {
		if math.Abs(pos.BuyPrice-level) < half {
			return true
		}
	}
	return false
}

func (b *Bot) buy(ctx context.Context, cfg *models.Config, level float64) bool {
	if b.gridCfg.GridCount <= 0 || level <= 0 {
		return false
	}
	perGrid := b.investment / float64(b.gridCfg.GridCount)

	invested := risk.MarkToMarket(b.positions, level).Invested
	if cfg.MaxInvestmentRatio > 0 && invested+perGrid > b.investment*cfg.MaxInvestmentRatio+1e-9 {
		b.sugar.Infof("已投入 %.0f, 达到投资比例上限 %.0f%%, 跳过买入 %.4f", invested, cfg.MaxInvestmentRatio*100, level)
		return false
	}
	if cash := b.cash(cfg); perGrid*(1+cfg.FeeRate) > cash {
		b.sugar.Infof("可用资金 %.0f 不足, 跳过买入 %.4f", cash, level)
		return false
	}

	order, err := b.ex.BuyLimit(ctx, b.ticker, level, perGrid/level)
	if err != nil {
		b.logger.Error("网格买入失败", zap.Float64("level", level), zap.Error(err))
		return false
	}
	fill, qty := order.Price, order.Quantity
	if fill <= 0 {
		fill = level
	}
	if qty <= 0 {
		qty = perGrid / level
	}

	target, ok := grid.NextAbove(b.levels, level)
	if !ok {
		target = 0
	}
	pos, err := models.NewPosition(b.ticker, fill, qty, target, b.now())
	if err != nil {
		b.logger.Error("买入成交但无法记录持仓", zap.Float64("price", fill), zap.Float64("qty", qty), zap.Error(err))
		return false
	}
	b.positions = append(b.positions, pos)
	b.trades.Buy++

	b.appendLog(models.TradeLogEntry{Time: b.now(), Action: string(models.Buy), Price: fill, Quantity: qty})
	metrics.OrdersTotal.WithLabelValues(b.ticker, string(models.Buy)).Inc()
	b.sugar.Infof("网格买入: 价格 %.4f, 数量 %.8f, 目标卖出 %.4f", fill, qty, target)
	b.notify.Notify(fmt.Sprintf("🟢 [%s] 买入 %.4f @ %.0f", b.ticker, qty, fill))
	return true
}

// sell 平掉一笔持仓并记录收益; 网格卖出用限价, 风控卖出用市价
func (b *Bot) sell(ctx context.Context, cfg *models.Config, pos *models.Position, price float64, reason risk.ExitReason, market bool) bool {
	var (
		order *models.Order
		err   error
	)
	if market {
		order, err = b.ex.SellMarket(ctx, b.ticker, pos.Quantity)
	} else {
		order, err = b.ex.SellLimit(ctx, b.ticker, price, pos.Quantity)
	}
	if err != nil {
		b.logger.Error("卖出失败", zap.String("reason", string(reason)), zap.Float64("price", price), zap.Error(err))
		return false
	}

	fill, qty := order.Price, order.Quantity
	if fill <= 0 {
		fill = price
	}
	if qty <= 0 {
		qty = pos.Quantity
	}
	profit := fill*qty*(1-cfg.FeeRate) - pos.BuyPrice*qty*(1+cfg.FeeRate)
	rate := pos.ProfitRate(fill)

	b.realized += profit
	b.trades.Sell++
	if profit > 0 {
		b.trades.ProfitableSell++
	}
	b.recordProfit(profit)
	b.appendLog(models.TradeLogEntry{
		Time:       b.now(),
		Action:     string(models.Sell),
		Price:      fill,
		Quantity:   qty,
		Profit:     profit,
		ProfitRate: rate,
		Reason:     string(reason),
	})
	metrics.OrdersTotal.WithLabelValues(b.ticker, string(models.Sell)).Inc()
	metrics.ExitsTotal.WithLabelValues(b.ticker, string(reason)).Inc()

	fields := []zap.Field{
		zap.String("reason", string(reason)),
		zap.Float64("buy_price", pos.BuyPrice),
		zap.Float64("price", fill),
		zap.Float64("qty", qty),
		zap.Float64("profit", profit),
		zap.Float64("profit_rate", rate),
	}
	switch reason {
	case risk.GridTarget, risk.TakeProfit, risk.ProfitSweep, risk.TargetReached:
		b.logger.Info("卖出", fields...)
	default:
		b.logger.Warn("风控卖出", fields...)
	}
	b.notify.Notify(fmt.Sprintf("🔴 [%s] 卖出 %.4f @ %.0f (%s) 收益 %+.0f (%+.2f%%)", b.ticker, qty, fill, reason, profit, rate))
	return true
}

// applyPortfolioRisk 自动模式下的组合级风控, 在逐仓风控之前执行: 全部持仓的
// 浮亏 (相对总成本) 超过风险模式止损线时全部卖出。组合追踪止损独立于逐仓追踪止损。
func (b *Bot) applyPortfolioRisk(ctx context.Context, cfg *models.Config, price float64) bool {
	if !cfg.AutoTrading {
		return false
	}

	exposure := risk.MarkToMarket(b.positions, price)
	if risk.PortfolioLoss(exposure, cfg.StopLossThreshold) {
		b.logger.Warn("组合浮亏触发止损, 全部卖出",
			zap.Float64("price", price), zap.Float64("loss_rate", exposure.UnrealizedLossRate()), zap.Float64("threshold", cfg.StopLossThreshold))
		b.notify.Notify(fmt.Sprintf("⚠️ [%s] 组合浮亏 %.2f%%, 全部卖出", b.ticker, exposure.UnrealizedLossRate()))
		b.liquidate(ctx, cfg, price, risk.PortfolioStopLoss)
		return true
	}

	value := b.cash(cfg) + exposure.Value
	if cfg.TrailingStop && b.trail.Update(value, b.investment, cfg.TrailingStopPercent, cfg.TrailingActivation) && len(b.positions) > 0 {
		b.logger.Warn("组合追踪止损触发, 全部卖出",
			zap.Float64("value", value), zap.Float64("high", b.trail.High), zap.Float64("trailing_pct", cfg.TrailingStopPercent))
		b.notify.Notify(fmt.Sprintf("⚠️ [%s] 组合追踪止损: 资产 %.0f, 高点 %.0f", b.ticker, value, b.trail.High))
		b.liquidate(ctx, cfg, price, risk.PortfolioTrailing)
		b.trail.High = b.cash(cfg)
		return true
	}
	return false
}

func (b *Bot) liquidate(ctx context.Context, cfg *models.Config, price float64, reason risk.ExitReason) {
	kept := make([]*models.Position, 0)
	for _, pos := range b.positions {
		if !b.sell(ctx, cfg, pos, price, reason, true) {
			kept = append(kept, pos)
		}
	}
	b.positions = kept
	if len(kept) > 0 {
		b.logger.Error("清仓未完成", zap.String("reason", string(reason)), zap.Int("remaining", len(kept)))
	}
}

func (b *Bot) dailyRefresh(ctx context.Context, cfg *models.Config, price float64) {
	if b.alloc != nil {
		if amount, ok := b.alloc.AllocationFor(ctx, b.ticker); ok && amount > 0 {
			b.sugar.Infof("每日资金再分配: %.0f → %.0f", b.investment, amount)
			b.investment = amount
		}
	}
	b.resetGrid(ctx, cfg, price, resetDaily)
}

// reachTarget 达到目标收益: 清仓, 清空交易状态 (重新开始的信号), 发送总结
func (b *Bot) reachTarget(ctx context.Context, cfg *models.Config, price, rate float64) {
	b.liquidate(ctx, cfg, price, risk.TargetReached)
	b.positions = nil
	if err := b.repo.ClearPositions(cfg.TradingMode(), b.ticker); err != nil {
		b.logger.Error("清空交易状态失败", zap.Error(err))
	}
	metrics.OpenPositions.WithLabelValues(b.ticker).Set(0)
	b.setState(StateTargetReached)

	summary := fmt.Sprintf("🎯 [%s] 达成目标收益 %.2f%%: 已实现收益 %.0f, 买入 %d 次, 卖出 %d 次 (盈利 %d 次)",
		b.ticker, rate, b.realized, b.trades.Buy, b.trades.Sell, b.trades.ProfitableSell)
	b.sugar.Info(summary)
	b.notify.Notify(summary)
}

// stop 响应外部停止信号, 保留持仓以便恢复
func (b *Bot) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return
	}
	b.persist(b.cfg.Snapshot())
	b.setState(StateStopped)
	b.sugar.Infof("交易循环已停止, 保留持仓 %d 笔", len(b.positions))
}

// skip 记录一次被跳过的轮询, 连续失败过多时进入 Error 状态
func (b *Bot) skip(cause string, err error) error {
	metrics.TickErrors.WithLabelValues(b.ticker, cause).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= maxConsecutiveFailures && !b.state.Terminal() {
		b.setState(StateError)
		b.logger.Error("行情连续获取失败, 停止交易", zap.Int("failures", b.failures), zap.Error(err))
		b.notify.Notify(fmt.Sprintf("❌ [%s] 行情连续 %d 次获取失败, 交易已停止", b.ticker, b.failures))
		return fmt.Errorf("%w: %d consecutive failures: %v", ErrHalted, b.failures, err)
	}
	return fmt.Errorf("%s: %w", cause, err)
}

func (b *Bot) fail(err error) error {
	b.setState(StateError)
	b.logger.Error("初始化失败", zap.Error(err))
	b.notify.Notify(fmt.Sprintf("❌ [%s] 初始化失败: %v", b.ticker, err))
	return err
}

func (b *Bot) setState(s State) {
	b.state = s
	metrics.BotState.WithLabelValues(b.ticker).Set(float64(s))
}

func (b *Bot) persist(cfg *models.Config) {
	if err := b.repo.SavePositions(cfg.TradingMode(), b.ticker, b.positions); err != nil {
		b.logger.Error("保存持仓失败", zap.Error(err))
	}
	metrics.OpenPositions.WithLabelValues(b.ticker).Set(float64(len(b.positions)))
}

func (b *Bot) recordProfit(profit float64) {
	total, err := b.repo.AddProfit(b.ticker, profit)
	if err != nil {
		b.logger.Error("记录收益失败", zap.Float64("profit", profit), zap.Error(err))
		return
	}
	metrics.RealizedProfit.WithLabelValues(b.ticker).Set(total)
}

func (b *Bot) appendLog(entry models.TradeLogEntry) {
	if err := b.repo.AppendTradeLog(b.ticker, entry); err != nil {
		b.logger.Error("写入交易日志失败", zap.Error(err))
	}
}

// cash 是分配资金加上已实现收益, 减去未平仓成本 (含买入手续费)
func (b *Bot) cash(cfg *models.Config) float64 {
	var cost float64
	for _, pos := range b.positions {
		cost += pos.Cost() * (1 + cfg.FeeRate)
	}
	return b.investment + b.realized - cost
}

func (b *Bot) totalProfitRate(cfg *models.Config, price float64) float64 {
	return risk.TotalProfitRate(b.cash(cfg), risk.MarkToMarket(b.positions, price).Value, b.investment)
}

func customRange(cfg *models.Config, ticker string) *models.PriceRange {
	if !cfg.UseCustomRange {
		return nil
	}
	if r, ok := cfg.CustomRanges[ticker]; ok {
		return &r
	}
	return nil
}

// checkSpread 拒绝买卖价倒挂或价差过大的盘口
func checkSpread(book *models.OrderBook, maxPercent float64) error {
	bid, ask := book.BestBid(), book.BestAsk()
	if bid <= 0 || ask <= 0 || bid >= ask {
		return fmt.Errorf("%w: bid %.8f ask %.8f", ErrBadOrderbook, bid, ask)
	}
	if spread := (ask - bid) / bid * 100; maxPercent > 0 && spread > maxPercent {
		return fmt.Errorf("%w: spread %.3f%% > %.3f%%", ErrBadOrderbook, spread, maxPercent)
	}
	return nil
}
