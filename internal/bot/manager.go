package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"krw-grid-bot-go/internal/allocation"
	"krw-grid-bot-go/internal/exchange"
	"krw-grid-bot-go/internal/grid"
	"krw-grid-bot-go/internal/models"
	"krw-grid-bot-go/internal/notifier"
	"krw-grid-bot-go/internal/optimizer"
	"krw-grid-bot-go/internal/persistence"
	"krw-grid-bot-go/internal/statemanager"

	"go.uber.org/zap"
)

// Manager 为每个币种启动一个交易循环, 外加自动优化器和通知 worker
type Manager struct {
	cfg        *statemanager.ConfigManager
	ex         exchange.Exchange
	repo       *persistence.Repository
	engine     *allocation.Engine
	calc       *grid.Calculator
	dispatcher *notifier.Dispatcher
	notify     notifier.Notifier
	optimizer  *optimizer.Optimizer
	logger     *zap.Logger
	sugar      *zap.SugaredLogger
	now        func() time.Time

	mu       sync.Mutex
	bots     []*Bot
	total    float64
	grids    map[string]models.GridConfig
	allocDay string

	cancel context.CancelFunc
	botsWG sync.WaitGroup
	bgDone chan struct{}
}

// NewManager wires the shared collaborators. dispatcher may be nil.
func NewManager(cfg *statemanager.ConfigManager, ex exchange.Exchange, repo *persistence.Repository, dispatcher *notifier.Dispatcher, logger *zap.Logger) *Manager {
	snapshot := cfg.Snapshot()
	m := &Manager{
		cfg:        cfg,
		ex:         ex,
		repo:       repo,
		engine:     allocation.NewEngine(ex, time.Duration(snapshot.AllocationCacheSec)*time.Second, logger),
		calc:       grid.NewCalculator(ex, logger),
		dispatcher: dispatcher,
		notify:     notifier.Nop{},
		logger:     logger,
		sugar:      logger.Sugar(),
		now:        time.Now,
		grids:      map[string]models.GridConfig{},
	}
	if dispatcher != nil {
		m.notify = dispatcher
	}
	m.optimizer = optimizer.New(repo, ex, cfg, m, m.notify, logger)
	return m
}

// Start 启动所有 worker。resume 为 true 时先卖出盈利持仓, 把累计收益并入
// 总资金后重新分配, 亏损持仓由各交易循环重新加载; 否则清空旧持仓重新开始。
func (m *Manager) Start(ctx context.Context, resume bool) error {
	cfg := m.cfg.Snapshot()
	if len(cfg.Tickers) == 0 {
		return errors.New("no tickers configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	var bg sync.WaitGroup
	m.bgDone = make(chan struct{})
	if m.dispatcher != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			m.dispatcher.Run(runCtx)
		}()
	}
	bg.Add(1)
	go func() {
		defer bg.Done()
		m.optimizer.Run(runCtx)
	}()
	go func() {
		bg.Wait()
		close(m.bgDone)
	}()

	bots := make([]*Bot, 0, len(cfg.Tickers))
	for _, ticker := range cfg.Tickers {
		bots = append(bots, New(ticker, 0, Deps{
			Exchange:  m.ex,
			Repo:      m.repo,
			Config:    m.cfg,
			Allocator: m,
			Notifier:  m.notify,
			Logger:    m.logger,
		}))
	}

	total := cfg.TotalInvestment
	if resume {
		for _, b := range bots {
			if _, err := b.SweepOnResume(ctx); err != nil {
				m.sugar.Warnf("[%s] 恢复时清扫盈利持仓失败: %v", b.Ticker(), err)
			}
		}
		profits, err := m.repo.LoadProfits()
		if err != nil {
			m.sugar.Warnf("读取累计收益失败, 按原始资金分配: %v", err)
		}
		var realized float64
		for _, p := range profits {
			realized += p
		}
		total += realized
		m.sugar.Infof("恢复运行: 累计收益 %.0f 并入总资金, 当前总资金 %.0f", realized, total)
	} else {
		for _, ticker := range cfg.Tickers {
			positions, err := m.repo.LoadPositions(cfg.TradingMode(), ticker)
			if err == nil && len(positions) > 0 {
				m.sugar.Warnf("[%s] 未选择恢复, 丢弃 %d 笔旧持仓记录", ticker, len(positions))
			}
			if err := m.repo.ClearPositions(cfg.TradingMode(), ticker); err != nil {
				m.sugar.Errorf("[%s] 清空旧持仓失败: %v", ticker, err)
			}
		}
	}

	m.mu.Lock()
	m.total = total
	m.bots = bots
	m.allocDay = m.now().Format(dayLayout)
	m.mu.Unlock()

	allocations := m.allocate(ctx, cfg, total)
	for _, b := range bots {
		b.SetInvestment(allocations[b.Ticker()])
		m.botsWG.Add(1)
		go func(b *Bot) {
			defer m.botsWG.Done()
			final := b.Run(runCtx)
			m.sugar.Infof("[%s] 交易循环结束, 最终状态: %s", b.Ticker(), final)
		}(b)
	}
	return nil
}

// allocate 用初始网格参数计算资金分配
func (m *Manager) allocate(ctx context.Context, cfg *models.Config, total float64) map[string]float64 {
	per := total / float64(len(cfg.Tickers))
	grids := make(map[string]models.GridConfig, len(cfg.Tickers))
	for _, ticker := range cfg.Tickers {
		high, low, err := m.calc.ComputeRange(ctx, ticker, cfg.PricePeriod, customRange(cfg, ticker))
		if err != nil {
			m.sugar.Warnf("[%s] 无法计算初始区间, 网格效率按中性处理: %v", ticker, err)
			continue
		}
		grids[ticker] = models.GridConfig{
			High:      high,
			Low:       low,
			GridCount: grid.ComputeGridCount(high, low, cfg.FeeRate, per, cfg.MinGridCapital),
		}
	}

	m.mu.Lock()
	for t, g := range grids {
		m.grids[t] = g
	}
	m.mu.Unlock()

	result := m.engine.Allocate(ctx, total, cfg.Tickers, grids)
	for _, ticker := range cfg.Tickers {
		m.sugar.Infof("[%s] 分配资金 %.0f (%.1f%%)", ticker, result[ticker], result[ticker]/total*100)
	}
	return result
}

// AllocationFor 返回 ticker 当前的资金分配。每天第一次调用时丢弃缓存的评分。
func (m *Manager) AllocationFor(ctx context.Context, ticker string) (float64, bool) {
	cfg := m.cfg.Snapshot()

	m.mu.Lock()
	total := m.total
	grids := make(map[string]models.GridConfig, len(m.grids))
	for t, g := range m.grids {
		grids[t] = g
	}
	if today := m.now().Format(dayLayout); today != m.allocDay {
		m.allocDay = today
		m.engine.Invalidate()
	}
	m.mu.Unlock()

	result := m.engine.Allocate(ctx, total, cfg.Tickers, grids)
	amount, ok := result[ticker]
	return amount, ok
}

// UpdateGrid records the latest grid of ticker for efficiency scoring.
func (m *Manager) UpdateGrid(ticker string, g models.GridConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grids[ticker] = g
}

// SweepProfitable 对所有交易循环执行收益清扫
func (m *Manager) SweepProfitable(ctx context.Context) int {
	total := 0
	for _, b := range m.snapshotBots() {
		total += b.SweepProfitable(ctx)
	}
	return total
}

// Statuses returns a snapshot of every trading loop.
func (m *Manager) Statuses() []Status {
	bots := m.snapshotBots()
	out := make([]Status, 0, len(bots))
	for _, b := range bots {
		out = append(out, b.Status())
	}
	return out
}

// Wait 阻塞直到所有交易循环结束
func (m *Manager) Wait() {
	m.botsWG.Wait()
}

// Stop 发出停止信号并等待交易循环完成当前一轮。优化器和通知 worker
// 在 timeout 内未退出时放弃等待。
func (m *Manager) Stop(timeout time.Duration) {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.botsWG.Wait()

	select {
	case <-m.bgDone:
	case <-time.After(timeout):
		m.sugar.Warnf("后台 worker 未在 %s 内退出, 放弃等待", timeout)
	}
}

func (m *Manager) snapshotBots() []*Bot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Bot(nil), m.bots...)
}
