package bot

import "krw-grid-bot-go/internal/models"

// State 是交易循环的状态
type State int

const (
	StateInitializing State = iota
	StateRunning
	StatePanic
	StateTargetReached
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StatePanic:
		return "panic"
	case StateTargetReached:
		return "target_reached"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Terminal reports whether the loop has ended for this session.
func (s State) Terminal() bool {
	return s == StateTargetReached || s == StateStopped || s == StateError
}

// Status 是一个交易循环的只读快照, 用于状态表和回测报告
type Status struct {
	Ticker      string
	State       State
	Price       float64
	Grid        models.GridConfig
	PendingBuy  float64 // 等待确认的买入价位, 0 表示无
	Positions   int
	Investment  float64
	Invested    float64
	MarketValue float64
	Realized    float64
	ProfitRate  float64 // 总收益率 (%)
	Trades      models.TradeCount
}

// Status returns a consistent snapshot of the loop.
func (b *Bot) Status() Status {
	cfg := b.cfg.Snapshot()

	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Ticker:     b.ticker,
		State:      b.state,
		Price:      b.lastPrice,
		Grid:       b.gridCfg,
		Positions:  len(b.positions),
		Investment: b.investment,
		Realized:   b.realized,
		Trades:     b.trades,
	}
	if b.buyIntent.State == models.PendingBuy {
		st.PendingBuy = b.buyIntent.Price
	}
	for _, pos := range b.positions {
		st.Invested += pos.Cost()
		st.MarketValue += pos.Quantity * b.lastPrice
	}
	if b.investment > 0 {
		st.ProfitRate = b.totalProfitRate(cfg, b.lastPrice)
	}
	return st
}
