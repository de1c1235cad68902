package models

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// HoldState is the trend-confirmation state of one buy or sell intent.
type HoldState int

const (
	Idle HoldState = iota
	PendingBuy
	PendingSell
)

func (s HoldState) String() string {
	switch s {
	case PendingBuy:
		return "pending_buy"
	case PendingSell:
		return "pending_sell"
	default:
		return "idle"
	}
}

// Intent 记录一个等待趋势确认的交易意图。
// Price 是当前挂起的网格价位，随趋势单向移动 (买入向下, 卖出向上)。
type Intent struct {
	State HoldState `json:"state"`
	Price float64   `json:"price,omitempty"`
}

// Position 代表一笔未平仓的买入
type Position struct {
	ID              string    `json:"id"`
	Ticker          string    `json:"ticker"`
	BuyPrice        float64   `json:"buy_price"`
	Quantity        float64   `json:"quantity"`
	TargetSellPrice float64   `json:"target_sell_price"` // 上方配对的网格价位, 0 表示无目标
	HighestPrice    float64   `json:"highest_price"`     // 开仓以来的最高价, 用于追踪止损
	Hold            Intent    `json:"hold"`              // 卖出趋势确认状态
	OpenedAt        time.Time `json:"opened_at"`
}

var ErrInvalidPosition = errors.New("invalid position")

// NewPosition validates and builds a freshly bought position.
func NewPosition(ticker string, buyPrice, quantity, targetSellPrice float64, openedAt time.Time) (*Position, error) {
	if ticker == "" || buyPrice <= 0 || quantity <= 0 {
		return nil, ErrInvalidPosition
	}
	if targetSellPrice < 0 {
		targetSellPrice = 0
	}
	return &Position{
		ID:              uuid.NewString(),
		Ticker:          ticker,
		BuyPrice:        buyPrice,
		Quantity:        quantity,
		TargetSellPrice: targetSellPrice,
		HighestPrice:    buyPrice,
		OpenedAt:        openedAt,
	}, nil
}

// Valid reports whether a restored position can still be traded.
func (p *Position) Valid() bool {
	return p != nil && p.Ticker != "" && p.BuyPrice > 0 && p.Quantity > 0 &&
		!math.IsNaN(p.BuyPrice) && !math.IsInf(p.BuyPrice, 0) && !math.IsNaN(p.Quantity) && !math.IsInf(p.Quantity, 0)
}

// Cost is the quote amount paid for the position, excluding fees.
func (p *Position) Cost() float64 {
	return p.BuyPrice * p.Quantity
}

// ProfitRate returns the unrealized return at price, in percent.
func (p *Position) ProfitRate(price float64) float64 {
	if p.BuyPrice <= 0 {
		return 0
	}
	return (price - p.BuyPrice) / p.BuyPrice * 100
}

// UpdateHighest ratchets the running high used by the trailing stop.
func (p *Position) UpdateHighest(price float64) {
	if price > p.HighestPrice {
		p.HighestPrice = price
	}
}

// CoinProfile 是单个币种的静态参数
type CoinProfile struct {
	Ticker           string  `json:"ticker"`
	VolatilityWeight float64 `json:"volatility_weight"`
	BaseVolatility   float64 `json:"base_volatility"` // 典型的小时收益率标准差
	MinAllocation    float64 `json:"min_allocation"`  // 占总资金的最小比例
	MaxAllocation    float64 `json:"max_allocation"`  // 占总资金的最大比例
	MinGridCount     int     `json:"min_grid_count"`
	MaxGridCount     int     `json:"max_grid_count"`
	StopLossPercent  float64 `json:"stop_loss_percent"`
	TrailingPercent  float64 `json:"trailing_percent"`
}

// RiskProfile 是某个风险模式下的一组阈值，不可变
type RiskProfile struct {
	Name                   string  `json:"name"`
	MaxGridCount           int     `json:"max_grid_count"`
	MaxInvestmentRatio     float64 `json:"max_investment_ratio"`
	PanicThreshold         float64 `json:"panic_threshold"`
	StopLossThreshold      float64 `json:"stop_loss_threshold"`
	TrailingStopPercent    float64 `json:"trailing_stop_percent"`
	GridConfirmationBuffer float64 `json:"grid_confirmation_buffer"`
	RebalanceThreshold     float64 `json:"rebalance_threshold"`
}
