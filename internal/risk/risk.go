package risk

import (
	"krw-grid-bot-go/internal/models"
)

// ExitReason 是平仓原因
type ExitReason string

const (
	None              ExitReason = ""
	StopLoss          ExitReason = "stop_loss"
	TrailingStop      ExitReason = "trailing_stop"
	TakeProfit        ExitReason = "take_profit"
	GridTarget        ExitReason = "grid_target"
	PortfolioStopLoss ExitReason = "portfolio_stop_loss"
	PortfolioTrailing ExitReason = "portfolio_trailing_stop"
	EmergencyExit     ExitReason = "emergency_exit"
	PanicLiquidation  ExitReason = "panic_liquidation"
	ProfitSweep       ExitReason = "profit_sweep"
	TargetReached     ExitReason = "target_reached"
)

// Thresholds are the per-position exit rules, all in percent.
type Thresholds struct {
	StopLossPercent    float64 // 负数; profit_rate <= 该值立即卖出
	TrailingEnabled    bool
	TrailingPercent    float64
	TrailingActivation float64 // 收益率超过该值后追踪止损才生效
	TakeProfitPercent  float64 // <= 0 表示关闭基础止盈
}

// EvaluatePosition updates the position's running high and applies, in strict
// priority order, hard stop-loss, trailing stop and baseline take-profit.
func EvaluatePosition(pos *models.Position, price float64, th Thresholds) ExitReason {
	if price <= 0 {
		return None
	}
	pos.UpdateHighest(price)
	rate := pos.ProfitRate(price)

	if rate <= th.StopLossPercent {
		return StopLoss
	}
	if th.TrailingEnabled && th.TrailingPercent > 0 && rate > th.TrailingActivation {
		if price <= pos.HighestPrice*(1-th.TrailingPercent/100) {
			return TrailingStop
		}
	}
	if th.TakeProfitPercent > 0 && price > pos.BuyPrice*(1+th.TakeProfitPercent/100) {
		return TakeProfit
	}
	return None
}

// Sweepable reports whether an exit reason locks in profit, as opposed to
// cutting a loss. The optimizer's profit sweep only acts on these.
func (r ExitReason) Sweepable() bool {
	return r == TrailingStop || r == TakeProfit
}

// Exposure aggregates the open positions of one ticker at a mark price.
type Exposure struct {
	Invested float64
	Value    float64
}

// MarkToMarket sums cost and current value of positions.
func MarkToMarket(positions []*models.Position, price float64) Exposure {
	var e Exposure
	for _, p := range positions {
		e.Invested += p.Cost()
		e.Value += p.Quantity * price
	}
	return e
}

// UnrealizedLossRate returns (value-invested)/invested in percent.
func (e Exposure) UnrealizedLossRate() float64 {
	if e.Invested <= 0 {
		return 0
	}
	return (e.Value - e.Invested) / e.Invested * 100
}

// PortfolioLoss reports whether the aggregate unrealized loss has breached
// the risk profile's stop-loss magnitude.
func PortfolioLoss(e Exposure, stopLossThreshold float64) bool {
	return e.Invested > 0 && e.UnrealizedLossRate() <= stopLossThreshold
}

// PortfolioTrail tracks the running high of total asset value.
type PortfolioTrail struct {
	High float64
}

// Update records value and reports whether the portfolio trailing stop fired.
// It only arms once the high exceeds start by activation%.
func (t *PortfolioTrail) Update(value, start, trailingPercent, activation float64) bool {
	if value > t.High {
		t.High = value
	}
	if trailingPercent <= 0 || start <= 0 || t.High < start*(1+activation/100) {
		return false
	}
	return value <= t.High*(1-trailingPercent/100)
}

// TotalProfitRate is (cash+holdings-start)/start in percent.
func TotalProfitRate(cash, holdings, start float64) float64 {
	if start <= 0 {
		return 0
	}
	return (cash + holdings - start) / start * 100
}

// EmergencyExitTriggered reports whether total P/L breached the emergency stop.
func EmergencyExitTriggered(totalRate, emergencyStopLoss float64) bool {
	return emergencyStopLoss < 0 && totalRate <= emergencyStopLoss
}
