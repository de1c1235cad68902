// Package trend holds the trend-confirmation state machine that gates grid
// trades: a level touch only arms an intent, and the trade executes at the
// armed level once price reverses by the confirmation buffer.
package trend

import (
	"krw-grid-bot-go/internal/grid"
	"krw-grid-bot-go/internal/models"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Execute bool
	Price   float64 // 成交价 = 挂起的网格价位, 不是市场价
}

// EvaluateBuy advances the buy intent for one tick.
//
// Idle: a down-cross (prev > level >= price) of a buyable, unheld level arms
// PendingBuy at that level. PendingBuy: each further lower level reached
// ratchets the intent down; a rebound to level*(1+buffer%) confirms.
// The top level is never a buy level since it has no paired sell above it.
func EvaluateBuy(intent models.Intent, levels []float64, prev, price, bufferPct float64, held func(level float64) bool) (models.Intent, Decision) {
	if len(levels) < 2 || price <= 0 {
		return intent, Decision{}
	}
	buyable := levels[:len(levels)-1]

	switch intent.State {
	case models.PendingBuy:
		for {
			next, ok := grid.NextBelow(buyable, intent.Price)
			if !ok || price > next || held(next) {
				break
			}
			intent.Price = next
		}
		if price >= intent.Price*(1+bufferPct/100) {
			return models.Intent{State: models.Idle}, Decision{Execute: true, Price: intent.Price}
		}
		return intent, Decision{}

	default:
		if prev <= 0 {
			return models.Intent{State: models.Idle}, Decision{}
		}
		// 取本次穿越的最低一个未持仓网格
		crossed := 0.0
		for _, level := range buyable {
			if prev > level && price <= level && !held(level) {
				crossed = level
				break
			}
		}
		if crossed == 0 {
			return models.Intent{State: models.Idle}, Decision{}
		}
		return models.Intent{State: models.PendingBuy, Price: crossed}, Decision{}
	}
}

// EvaluateSell advances a position's sell hold for one tick.
//
// Idle: reaching TargetSellPrice arms PendingSell at the highest level the
// price has reached (at least the target). PendingSell: every higher level
// reached ratchets the hold up; a fall back to level*(1-buffer%) confirms.
func EvaluateSell(pos *models.Position, levels []float64, price, bufferPct float64) Decision {
	if pos.TargetSellPrice <= 0 || price <= 0 {
		return Decision{}
	}

	switch pos.Hold.State {
	case models.PendingSell:
		ratchetUp(pos, levels, price)
		if price <= pos.Hold.Price*(1-bufferPct/100) {
			d := Decision{Execute: true, Price: pos.Hold.Price}
			pos.Hold = models.Intent{State: models.Idle}
			return d
		}
		return Decision{}

	default:
		if price < pos.TargetSellPrice {
			return Decision{}
		}
		pos.Hold = models.Intent{State: models.PendingSell, Price: pos.TargetSellPrice}
		ratchetUp(pos, levels, price)
		return Decision{}
	}
}

// EvaluateNaiveSell is the plain grid rule used when trend confirmation is off.
func EvaluateNaiveSell(pos *models.Position, price float64) Decision {
	if pos.TargetSellPrice > 0 && price >= pos.TargetSellPrice {
		return Decision{Execute: true, Price: pos.TargetSellPrice}
	}
	return Decision{}
}

// EvaluateNaiveBuy buys immediately at the first unheld level crossed downward.
func EvaluateNaiveBuy(levels []float64, prev, price float64, held func(level float64) bool) Decision {
	intent, _ := EvaluateBuy(models.Intent{}, levels, prev, price, 0, held)
	if intent.State == models.PendingBuy {
		return Decision{Execute: true, Price: intent.Price}
	}
	return Decision{}
}

func ratchetUp(pos *models.Position, levels []float64, price float64) {
	for {
		next, ok := grid.NextAbove(levels, pos.Hold.Price)
		if !ok || price < next {
			return
		}
		pos.Hold.Price = next
	}
}
