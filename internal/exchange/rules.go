package exchange

import (
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
)

// SymbolRules 是交易对的下单精度规则
type SymbolRules struct {
	TickSize    float64
	StepSize    float64
	MinQuantity float64
	MinNotional float64
}

// DefaultRules is used when the exchange does not report filters.
var DefaultRules = SymbolRules{TickSize: 0.01, StepSize: 0.00000001}

// AdjustToStep floors value to a multiple of step. A non-positive step
// leaves value unchanged.
func AdjustToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	d := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := d.Div(s).Floor().Mul(s).Float64()
	return f
}

// FormatStep renders value with exactly as many decimals as step carries.
func FormatStep(value, step float64) string {
	d := decimal.NewFromFloat(value)
	if step <= 0 {
		return d.String()
	}
	places := -decimal.NewFromFloat(step).Exponent()
	if places < 0 {
		places = 0
	}
	return d.StringFixed(places)
}

// RoundPrice floors price to the tick size.
func (r SymbolRules) RoundPrice(price float64) float64 {
	return AdjustToStep(price, r.TickSize)
}

// RoundQuantity floors quantity to the lot step size.
func (r SymbolRules) RoundQuantity(qty float64) float64 {
	return AdjustToStep(qty, r.StepSize)
}

// newClientOrderID returns a short unique id safe for the exchange's
// 36-character client order id limit.
func newClientOrderID(prefix string) string {
	id := uuid.New()
	return prefix + base62.EncodeToString(id[:])
}
