package exchange

import (
	"context"
	"errors"
	"strings"

	"krw-grid-bot-go/internal/models"
)

var (
	// ErrNoData 表示交易所暂时没有返回可用数据, 调用方应在下一轮重试
	ErrNoData = errors.New("exchange returned no data")
	// ErrInsufficientFunds 表示余额不足以完成下单
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// MarketData 是只读行情接口, 模拟账户用它获取真实行情
type MarketData interface {
	GetCurrentPrice(ctx context.Context, ticker string) (float64, error)
	GetOHLCV(ctx context.Context, ticker, interval string, count int) ([]models.Candle, error)
	GetOrderbook(ctx context.Context, ticker string) (*models.OrderBook, error)
}

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得交易机器人可以在真实交易、模拟账户和回测之间轻松切换。
type Exchange interface {
	MarketData
	GetBalance(ctx context.Context, currency string) (float64, error)
	BuyLimit(ctx context.Context, ticker string, price, quantity float64) (*models.Order, error)
	BuyMarket(ctx context.Context, ticker string, amount float64) (*models.Order, error)
	SellLimit(ctx context.Context, ticker string, price, quantity float64) (*models.Order, error)
	SellMarket(ctx context.Context, ticker string, quantity float64) (*models.Order, error)
}

// SplitTicker splits "KRW-BTC" into quote "KRW" and base "BTC".
func SplitTicker(ticker string) (quote, base string) {
	parts := strings.SplitN(ticker, "-", 2)
	if len(parts) != 2 {
		return "", ticker
	}
	return parts[0], parts[1]
}

// ToSymbol maps "KRW-BTC" to the exchange symbol "BTCKRW".
func ToSymbol(ticker string) string {
	quote, base := SplitTicker(ticker)
	return strings.ToUpper(base + quote)
}
