package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"krw-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// LiveExchange 实现了 Exchange 接口，用于与真实交易所的现货账户进行交互。
type LiveExchange struct {
	client *binance.Client
	stream *PriceStream
	logger *zap.Logger

	mu    sync.Mutex
	rules map[string]SymbolRules
}

// NewLiveExchange 创建一个新的 LiveExchange 实例。stream 可以为 nil,
// 此时价格总是通过 REST 获取。
func NewLiveExchange(apiKey, secretKey string, stream *PriceStream, logger *zap.Logger) *LiveExchange {
	return &LiveExchange{
		client: binance.NewClient(apiKey, secretKey),
		stream: stream,
		logger: logger,
		rules:  make(map[string]SymbolRules),
	}
}

// GetCurrentPrice 获取最新价格, 优先使用 WebSocket 推送的价格
func (e *LiveExchange) GetCurrentPrice(ctx context.Context, ticker string) (float64, error) {
	symbol := ToSymbol(ticker)
	if e.stream != nil {
		if price, ok := e.stream.Price(symbol); ok {
			return price, nil
		}
	}

	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取 %s 价格失败: %w", symbol, err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			price, err := strconv.ParseFloat(p.Price, 64)
			if err != nil || price <= 0 {
				return 0, ErrNoData
			}
			return price, nil
		}
	}
	return 0, ErrNoData
}

// GetOHLCV 获取最近 count 根K线, 按时间升序
func (e *LiveExchange) GetOHLCV(ctx context.Context, ticker, interval string, count int) ([]models.Candle, error) {
	klines, err := e.client.NewKlinesService().
		Symbol(ToSymbol(ticker)).
		Interval(interval).
		Limit(count).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取 %s K线失败: %w", ticker, err)
	}
	if len(klines) == 0 {
		return nil, ErrNoData
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := parseKline(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			e.logger.Warn("跳过无法解析的K线", zap.String("ticker", ticker), zap.Error(err))
			continue
		}
		candles = append(candles, c)
	}
	if len(candles) == 0 {
		return nil, ErrNoData
	}
	return candles, nil
}

// GetOrderbook 获取前5档盘口
func (e *LiveExchange) GetOrderbook(ctx context.Context, ticker string) (*models.OrderBook, error) {
	depth, err := e.client.NewDepthService().Symbol(ToSymbol(ticker)).Limit(5).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取 %s 盘口失败: %w", ticker, err)
	}

	book := &models.OrderBook{Ticker: ticker}
	for _, b := range depth.Bids {
		if lvl, ok := parseLevel(b.Price, b.Quantity); ok {
			book.Bids = append(book.Bids, lvl)
		}
	}
	for _, a := range depth.Asks {
		if lvl, ok := parseLevel(a.Price, a.Quantity); ok {
			book.Asks = append(book.Asks, lvl)
		}
	}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return nil, ErrNoData
	}
	return book, nil
}

// GetBalance 获取账户中特定资产的可用余额
func (e *LiveExchange) GetBalance(ctx context.Context, currency string) (float64, error) {
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取账户余额失败: %w", err)
	}
	for _, b := range account.Balances {
		if strings.EqualFold(b.Asset, currency) {
			return strconv.ParseFloat(b.Free, 64)
		}
	}
	return 0, nil
}

func (e *LiveExchange) BuyLimit(ctx context.Context, ticker string, price, quantity float64) (*models.Order, error) {
	return e.placeLimit(ctx, ticker, binance.SideTypeBuy, price, quantity)
}

func (e *LiveExchange) SellLimit(ctx context.Context, ticker string, price, quantity float64) (*models.Order, error) {
	return e.placeLimit(ctx, ticker, binance.SideTypeSell, price, quantity)
}

// BuyMarket 以计价货币金额市价买入
func (e *LiveExchange) BuyMarket(ctx context.Context, ticker string, amount float64) (*models.Order, error) {
	symbol := ToSymbol(ticker)
	rules := e.symbolRules(ctx, symbol)
	if amount <= 0 || (rules.MinNotional > 0 && amount < rules.MinNotional) {
		return nil, fmt.Errorf("市价买入金额 %.2f 低于最小名义价值: %w", amount, ErrInsufficientFunds)
	}

	res, err := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeBuy).
		Type(binance.OrderTypeMarket).
		QuoteOrderQty(FormatStep(amount, 0.01)).
		NewClientOrderID(newClientOrderID("gbm")).
		Do(ctx)
	if err != nil {
		e.logger.Error("市价买入失败", zap.String("symbol", symbol), zap.Error(err))
		return nil, err
	}
	return toOrder(ticker, res), nil
}

// SellMarket 市价卖出指定数量
func (e *LiveExchange) SellMarket(ctx context.Context, ticker string, quantity float64) (*models.Order, error) {
	symbol := ToSymbol(ticker)
	rules := e.symbolRules(ctx, symbol)
	qty := rules.RoundQuantity(quantity)
	if qty <= 0 {
		return nil, fmt.Errorf("卖出数量 %.8f 低于最小步长: %w", quantity, ErrInsufficientFunds)
	}

	res, err := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeMarket).
		Quantity(FormatStep(qty, rules.StepSize)).
		NewClientOrderID(newClientOrderID("gsm")).
		Do(ctx)
	if err != nil {
		e.logger.Error("市价卖出失败", zap.String("symbol", symbol), zap.Error(err))
		return nil, err
	}
	return toOrder(ticker, res), nil
}

func (e *LiveExchange) placeLimit(ctx context.Context, ticker string, side binance.SideType, price, quantity float64) (*models.Order, error) {
	symbol := ToSymbol(ticker)
	rules := e.symbolRules(ctx, symbol)
	px := rules.RoundPrice(price)
	qty := rules.RoundQuantity(quantity)
	if px <= 0 || qty <= 0 || qty < rules.MinQuantity {
		return nil, fmt.Errorf("下单参数无效 price=%.8f qty=%.8f: %w", price, quantity, ErrInsufficientFunds)
	}

	prefix := "gbl"
	if side == binance.SideTypeSell {
		prefix = "gsl"
	}

	res, err := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Price(FormatStep(px, rules.TickSize)).
		Quantity(FormatStep(qty, rules.StepSize)).
		NewClientOrderID(newClientOrderID(prefix)).
		Do(ctx)
	if err != nil {
		// 下单失败时记录交易所返回的原始错误
		e.logger.Error("限价下单失败", zap.String("symbol", symbol), zap.String("side", string(side)), zap.Error(err))
		return nil, err
	}
	return toOrder(ticker, res), nil
}

// symbolRules 获取并缓存交易对的精度规则, 失败时使用默认规则
func (e *LiveExchange) symbolRules(ctx context.Context, symbol string) SymbolRules {
	e.mu.Lock()
	if r, ok := e.rules[symbol]; ok {
		e.mu.Unlock()
		return r
	}
	e.mu.Unlock()

	info, err := e.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		e.logger.Warn("获取交易规则失败, 使用默认精度", zap.String("symbol", symbol), zap.Error(err))
		return DefaultRules
	}

	rules := DefaultRules
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				rules.TickSize = filterFloat(f, "tickSize", rules.TickSize)
			case "LOT_SIZE":
				rules.StepSize = filterFloat(f, "stepSize", rules.StepSize)
				rules.MinQuantity = filterFloat(f, "minQty", rules.MinQuantity)
			case "NOTIONAL", "MIN_NOTIONAL":
				rules.MinNotional = filterFloat(f, "minNotional", rules.MinNotional)
			}
		}
	}

	e.mu.Lock()
	e.rules[symbol] = rules
	e.mu.Unlock()
	return rules
}

func filterFloat(f map[string]interface{}, key string, fallback float64) float64 {
	s, ok := f[key].(string)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func toOrder(ticker string, res *binance.CreateOrderResponse) *models.Order {
	order := &models.Order{
		Ticker:        ticker,
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Type:          string(res.Type),
		Status:        string(res.Status),
		Time:          time.UnixMilli(res.TransactTime),
	}
	if res.Side == binance.SideTypeBuy {
		order.Side = models.Buy
	} else {
		order.Side = models.Sell
	}

	order.Quantity, _ = strconv.ParseFloat(res.OrigQuantity, 64)
	order.Price, _ = strconv.ParseFloat(res.Price, 64)

	// 市价单按成交明细计算均价和手续费
	executed, _ := strconv.ParseFloat(res.ExecutedQuantity, 64)
	quote, _ := strconv.ParseFloat(res.CummulativeQuoteQuantity, 64)
	if executed > 0 {
		order.Quantity = executed
		if quote > 0 {
			order.Price = quote / executed
		}
	}
	for _, fill := range res.Fills {
		fee, _ := strconv.ParseFloat(fill.Commission, 64)
		order.Fee += fee
	}
	return order
}

func parseKline(openTime int64, open, high, low, close, volume string) (models.Candle, error) {
	var c models.Candle
	var err error
	c.OpenTime = time.UnixMilli(openTime)
	if c.Open, err = strconv.ParseFloat(open, 64); err != nil {
		return c, err
	}
	if c.High, err = strconv.ParseFloat(high, 64); err != nil {
		return c, err
	}
	if c.Low, err = strconv.ParseFloat(low, 64); err != nil {
		return c, err
	}
	if c.Close, err = strconv.ParseFloat(close, 64); err != nil {
		return c, err
	}
	if c.Volume, err = strconv.ParseFloat(volume, 64); err != nil {
		return c, err
	}
	return c, nil
}

func parseLevel(price, qty string) (models.PriceLevel, bool) {
	p, err := strconv.ParseFloat(price, 64)
	if err != nil || p <= 0 {
		return models.PriceLevel{}, false
	}
	q, _ := strconv.ParseFloat(qty, 64)
	return models.PriceLevel{Price: p, Quantity: q}, true
}
