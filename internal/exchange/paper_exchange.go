package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"krw-grid-bot-go/internal/models"
)

const syntheticSpread = 0.0005

// PaperExchange 实现了 Exchange 接口，在本地模拟账户成交。
// 模拟账户模式下行情来自真实交易所 (source); 回测模式下 source 为 nil,
// 行情由 SetCandle 逐根推进。
type PaperExchange struct {
	source MarketData

	InitialBalance float64
	FeeRate        float64
	SlippageRate   float64

	mu          sync.Mutex
	quote       string
	cash        float64
	holdings    map[string]float64
	avgEntry    map[string]float64
	entryTime   map[string]time.Time
	prices      map[string]float64
	history     map[string][]models.Candle
	currentTime time.Time
	nextOrderID int64
	totalFees   float64
	tradeLog    []models.CompletedTrade
	equityCurve []float64
	dailyEquity map[string]float64
}

// NewPaperExchange 创建一个模拟账户, 初始资金全部为计价货币 quote
func NewPaperExchange(source MarketData, quote string, initialBalance, feeRate, slippageRate float64) *PaperExchange {
	return &PaperExchange{
		source:         source,
		InitialBalance: initialBalance,
		FeeRate:        feeRate,
		SlippageRate:   slippageRate,
		quote:          strings.ToUpper(quote),
		cash:           initialBalance,
		holdings:       make(map[string]float64),
		avgEntry:       make(map[string]float64),
		entryTime:      make(map[string]time.Time),
		prices:         make(map[string]float64),
		history:        make(map[string][]models.Candle),
		nextOrderID:    1,
		equityCurve:    make([]float64, 0, 10000),
		dailyEquity:    make(map[string]float64),
	}
}

// SetCandle 是回测的核心，推进一根K线并记录权益。
func (e *PaperExchange) SetCandle(ticker string, candle models.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.currentTime = candle.OpenTime
	e.prices[ticker] = candle.Close
	e.history[ticker] = append(e.history[ticker], candle)
	e.updateEquity()
}

// Seed 把已有持仓记入模拟账户, 不扣减现金。用于恢复运行时重建余额。
func (e *PaperExchange) Seed(ticker string, quantity, price float64) {
	if quantity <= 0 || price <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	held := e.holdings[ticker]
	e.avgEntry[ticker] = (e.avgEntry[ticker]*held + price*quantity) / (held + quantity)
	e.holdings[ticker] = held + quantity
}

// --- Exchange 接口实现 ---

func (e *PaperExchange) GetCurrentPrice(ctx context.Context, ticker string) (float64, error) {
	if e.source != nil {
		price, err := e.source.GetCurrentPrice(ctx, ticker)
		if err != nil {
			return 0, err
		}
		e.mu.Lock()
		e.prices[ticker] = price
		e.mu.Unlock()
		return price, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	price, ok := e.prices[ticker]
	if !ok || price <= 0 {
		return 0, ErrNoData
	}
	return price, nil
}

// GetOHLCV 在回测中把已推进的K线按 interval 聚合
func (e *PaperExchange) GetOHLCV(ctx context.Context, ticker, interval string, count int) ([]models.Candle, error) {
	if e.source != nil {
		return e.source.GetOHLCV(ctx, ticker, interval, count)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	candles := AggregateCandles(e.history[ticker], IntervalDuration(interval))
	if len(candles) == 0 {
		return nil, ErrNoData
	}
	if count > 0 && len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	out := make([]models.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

// GetOrderbook 在回测中返回围绕当前价格的模拟盘口
func (e *PaperExchange) GetOrderbook(ctx context.Context, ticker string) (*models.OrderBook, error) {
	if e.source != nil {
		return e.source.GetOrderbook(ctx, ticker)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	price := e.prices[ticker]
	if price <= 0 {
		return nil, ErrNoData
	}
	return &models.OrderBook{
		Ticker: ticker,
		Bids:   []models.PriceLevel{{Price: price * (1 - syntheticSpread), Quantity: 1}},
		Asks:   []models.PriceLevel{{Price: price * (1 + syntheticSpread), Quantity: 1}},
	}, nil
}

func (e *PaperExchange) GetBalance(ctx context.Context, currency string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if strings.EqualFold(currency, e.quote) {
		return e.cash, nil
	}
	var total float64
	for ticker, qty := range e.holdings {
		if _, base := SplitTicker(ticker); strings.EqualFold(base, currency) {
			total += qty
		}
	}
	return total, nil
}

// BuyLimit 以限价立即成交 (限价单不计滑点)
func (e *PaperExchange) BuyLimit(ctx context.Context, ticker string, price, quantity float64) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fillBuy(ticker, "LIMIT", price, quantity)
}

// BuyMarket 以 amount 的计价货币在当前价加滑点买入, 手续费从 amount 中扣除
func (e *PaperExchange) BuyMarket(ctx context.Context, ticker string, amount float64) (*models.Order, error) {
	if _, err := e.GetCurrentPrice(ctx, ticker); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	price := e.prices[ticker] * (1 + e.SlippageRate)
	qty := amount / (price * (1 + e.FeeRate))
	return e.fillBuy(ticker, "MARKET", price, qty)
}

// SellLimit 以限价立即成交
func (e *PaperExchange) SellLimit(ctx context.Context, ticker string, price, quantity float64) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fillSell(ticker, "LIMIT", price, quantity)
}

// SellMarket 在当前价减滑点卖出
func (e *PaperExchange) SellMarket(ctx context.Context, ticker string, quantity float64) (*models.Order, error) {
	if _, err := e.GetCurrentPrice(ctx, ticker); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fillSell(ticker, "MARKET", e.prices[ticker]*(1-e.SlippageRate), quantity)
}

// fillBuy 必须在持有锁的情况下调用
func (e *PaperExchange) fillBuy(ticker, orderType string, price, quantity float64) (*models.Order, error) {
	if price <= 0 || quantity <= 0 {
		return nil, fmt.Errorf("无效的买单 price=%.8f qty=%.8f", price, quantity)
	}
	cost := price * quantity
	fee := cost * e.FeeRate
	if cost+fee > e.cash+1e-9 {
		return nil, fmt.Errorf("需要 %.2f, 可用 %.2f: %w", cost+fee, e.cash, ErrInsufficientFunds)
	}

	e.cash -= cost + fee
	e.totalFees += fee

	held := e.holdings[ticker]
	if held <= 1e-12 {
		e.entryTime[ticker] = e.now()
	}
	e.avgEntry[ticker] = (e.avgEntry[ticker]*held + cost) / (held + quantity)
	e.holdings[ticker] = held + quantity

	return e.newOrder(ticker, models.Buy, orderType, price, quantity, fee), nil
}

// fillSell 必须在持有锁的情况下调用
func (e *PaperExchange) fillSell(ticker, orderType string, price, quantity float64) (*models.Order, error) {
	held := e.holdings[ticker]
	if quantity > held {
		quantity = held
	}
	if price <= 0 || quantity <= 1e-12 {
		return nil, fmt.Errorf("没有可卖出的 %s 持仓: %w", ticker, ErrInsufficientFunds)
	}

	proceeds := price * quantity
	fee := proceeds * e.FeeRate
	e.cash += proceeds - fee
	e.totalFees += fee

	entry := e.avgEntry[ticker]
	e.tradeLog = append(e.tradeLog, models.CompletedTrade{
		Ticker:     ticker,
		Quantity:   quantity,
		EntryPrice: entry,
		ExitPrice:  price,
		Profit:     (price-entry)*quantity - fee,
		Fee:        fee,
		ExitTime:   e.now(),
	})

	e.holdings[ticker] = held - quantity
	if e.holdings[ticker] <= 1e-12 {
		e.holdings[ticker] = 0
		e.avgEntry[ticker] = 0
		delete(e.entryTime, ticker)
	}

	return e.newOrder(ticker, models.Sell, orderType, price, quantity, fee), nil
}

func (e *PaperExchange) newOrder(ticker string, side models.Side, orderType string, price, qty, fee float64) *models.Order {
	id := e.nextOrderID
	e.nextOrderID++
	return &models.Order{
		Ticker:        ticker,
		OrderID:       strconv.FormatInt(id, 10),
		ClientOrderID: newClientOrderID("paper"),
		Side:          side,
		Type:          orderType,
		Price:         price,
		Quantity:      qty,
		Fee:           fee,
		Status:        "FILLED",
		Time:          e.now(),
	}
}

func (e *PaperExchange) now() time.Time {
	if e.currentTime.IsZero() {
		return time.Now()
	}
	return e.currentTime
}

// updateEquity 计算并记录当前权益。必须在持有锁的情况下调用。
func (e *PaperExchange) updateEquity() {
	equity := e.equityLocked()
	e.equityCurve = append(e.equityCurve, equity)
	e.dailyEquity[e.now().Format("2006-01-02")] = equity
}

func (e *PaperExchange) equityLocked() float64 {
	equity := e.cash
	for ticker, qty := range e.holdings {
		equity += qty * e.prices[ticker]
	}
	return equity
}

// --- 账户快照 ---

// Cash 返回可用的计价货币
func (e *PaperExchange) Cash() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cash
}

// Holdings 返回某个币种的持仓数量
func (e *PaperExchange) Holdings(ticker string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holdings[ticker]
}

// Equity 返回按最新价格计算的账户总权益
func (e *PaperExchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equityLocked()
}

func (e *PaperExchange) TotalFees() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFees
}

// Trades 返回已完成交易的副本
func (e *PaperExchange) Trades() []models.CompletedTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.CompletedTrade, len(e.tradeLog))
	copy(out, e.tradeLog)
	return out
}

// EquityCurve 返回权益曲线的副本
func (e *PaperExchange) EquityCurve() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]float64, len(e.equityCurve))
	copy(out, e.equityCurve)
	return out
}

// GetDailyEquity 返回每日权益的只读副本
func (e *PaperExchange) GetDailyEquity() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	cpy := make(map[string]float64, len(e.dailyEquity))
	for k, v := range e.dailyEquity {
		cpy[k] = v
	}
	return cpy
}

// IntervalDuration maps an exchange candle interval ("1m", "5m", "1h", "1d")
// to its duration. Unknown intervals map to one minute.
func IntervalDuration(interval string) time.Duration {
	if len(interval) < 2 {
		return time.Minute
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return time.Minute
	}
	switch interval[len(interval)-1] {
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour
	}
	return time.Minute
}

// AggregateCandles merges candles into buckets of width d aligned to the
// Unix epoch. Input must be in time order.
func AggregateCandles(candles []models.Candle, d time.Duration) []models.Candle {
	if len(candles) == 0 || d <= 0 {
		return nil
	}
	buckets := make(map[int64]*models.Candle)
	var keys []int64
	for _, c := range candles {
		key := c.OpenTime.Truncate(d).Unix()
		b, ok := buckets[key]
		if !ok {
			nc := c
			nc.OpenTime = c.OpenTime.Truncate(d)
			buckets[key] = &nc
			keys = append(keys, key)
			continue
		}
		if c.High > b.High {
			b.High = c.High
		}
		if c.Low < b.Low {
			b.Low = c.Low
		}
		b.Close = c.Close
		b.Volume += c.Volume
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]models.Candle, 0, len(keys))
	for _, k := range keys {
		out = append(out, *buckets[k])
	}
	return out
}
