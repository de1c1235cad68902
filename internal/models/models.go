package models

import (
	"fmt"
	"time"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	DemoMode      bool     `json:"demo_mode"`      // true 时使用模拟账户，不向交易所下真实订单
	DBPath        string   `json:"db_path"`        // badger 数据目录
	QuoteCurrency string   `json:"quote_currency"` // 计价货币, e.g. "KRW"
	Tickers       []string `json:"tickers"`        // e.g. ["KRW-BTC", "KRW-ETH", "KRW-XRP"]

	TotalInvestment    float64               `json:"total_investment"`     // 全部可投资资金
	MinGridCapital     float64               `json:"min_grid_capital"`     // 每个网格的最小资金
	PricePeriod        string                `json:"price_period"`         // 1h / 4h / 1d / 7d
	UseCustomRange     bool                  `json:"use_custom_range"`     // 是否使用自定义价格区间
	CustomRanges       map[string]PriceRange `json:"custom_ranges"`        // ticker -> 自定义区间
	FeeRate            float64               `json:"fee_rate"`             // 单边手续费率, 0.0005 = 0.05%
	AutoGridCount      bool                  `json:"auto_grid_count"`      // 自动计算网格数量
	GridCount          int                   `json:"grid_count"`           // 手动网格数量
	GridCounts         map[string]int        `json:"grid_counts"`          // 优化器按币种推荐的网格数量
	CoinOptimization   bool                  `json:"coin_optimization"`    // 启用币种专属参数
	TrendConfirmation  bool                  `json:"trend_confirmation"`   // 启用趋势确认 (advanced grid)
	PanicModeEnabled   bool                  `json:"panic_mode_enabled"`   // 启用急跌检测
	AutoTrading        bool                  `json:"auto_trading"`         // 自动模式: 组合风控 + 自动优化
	RiskMode           string                `json:"risk_mode"`            // conservative / stable / aggressive / ultra_aggressive
	OptimizeInterval   int                   `json:"optimize_interval"`    // 自动优化周期 (分钟)
	PollIntervalSec    int                   `json:"poll_interval_sec"`    // 交易循环间隔 (秒)
	GridRefreshHour    int                   `json:"grid_refresh_hour"`    // 每日网格刷新时间 (本地小时)
	TargetProfit       float64               `json:"target_profit"`        // 目标收益率 (%)
	EmergencyStopLoss  float64               `json:"emergency_stop_loss"`  // 总体止损 (%), 负数
	TakeProfitPercent  float64               `json:"take_profit_percent"`  // 基础止盈 (%)
	TrailingActivation float64               `json:"trailing_activation"`  // 追踪止损启动收益率 (%)
	TrailingStop       bool                  `json:"trailing_stop"`        // 启用追踪止损
	MaxSpreadPercent   float64               `json:"max_spread_percent"`   // 盘口价差合理性上限 (%)
	AllocationCacheSec int                   `json:"allocation_cache_sec"` // 资金分配缓存时间 (秒)

	// 由风险模式推导出的阈值，可被自动优化器微调
	MaxGridCount           int     `json:"max_grid_count"`
	MaxInvestmentRatio     float64 `json:"max_investment_ratio"`
	PanicThreshold         float64 `json:"panic_threshold"`          // (%), 负数
	StopLossThreshold      float64 `json:"stop_loss_threshold"`      // (%), 负数
	TrailingStopPercent    float64 `json:"trailing_stop_percent"`    // (%)
	GridConfirmationBuffer float64 `json:"grid_confirmation_buffer"` // (%)
	RebalanceThreshold     float64 `json:"rebalance_threshold"`

	// 回测 / 模拟账户
	SlippageRate float64 `json:"slippage_rate"`

	MetricsAddr string    `json:"metrics_addr"` // Prometheus 监听地址, 为空则不启用
	WSBaseURL   string    `json:"ws_base_url"`
	LogConfig   LogConfig `json:"log"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// DefaultConfig returns the built-in defaults that a config file is merged over.
func DefaultConfig() *Config {
	return &Config{
		DemoMode:           true,
		DBPath:             "data/state",
		QuoteCurrency:      "KRW",
		Tickers:            []string{"KRW-BTC", "KRW-ETH", "KRW-XRP"},
		TotalInvestment:    1000000,
		MinGridCapital:     50000,
		PricePeriod:        "4h",
		CustomRanges:       map[string]PriceRange{},
		FeeRate:            0.0005,
		AutoGridCount:      true,
		GridCount:          20,
		GridCounts:         map[string]int{},
		CoinOptimization:   true,
		TrendConfirmation:  true,
		PanicModeEnabled:   true,
		AutoTrading:        false,
		RiskMode:           "stable",
		OptimizeInterval:   60,
		PollIntervalSec:    3,
		GridRefreshHour:    9,
		TargetProfit:       10,
		EmergencyStopLoss:  -10,
		TakeProfitPercent:  0.5,
		TrailingActivation: 1.0,
		TrailingStop:       true,
		MaxSpreadPercent:   1.0,
		AllocationCacheSec: 300,

		MaxGridCount:           30,
		MaxInvestmentRatio:     0.7,
		PanicThreshold:         -5.0,
		StopLossThreshold:      -8.0,
		TrailingStopPercent:    3.0,
		GridConfirmationBuffer: 0.1,
		RebalanceThreshold:     0.1,

		SlippageRate: 0.0005,
		WSBaseURL:    "wss://stream.binance.com:9443",
		LogConfig: LogConfig{
			Level:  "info",
			Output: "console",
		},
	}
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Tickers = append([]string(nil), c.Tickers...)
	cp.CustomRanges = make(map[string]PriceRange, len(c.CustomRanges))
	for k, v := range c.CustomRanges {
		cp.CustomRanges[k] = v
	}
	cp.GridCounts = make(map[string]int, len(c.GridCounts))
	for k, v := range c.GridCounts {
		cp.GridCounts[k] = v
	}
	return &cp
}

// TradingMode returns the persistence prefix for the account mode.
func (c *Config) TradingMode() string {
	if c.DemoMode {
		return "demo"
	}
	return "real"
}

// PollInterval 返回交易循环的轮询间隔
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSec <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.PollIntervalSec) * time.Second
}

// PriceRange is a user-supplied grid range for one ticker.
type PriceRange struct {
	High float64 `json:"high"`
	Low  float64 `json:"low"`
}

// Valid reports whether the range can be used as grid bounds.
func (r PriceRange) Valid() bool {
	return r.Low > 0 && r.High > r.Low
}

// GridConfig 是某个币种当前使用的网格参数
type GridConfig struct {
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	GridCount int     `json:"grid_count"`
}

// PriceRangeRatio returns (high-low)/low, or 0 for an unusable range.
func (g GridConfig) PriceRangeRatio() float64 {
	if g.Low <= 0 || g.High <= g.Low {
		return 0
	}
	return (g.High - g.Low) / g.Low
}

// Candle 是一根K线
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// PriceLevel is one side entry of an order book.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook 定义了盘口信息 (按最优价排序)
type OrderBook struct {
	Ticker string       `json:"ticker"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}

// BestBid returns the highest bid, or 0 when the book side is empty.
func (b *OrderBook) BestBid() float64 {
	if b == nil || len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask, or 0 when the book side is empty.
func (b *OrderBook) BestAsk() float64 {
	if b == nil || len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Order 定义了一笔已提交订单的信息
type Order struct {
	Ticker        string    `json:"ticker"`
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Side          Side      `json:"side"`
	Type          string    `json:"type"` // LIMIT / MARKET
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	Fee           float64   `json:"fee"`
	Status        string    `json:"status"`
	Time          time.Time `json:"time"`
}

// TradeCount 记录每个币种的交易次数
type TradeCount struct {
	Buy            int `json:"buy"`
	Sell           int `json:"sell"`
	ProfitableSell int `json:"profitable_sell"`
}

// TradeLogEntry 是交易日志中的一条记录
type TradeLogEntry struct {
	Time       time.Time `json:"time"`
	Action     string    `json:"action"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity,omitempty"`
	Profit     float64   `json:"profit,omitempty"`
	ProfitRate float64   `json:"profit_rate,omitempty"` // (%)
	Reason     string    `json:"reason,omitempty"`
}

// IsSell reports whether the entry closed a position.
func (e TradeLogEntry) IsSell() bool {
	return e.Action == string(Sell)
}

// CompletedTrade 记录一笔完成的交易（买入和卖出）
type CompletedTrade struct {
	Ticker     string
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	Profit     float64
	Fee        float64
	Reason     string
	ExitTime   time.Time
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Error 定义了交易所返回的错误信息结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
