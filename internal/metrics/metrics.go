package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gridbot"

// OrdersTotal 按币种和方向统计已成交订单
var OrdersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trading",
		Name:      "orders_total",
		Help:      "Filled orders by ticker and side",
	},
	[]string{"ticker", "side"},
)

// ExitsTotal 按原因统计卖出 (grid_target, stop_loss, trailing_stop ...)
var ExitsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trading",
		Name:      "exits_total",
		Help:      "Position exits by ticker and reason",
	},
	[]string{"ticker", "reason"},
)

// RealizedProfit 是每个币种的累计已实现收益
var RealizedProfit = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "trading",
		Name:      "realized_profit",
		Help:      "Cumulative realized profit in quote currency",
	},
	[]string{"ticker"},
)

// OpenPositions 是每个币种的未平仓数量
var OpenPositions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "trading",
		Name:      "open_positions",
		Help:      "Open grid positions",
	},
	[]string{"ticker"},
)

// Equity 是每个币种分配资金的当前总价值 (现金 + 持仓)
var Equity = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "trading",
		Name:      "equity",
		Help:      "Allocated cash plus mark-to-market holdings",
	},
	[]string{"ticker"},
)

// BotState 是交易循环的当前状态, 值为状态枚举
var BotState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bot",
		Name:      "state",
		Help:      "Trading loop state (0 initializing, 1 running, 2 panic, 3 target_reached, 4 stopped, 5 error)",
	},
	[]string{"ticker"},
)

// PanicMode 为 1 表示急跌模式生效中
var PanicMode = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bot",
		Name:      "panic_mode",
		Help:      "1 while panic mode is active",
	},
	[]string{"ticker"},
)

// GridResets 统计网格重建次数
var GridResets = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bot",
		Name:      "grid_resets_total",
		Help:      "Grid regenerations by ticker and reason",
	},
	[]string{"ticker", "reason"},
)

// TickErrors 统计被跳过的轮询
var TickErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bot",
		Name:      "tick_errors_total",
		Help:      "Skipped ticks by ticker and cause",
	},
	[]string{"ticker", "cause"},
)

// OptimizerRuns 统计自动优化的结果
var OptimizerRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "optimizer",
		Name:      "runs_total",
		Help:      "Optimizer cycles by result (applied, insufficient_data, failed)",
	},
	[]string{"result"},
)

// RiskLevel 是当前风险模式在阶梯上的位置
var RiskLevel = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "optimizer",
		Name:      "risk_level",
		Help:      "Risk ladder index (0 conservative .. 3 ultra_aggressive)",
	},
)

// Handler 返回 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
