package reporter

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"krw-grid-bot-go/internal/bot"
	"krw-grid-bot-go/internal/exchange"
	"krw-grid-bot-go/internal/optimizer"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	AvgProfitLoss    float64
	MaxDrawdown      float64 // (%)
	TotalFees        float64
	EndingCash       float64 // 期末现金
	EndingAssetValue float64 // 期末持仓市值
	Holdings         map[string]float64
	StartTime        time.Time
	EndTime          time.Time
}

// CalculateMetrics 根据模拟账户的状态计算回测指标
func CalculateMetrics(ctx context.Context, ex *exchange.PaperExchange, tickers []string) *Metrics {
	m := &Metrics{
		InitialBalance: ex.InitialBalance,
		EndingCash:     ex.Cash(),
		TotalFees:      ex.TotalFees(),
		Holdings:       make(map[string]float64, len(tickers)),
	}

	trades := ex.Trades()
	m.TotalTrades = len(trades)
	var totalProfit, totalLoss float64
	for _, trade := range trades {
		if trade.Profit > 0 {
			m.WinningTrades++
			totalProfit += trade.Profit
		} else {
			m.LosingTrades++
			totalLoss += trade.Profit
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		if avgLoss > 0 {
			m.AvgProfitLoss = avgWin / avgLoss
		}
	}

	for _, t := range tickers {
		qty := ex.Holdings(t)
		if qty <= 0 {
			continue
		}
		m.Holdings[t] = qty
		if price, err := ex.GetCurrentPrice(ctx, t); err == nil {
			m.EndingAssetValue += qty * price
		}
	}
	m.FinalBalance = m.EndingCash + m.EndingAssetValue
	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = m.TotalProfit / m.InitialBalance * 100
	}
	m.MaxDrawdown = optimizer.MaxDrawdown(ex.EquityCurve()) * 100
	return m
}

// GenerateReport 计算并打印回测报告
func GenerateReport(ctx context.Context, w io.Writer, ex *exchange.PaperExchange, dataPath string, tickers []string, startTime, endTime time.Time) *Metrics {
	m := CalculateMetrics(ctx, ex, tickers)
	m.StartTime = startTime
	m.EndTime = endTime
	RenderReport(w, m, dataPath)
	return m
}

// RenderReport 把回测指标渲染成表格
func RenderReport(w io.Writer, m *Metrics, dataPath string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("回测结果报告")
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})

	t.AppendRow(table.Row{"数据文件", dataPath})
	t.AppendRow(table.Row{"回测周期", fmt.Sprintf("%s ~ %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))})
	t.AppendSeparator()
	t.AppendRow(table.Row{"初始资金", fmt.Sprintf("%.0f KRW", m.InitialBalance)})
	t.AppendRow(table.Row{"最终资金", fmt.Sprintf("%.0f KRW", m.FinalBalance)})
	t.AppendRow(table.Row{"总利润", fmt.Sprintf("%+.0f KRW", m.TotalProfit)})
	t.AppendRow(table.Row{"收益率", fmt.Sprintf("%+.2f%%", m.ProfitPercentage)})
	t.AppendRow(table.Row{"手续费", fmt.Sprintf("%.0f KRW", m.TotalFees)})
	t.AppendSeparator()
	t.AppendRow(table.Row{"卖出次数", m.TotalTrades})
	t.AppendRow(table.Row{"盈利次数", m.WinningTrades})
	t.AppendRow(table.Row{"亏损次数", m.LosingTrades})
	t.AppendRow(table.Row{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)})
	t.AppendRow(table.Row{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)})
	t.AppendRow(table.Row{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)})
	t.AppendSeparator()
	t.AppendRow(table.Row{"期末现金", fmt.Sprintf("%.0f KRW", m.EndingCash)})
	t.AppendRow(table.Row{"期末持仓市值", fmt.Sprintf("%.0f KRW", m.EndingAssetValue)})

	tickers := make([]string, 0, len(m.Holdings))
	for ticker := range m.Holdings {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)
	for _, ticker := range tickers {
		t.AppendRow(table.Row{"  " + ticker, fmt.Sprintf("%.8f", m.Holdings[ticker])})
	}
	t.Render()
}

// RenderStatus 打印所有交易循环的状态表
func RenderStatus(w io.Writer, statuses []bot.Status) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"币种", "状态", "价格", "网格区间", "格数", "持仓", "待买", "资金", "已实现", "收益率", "买/卖/盈"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
		{Number: 10, Align: text.AlignRight},
	})

	var investment, realized float64
	for _, st := range statuses {
		pending := "-"
		if st.PendingBuy > 0 {
			pending = fmt.Sprintf("%.0f", st.PendingBuy)
		}
		t.AppendRow(table.Row{
			st.Ticker,
			st.State.String(),
			fmt.Sprintf("%.0f", st.Price),
			fmt.Sprintf("%.0f ~ %.0f", st.Grid.Low, st.Grid.High),
			st.Grid.GridCount,
			st.Positions,
			pending,
			fmt.Sprintf("%.0f", st.Investment),
			fmt.Sprintf("%+.0f", st.Realized),
			fmt.Sprintf("%+.2f%%", st.ProfitRate),
			fmt.Sprintf("%d/%d/%d", st.Trades.Buy, st.Trades.Sell, st.Trades.ProfitableSell),
		})
		investment += st.Investment
		realized += st.Realized
	}
	t.AppendFooter(table.Row{"合计", "", "", "", "", "", "", fmt.Sprintf("%.0f", investment), fmt.Sprintf("%+.0f", realized), "", ""})
	t.Render()
}
