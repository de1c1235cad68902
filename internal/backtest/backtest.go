// Package backtest replays historical candles through the live trading loop
// against a paper account.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"krw-grid-bot-go/internal/bot"
	"krw-grid-bot-go/internal/exchange"
	"krw-grid-bot-go/internal/grid"
	"krw-grid-bot-go/internal/models"
	"krw-grid-bot-go/internal/persistence"
	"krw-grid-bot-go/internal/statemanager"

	"go.uber.org/zap"
)

// Result 是一次回测的结果
type Result struct {
	Ticker   string
	Start    time.Time
	End      time.Time
	Candles  int // 回放的K线数量 (不含预热)
	Skipped  int // 被跳过的 tick
	Final    bot.Status
	Exchange *exchange.PaperExchange
}

// Run 用 candles 回测 ticker。开头覆盖价格区间周期的K线只用于预热,
// 之后每根K线执行一次 tick, 进入终止状态时提前结束。
func Run(ctx context.Context, cfg *models.Config, ticker string, candles []models.Candle, logger *zap.Logger) (*Result, error) {
	if len(candles) < 2 {
		return nil, errors.New("回测至少需要两根K线")
	}
	cfg = cfg.Clone()
	cfg.Tickers = []string{ticker}
	cfg.DemoMode = true

	ex := exchange.NewPaperExchange(nil, cfg.QuoteCurrency, cfg.TotalInvestment, cfg.FeeRate, cfg.SlippageRate)
	store, err := persistence.NewBadgerStore("", logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	warm := warmup(cfg.PricePeriod, candles)
	for _, c := range candles[:warm] {
		ex.SetCandle(ticker, c)
	}

	now := candles[warm-1].OpenTime
	b := bot.New(ticker, cfg.TotalInvestment, bot.Deps{
		Exchange: ex,
		Repo:     persistence.NewRepository(store),
		Config:   statemanager.NewConfigManager(cfg, nil, logger),
		Logger:   logger,
		Clock:    func() time.Time { return now },
	})
	if err := b.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("回测初始化失败: %w", err)
	}
	logger.Sugar().Infof("[%s] 预热 %d 根K线, 开始回放 %d 根", ticker, warm, len(candles)-warm)

	res := &Result{Ticker: ticker, Start: candles[warm].OpenTime, Exchange: ex}
	for _, c := range candles[warm:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ex.SetCandle(ticker, c)
		now = c.OpenTime
		res.End = c.OpenTime
		res.Candles++

		if err := b.Tick(ctx); err != nil {
			if errors.Is(err, bot.ErrHalted) {
				logger.Sugar().Infof("[%s] 交易循环进入 %s 状态, 提前结束回测", ticker, b.State())
				break
			}
			res.Skipped++
		}
	}
	res.Final = b.Status()
	return res, nil
}

// warmup returns how many leading candles cover the range period, keeping at
// least one for warm-up and one for replay.
func warmup(period string, candles []models.Candle) int {
	interval, count := grid.PeriodToInterval(period)
	until := candles[0].OpenTime.Add(exchange.IntervalDuration(interval) * time.Duration(count))

	n := 1
	for n < len(candles)-1 && candles[n].OpenTime.Before(until) {
		n++
	}
	return n
}
