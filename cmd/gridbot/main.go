package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"krw-grid-bot-go/internal/backtest"
	"krw-grid-bot-go/internal/bot"
	"krw-grid-bot-go/internal/config"
	"krw-grid-bot-go/internal/downloader"
	"krw-grid-bot-go/internal/exchange"
	"krw-grid-bot-go/internal/logger"
	"krw-grid-bot-go/internal/metrics"
	"krw-grid-bot-go/internal/models"
	"krw-grid-bot-go/internal/notifier"
	"krw-grid-bot-go/internal/persistence"
	"krw-grid-bot-go/internal/reporter"
	"krw-grid-bot-go/internal/statemanager"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	dateLayout     = "2006-01-02"
	statusInterval = time.Minute
	stopTimeout    = 10 * time.Second
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live, backtest or download")
	dataPath := flag.String("data", "", "path to a candle CSV file for backtesting")
	ticker := flag.String("ticker", "", "ticker to backtest or download (e.g., KRW-BTC)")
	startDate := flag.String("start", "", "start date for download (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for download (YYYY-MM-DD)")
	interval := flag.String("interval", "1m", "candle interval for download")
	resume := flag.Bool("resume", false, "resume from the saved trading state")
	flag.Parse()

	// 加载配置前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		logger.S().Fatalf("配置无效: %v", err)
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "live":
		err = runLiveMode(ctx, cfg, *configPath, *resume)
	case "backtest":
		err = runBacktestMode(ctx, cfg, *ticker, *dataPath, *startDate, *endDate, *interval)
	case "download":
		_, err = download(ctx, *ticker, *interval, *startDate, *endDate)
	default:
		err = fmt.Errorf("未知的运行模式: %s。请选择 'live', 'backtest' 或 'download'。", *mode)
	}
	if err != nil {
		logger.S().Fatal(err)
	}
}

// runLiveMode 运行实时交易 (demo_mode 为 true 时使用模拟账户)
func runLiveMode(ctx context.Context, cfg *models.Config, configPath string, resume bool) error {
	log := logger.L()
	log.Info("--- 启动实时交易模式 ---", zap.String("trading_mode", cfg.TradingMode()), zap.Strings("tickers", cfg.Tickers))

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if !cfg.DemoMode && (apiKey == "" || secretKey == "") {
		return errors.New("真实交易模式下 BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
	}

	store, err := persistence.NewBadgerStore(cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("打开状态存储失败: %w", err)
	}
	defer store.Close()
	repo := persistence.NewRepository(store)

	stream := exchange.NewPriceStream(cfg.WSBaseURL, cfg.Tickers, log)
	go stream.Run(ctx)

	live := exchange.NewLiveExchange(apiKey, secretKey, stream, log)
	var ex exchange.Exchange = live
	if cfg.DemoMode {
		balance := cfg.TotalInvestment
		if resume {
			profits, err := repo.LoadProfits()
			if err != nil {
				return fmt.Errorf("读取累计收益失败: %w", err)
			}
			for _, p := range profits {
				balance += p
			}
		}
		paper := exchange.NewPaperExchange(live, cfg.QuoteCurrency, balance, cfg.FeeRate, cfg.SlippageRate)
		if resume {
			// 模拟账户不落盘, 用保存的持仓恢复币种余额
			for _, t := range cfg.Tickers {
				positions, err := repo.LoadPositions(cfg.TradingMode(), t)
				if err != nil {
					return fmt.Errorf("加载 %s 持仓失败: %w", t, err)
				}
				for _, pos := range positions {
					paper.Seed(t, pos.Quantity, pos.BuyPrice)
				}
			}
		}
		ex = paper
		log.Info("模拟账户模式: 行情来自交易所, 订单在本地撮合")
	}

	senders := []notifier.Sender{notifier.NewLogSender(log)}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		tg, err := notifier.NewTelegramSender(token, os.Getenv("TELEGRAM_CHAT_ID"))
		if err != nil {
			log.Warn("Telegram 通知不可用", zap.Error(err))
		} else {
			senders = append(senders, tg)
		}
	}
	dispatcher := notifier.NewDispatcher(notifier.DefaultQueueSize, log, senders...)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics 服务异常退出", zap.Error(err))
			}
		}()
		defer srv.Close()
		log.Info("metrics 服务已启动", zap.String("addr", cfg.MetricsAddr))
	}

	cm := statemanager.NewConfigManager(cfg, config.FileSaver{Path: configPath}, log)
	cm.Start()
	defer cm.Stop()

	manager := bot.NewManager(cm, ex, repo, dispatcher, log)
	if err := manager.Start(ctx, resume); err != nil {
		return fmt.Errorf("机器人启动失败: %w", err)
	}

	done := make(chan struct{})
	go func() {
		manager.Wait()
		close(done)
	}()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reporter.RenderStatus(os.Stdout, manager.Statuses())
		case <-done:
			log.Info("所有交易循环均已结束")
			manager.Stop(stopTimeout)
			reporter.RenderStatus(os.Stdout, manager.Statuses())
			return nil
		case <-ctx.Done():
			log.Info("收到停止信号, 等待当前一轮交易完成...")
			manager.Stop(stopTimeout)
			reporter.RenderStatus(os.Stdout, manager.Statuses())
			log.Info("机器人已成功停止，状态已保存。")
			return nil
		}
	}
}

// runBacktestMode 用历史K线回测单个币种。没有 -data 时先按 -start/-end 下载。
func runBacktestMode(ctx context.Context, cfg *models.Config, ticker, dataPath, startDate, endDate, interval string) error {
	log := logger.L()
	log.Info("--- 启动回测模式 ---")
	if ticker == "" {
		return errors.New("回测模式需要通过 -ticker 指定币种")
	}
	if dataPath == "" {
		path, err := download(ctx, ticker, interval, startDate, endDate)
		if err != nil {
			return err
		}
		dataPath = path
	}

	candles, err := downloader.LoadCandles(dataPath, log)
	if err != nil {
		return err
	}
	res, err := backtest.Run(ctx, cfg, ticker, candles, log)
	if err != nil {
		return err
	}
	log.Info("回测结束。", zap.Int("candles", res.Candles), zap.Int("skipped", res.Skipped), zap.String("state", res.Final.State.String()))

	reporter.GenerateReport(ctx, os.Stdout, res.Exchange, dataPath, []string{ticker}, res.Start, res.End)
	reporter.RenderStatus(os.Stdout, []bot.Status{res.Final})
	return nil
}

// download 下载K线到 data 目录并返回文件路径
func download(ctx context.Context, ticker, interval, startDate, endDate string) (string, error) {
	if ticker == "" || startDate == "" || endDate == "" {
		return "", errors.New("下载需要 -ticker, -start 和 -end 参数")
	}
	startTime, err1 := time.Parse(dateLayout, startDate)
	endTime, err2 := time.Parse(dateLayout, endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}
	if !startTime.Before(endTime) {
		return "", errors.New("开始日期必须早于结束日期")
	}

	path := downloader.FileName("data", ticker, interval, startDate, endDate)
	if err := downloader.NewKlineDownloader(logger.L()).DownloadKlines(ctx, ticker, interval, path, startTime, endTime); err != nil {
		return "", fmt.Errorf("下载数据失败: %w", err)
	}
	return path, nil
}
