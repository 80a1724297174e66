package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"grid-trailing-bot-go/internal/backtest"
	"grid-trailing-bot-go/internal/config"
	"grid-trailing-bot-go/internal/downloader"
	"grid-trailing-bot-go/internal/exchange"
	"grid-trailing-bot-go/internal/gateway"
	"grid-trailing-bot-go/internal/logger"
	"grid-trailing-bot-go/internal/models"
	"grid-trailing-bot-go/internal/notifier"
	"grid-trailing-bot-go/internal/persistence"
	"grid-trailing-bot-go/internal/storage"
	"grid-trailing-bot-go/internal/trader"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live, backtest or download")
	botName := flag.String("bot", "", "only run the named bot (default: all)")
	startDate := flag.String("start", "", "start date for backtest/download (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtest/download (YYYY-MM-DD)")
	csvDir := flag.String("csv", "", "also export downloaded candles as CSV into this directory")
	flag.Parse()

	// 在加载 .env 与配置前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件, 将从系统环境变量中读取。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	bots, err := selectBots(cfg, *botName)
	if err != nil {
		logger.S().Fatal(err)
	}

	switch *mode {
	case "live":
		runLive(cfg, bots)
	case "backtest":
		runBacktest(cfg, bots, *startDate, *endDate)
	case "download":
		runDownload(cfg, bots, *startDate, *endDate, *csvDir)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live'、'backtest' 或 'download'。", *mode)
	}
}

// selectBots 按 -bot 参数过滤配置中的机器人。
func selectBots(cfg *models.Config, name string) ([]*models.BotSettings, error) {
	var bots []*models.BotSettings
	for i := range cfg.Bots {
		if name == "" || strings.EqualFold(cfg.Bots[i].Name, name) {
			bots = append(bots, &cfg.Bots[i])
		}
	}
	if len(bots) == 0 {
		return nil, fmt.Errorf("配置中没有名为 %q 的机器人", name)
	}
	return bots, nil
}

// runLive 为每个机器人启动一个独立的 worker, 等待退出信号后逐个停机。
func runLive(cfg *models.Config, bots []*models.BotSettings) {
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("无法打开状态数据库 %s: %v", cfg.DBPath, err)
	}
	defer repo.Close()

	var workers []*trader.Worker
	for _, settings := range bots {
		log := logger.Named(settings.Name)
		notify := notifier.NewLogNotifier(log)
		defer notify.Close()

		ex, err := exchange.NewLiveExchange(cfg, log)
		if err != nil {
			logger.S().Fatalf("机器人 %s: 无法创建交易所客户端: %v", settings.Name, err)
		}
		factory := func() (exchange.Exchange, error) {
			return exchange.NewLiveExchange(cfg, log)
		}

		gw := gateway.New(ex, factory, notify, log, gateway.Options{
			RetryCount:    cfg.RetryPlaceOrderCount,
			RetryDelay:    time.Duration(cfg.RetryPlaceOrderDelaySec) * time.Second,
			GetOrderCount: cfg.RetryGetOrderCount,
			GetOrderDelay: time.Duration(cfg.RetryGetOrderDelayMs) * time.Millisecond,
		})
		strategy := trader.NewStrategy(settings, gw, repo, notify, log)
		gw.SetReconciler(strategy.Synchronize)

		worker := trader.NewWorker(settings, strategy, ex, notify, log)
		workers = append(workers, worker)
		go worker.Run()
		logger.S().Infof("机器人 %s 已启动 (%s)", settings.Name, settings.Pair)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.S().Infof("收到信号 %v, 正在停机...", sig)

	for _, w := range workers {
		w.Interrupt()
	}
	for _, w := range workers {
		<-w.Done()
	}
	logger.S().Info("所有机器人已停止。")
}

// runBacktest 从本地K线库回放每个机器人并打印结果报告。
func runBacktest(cfg *models.Config, bots []*models.BotSettings, startDate, endDate string) {
	from, to, err := parseWindow(startDate, endDate)
	if err != nil {
		logger.S().Fatal(err)
	}

	store, err := storage.OpenCandleStore(cfg.CandleDBPath)
	if err != nil {
		logger.S().Fatalf("无法打开K线库 %s: %v", cfg.CandleDBPath, err)
	}
	defer store.Close()

	for _, settings := range bots {
		log := logger.Named(settings.Name)
		pair := settings.TradePair()

		candles, err := store.LoadCandles(pair, from.UnixMilli(), to.UnixMilli())
		if err != nil {
			logger.S().Fatalf("机器人 %s: 读取K线失败: %v", settings.Name, err)
		}
		if len(candles) == 0 {
			logger.S().Fatalf("机器人 %s: K线库中没有 %s 的数据, 请先用 -mode download 下载", settings.Name, pair.Symbol())
		}

		result, err := backtest.Run(settings, candles, log)
		if err != nil {
			logger.S().Fatalf("机器人 %s: 回测失败: %v", settings.Name, err)
		}
		fmt.Println(result.Render())
	}
}

// runDownload 为每个机器人的交易对增量下载1分钟K线。
func runDownload(cfg *models.Config, bots []*models.BotSettings, startDate, endDate, csvDir string) {
	if startDate == "" {
		logger.S().Fatal("下载模式需要 -start 参数 (YYYY-MM-DD)")
	}
	from, to, err := parseWindow(startDate, endDate)
	if err != nil {
		logger.S().Fatal(err)
	}

	store, err := storage.OpenCandleStore(cfg.CandleDBPath)
	if err != nil {
		logger.S().Fatalf("无法打开K线库 %s: %v", cfg.CandleDBPath, err)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dl := downloader.NewKlineDownloader(store, logger.S())
	for _, settings := range bots {
		pair := settings.TradePair()
		if err := dl.Download(ctx, pair, from, to); err != nil {
			logger.S().Fatalf("机器人 %s: 下载失败: %v", settings.Name, err)
		}
		if csvDir != "" {
			out := filepath.Join(csvDir, pair.Symbol()+"_1m.csv")
			if err := dl.ExportCSV(pair, out, from, to); err != nil {
				logger.S().Fatalf("机器人 %s: 导出CSV失败: %v", settings.Name, err)
			}
		}
	}
}

// parseWindow 解析 -start/-end 参数。缺省时 start 取零值, end 取当前时间。
func parseWindow(startDate, endDate string) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Now()
	var err error
	if startDate != "" {
		if from, err = time.Parse("2006-01-02", startDate); err != nil {
			return from, to, fmt.Errorf("无效的开始日期 %q: %w", startDate, err)
		}
	}
	if endDate != "" {
		if to, err = time.Parse("2006-01-02", endDate); err != nil {
			return from, to, fmt.Errorf("无效的结束日期 %q: %w", endDate, err)
		}
	}
	if !to.After(from) {
		return from, to, fmt.Errorf("结束时间 %s 必须晚于开始时间 %s", to.Format("2006-01-02"), from.Format("2006-01-02"))
	}
	return from, to, nil
}
