package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"grid-reconciler/internal/bot"
	"grid-reconciler/internal/config"
	"grid-reconciler/internal/downloader"
	"grid-reconciler/internal/exchange"
	"grid-reconciler/internal/feed"
	"grid-reconciler/internal/logger"
	"grid-reconciler/internal/metrics"
	"grid-reconciler/internal/models"
	"grid-reconciler/internal/persistence"
	"grid-reconciler/internal/reporter"

	"go.uber.org/zap"
)

const binanceAPIURL = "https://api.binance.com"

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file (json or yaml)")
	mode := flag.String("mode", "", "running mode: live, paper_trading or backtest (overrides config)")
	dataPath := flag.String("data", "", "path to historical kline csv for backtesting")
	startDate := flag.String("start", "", "start date for downloading backtest data (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for downloading backtest data (YYYY-MM-DD)")
	flag.Parse()

	// 先用默认配置初始化日志, 以便记录配置加载过程
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if config.LoadDotEnv() {
		logger.S().Info("成功从 .env 文件加载环境变量。")
	} else {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	}
	if *mode != "" {
		_ = os.Setenv("TRADING_MODE", *mode)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	log := logger.InitLogger(cfg.LogConfig)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go metrics.Serve(ctx, cfg.MetricsAddr, log)
	}

	switch cfg.TradingMode {
	case models.ModeLive, models.ModePaperTrading:
		err = runTrading(ctx, cfg, log)
	case models.ModeBacktest:
		err = runBacktest(ctx, cfg, log, *dataPath, *startDate, *endDate)
	}
	if err != nil {
		var fault *models.ConsistencyFault
		if errors.As(err, &fault) {
			log.Error("ledger and exchange disagree, refusing to trade", zap.Error(err))
			os.Exit(2)
		}
		log.Fatal("机器人运行失败", zap.Error(err))
	}
}

func openLedger(cfg *models.Config) (persistence.Ledger, error) {
	if err := os.MkdirAll(cfg.DBPath, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return persistence.NewBadgerLedger(cfg.DBPath)
}

// runTrading 运行实盘或模拟盘, 直到收到退出信号
func runTrading(ctx context.Context, cfg *models.Config, log *zap.Logger) error {
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = ledger.Close() }()

	var (
		inner exchange.Gateway
		sim   *exchange.SimExchange
	)
	if cfg.TradingMode == models.ModeLive {
		log.Info("--- 启动实时交易模式 ---", zap.Bool("testnet", cfg.IsTestnet))
		gw := exchange.NewBinanceGateway(cfg.APIKey, cfg.SecretKey, cfg.Symbol(), cfg.IsTestnet, cfg.Retry.PageSize, log)
		if err := gw.SyncTime(ctx); err != nil {
			log.Warn("server time sync failed", zap.Error(err))
		}
		tick, step, err := gw.SymbolFilters(ctx)
		if err != nil {
			return fmt.Errorf("load symbol filters: %w", err)
		}
		cfg.Grid.TickSize, cfg.Grid.StepSize = tick, step
		inner = gw
	} else {
		log.Info("--- 启动模拟盘模式 ---")
		sim = exchange.NewSimExchange(cfg.BaseCurrency, cfg.QuoteCurrency, cfg.InitialBalance, cfg.Grid.FeeRate)
		sim.SetPageSize(cfg.Retry.PageSize)
		inner = sim
	}

	gw := exchange.NewRetryingGateway(inner, exchange.PolicyFromConfig(cfg.Retry), cfg.Retry.CallTimeout(),
		exchange.NewLimiter(cfg.Retry.RequestsPerSec), log)
	gridBot := bot.NewGridTradingBot(cfg, ledger, gw, log)

	if sim != nil {
		// 模拟盘需要先拿到一个真实价格再规划网格
		ws := feed.NewWebSocketFeed(cfg.WSBaseURL(), cfg.Symbol(), log)
		first, err := firstTick(ctx, ws)
		if err != nil {
			return err
		}
		sim.SetLastPrice(first)
		gridBot.AttachSimulator(sim)
		gridBot.AttachFeed(ws)
	}

	if err := gridBot.Start(ctx); err != nil {
		return err
	}
	defer gridBot.Stop()

	select {
	case <-ctx.Done():
		log.Info("收到退出信号，正在停止机器人...")
		return nil
	case err := <-gridBot.Errors():
		return err
	}
}

// firstTick 在模拟盘启动前等待第一笔行情
func firstTick(ctx context.Context, ws *feed.WebSocketFeed) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	ticks := make(chan feed.Tick, 1)
	go ws.Run(ctx, ticks)
	select {
	case t := <-ticks:
		return t.Price, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("no price from %s: %w", ws.URL(), ctx.Err())
	}
}

// runBacktest 在历史K线上运行网格并打印报告
func runBacktest(ctx context.Context, cfg *models.Config, log *zap.Logger, dataPath, startDate, endDate string) error {
	log.Info("--- 启动回测模式 ---")
	path, err := backtestData(ctx, cfg, log, dataPath, startDate, endDate)
	if err != nil {
		return err
	}

	candles, skipped, err := feed.ReadCandles(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if skipped > 0 {
		log.Warn("无法解析的K线数据已跳过", zap.Int("skipped", skipped))
	}

	// 回测账本放在内存中, 不影响实盘数据
	ledger, err := persistence.NewInMemoryLedger()
	if err != nil {
		return err
	}
	defer func() { _ = ledger.Close() }()

	sim := exchange.NewSimExchange(cfg.BaseCurrency, cfg.QuoteCurrency, cfg.InitialBalance, cfg.Grid.FeeRate)
	sim.SetPageSize(cfg.Retry.PageSize)
	gridBot := bot.NewGridTradingBot(cfg, ledger, sim, log)
	gridBot.AttachSimulator(sim)

	log.Info("开始回测...", zap.Int("candles", len(candles)))
	m, err := gridBot.RunBacktest(ctx, candles)
	if err != nil {
		return err
	}
	log.Info("回测结束。")
	reporter.RenderBacktest(os.Stdout, m, path)
	return nil
}

// backtestData 返回回测数据路径, 指定了起止日期时先下载
func backtestData(ctx context.Context, cfg *models.Config, log *zap.Logger, dataPath, startDate, endDate string) (string, error) {
	if startDate == "" || endDate == "" {
		if dataPath == "" {
			return "", errors.New("回测模式需要通过 --data 或 --start/--end 参数指定数据源")
		}
		return dataPath, nil
	}

	startTime, err1 := time.Parse("2006-01-02", startDate)
	endTime, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}
	if dataPath == "" {
		dataPath = filepath.Join("data", fmt.Sprintf("%s-%s-%s.csv", cfg.Symbol(), startDate, endDate))
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return "", fmt.Errorf("创建数据目录失败: %w", err)
	}

	d := downloader.NewKlineDownloader(binanceAPIURL, log)
	log.Info("开始下载K线数据", zap.String("symbol", cfg.Symbol()), zap.String("start", startDate), zap.String("end", endDate))
	if err := d.DownloadKlines(ctx, cfg.Symbol(), dataPath, startTime, endTime); err != nil {
		return "", fmt.Errorf("下载数据失败: %w", err)
	}
	return dataPath, nil
}
