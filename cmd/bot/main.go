package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"grid-trader-go/internal/backtest"
	"grid-trader-go/internal/bot"
	"grid-trader-go/internal/config"
	"grid-trader-go/internal/downloader"
	"grid-trader-go/internal/exchange"
	"grid-trader-go/internal/klinecache"
	"grid-trader-go/internal/ledger"
	"grid-trader-go/internal/logger"
	"grid-trader-go/internal/models"
	"grid-trader-go/internal/persistence"
	"grid-trader-go/internal/reporter"
	"grid-trader-go/internal/scheduler"
	"grid-trader-go/internal/storage"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "backtest", "running mode: backtest, live or download")
	pair := flag.String("pair", "", "pair to download (e.g., ETH/USDT); defaults to strategy.args.pair")
	startDate := flag.String("start", "", "download start (YYYY-MM-DD or RFC3339); defaults to backtest.start")
	endDate := flag.String("end", "", "download end (YYYY-MM-DD or RFC3339); defaults to backtest.end")
	interval := flag.String("interval", "", "K-line interval; defaults to backtest.interval")
	dest := flag.String("dest", "", "download destination: csv or sqlite; defaults to backtest.data_source")
	trades := flag.Int("trades", 20, "number of recent trades shown in the backtest report")
	reset := flag.Bool("reset", false, "live mode: discard the saved state of the strategy before starting")
	flag.Parse()

	// 先用默认配置初始化日志, 以便记录加载配置过程中的问题
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
	overrideDownloadFlags(cfg, *startDate, *endDate, *interval, *dest)
	if err := config.Validate(cfg, *mode); err != nil {
		logger.S().Fatalf("配置校验失败: %v", err)
	}

	// 使用文件中的配置重新初始化日志
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "backtest":
		err = runBacktestMode(ctx, cfg, *trades)
	case "live":
		err = runLiveMode(ctx, cfg, *reset)
	case "download":
		target := *pair
		if target == "" {
			target = strategyPair(cfg)
		}
		err = runDownloadMode(ctx, cfg, target)
	default:
		err = fmt.Errorf("未知的运行模式: %s。请选择 'backtest', 'live' 或 'download'。", *mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.S().Fatal(err)
	}
}

// overrideDownloadFlags 用命令行参数覆盖回测区间与数据源
func overrideDownloadFlags(cfg *models.Config, start, end, interval, dest string) {
	if start != "" {
		cfg.Backtest.Start = start
	}
	if end != "" {
		cfg.Backtest.End = end
	}
	if interval != "" {
		cfg.Backtest.Interval = interval
	}
	if dest != "" {
		cfg.Backtest.DataSource = strings.ToLower(dest)
	}
}

// strategyPair 从策略参数中取交易对
func strategyPair(cfg *models.Config) string {
	if p, ok := cfg.Strategy.Args["pair"].(string); ok {
		if parsed, err := models.ParsePair(p); err == nil {
			return parsed.String()
		}
	}
	return ""
}

// strategyID 配置中未指定时生成一个随机ID
func strategyID(cfg *models.Config, prefix string) string {
	if cfg.Strategy.ID != "" {
		return cfg.Strategy.ID
	}
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// openBarSource 根据配置打开历史K线数据源; 返回的 close 函数释放底层资源
func openBarSource(ctx context.Context, cfg *models.Config) (klinecache.BarSource, func(), error) {
	bt := cfg.Backtest
	if bt.DataSource == "sqlite" {
		store, err := storage.NewSQLiteStore(bt.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}

	// CSV 文件不存在时先从币安下载
	pair := strategyPair(cfg)
	if pair == "" {
		return nil, nil, fmt.Errorf("strategy.args.pair 未配置")
	}
	start, end, err := config.BacktestRange(bt)
	if err != nil {
		return nil, nil, err
	}
	dl := downloader.NewKlineDownloader(downloader.NewBinanceFetcher(), logger.Named("downloader"))
	if _, err := dl.DownloadToCSV(ctx, bt.DataDir, pair, bt.Interval, start, end); err != nil {
		return nil, nil, fmt.Errorf("准备回测数据失败: %w", err)
	}
	return storage.NewCSVSource(bt.DataDir), func() {}, nil
}

// runBacktestMode 运行回测并打印报告
func runBacktestMode(ctx context.Context, cfg *models.Config, maxTrades int) error {
	logger.S().Info("--- 启动回测模式 ---")
	bt := cfg.Backtest
	start, end, err := config.BacktestRange(bt)
	if err != nil {
		return err
	}
	mode, err := ledger.ParseAccountingMode(bt.Accounting)
	if err != nil {
		return err
	}
	args, err := config.StrategyArgsJSON(cfg)
	if err != nil {
		return err
	}

	source, closeSource, err := openBarSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	cache, err := klinecache.New(source, klinecache.Config{MaxWindows: bt.CacheSize, WindowSize: bt.WindowSize}, logger.Named("klinecache"))
	if err != nil {
		return err
	}
	defer cache.Close()

	runner, err := backtest.NewRunner(cache, backtest.Config{
		StrategyName: cfg.Strategy.Name,
		StrategyID:   strategyID(cfg, "backtest"),
		Start:        start,
		End:          end,
		Interval:     bt.Interval,
		Pairs:        cfg.Pairs,
		Ledger: ledger.Config{
			Mode:            mode,
			MakerFeeRate:    bt.MakerFeeRate,
			TakerFeeRate:    bt.TakerFeeRate,
			InitialBalances: bt.InitialBalances,
		},
		TerminateAtEnd: bt.TerminateAtEnd,
	}, logger.Named("backtest"))
	if err != nil {
		return err
	}

	res, err := runner.Run(ctx, args)
	if err != nil {
		return err
	}
	logger.S().Infof("K线窗口加载次数: %d", cache.Loads())
	reporter.GenerateReport(os.Stdout, res, "", maxTrades)
	return nil
}

// runDownloadMode 下载K线到CSV或SQLite
func runDownloadMode(ctx context.Context, cfg *models.Config, pair string) error {
	if pair == "" {
		return fmt.Errorf("下载模式需要通过 -pair 或 strategy.args.pair 指定交易对")
	}
	bt := cfg.Backtest
	start, end, err := config.BacktestRange(bt)
	if err != nil {
		return err
	}
	dl := downloader.NewKlineDownloader(downloader.NewBinanceFetcher(), logger.Named("downloader"))
	logger.S().Infof("开始下载 %s 从 %s 到 %s 的 %s K线数据...", pair, start.Format(time.DateOnly), end.Format(time.DateOnly), bt.Interval)

	if bt.DataSource == "sqlite" {
		store, err := storage.NewSQLiteStore(bt.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()
		_, err = dl.DownloadToStore(ctx, store, pair, bt.Interval, start, end)
		return err
	}
	_, err = dl.DownloadToCSV(ctx, bt.DataDir, pair, bt.Interval, start, end)
	return err
}

// runLiveMode 运行实时交易, 直到收到中断信号
func runLiveMode(ctx context.Context, cfg *models.Config, reset bool) error {
	logger.S().Info("--- 启动实时交易模式 ---")

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		return fmt.Errorf("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
	}
	if cfg.Live.IsTestnet {
		logger.S().Info("正在使用币安测试网...")
	} else {
		logger.S().Info("正在使用币安生产网...")
	}

	args, err := config.StrategyArgsJSON(cfg)
	if err != nil {
		return err
	}
	id := strategyID(cfg, "grid")
	if cfg.Strategy.ID == "" {
		logger.S().Warnf("strategy.id 未配置, 使用随机ID %s, 重启后无法恢复状态", id)
	}

	group, ctx := errgroup.WithContext(ctx)

	var stream *exchange.BookTickerStream
	if cfg.Live.StreamEnabled {
		if p, err := models.ParsePair(strategyPair(cfg)); err == nil {
			stream = exchange.NewBookTickerStream(exchange.StreamURL(cfg.Live.IsTestnet), []string{p.Symbol()}, logger.Named("book_ticker"))
			group.Go(func() error {
				stream.Run(ctx)
				return nil
			})
		}
	}

	liveExchange := exchange.NewLiveExchange(exchange.LiveOptions{
		APIKey:    apiKey,
		SecretKey: secretKey,
		IsTestnet: cfg.Live.IsTestnet,
		Pairs:     cfg.Pairs,
		Stream:    stream,
	}, logger.Named("exchange"))

	var repo persistence.StateRepository
	if cfg.StateDBPath != "" {
		repo, err = persistence.NewBadgerRepository(cfg.StateDBPath)
		if err != nil {
			return fmt.Errorf("打开状态数据库失败: %w", err)
		}
		defer repo.Close()

		resumable, others, err := persistence.Prepare(repo, id, reset)
		if err != nil {
			return fmt.Errorf("读取已保存的策略状态失败: %w", err)
		}
		if reset {
			logger.S().Warnf("已清除策略 %s 的保存状态", id)
		}
		if resumable {
			logger.S().Infof("发现策略 %s 的保存状态, 将从中恢复", id)
		}
		if len(others) > 0 {
			logger.S().Infof("状态数据库中的其他策略: %s", strings.Join(others, ", "))
		}
	} else if reset {
		logger.S().Warn("未配置 db_path, -reset 无效")
	}

	strategy, err := bot.NewStrategy(cfg.Strategy.Name, bot.Deps{
		StrategyID: id,
		Exchange:   liveExchange,
		Repo:       repo,
		Pairs:      cfg.Pairs,
		Logger:     logger.Named("strategy"),
	})
	if err != nil {
		return err
	}
	if err := strategy.Init(ctx, args); err != nil {
		return fmt.Errorf("策略初始化失败: %w", err)
	}

	sched, err := scheduler.New(time.Duration(cfg.Live.TickIntervalMs)*time.Millisecond, logger.Named("scheduler"))
	if err != nil {
		return err
	}
	if err := sched.Add(id, strategy); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		group.Go(func() error {
			logger.S().Infof("Prometheus 指标监听于 %s/metrics", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		return sched.Run(ctx)
	})

	err = group.Wait()
	logger.S().Info("机器人已停止，状态已保存。")
	return err
}
