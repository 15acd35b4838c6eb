// Package main 是跨交易所套利引擎的入口点。
// 引擎订阅 Binance（USDT 计价）与 Upbit（KRW 计价）的订单簿，周期性检测价差机会，
// 经风控评估后（可选）在双边同时下单，单腿失败时自动回滚。
//
// 默认 execution.mode=paper：只在内存中模拟成交，不会向交易所发送任何请求。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"cross-exchange-arbitrage/internal/api"
	"cross-exchange-arbitrage/internal/config"
	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/core/paper"
	"cross-exchange-arbitrage/internal/detector"
	"cross-exchange-arbitrage/internal/exchange/binance"
	"cross-exchange-arbitrage/internal/exchange/gateway"
	"cross-exchange-arbitrage/internal/exchange/stream"
	"cross-exchange-arbitrage/internal/exchange/upbit"
	"cross-exchange-arbitrage/internal/execution"
	"cross-exchange-arbitrage/internal/feed"
	"cross-exchange-arbitrage/internal/fx"
	"cross-exchange-arbitrage/internal/metadata"
	"cross-exchange-arbitrage/internal/output"
	"cross-exchange-arbitrage/internal/output/jsonl"
	"cross-exchange-arbitrage/internal/output/redisrec"
	"cross-exchange-arbitrage/internal/pipeline"
	"cross-exchange-arbitrage/internal/risk"
	"cross-exchange-arbitrage/internal/stats/latency"
	"cross-exchange-arbitrage/internal/stats/monitor"
)

var exchanges = []string{model.ExchangeBinance, model.ExchangeUpbit}

// metricsSnapshot 周期写入 metrics.jsonl 的指标快照
type metricsSnapshot struct {
	Ts        time.Time                           `json:"ts"`
	Feed      map[string]stream.ConnectionMetrics `json:"feed"`
	Latency   map[string]latency.Stats            `json:"feed_latency"`
	Execution monitor.Stats                       `json:"execution"`
	Risk      risk.Counters                       `json:"risk"`
	InFlight  int64                               `json:"in_flight"`
	FxRate    decimal.Decimal                     `json:"fx_rate"`
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.App.LogLevel).With(zap.String("app", cfg.App.Name))
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("退出", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// 捕获 SIGINT/SIGTERM，触发优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	market, err := resolveMarket(ctx, cfg, logger)
	if err != nil {
		return err
	}

	rate, err := fx.New(decimal.NewFromFloat(cfg.Detector.ExchangeRate))
	if err != nil {
		return fmt.Errorf("初始化汇率失败: %w", err)
	}

	recorder, jsonlRec, err := newRecorder(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// 行情
	collector := feed.NewCollector(feed.Options{
		StaleAfter: config.Ms(cfg.Detector.MaxBookAgeMs),
	}, rate, recorder, logger)
	collector.AddSource(stream.NewClient(&cfg.WS.Binance,
		binance.NewCodec(market.BinanceSymbol, cfg.WS.Binance.Depth), collector.Publish, logger))
	collector.AddSource(stream.NewClient(&cfg.WS.Upbit,
		upbit.NewCodec(market.UpbitMarket, cfg.WS.Upbit.Depth), collector.Publish, logger))

	// 检测与风控
	det := detector.New(detector.ParamsFromConfig(cfg), collector, rate, logger)

	var advisor risk.Advisor
	if cfg.Advisory.Enabled {
		advisor = risk.NewHTTPAdvisor(cfg.Advisory, logger)
	}
	gate := risk.NewGate(risk.ParamsFromConfig(cfg), advisor, collector, cfg.Risk.HistorySize, logger)

	mon := monitor.New(cfg.Monitor, func(a monitor.Alert) {
		logger.Warn("告警", zap.String("kind", string(a.Kind)), zap.String("message", a.Message))
	}, logger)

	// 执行
	venues, err := newVenues(cfg, market, collector, logger)
	if err != nil {
		return err
	}
	coord := execution.NewCoordinator(execution.OptionsFromConfig(cfg, market), venues, rate, mon, recorder, logger)

	latencyMs := pipeline.FeedLatency(collector, exchanges...)
	pipeOpts := pipeline.OptionsFromConfig(cfg)
	pipeOpts.LatencyMs = latencyMs
	runner := pipeline.New(pipeOpts, det, gate, coord, mon, recorder, logger)

	var server *api.Server
	if cfg.API.Addr != "" {
		server = api.NewServer(cfg.API.Addr, api.Deps{
			Books:     collector,
			Finder:    det,
			Assessor:  gate,
			Executor:  coord,
			Rate:      rate,
			Recent:    recorder,
			Monitor:   mon,
			History:   gate.History(),
			Exchanges: exchanges,
			LatencyMs: func() float64 { return runner.CurrentLatencyMs() },
		}, logger)
	}

	logger.Info("启动",
		zap.String("mode", cfg.Execution.Mode),
		zap.Bool("auto_execute", cfg.Execution.AutoExecute),
		zap.String("binance", market.BinanceSymbol),
		zap.String("upbit", market.UpbitMarket),
		zap.Bool("advisory", cfg.Advisory.Enabled))

	collector.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	if server != nil {
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return server.Shutdown(sctx)
		})
	}
	if cfg.Output.Enabled {
		g.Go(func() error {
			return metricsLoop(gctx, cfg, collector, mon, gate, coord, rate, logger)
		})
	}

	runErr := g.Wait()
	logger.Info("收到退出信号，开始优雅关闭")

	// 优雅关闭（10s 超时）
	done := make(chan error, 1)
	go func() {
		done <- multierr.Combine(collector.Wait(), closeRecorder(recorder, jsonlRec))
	}()
	select {
	case err := <-done:
		if err != nil {
			logger.Warn("关闭时出现错误", zap.Error(err))
		}
		logger.Info("关闭完成")
	case <-time.After(10 * time.Second):
		logger.Warn("关闭超时，强制退出")
	}
	return runErr
}

func resolveMarket(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*metadata.Market, error) {
	if cfg.Metadata.Skip {
		m := metadata.Static(cfg)
		logger.Warn("跳过元数据校验", zap.String("binance", m.BinanceSymbol), zap.String("upbit", m.UpbitMarket))
		return m, nil
	}
	mctx, cancel := context.WithTimeout(ctx, config.Ms(cfg.Metadata.TimeoutMs)*2)
	defer cancel()
	m, err := metadata.Resolve(mctx, cfg, metadata.NewHTTPFetcher(cfg.Metadata.TimeoutMs))
	if err != nil {
		return nil, fmt.Errorf("解析交易标的失败: %w", err)
	}
	if m.UpbitWarning {
		logger.Warn("Upbit 市场处于投资警告状态", zap.String("market", m.UpbitMarket))
	}
	logger.Info("交易标的解析完成",
		zap.String("binance", m.BinanceSymbol),
		zap.String("binance_min_qty", m.BinanceMinQty.String()),
		zap.String("upbit", m.UpbitMarket))
	return m, nil
}

// newRecorder 组装持久化：JSONL 与 Redis 按配置启用，均未启用时返回空 Multi
func newRecorder(ctx context.Context, cfg *config.Config, logger *zap.Logger) (output.Multi, *jsonl.Recorder, error) {
	var recs []output.Recorder
	var jrec *jsonl.Recorder
	if cfg.Output.Enabled {
		r, err := jsonl.NewRecorder(cfg.Output.Dir, cfg.Output.BufferSize, cfg.Redis.OpportunityCap)
		if err != nil {
			return nil, nil, fmt.Errorf("创建 JSONL 记录器失败: %w", err)
		}
		jrec = r
		recs = append(recs, r)
	}
	if cfg.Redis.Enabled {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		r, err := redisrec.Dial(dctx, cfg.Redis)
		if err != nil {
			// Redis 只是缓存，不可用时降级运行
			logger.Warn("Redis 不可用，跳过", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			// Redis 优先用于读取最近机会
			recs = append([]output.Recorder{r}, recs...)
		}
	}
	return output.NewMulti(recs...), jrec, nil
}

func closeRecorder(rec output.Multi, jrec *jsonl.Recorder) error {
	if jrec != nil {
		_ = jrec.Flush()
	}
	return rec.Close()
}

func newVenues(cfg *config.Config, market *metadata.Market, books paper.BookReader, logger *zap.Logger) ([]execution.Venue, error) {
	switch cfg.Execution.Mode {
	case "live":
		gw := cfg.Execution.Gateway
		timeout := config.Ms(cfg.Execution.OrderTimeoutMs)
		logger.Warn("实盘模式：订单将通过网关发送到交易所")
		return []execution.Venue{
			gateway.NewClient(model.ExchangeBinance, gw.Binance, gw.Token, gw.RateLimitPerSec, timeout, logger),
			gateway.NewClient(model.ExchangeUpbit, gw.Upbit, gw.Token, gw.RateLimitPerSec, timeout, logger),
		}, nil
	case "paper":
		return []execution.Venue{
			paper.NewVenue(model.ExchangeBinance, market.Base, cfg.Market.BinanceQuote, books, cfg.Execution.Paper, cfg.Fees.Binance, logger),
			paper.NewVenue(model.ExchangeUpbit, market.Base, cfg.Market.UpbitQuote, books, cfg.Execution.Paper, cfg.Fees.Upbit, logger),
		}, nil
	default:
		return nil, fmt.Errorf("未知执行模式: %s", cfg.Execution.Mode)
	}
}

// metricsLoop 周期写入指标快照，退出前补写最后一条
func metricsLoop(ctx context.Context, cfg *config.Config, collector *feed.Collector, mon *monitor.Monitor, gate *risk.Gate, coord *execution.Coordinator, rate *fx.Rate, logger *zap.Logger) error {
	w, err := jsonl.NewWriter(filepath.Join(cfg.Output.Dir, "metrics.jsonl"), cfg.Output.BufferSize)
	if err != nil {
		logger.Warn("创建 metrics writer 失败", zap.Error(err))
		return nil
	}
	defer w.Close()

	snapshot := func() metricsSnapshot {
		lat := make(map[string]latency.Stats, len(exchanges))
		for _, ex := range exchanges {
			lat[ex] = collector.LatencyStats(ex)
		}
		return metricsSnapshot{
			Ts:        time.Now(),
			Feed:      collector.Metrics(),
			Latency:   lat,
			Execution: mon.Stats(),
			Risk:      gate.History().Counters(),
			InFlight:  coord.InFlight(),
			FxRate:    rate.Get(),
		}
	}

	t := time.NewTicker(config.Ms(cfg.Output.MetricsIntervalMs))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = w.Write(snapshot())
			return nil
		case <-t.C:
			if err := w.Write(snapshot()); err != nil {
				logger.Debug("写入指标快照失败", zap.Error(err))
			}
		}
	}
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
