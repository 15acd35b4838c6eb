// Package feed 实现行情采集器。
// 每个交易所一个长期运行的数据源任务，解析后的快照整体发布到 store；
// 其他组件只能通过 GetLatest / Pair 读取只读快照。
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/core/store"
	"cross-exchange-arbitrage/internal/exchange/stream"
	"cross-exchange-arbitrage/internal/fx"
	"cross-exchange-arbitrage/internal/stats/latency"
	"cross-exchange-arbitrage/internal/stats/vol"
	"cross-exchange-arbitrage/internal/util/backoff"
	"cross-exchange-arbitrage/internal/util/timeutil"
)

// Source 行情数据源（stream.Client 实现）
type Source interface {
	Exchange() string
	// Run 阻塞运行直到 ctx 取消；返回即视为异常退出
	Run(ctx context.Context) error
	Metrics() stream.ConnectionMetrics
}

// SnapshotCache 快照缓存（持久化协作方，尽力而为）
type SnapshotCache interface {
	CacheSnapshot(ctx context.Context, snap *model.OrderBookSnapshot) error
}

// Options 采集器参数
type Options struct {
	// RestartDelay 数据源异常退出后的重启间隔
	RestartDelay time.Duration
	// StaleAfter 快照超过该年龄视为拥塞
	StaleAfter time.Duration
	// LatencyWindow 行情时延滚动窗口大小
	LatencyWindow int
	// CacheBuffer 异步缓存队列长度
	CacheBuffer int
}

func (o *Options) setDefaults() {
	if o.RestartDelay <= 0 {
		o.RestartDelay = 5 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Second
	}
	if o.LatencyWindow <= 0 {
		o.LatencyWindow = 1000
	}
	if o.CacheBuffer <= 0 {
		o.CacheBuffer = 256
	}
}

// Collector 行情采集器
type Collector struct {
	opts    Options
	store   *store.Store
	rate    *fx.Rate
	cache   SnapshotCache
	logger  *zap.Logger
	latency *latency.Tracker

	mu      sync.Mutex
	sources []Source
	vols    map[string]*vol.Sampler

	cacheCh chan *model.OrderBookSnapshot
	group   *errgroup.Group
}

// NewCollector 创建行情采集器
// 参数 rate: 汇率，用于把深度换算为 USD
// 参数 cache: 快照缓存，可为 nil
func NewCollector(opts Options, rate *fx.Rate, cache SnapshotCache, logger *zap.Logger) *Collector {
	opts.setDefaults()
	return &Collector{
		opts:    opts,
		store:   store.New(),
		rate:    rate,
		cache:   cache,
		logger:  logger.Named("feed"),
		latency: latency.NewTracker(opts.LatencyWindow),
		vols:    make(map[string]*vol.Sampler),
		cacheCh: make(chan *model.OrderBookSnapshot, opts.CacheBuffer),
	}
}

// AddSource 注册数据源，须在 Start 之前调用
func (c *Collector) AddSource(src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, src)
	c.vols[src.Exchange()] = vol.NewSampler(time.Second, vol.DefaultSamples)
}

// Publish 发布一份新快照（数据源回调）
func (c *Collector) Publish(snap *model.OrderBookSnapshot) {
	if !c.store.Update(snap) {
		return
	}

	c.latency.Add(snap.Exchange, timeutil.FeedLatencyMs(snap.CapturedAt.UnixNano(), snap.ExchTsUnixMs))

	c.mu.Lock()
	sampler := c.vols[snap.Exchange]
	c.mu.Unlock()
	if sampler != nil {
		mid, _ := snap.MidPrice().Float64()
		sampler.Add(snap.CapturedAt.UnixNano(), mid)
	}

	if c.cache != nil {
		select {
		case c.cacheCh <- snap:
		default:
		}
	}
}

// Start 启动所有数据源与缓存任务，立即返回
// 每个数据源由独立的监督循环运行：Run 返回或 panic 后按 RestartDelay 重启，直到 ctx 取消。
func (c *Collector) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)

	c.mu.Lock()
	sources := append([]Source(nil), c.sources...)
	c.mu.Unlock()

	for _, src := range sources {
		g.Go(func() error {
			c.supervise(gctx, src)
			return nil
		})
	}
	if c.cache != nil {
		g.Go(func() error {
			c.cacheLoop(gctx)
			return nil
		})
	}

	c.mu.Lock()
	c.group = g
	c.mu.Unlock()

	c.logger.Info("行情采集已启动", zap.Int("sources", len(sources)))
}

// Wait 等待所有任务退出（ctx 取消后）
func (c *Collector) Wait() error {
	c.mu.Lock()
	g := c.group
	c.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

func (c *Collector) supervise(ctx context.Context, src Source) {
	restart := backoff.NewFixed(c.opts.RestartDelay)
	for {
		err := c.runSafely(ctx, src)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("数据源退出，准备重启",
			zap.String("exchange", src.Exchange()),
			zap.Error(err),
			zap.Duration("delay", c.opts.RestartDelay))
		if restart.Wait(ctx) != nil {
			return
		}
	}
}

func (c *Collector) runSafely(ctx context.Context, src Source) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return src.Run(ctx)
}

func (c *Collector) cacheLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-c.cacheCh:
			cctx, cancel := context.WithTimeout(ctx, time.Second)
			if err := c.cache.CacheSnapshot(cctx, snap.Top(20)); err != nil {
				c.logger.Debug("缓存快照失败", zap.String("exchange", snap.Exchange), zap.Error(err))
			}
			cancel()
		}
	}
}

// GetLatest 无锁读取最新快照，尚无数据时返回 nil
func (c *Collector) GetLatest(exchange string) *model.OrderBookSnapshot {
	return c.store.Get(exchange)
}

// Pair 一次读取两个交易所的快照
func (c *Collector) Pair(a, b string) (*model.OrderBookSnapshot, *model.OrderBookSnapshot) {
	return c.store.Pair(a, b)
}

// Metrics 各数据源连接指标
func (c *Collector) Metrics() map[string]stream.ConnectionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]stream.ConnectionMetrics, len(c.sources))
	for _, src := range c.sources {
		out[src.Exchange()] = src.Metrics()
	}
	return out
}

// Conditions 汇总当前市场状况
func (c *Collector) Conditions() model.MarketConditions {
	now := time.Now()
	metrics := c.Metrics()

	c.mu.Lock()
	vols := make(map[string]*vol.Sampler, len(c.vols))
	for k, v := range c.vols {
		vols[k] = v
	}
	c.mu.Unlock()

	out := model.MarketConditions{
		Exchanges:  make(map[string]model.ExchangeConditions, len(metrics)),
		CapturedAt: now,
	}
	for exchange, m := range metrics {
		ec := model.ExchangeConditions{
			Connected:     m.Connected,
			FeedLatencyMs: c.latency.Stats(exchange).P50Ms,
			BookAgeMs:     -1,
		}
		if s := vols[exchange]; s != nil {
			ec.Volatility1m = s.Realized()
		}
		if snap := c.store.Get(exchange); snap != nil {
			ec.BookAgeMs = snap.Age(now).Milliseconds()
			if c.rate != nil {
				ec.DepthTop5USD = c.rate.USD(exchange, snap.TopDepth(5))
			}
		}
		ec.Congested = !m.Connected || ec.BookAgeMs < 0 || time.Duration(ec.BookAgeMs)*time.Millisecond > c.opts.StaleAfter
		out.Exchanges[exchange] = ec
	}
	return out
}

// LatencyStats 指定交易所的行情时延统计
func (c *Collector) LatencyStats(exchange string) latency.Stats {
	return c.latency.Stats(exchange)
}
