package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/exchange/stream"
	"cross-exchange-arbitrage/internal/fx"
)

// flakySource 第一次运行 panic，第二次返回错误，之后发布快照并阻塞
type flakySource struct {
	exchange string
	runs     int32
	publish  func(*model.OrderBookSnapshot)
}

func (s *flakySource) Exchange() string { return s.exchange }

func (s *flakySource) Metrics() stream.ConnectionMetrics {
	return stream.ConnectionMetrics{Connected: atomic.LoadInt32(&s.runs) >= 3}
}

func (s *flakySource) Run(ctx context.Context) error {
	switch atomic.AddInt32(&s.runs, 1) {
	case 1:
		panic("boom")
	case 2:
		return errors.New("connection dropped")
	}
	s.publish(book(s.exchange, 100, 101, 1))
	<-ctx.Done()
	return ctx.Err()
}

type recordingCache struct {
	mu    sync.Mutex
	snaps []*model.OrderBookSnapshot
}

func (c *recordingCache) CacheSnapshot(_ context.Context, snap *model.OrderBookSnapshot) error {
	c.mu.Lock()
	c.snaps = append(c.snaps, snap)
	c.mu.Unlock()
	return nil
}

func (c *recordingCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

func book(exchange string, bid, ask int64, seq int64) *model.OrderBookSnapshot {
	return model.NewSnapshot(exchange, "BTC",
		[]model.Level{{Price: decimal.NewFromInt(bid), Qty: decimal.NewFromInt(2)}},
		[]model.Level{{Price: decimal.NewFromInt(ask), Qty: decimal.NewFromInt(1)}},
		time.Now(), 0, seq)
}

func TestCollector_SupervisorRestartsSource(t *testing.T) {
	rate, _ := fx.New(decimal.NewFromInt(1000))
	cache := &recordingCache{}
	c := NewCollector(Options{RestartDelay: 10 * time.Millisecond}, rate, cache, zap.NewNop())

	src := &flakySource{exchange: model.ExchangeUpbit, publish: c.Publish}
	c.AddSource(src)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for c.GetLatest(model.ExchangeUpbit) == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.GetLatest(model.ExchangeUpbit) == nil {
		t.Fatal("数据源 panic 与异常退出后应被重启并发布快照")
	}
	if atomic.LoadInt32(&src.runs) != 3 {
		t.Fatalf("runs = %d, want 3", atomic.LoadInt32(&src.runs))
	}

	for cache.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cache.len() == 0 {
		t.Fatal("快照应写入缓存")
	}

	cancel()
	done := make(chan struct{})
	go func() { _ = c.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ctx 取消后所有任务应退出")
	}
}

func TestCollector_GetLatestBeforeData(t *testing.T) {
	c := NewCollector(Options{}, nil, nil, zap.NewNop())
	if c.GetLatest(model.ExchangeBinance) != nil {
		t.Fatal("无数据时应返回 nil")
	}
	a, b := c.Pair(model.ExchangeBinance, model.ExchangeUpbit)
	if a != nil || b != nil {
		t.Fatal("无数据时 Pair 应返回 nil")
	}
}

func TestCollector_Conditions(t *testing.T) {
	rate, _ := fx.New(decimal.NewFromInt(1000))
	c := NewCollector(Options{StaleAfter: time.Minute}, rate, nil, zap.NewNop())

	up := &flakySource{exchange: model.ExchangeUpbit, runs: 3}
	bn := &flakySource{exchange: model.ExchangeBinance}
	c.AddSource(up)
	c.AddSource(bn)

	c.Publish(book(model.ExchangeUpbit, 100_000, 101_000, 1))

	cond := c.Conditions()
	u := cond.Exchanges[model.ExchangeUpbit]
	// (100000*2 + 101000*1) / 1000
	if !u.DepthTop5USD.Equal(decimal.NewFromInt(301)) {
		t.Fatalf("DepthTop5USD = %s, want 301", u.DepthTop5USD)
	}
	if u.Congested || !u.Connected {
		t.Fatalf("upbit 不应拥塞: %+v", u)
	}
	b := cond.Exchanges[model.ExchangeBinance]
	if !b.Congested || b.BookAgeMs != -1 {
		t.Fatalf("无快照且未连接的 binance 应视为拥塞: %+v", b)
	}
}
