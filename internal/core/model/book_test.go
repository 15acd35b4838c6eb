// Package model 订单簿快照测试
package model

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

// **Feature: cross-exchange-arbitrage, Property 13: Snapshot Ordering**

func TestNewSnapshot_Ordering_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("买盘降序、卖盘升序、数量严格为正", prop.ForAll(
		func(bidPx, bidQty, askPx, askQty []float64) bool {
			bids := toLevels(bidPx, bidQty)
			asks := toLevels(askPx, askQty)

			snap := NewSnapshot(ExchangeBinance, "BTCUSDT", bids, asks, time.Now(), 0, 1)
			if !snap.IsSorted() {
				return false
			}
			for _, l := range append(snap.Bids, snap.Asks...) {
				if !l.Qty.IsPositive() || !l.Price.IsPositive() {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(10, gen.Float64Range(-100, 100000)),
		gen.SliceOfN(10, gen.Float64Range(-5, 10)),
		gen.SliceOfN(10, gen.Float64Range(-100, 100000)),
		gen.SliceOfN(10, gen.Float64Range(-5, 10)),
	))

	properties.TestingRun(t)
}

func toLevels(px, qty []float64) []Level {
	n := min(len(px), len(qty))
	out := make([]Level, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Level{Price: decimal.NewFromFloat(px[i]), Qty: decimal.NewFromFloat(qty[i])})
	}
	return out
}

func TestSnapshot_BestAndDepth(t *testing.T) {
	snap := NewSnapshot(ExchangeUpbit, "KRW-BTC",
		[]Level{
			{Price: decimal.NewFromInt(99), Qty: decimal.NewFromInt(1)},
			{Price: decimal.NewFromInt(100), Qty: decimal.NewFromInt(2)},
			{Price: decimal.NewFromInt(98), Qty: decimal.Zero},
		},
		[]Level{
			{Price: decimal.NewFromInt(102), Qty: decimal.NewFromInt(1)},
			{Price: decimal.NewFromInt(101), Qty: decimal.NewFromInt(3)},
		},
		time.Now(), 0, 0)

	bid, ok := snap.BestBid()
	if !ok || !bid.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("BestBid=%v, want 100", bid.Price)
	}
	ask, ok := snap.BestAsk()
	if !ok || !ask.Price.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("BestAsk=%v, want 101", ask.Price)
	}
	if len(snap.Bids) != 2 {
		t.Fatalf("数量为 0 的档位应被丢弃, len=%d", len(snap.Bids))
	}
	if !snap.IsValid() {
		t.Fatalf("快照应有效")
	}
	// 100*2 + 99*1 + 101*3 + 102*1
	if got := snap.TopDepth(5); !got.Equal(decimal.NewFromInt(704)) {
		t.Fatalf("TopDepth=%s, want 704", got)
	}
	if got := snap.MidPrice(); !got.Equal(decimal.NewFromFloat(100.5)) {
		t.Fatalf("MidPrice=%s, want 100.5", got)
	}

	top := snap.Top(1)
	if len(top.Bids) != 1 || len(top.Asks) != 1 || len(snap.Bids) != 2 {
		t.Fatalf("Top 应返回截断拷贝且不影响原快照")
	}
}

func TestSnapshot_CrossedIsInvalid(t *testing.T) {
	snap := NewSnapshot(ExchangeBinance, "BTCUSDT",
		[]Level{{Price: decimal.NewFromInt(101), Qty: decimal.NewFromInt(1)}},
		[]Level{{Price: decimal.NewFromInt(100), Qty: decimal.NewFromInt(1)}},
		time.Now(), 0, 0)
	if snap.IsValid() {
		t.Fatalf("交叉盘口不应有效")
	}

	var empty *OrderBookSnapshot
	if _, ok := empty.BestBid(); ok {
		t.Fatalf("nil 快照不应有买一")
	}
}
