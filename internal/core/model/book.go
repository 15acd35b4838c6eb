// Package model 定义套利引擎中使用的核心数据结构。
// 包含订单簿快照、套利机会、风险评估与执行结果等类型。
// 所有价格、数量、费用均使用 decimal，避免二进制浮点累计误差。
package model

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange 交易所标识常量
const (
	// ExchangeBinance Binance 现货（USDT 计价）
	ExchangeBinance = "binance"
	// ExchangeUpbit Upbit 现货（KRW 计价）
	ExchangeUpbit = "upbit"
)

// Level 订单簿档位
type Level struct {
	// Price 价格（交易所原生计价货币）
	Price decimal.Decimal `json:"price"`
	// Qty 数量（基础资产）
	Qty decimal.Decimal `json:"qty"`
}

// OrderBookSnapshot 单个 (交易所, 交易对) 的订单簿快照
// 快照一经发布即视为只读；更新时整体替换，不做字段级修改。
type OrderBookSnapshot struct {
	// Exchange 交易所标识: binance, upbit
	Exchange string `json:"exchange"`
	// Symbol 交易所原生交易对，如 BTCUSDT、KRW-BTC
	Symbol string `json:"symbol"`
	// Bids 买盘（价格降序）
	Bids []Level `json:"bids"`
	// Asks 卖盘（价格升序）
	Asks []Level `json:"asks"`
	// CapturedAt 本机收到消息的时间
	CapturedAt time.Time `json:"captured_at"`
	// ExchTsUnixMs 交易所事件时间（毫秒），交易所未提供时为 0
	ExchTsUnixMs int64 `json:"exch_ts_ms"`
	// Seq 序列号 / 更新 ID
	// Binance: lastUpdateId 或 u
	// Upbit: 无此字段，使用交易所时间戳
	Seq int64 `json:"seq"`
}

// NewSnapshot 构造归一化快照
// 丢弃价格或数量非正的档位，并按买盘降序、卖盘升序排序。
func NewSnapshot(exchange, symbol string, bids, asks []Level, capturedAt time.Time, exchTsMs, seq int64) *OrderBookSnapshot {
	return &OrderBookSnapshot{
		Exchange:     exchange,
		Symbol:       symbol,
		Bids:         normalizeSide(bids, true),
		Asks:         normalizeSide(asks, false),
		CapturedAt:   capturedAt,
		ExchTsUnixMs: exchTsMs,
		Seq:          seq,
	}
}

func normalizeSide(levels []Level, desc bool) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		if !l.Price.IsPositive() || !l.Qty.IsPositive() {
			continue
		}
		out = append(out, l)
	}
	slices.SortStableFunc(out, func(a, b Level) int {
		if desc {
			return b.Price.Cmp(a.Price)
		}
		return a.Price.Cmp(b.Price)
	})
	return out
}

// BestBid 获取买一档
func (b *OrderBookSnapshot) BestBid() (Level, bool) {
	if b == nil || len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk 获取卖一档
func (b *OrderBookSnapshot) BestAsk() (Level, bool) {
	if b == nil || len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// IsSorted 检查快照不变量：买盘降序、卖盘升序、数量严格为正
func (b *OrderBookSnapshot) IsSorted() bool {
	for i, l := range b.Bids {
		if !l.Qty.IsPositive() {
			return false
		}
		if i > 0 && l.Price.GreaterThan(b.Bids[i-1].Price) {
			return false
		}
	}
	for i, l := range b.Asks {
		if !l.Qty.IsPositive() {
			return false
		}
		if i > 0 && l.Price.LessThan(b.Asks[i-1].Price) {
			return false
		}
	}
	return true
}

// IsValid 快照可用于检测：双边非空、已排序且未交叉
func (b *OrderBookSnapshot) IsValid() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return false
	}
	return b.IsSorted() && bid.Price.LessThan(ask.Price)
}

// MidPrice 中间价；任一侧为空时返回 0
func (b *OrderBookSnapshot) MidPrice() decimal.Decimal {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
}

// TopDepth 前 n 档双边名义价值（原生计价货币）
func (b *OrderBookSnapshot) TopDepth(n int) decimal.Decimal {
	total := decimal.Zero
	for i, l := range b.Bids {
		if i >= n {
			break
		}
		total = total.Add(l.Price.Mul(l.Qty))
	}
	for i, l := range b.Asks {
		if i >= n {
			break
		}
		total = total.Add(l.Price.Mul(l.Qty))
	}
	return total
}

// Age 快照距 now 的时长
func (b *OrderBookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(b.CapturedAt)
}

// Top 返回截断到前 n 档的深拷贝，供对外展示
func (b *OrderBookSnapshot) Top(n int) *OrderBookSnapshot {
	clone := *b
	clone.Bids = slices.Clone(b.Bids[:min(n, len(b.Bids))])
	clone.Asks = slices.Clone(b.Asks[:min(n, len(b.Asks))])
	return &clone
}
