// Package upbit 实现 Upbit 订单簿流的编解码。
// Upbit 以二进制帧推送 JSON；每条 orderbook 消息即一份完整快照。
package upbit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/exchange/stream"
	"cross-exchange-arbitrage/internal/util/fastparse"
)

// Codec Upbit 编解码
type Codec struct {
	// market 市场代码，如 KRW-BTC
	market string
	// depth 订阅档位（1/5/15/30）
	depth int
}

// NewCodec 创建 Upbit 编解码
// 参数 market: 市场代码，如 KRW-BTC
// 参数 depth: 期望档位
func NewCodec(market string, depth int) *Codec {
	return &Codec{market: strings.ToUpper(market), depth: normalizeDepth(depth)}
}

func normalizeDepth(d int) int {
	switch {
	case d <= 1:
		return 1
	case d <= 5:
		return 5
	case d <= 15:
		return 15
	default:
		return 30
	}
}

// Exchange 交易所标识
func (c *Codec) Exchange() string { return model.ExchangeUpbit }

// Market 市场代码
func (c *Codec) Market() string { return c.market }

// SubscribeMessages Upbit 订阅为单条数组消息: [ticket, type, format]
func (c *Codec) SubscribeMessages() ([][]byte, error) {
	req := []any{
		Ticket{Ticket: uuid.NewString()},
		TypeField{Type: "orderbook", Codes: []string{fmt.Sprintf("%s.%d", c.market, c.depth)}},
		FormatField{Format: "DEFAULT"},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

// Parse 解析 Upbit 消息为订单簿快照
// 兼容对象与数组两种外层；数组取第一个匹配市场的元素。
func (c *Codec) Parse(data []byte) (*model.OrderBookSnapshot, error) {
	capturedAt := time.Now()

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("解析 Upbit 消息失败: 空消息")
	}

	var books []Orderbook
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &books); err != nil {
			return nil, fmt.Errorf("解析 Upbit 消息失败: %w", err)
		}
	} else {
		var ob Orderbook
		if err := json.Unmarshal(trimmed, &ob); err != nil {
			return nil, fmt.Errorf("解析 Upbit 消息失败: %w", err)
		}
		books = []Orderbook{ob}
	}

	for i := range books {
		ob := &books[i]
		if ob.Error != nil {
			return nil, fmt.Errorf("Upbit 错误: %s: %s", ob.Error.Name, ob.Error.Message)
		}
		code := ob.Code
		if code == "" {
			code = ob.Market
		}
		// 状态消息（如 {"status":"UP"}）没有市场代码
		if code == "" || !strings.EqualFold(code, c.market) {
			continue
		}
		return c.build(ob, capturedAt)
	}
	return nil, nil
}

func (c *Codec) build(ob *Orderbook, capturedAt time.Time) (*model.OrderBookSnapshot, error) {
	bids := make([]model.Level, 0, len(ob.Units))
	asks := make([]model.Level, 0, len(ob.Units))

	for _, raw := range ob.Units {
		var u Unit
		if err := json.Unmarshal(raw, &u); err != nil {
			continue
		}
		if l, ok := level(u.BidPrice, u.BidSize); ok {
			bids = append(bids, l)
		}
		if l, ok := level(u.AskPrice, u.AskSize); ok {
			asks = append(asks, l)
		}
	}

	snap := model.NewSnapshot(model.ExchangeUpbit, c.market, bids, asks, capturedAt, ob.Timestamp, ob.Timestamp)
	if len(snap.Bids) == 0 && len(snap.Asks) == 0 {
		return nil, stream.ErrEmptyBook
	}
	return snap, nil
}

func level(px, qty json.Number) (model.Level, bool) {
	p, err := fastparse.DecimalFromNumber(px)
	if err != nil {
		return model.Level{}, false
	}
	q, err := fastparse.DecimalFromNumber(qty)
	if err != nil {
		return model.Level{}, false
	}
	return model.Level{Price: p, Qty: q}, true
}
