// Package binance 实现 Binance 现货订单簿流的编解码。
// 订阅 <symbol>@depth<N>@100ms，每条消息即一份完整的前 N 档快照。
package binance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/exchange/stream"
	"cross-exchange-arbitrage/internal/util/fastparse"
)

// Codec Binance 编解码
type Codec struct {
	// symbol 交易对（大写），如 BTCUSDT
	symbol string
	// depth 订阅档位（5/10/20）
	depth int
}

// NewCodec 创建 Binance 编解码
// 参数 symbol: 交易对，如 BTCUSDT
// 参数 depth: 期望档位，取不小于该值的最近合法档位（5/10/20）
func NewCodec(symbol string, depth int) *Codec {
	return &Codec{symbol: strings.ToUpper(symbol), depth: normalizeDepth(depth)}
}

func normalizeDepth(d int) int {
	switch {
	case d <= 5:
		return 5
	case d <= 10:
		return 10
	default:
		return 20
	}
}

// Exchange 交易所标识
func (c *Codec) Exchange() string { return model.ExchangeBinance }

// Symbol 交易对
func (c *Codec) Symbol() string { return c.symbol }

// SubscribeMessages 订阅部分深度流
func (c *Codec) SubscribeMessages() ([][]byte, error) {
	req := SubscribeRequest{
		Method: "SUBSCRIBE",
		Params: []string{fmt.Sprintf("%s@depth%d@100ms", strings.ToLower(c.symbol), c.depth)},
		ID:     1,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

// Parse 解析 Binance 消息为订单簿快照
// 无法解析的档位被跳过；没有任何可用档位时返回 stream.ErrEmptyBook。
func (c *Codec) Parse(data []byte) (*model.OrderBookSnapshot, error) {
	capturedAt := time.Now()

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("解析 Binance 消息失败: %w", err)
	}
	// 订阅确认
	if env.ID != nil && env.Data == nil {
		return nil, nil
	}
	payload := data
	if len(env.Data) > 0 {
		payload = env.Data
	}

	if bytes.Contains(payload, []byte(`"depthUpdate"`)) {
		var msg DepthUpdate
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("解析 Binance depthUpdate 失败: %w", err)
		}
		if msg.Symbol != "" && !strings.EqualFold(msg.Symbol, c.symbol) {
			return nil, nil
		}
		return c.build(msg.Bids, msg.Asks, capturedAt, msg.EventTimeMs, msg.FinalUpdateID)
	}

	var msg PartialDepth
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("解析 Binance 深度失败: %w", err)
	}
	if msg.Bids == nil && msg.Asks == nil {
		return nil, nil
	}
	return c.build(msg.Bids, msg.Asks, capturedAt, 0, msg.LastUpdateID)
}

func (c *Codec) build(bids, asks [][]string, capturedAt time.Time, exchTsMs, seq int64) (*model.OrderBookSnapshot, error) {
	snap := model.NewSnapshot(model.ExchangeBinance, c.symbol, parseLevels(bids), parseLevels(asks), capturedAt, exchTsMs, seq)
	if len(snap.Bids) == 0 && len(snap.Asks) == 0 {
		return nil, stream.ErrEmptyBook
	}
	return snap, nil
}

// parseLevels 解析 [[price, qty], ...]，跳过格式错误的档位
func parseLevels(rows [][]string) []model.Level {
	out := make([]model.Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		px, err := fastparse.ParseDecimal(row[0])
		if err != nil {
			continue
		}
		qty, err := fastparse.ParseDecimal(row[1])
		if err != nil {
			continue
		}
		out = append(out, model.Level{Price: px, Qty: qty})
	}
	return out
}
