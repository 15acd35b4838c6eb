// Package binance 定义 Binance 现货行情消息类型。
package binance

import "encoding/json"

// SubscribeRequest Binance WebSocket 订阅请求
type SubscribeRequest struct {
	// Method 订阅方法: SUBSCRIBE
	Method string `json:"method"`
	// Params 订阅参数列表，如 "btcusdt@depth20@100ms"
	Params []string `json:"params"`
	// ID 请求 ID
	ID int64 `json:"id"`
}

// envelope 通用外层结构，用于区分消息类型
// - 组合流: {"stream":"...","data":{...}}
// - 订阅确认: {"result":null,"id":1}
// - 部分深度: {"lastUpdateId":...,"bids":[...],"asks":[...]}
// - 增量深度: {"e":"depthUpdate","E":...,"s":"BTCUSDT","u":...,"b":[...],"a":[...]}
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
}

// PartialDepth 部分深度快照（<symbol>@depth<N>@100ms）
type PartialDepth struct {
	// LastUpdateID 最后更新 ID -> Seq
	LastUpdateID int64 `json:"lastUpdateId"`
	// Bids 买盘 [[price, qty], ...]（字符串）
	Bids [][]string `json:"bids"`
	// Asks 卖盘 [[price, qty], ...]（字符串）
	Asks [][]string `json:"asks"`
}

// DepthUpdate 深度推送事件（depthUpdate）
// 字段映射：E -> ExchTsUnixMs，u -> Seq
type DepthUpdate struct {
	EventType     string     `json:"e"`
	EventTimeMs   int64      `json:"E"`
	Symbol        string     `json:"s"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}
