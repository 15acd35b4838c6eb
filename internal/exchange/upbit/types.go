// Package upbit 定义 Upbit 行情消息类型。
package upbit

import "encoding/json"

// Ticket 订阅票据
type Ticket struct {
	Ticket string `json:"ticket"`
}

// TypeField 订阅类型
type TypeField struct {
	// Type orderbook
	Type string `json:"type"`
	// Codes 市场代码，如 "KRW-BTC.15"（.N 表示档位数）
	Codes []string `json:"codes"`
}

// FormatField 响应格式
type FormatField struct {
	// Format DEFAULT 或 SIMPLE
	Format string `json:"format"`
}

// Orderbook 订单簿推送（WebSocket 为对象，REST 为数组元素）
type Orderbook struct {
	Type string `json:"type"`
	// Code WebSocket 市场代码
	Code string `json:"code"`
	// Market REST 市场代码
	Market string `json:"market"`
	// Timestamp 毫秒时间戳 -> ExchTsUnixMs
	Timestamp int64 `json:"timestamp"`
	// Units 档位，逐行解析以便跳过单行错误
	Units []json.RawMessage `json:"orderbook_units"`
	// Error 错误响应
	Error *ErrorBody `json:"error"`
}

// Unit 单档买卖
type Unit struct {
	AskPrice json.Number `json:"ask_price"`
	BidPrice json.Number `json:"bid_price"`
	AskSize  json.Number `json:"ask_size"`
	BidSize  json.Number `json:"bid_size"`
}

// ErrorBody 错误信息
type ErrorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}
