// Package metadata 负责从交易所获取市场元数据，并把配置的基础资产解析为各交易所的交易标识。
package metadata

import "github.com/shopspring/decimal"

// BinanceResponse Binance 现货元数据 API 响应
// API: GET /api/v3/exchangeInfo
type BinanceResponse struct {
	// ServerTime 服务器时间
	ServerTime int64 `json:"serverTime"`
	// Symbols 交易对列表
	Symbols []BinanceSymbol `json:"symbols"`
}

// BinanceSymbol Binance 现货交易对
type BinanceSymbol struct {
	// Symbol 交易对，如 BTCUSDT
	Symbol string `json:"symbol"`
	// Status 交易对状态: TRADING, BREAK
	Status string `json:"status"`
	// BaseAsset 标的资产，如 BTC
	BaseAsset string `json:"baseAsset"`
	// QuoteAsset 报价资产，如 USDT
	QuoteAsset string `json:"quoteAsset"`
	// Filters 过滤器列表
	Filters []BinanceFilter `json:"filters"`
}

// BinanceFilter Binance 过滤器
type BinanceFilter struct {
	// FilterType 过滤器类型: PRICE_FILTER, LOT_SIZE 等
	FilterType string `json:"filterType"`
	// TickSize 价格步长（PRICE_FILTER）
	TickSize string `json:"tickSize,omitempty"`
	// StepSize 数量步长（LOT_SIZE）
	StepSize string `json:"stepSize,omitempty"`
	// MinQty 最小数量（LOT_SIZE）
	MinQty string `json:"minQty,omitempty"`
}

// IsTrading 交易对是否可交易
func (s *BinanceSymbol) IsTrading() bool {
	return s.Status == "TRADING"
}

// LotSize 最小数量与数量步长，缺失时返回 0
func (s *BinanceSymbol) LotSize() (minQty, step decimal.Decimal) {
	for _, f := range s.Filters {
		if f.FilterType != "LOT_SIZE" {
			continue
		}
		minQty, _ = decimal.NewFromString(f.MinQty)
		step, _ = decimal.NewFromString(f.StepSize)
		return minQty, step
	}
	return decimal.Zero, decimal.Zero
}

// UpbitMarket Upbit 市场
// API: GET /v1/market/all
type UpbitMarket struct {
	// Market 市场代码，如 KRW-BTC
	Market string `json:"market"`
	// KoreanName 韩文名称
	KoreanName string `json:"korean_name"`
	// EnglishName 英文名称
	EnglishName string `json:"english_name"`
	// MarketWarning 投资警告: NONE, CAUTION
	MarketWarning string `json:"market_warning,omitempty"`
}

// Market 解析后的交易标的
type Market struct {
	// Base 基础资产，如 BTC
	Base string `json:"base"`
	// BinanceSymbol Binance 交易对，如 BTCUSDT
	BinanceSymbol string `json:"binance_symbol"`
	// BinanceMinQty Binance 最小下单数量
	BinanceMinQty decimal.Decimal `json:"binance_min_qty"`
	// BinanceStepSize Binance 数量步长
	BinanceStepSize decimal.Decimal `json:"binance_step_size"`
	// UpbitMarket Upbit 市场代码，如 KRW-BTC
	UpbitMarket string `json:"upbit_market"`
	// UpbitWarning Upbit 投资警告标记
	UpbitWarning bool `json:"upbit_warning"`
}

// SymbolFor 返回指定交易所的原生交易标识
func (m *Market) SymbolFor(exchange string) string {
	switch exchange {
	case "binance":
		return m.BinanceSymbol
	case "upbit":
		return m.UpbitMarket
	}
	return ""
}
