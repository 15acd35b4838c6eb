package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ArbitrageOpportunity 跨交易所套利机会（值类型，创建后不可修改）
// 所有金额以 USD（USDT）计价，并已扣除双边 taker 手续费与滑点缓冲。
type ArbitrageOpportunity struct {
	// Path 路径描述，如 "BTC/USDT (binance) -> KRW-BTC (upbit)"
	Path string `json:"path"`
	// BuyExchange 买入交易所
	BuyExchange string `json:"buy_exchange"`
	// SellExchange 卖出交易所
	SellExchange string `json:"sell_exchange"`
	// Quantity 可交易数量 = min(买一卖量, 卖一买量)
	Quantity decimal.Decimal `json:"quantity"`
	// ProfitUSD 单位净利润
	ProfitUSD decimal.Decimal `json:"profit_usd"`
	// ProfitPercent 净利润 / 买入价 × 100
	ProfitPercent decimal.Decimal `json:"profit_percent"`
	// RiskScore 风险分 [0,1]
	RiskScore float64 `json:"risk_score"`
	// FeeOptimized 手续费 < 0.5 × 净利润
	FeeOptimized bool `json:"fee_optimized"`
	// BuyPrice 买入价（USD）
	BuyPrice decimal.Decimal `json:"buy_price"`
	// SellPrice 卖出价（换算为 USD）
	SellPrice decimal.Decimal `json:"sell_price"`
	// BuyPriceNative 买入价（买入交易所原生计价）
	BuyPriceNative decimal.Decimal `json:"buy_price_native"`
	// SellPriceNative 卖出价（卖出交易所原生计价）
	SellPriceNative decimal.Decimal `json:"sell_price_native"`
	// PriceDiff 原始价差 = SellPrice - BuyPrice
	PriceDiff decimal.Decimal `json:"price_diff"`
	// TotalFees 双边 taker 手续费合计
	TotalFees decimal.Decimal `json:"total_fees"`
	// Slippage 滑点缓冲
	Slippage decimal.Decimal `json:"slippage"`
	// DetectedAt 检测时间
	DetectedAt time.Time `json:"detected_at"`
}

// ExpectedProfit 按可交易数量估算的总净利润
func (o ArbitrageOpportunity) ExpectedProfit() decimal.Decimal {
	return o.ProfitUSD.Mul(o.Quantity)
}
