package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// HedgeKind 对冲策略类型
type HedgeKind string

const (
	// HedgeNone 不对冲
	HedgeNone HedgeKind = "no_hedge"
	// HedgePartial 部分对冲（Amount 比例，Exchange 交易所）
	HedgePartial HedgeKind = "partial_hedge"
	// HedgeFull 完全对冲
	HedgeFull HedgeKind = "full_hedge"
)

// HedgingStrategy 对冲策略
type HedgingStrategy struct {
	Kind HedgeKind `json:"type"`
	// Amount 对冲比例 (0,1]，仅 partial_hedge 有效
	Amount float64 `json:"amount,omitempty"`
	// Exchange 对冲所在交易所，仅 partial_hedge 有效
	Exchange string `json:"exchange,omitempty"`
}

// AssessmentSource 决策来源
type AssessmentSource string

const (
	SourceAdvisory AssessmentSource = "advisory"
	SourceFallback AssessmentSource = "fallback"
)

// RiskAssessment 风险闸门对单个机会的决策
type RiskAssessment struct {
	// Path 对应机会路径
	Path string `json:"path"`
	// ShouldExecute 是否执行
	ShouldExecute bool `json:"should_execute"`
	// RiskScore 风险分 [0,1]
	RiskScore float64 `json:"risk_score"`
	// Hedging 对冲策略
	Hedging HedgingStrategy `json:"hedging_strategy"`
	// Confidence 置信度 [0,1]
	Confidence float64 `json:"confidence"`
	// Reasoning 决策说明
	Reasoning string `json:"reasoning"`
	// Source advisory 或 fallback
	Source AssessmentSource `json:"source"`
	// AssessedAt 评估时间
	AssessedAt time.Time `json:"assessed_at"`
}

// ExchangeConditions 单个交易所的行情状况
type ExchangeConditions struct {
	// Connected 行情连接是否在线
	Connected bool `json:"connected"`
	// FeedLatencyMs 行情时延 P50（毫秒），交易所未提供时间戳时为 0
	FeedLatencyMs float64 `json:"feed_latency_ms"`
	// Volatility1m 1 分钟已实现波动率（log return 标准差）
	Volatility1m float64 `json:"volatility_1m"`
	// DepthTop5USD 前 5 档买卖深度（USD）
	DepthTop5USD decimal.Decimal `json:"depth_top5_usd"`
	// BookAgeMs 最新快照年龄（毫秒），无快照时为 -1
	BookAgeMs int64 `json:"book_age_ms"`
	// Congested 连接断开或快照过旧
	Congested bool `json:"congested"`
}

// MarketConditions 风险评估时附带的市场状况
type MarketConditions struct {
	Exchanges map[string]ExchangeConditions `json:"exchanges"`
	// CapturedAt 采集时间
	CapturedAt time.Time `json:"captured_at"`
}
