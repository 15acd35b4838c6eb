// Package risk 实现风险闸门：对单个套利机会给出执行与否及对冲策略。
//
// 外部咨询服务只是尽力而为的增强：超时、连接失败、响应格式错误或任何异常
// 都会回落到本地确定性规则，AssessRisk 永远返回一个决策且不会向调用方抛出。
package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cross-exchange-arbitrage/internal/config"
	"cross-exchange-arbitrage/internal/core/model"
)

// fallbackConfidence 本地规则的固定置信度
const fallbackConfidence = 0.5

// ConditionsProvider 市场状况来源（行情采集器实现）
type ConditionsProvider interface {
	Conditions() model.MarketConditions
}

// Params 风险闸门参数
type Params struct {
	MinProfitUSD     decimal.Decimal
	MinProfitPercent decimal.Decimal
	// MaxRiskScore 风险分须严格低于该值
	MaxRiskScore float64
	// MaxLatencyMs 当前往返时延须严格低于该值
	MaxLatencyMs float64
	// MinLiquidityQty 可交易数量下限
	MinLiquidityQty decimal.Decimal
	// HedgeRiskThreshold 风险分高于该值时部分对冲
	HedgeRiskThreshold float64
	// HedgeAmount 部分对冲比例
	HedgeAmount float64
	// AdvisoryTimeout 咨询调用超时
	AdvisoryTimeout time.Duration
	// Model / MaxTokens 透传给咨询服务
	Model     string
	MaxTokens int
}

// ParamsFromConfig 从配置构造风险参数
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		MinProfitUSD:       decimal.NewFromFloat(cfg.Detector.MinProfitUSD),
		MinProfitPercent:   decimal.NewFromFloat(cfg.Detector.MinProfitPercent),
		MaxRiskScore:       cfg.Risk.MaxRiskScore,
		MaxLatencyMs:       cfg.Risk.MaxLatencyMs,
		MinLiquidityQty:    decimal.NewFromFloat(cfg.Risk.MinLiquidityQty),
		HedgeRiskThreshold: cfg.Risk.HedgeRiskThreshold,
		HedgeAmount:        cfg.Risk.HedgeAmount,
		AdvisoryTimeout:    config.Ms(cfg.Advisory.TimeoutMs),
		Model:              cfg.Advisory.Model,
		MaxTokens:          cfg.Advisory.MaxTokens,
	}
}

func (p *Params) setDefaults() {
	if p.MaxRiskScore <= 0 {
		p.MaxRiskScore = 0.7
	}
	if p.MaxLatencyMs <= 0 {
		p.MaxLatencyMs = 100
	}
	if p.HedgeRiskThreshold <= 0 {
		p.HedgeRiskThreshold = 0.5
	}
	if p.HedgeAmount <= 0 || p.HedgeAmount > 1 {
		p.HedgeAmount = 0.5
	}
	if p.AdvisoryTimeout <= 0 {
		p.AdvisoryTimeout = 5 * time.Second
	}
}

// Gate 风险闸门
type Gate struct {
	params     Params
	advisor    Advisor
	conditions ConditionsProvider
	history    *History
	logger     *zap.Logger
	now        func() time.Time
}

// NewGate 创建风险闸门
// 参数 advisor: 外部咨询服务，nil 表示只使用本地规则
// 参数 conditions: 市场状况来源，可为 nil
// 参数 historySize: 评估历史容量
func NewGate(params Params, advisor Advisor, conditions ConditionsProvider, historySize int, logger *zap.Logger) *Gate {
	params.setDefaults()
	return &Gate{
		params:     params,
		advisor:    advisor,
		conditions: conditions,
		history:    NewHistory(historySize),
		logger:     logger.Named("risk"),
		now:        time.Now,
	}
}

// History 评估历史
func (g *Gate) History() *History {
	return g.history
}

// AssessRisk 评估单个机会
// 参数 latencyMs: 当前往返时延（毫秒）
func (g *Gate) AssessRisk(ctx context.Context, opp model.ArbitrageOpportunity, latencyMs float64) (out model.RiskAssessment) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("风险评估异常，使用本地规则", zap.String("path", opp.Path), zap.Any("panic", r))
			out = g.Fallback(opp, latencyMs)
		}
		g.history.Add(out)
	}()

	if g.advisor == nil {
		return g.Fallback(opp, latencyMs)
	}

	a, err := g.consult(ctx, opp, latencyMs)
	if err != nil {
		g.logger.Warn("咨询服务不可用，使用本地规则", zap.String("path", opp.Path), zap.Error(err))
		return g.Fallback(opp, latencyMs)
	}
	return a
}

func (g *Gate) consult(ctx context.Context, opp model.ArbitrageOpportunity, latencyMs float64) (model.RiskAssessment, error) {
	req := AdvisoryRequest{
		Model:            g.params.Model,
		MaxTokens:        g.params.MaxTokens,
		Opportunity:      opportunityContext(opp),
		CurrentLatencyMs: latencyMs,
	}
	if g.conditions != nil {
		req.Market = g.conditions.Conditions()
	}

	actx, cancel := context.WithTimeout(ctx, g.params.AdvisoryTimeout)
	defer cancel()

	resp, err := g.advise(actx, req)
	if err != nil {
		return model.RiskAssessment{}, err
	}
	if err := resp.Validate(); err != nil {
		return model.RiskAssessment{}, err
	}
	return resp.assessment(opp.Path, g.now()), nil
}

type adviceResult struct {
	resp *AdvisoryResponse
	err  error
}

// advise 在独立 goroutine 中调用咨询服务，ctx 到期即返回
// 不响应 ctx 的实现会在后台自行结束，结果被丢弃。
func (g *Gate) advise(ctx context.Context, req AdvisoryRequest) (*AdvisoryResponse, error) {
	done := make(chan adviceResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- adviceResult{err: fmt.Errorf("%w: advisor panic: %v", ErrAdvisoryUnavailable, r)}
			}
		}()
		resp, err := g.advisor.Advise(ctx, req)
		done <- adviceResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrAdvisoryUnavailable, ctx.Err())
	}
}

func opportunityContext(opp model.ArbitrageOpportunity) OpportunityContext {
	return OpportunityContext{
		Path:          opp.Path,
		BuyExchange:   opp.BuyExchange,
		SellExchange:  opp.SellExchange,
		Quantity:      opp.Quantity,
		ProfitUSD:     opp.ProfitUSD,
		ProfitPercent: opp.ProfitPercent,
		RiskScore:     opp.RiskScore,
		FeeOptimized:  opp.FeeOptimized,
		BuyPrice:      opp.BuyPrice,
		SellPrice:     opp.SellPrice,
		PriceDiff:     opp.PriceDiff,
		TotalFees:     opp.TotalFees,
		Slippage:      opp.Slippage,
	}
}

// Fallback 本地确定性规则
// 执行条件: 利润与利润率均达标、风险分 < MaxRiskScore、时延 < MaxLatencyMs、数量 >= MinLiquidityQty
// 对冲: 风险分 > HedgeRiskThreshold 时在买入（低价）交易所部分对冲 HedgeAmount，否则不对冲
func (g *Gate) Fallback(opp model.ArbitrageOpportunity, latencyMs float64) model.RiskAssessment {
	var reasons []string
	if opp.ProfitUSD.LessThan(g.params.MinProfitUSD) {
		reasons = append(reasons, fmt.Sprintf("profit %s below %s USD", opp.ProfitUSD.StringFixed(2), g.params.MinProfitUSD))
	}
	if opp.ProfitPercent.LessThan(g.params.MinProfitPercent) {
		reasons = append(reasons, fmt.Sprintf("profit %s%% below %s%%", opp.ProfitPercent.StringFixed(3), g.params.MinProfitPercent))
	}
	if math.IsNaN(opp.RiskScore) || opp.RiskScore >= g.params.MaxRiskScore {
		reasons = append(reasons, fmt.Sprintf("risk %.3f not below %.2f", opp.RiskScore, g.params.MaxRiskScore))
	}
	if math.IsNaN(latencyMs) || latencyMs >= g.params.MaxLatencyMs {
		reasons = append(reasons, fmt.Sprintf("latency %.1fms not below %.1fms", latencyMs, g.params.MaxLatencyMs))
	}
	if opp.Quantity.LessThan(g.params.MinLiquidityQty) {
		reasons = append(reasons, fmt.Sprintf("quantity %s below %s", opp.Quantity, g.params.MinLiquidityQty))
	}

	hedge := model.HedgingStrategy{Kind: model.HedgeNone}
	if opp.RiskScore > g.params.HedgeRiskThreshold {
		hedge = model.HedgingStrategy{Kind: model.HedgePartial, Amount: g.params.HedgeAmount, Exchange: opp.BuyExchange}
	}

	reasoning := "fallback: all checks passed"
	if len(reasons) > 0 {
		reasoning = "fallback: " + strings.Join(reasons, "; ")
	}

	return model.RiskAssessment{
		Path:          opp.Path,
		ShouldExecute: len(reasons) == 0,
		RiskScore:     opp.RiskScore,
		Hedging:       hedge,
		Confidence:    fallbackConfidence,
		Reasoning:     reasoning,
		Source:        model.SourceFallback,
		AssessedAt:    g.now(),
	}
}
