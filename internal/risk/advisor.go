package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cross-exchange-arbitrage/internal/config"
	"cross-exchange-arbitrage/internal/core/model"
)

// maxAdvisoryBody 咨询服务响应体上限
const maxAdvisoryBody = 64 << 10

var (
	// ErrAdvisoryTooLarge 响应体超过上限
	ErrAdvisoryTooLarge = errors.New("risk: advisory response exceeds 64KiB")
	// ErrAdvisoryInvalid 响应不符合约定格式
	ErrAdvisoryInvalid = errors.New("risk: invalid advisory response")
	// ErrAdvisoryUnavailable 咨询服务超时或异常
	ErrAdvisoryUnavailable = errors.New("risk: advisory unavailable")
)

// Advisor 外部风险咨询服务
type Advisor interface {
	Advise(ctx context.Context, req AdvisoryRequest) (*AdvisoryResponse, error)
}

// OpportunityContext 发送给咨询服务的机会经济数据
type OpportunityContext struct {
	Path          string          `json:"path"`
	BuyExchange   string          `json:"buy_exchange"`
	SellExchange  string          `json:"sell_exchange"`
	Quantity      decimal.Decimal `json:"quantity"`
	ProfitUSD     decimal.Decimal `json:"profit_usd"`
	ProfitPercent decimal.Decimal `json:"profit_percent"`
	RiskScore     float64         `json:"risk_score"`
	FeeOptimized  bool            `json:"fee_optimized"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	SellPrice     decimal.Decimal `json:"sell_price"`
	PriceDiff     decimal.Decimal `json:"price_diff"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	Slippage      decimal.Decimal `json:"slippage"`
}

// AdvisoryRequest 咨询请求
type AdvisoryRequest struct {
	// Model 咨询服务使用的模型（透传）
	Model string `json:"model,omitempty"`
	// MaxTokens 响应长度上限（透传）
	MaxTokens        int                    `json:"max_tokens,omitempty"`
	Opportunity      OpportunityContext     `json:"opportunity"`
	Market           model.MarketConditions `json:"market_conditions"`
	CurrentLatencyMs float64                `json:"current_latency_ms"`
}

// HedgeAdvice 咨询服务给出的对冲策略
type HedgeAdvice struct {
	Type     string  `json:"type"`
	Amount   float64 `json:"amount,omitempty"`
	Exchange string  `json:"exchange,omitempty"`
}

// AdvisoryResponse 咨询响应
// 必填字段使用指针，以区分缺失与零值。
type AdvisoryResponse struct {
	Execute         *bool        `json:"execute"`
	RiskScore       *float64     `json:"risk_score"`
	HedgingStrategy *HedgeAdvice `json:"hedging_strategy"`
	Confidence      *float64     `json:"confidence"`
	Reasoning       string       `json:"reasoning"`
}

// Validate 校验响应字段与取值范围
func (r *AdvisoryResponse) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: empty response", ErrAdvisoryInvalid)
	}
	if r.Execute == nil {
		return fmt.Errorf("%w: missing execute", ErrAdvisoryInvalid)
	}
	if r.RiskScore == nil || !unit(*r.RiskScore) {
		return fmt.Errorf("%w: risk_score must be within [0,1]", ErrAdvisoryInvalid)
	}
	if r.Confidence == nil || !unit(*r.Confidence) {
		return fmt.Errorf("%w: confidence must be within [0,1]", ErrAdvisoryInvalid)
	}
	h := r.HedgingStrategy
	if h == nil {
		return fmt.Errorf("%w: missing hedging_strategy", ErrAdvisoryInvalid)
	}
	switch model.HedgeKind(h.Type) {
	case model.HedgeNone, model.HedgeFull:
	case model.HedgePartial:
		if math.IsNaN(h.Amount) || h.Amount <= 0 || h.Amount > 1 {
			return fmt.Errorf("%w: partial hedge amount must be within (0,1]", ErrAdvisoryInvalid)
		}
		if h.Exchange == "" {
			return fmt.Errorf("%w: partial hedge requires exchange", ErrAdvisoryInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown hedge type %q", ErrAdvisoryInvalid, h.Type)
	}
	return nil
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// assessment 转换为风险评估（已校验的响应原样采用）
func (r *AdvisoryResponse) assessment(path string, now time.Time) model.RiskAssessment {
	hedge := model.HedgingStrategy{Kind: model.HedgeKind(r.HedgingStrategy.Type)}
	if hedge.Kind == model.HedgePartial {
		hedge.Amount = r.HedgingStrategy.Amount
		hedge.Exchange = r.HedgingStrategy.Exchange
	}
	return model.RiskAssessment{
		Path:          path,
		ShouldExecute: *r.Execute,
		RiskScore:     *r.RiskScore,
		Hedging:       hedge,
		Confidence:    *r.Confidence,
		Reasoning:     r.Reasoning,
		Source:        model.SourceAdvisory,
		AssessedAt:    now,
	}
}

// HTTPAdvisor 通过 HTTP JSON 调用外部咨询服务
type HTTPAdvisor struct {
	url    string
	apiKey string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPAdvisor 创建 HTTP 咨询客户端
// 参数 cfg: 咨询服务配置，TimeoutMs 同时作为 HTTP 客户端超时
func NewHTTPAdvisor(cfg config.AdvisoryConfig, logger *zap.Logger) *HTTPAdvisor {
	return &HTTPAdvisor{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: config.Ms(cfg.TimeoutMs)},
		logger: logger.Named("advisor"),
	}
}

// Advise 发送咨询请求并解析响应（不做业务校验）
func (a *HTTPAdvisor) Advise(ctx context.Context, req AdvisoryRequest) (*AdvisoryResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化咨询请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("构造咨询请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("调用咨询服务失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAdvisoryBody+1))
	if err != nil {
		return nil, fmt.Errorf("读取咨询响应失败: %w", err)
	}
	if len(data) > maxAdvisoryBody {
		return nil, ErrAdvisoryTooLarge
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("咨询服务返回 HTTP %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var out AdvisoryResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdvisoryInvalid, err)
	}
	return &out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
