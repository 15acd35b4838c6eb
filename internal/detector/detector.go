// Package detector 在每个评估周期计算当前可盈利的跨交易所套利路径。
//
// 两腿检测（溢价检测）：在一个交易所按卖一买入，在另一个交易所按买一卖出，
// 卖出侧价格按外部可更新的汇率换算为 USD。净利润扣除双边 taker 手续费与滑点缓冲，
// 只有同时满足绝对利润与利润率两个阈值的机会才会被构造。
package detector

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cross-exchange-arbitrage/internal/config"
	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/fx"
)

var (
	hundred = decimal.NewFromInt(100)
	half    = decimal.NewFromFloat(0.5)
)

// BookSource 一次读取两个交易所快照
type BookSource interface {
	Pair(a, b string) (*model.OrderBookSnapshot, *model.OrderBookSnapshot)
}

// MultiLegFinder 多腿（三角）套利检测扩展点
// 返回的机会同样须满足利润阈值；检测器会再次过滤并与两腿结果合并。
type MultiLegFinder interface {
	Name() string
	Find(books map[string]*model.OrderBookSnapshot, rate decimal.Decimal) []model.ArbitrageOpportunity
}

// Params 检测参数
type Params struct {
	// MinProfitUSD 单位净利润下限
	MinProfitUSD decimal.Decimal
	// MinProfitPercent 利润率下限（%）
	MinProfitPercent decimal.Decimal
	// MaxSlippage 滑点缓冲比例
	MaxSlippage decimal.Decimal
	// MinLotSize 最小可交易数量
	MinLotSize decimal.Decimal
	// ReferenceSize 流动性评分参考数量
	ReferenceSize float64
	// StableGapPercent 价差稳定性上限（%）
	StableGapPercent float64
	// TakerFees 交易所 -> 有效 taker 费率
	TakerFees map[string]decimal.Decimal
	// MaxBookAge 快照最大年龄，0 表示不检查
	MaxBookAge time.Duration
}

// ParamsFromConfig 从配置构造检测参数
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		MinProfitUSD:     decimal.NewFromFloat(cfg.Detector.MinProfitUSD),
		MinProfitPercent: decimal.NewFromFloat(cfg.Detector.MinProfitPercent),
		MaxSlippage:      decimal.NewFromFloat(cfg.Detector.MaxSlippage),
		MinLotSize:       decimal.NewFromFloat(cfg.Detector.MinLotSize),
		ReferenceSize:    cfg.Detector.ReferenceSize,
		StableGapPercent: cfg.Detector.StableGapPercent,
		TakerFees: map[string]decimal.Decimal{
			model.ExchangeBinance: cfg.Fees.Binance.EffectiveTakerFee(),
			model.ExchangeUpbit:   cfg.Fees.Upbit.EffectiveTakerFee(),
		},
		MaxBookAge: config.Ms(cfg.Detector.MaxBookAgeMs),
	}
}

// Detector 套利机会检测器（无状态，可并发调用）
type Detector struct {
	params  Params
	books   BookSource
	rate    *fx.Rate
	finders []MultiLegFinder
	logger  *zap.Logger
	now     func() time.Time
}

// New 创建检测器
// 参数 params: 检测参数
// 参数 books: 快照来源（行情采集器）
// 参数 rate: 汇率
func New(params Params, books BookSource, rate *fx.Rate, logger *zap.Logger) *Detector {
	if params.StableGapPercent <= 0 {
		params.StableGapPercent = 5
	}
	if params.ReferenceSize <= 0 {
		params.ReferenceSize = 1
	}
	return &Detector{
		params: params,
		books:  books,
		rate:   rate,
		logger: logger.Named("detector"),
		now:    time.Now,
	}
}

// RegisterFinder 注册多腿检测器
func (d *Detector) RegisterFinder(f MultiLegFinder) {
	d.finders = append(d.finders, f)
}

// FindOpportunities 计算当前周期的套利机会
// 任一快照缺失或过旧时返回空列表；结果按净利润降序、按路径去重。
func (d *Detector) FindOpportunities() []model.ArbitrageOpportunity {
	bn, up := d.books.Pair(model.ExchangeBinance, model.ExchangeUpbit)
	if bn == nil || up == nil {
		return nil
	}
	now := d.now()
	if d.params.MaxBookAge > 0 && (bn.Age(now) > d.params.MaxBookAge || up.Age(now) > d.params.MaxBookAge) {
		return nil
	}

	// 同一周期只读取一次汇率
	rate := d.rate.Get()

	var out []model.ArbitrageOpportunity
	if opp, ok := d.evaluate(bn, up, rate, now); ok {
		out = append(out, opp)
	}
	if opp, ok := d.evaluate(up, bn, rate, now); ok {
		out = append(out, opp)
	}

	if len(d.finders) > 0 {
		books := map[string]*model.OrderBookSnapshot{bn.Exchange: bn, up.Exchange: up}
		for _, f := range d.finders {
			for _, opp := range f.Find(books, rate) {
				if d.meetsThresholds(opp.ProfitUSD, opp.ProfitPercent) {
					out = append(out, opp)
				}
			}
		}
	}

	return rank(out)
}

// rank 按净利润降序排序并按路径去重（保留利润最高者）
func rank(opps []model.ArbitrageOpportunity) []model.ArbitrageOpportunity {
	slices.SortStableFunc(opps, func(a, b model.ArbitrageOpportunity) int {
		return b.ProfitUSD.Cmp(a.ProfitUSD)
	})
	return lo.UniqBy(opps, func(o model.ArbitrageOpportunity) string { return o.Path })
}

// evaluate 计算“在 buy 交易所买入、在 sell 交易所卖出”方向的机会
func (d *Detector) evaluate(buy, sell *model.OrderBookSnapshot, rate decimal.Decimal, now time.Time) (model.ArbitrageOpportunity, bool) {
	ask, ok := buy.BestAsk()
	if !ok {
		return model.ArbitrageOpportunity{}, false
	}
	bid, ok := sell.BestBid()
	if !ok {
		return model.ArbitrageOpportunity{}, false
	}

	qty := decimal.Min(ask.Qty, bid.Qty)
	if !qty.IsPositive() || qty.LessThan(d.params.MinLotSize) {
		return model.ArbitrageOpportunity{}, false
	}

	buyPx := toUSD(buy.Exchange, ask.Price, rate)
	sellPx := toUSD(sell.Exchange, bid.Price, rate)
	if !buyPx.IsPositive() {
		return model.ArbitrageOpportunity{}, false
	}

	diff := sellPx.Sub(buyPx)
	fees := buyPx.Mul(d.params.TakerFees[buy.Exchange]).Add(sellPx.Mul(d.params.TakerFees[sell.Exchange]))
	slippage := buyPx.Mul(d.params.MaxSlippage)
	net := diff.Sub(fees).Sub(slippage)
	pct := net.Div(buyPx).Mul(hundred)

	if !net.IsPositive() || !d.meetsThresholds(net, pct) {
		return model.ArbitrageOpportunity{}, false
	}

	gapPct, _ := diff.Abs().Div(buyPx).Mul(hundred).Float64()
	qtyF, _ := qty.Float64()

	return model.ArbitrageOpportunity{
		Path:            fmt.Sprintf("%s (%s) -> %s (%s)", buy.Symbol, buy.Exchange, sell.Symbol, sell.Exchange),
		BuyExchange:     buy.Exchange,
		SellExchange:    sell.Exchange,
		Quantity:        qty,
		ProfitUSD:       net,
		ProfitPercent:   pct,
		RiskScore:       RiskScore(qtyF, d.params.ReferenceSize, gapPct, d.params.StableGapPercent),
		FeeOptimized:    FeeOptimized(fees, net),
		BuyPrice:        buyPx,
		SellPrice:       sellPx,
		BuyPriceNative:  ask.Price,
		SellPriceNative: bid.Price,
		PriceDiff:       diff,
		TotalFees:       fees,
		Slippage:        slippage,
		DetectedAt:      now,
	}, true
}

// meetsThresholds 绝对利润与利润率两个阈值必须同时满足
func (d *Detector) meetsThresholds(net, pct decimal.Decimal) bool {
	return net.GreaterThanOrEqual(d.params.MinProfitUSD) && pct.GreaterThanOrEqual(d.params.MinProfitPercent)
}

func toUSD(exchange string, native, rate decimal.Decimal) decimal.Decimal {
	if exchange == model.ExchangeUpbit {
		return native.Div(rate)
	}
	return native
}

// FeeOptimized 手续费合计严格小于净利润的一半
func FeeOptimized(totalFees, net decimal.Decimal) bool {
	return totalFees.LessThan(net.Mul(half))
}

// RiskScore 风险分 = 1 - (0.5×流动性评分 + 0.5×稳定性评分)，结果限制在 [0,1]
// 参数 qty: 可交易数量
// 参数 refSize: 参考数量，流动性评分 = min(qty/refSize, 1)
// 参数 gapPct: 价差率（%）
// 参数 ceilingPct: 价差率达到该值时稳定性评分为 0
func RiskScore(qty, refSize, gapPct, ceilingPct float64) float64 {
	liquidity := 0.0
	if refSize > 0 {
		liquidity = clamp01(qty / refSize)
	}
	stability := 0.0
	if ceilingPct > 0 && !math.IsNaN(gapPct) {
		stability = 1 - clamp01(math.Abs(gapPct)/ceilingPct)
	}
	return clamp01(1 - (0.5*liquidity + 0.5*stability))
}

// clamp01 限制到 [0,1]，NaN 视为 0
func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
