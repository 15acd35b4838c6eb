// Package detector 套利机会检测测试
package detector

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/fx"
)

type fakeBooks struct {
	binance *model.OrderBookSnapshot
	upbit   *model.OrderBookSnapshot
}

func (f *fakeBooks) Pair(a, b string) (*model.OrderBookSnapshot, *model.OrderBookSnapshot) {
	m := map[string]*model.OrderBookSnapshot{model.ExchangeBinance: f.binance, model.ExchangeUpbit: f.upbit}
	return m[a], m[b]
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snap(exchange, symbol string, bid, bidQty, ask, askQty string) *model.OrderBookSnapshot {
	return model.NewSnapshot(exchange, symbol,
		[]model.Level{{Price: d(bid), Qty: d(bidQty)}},
		[]model.Level{{Price: d(ask), Qty: d(askQty)}},
		time.Now(), 0, 1)
}

func scenarioParams() Params {
	return Params{
		MinProfitUSD:     d("10"),
		MinProfitPercent: d("0.1"),
		MaxSlippage:      d("0.0002"),
		MinLotSize:       d("0.001"),
		ReferenceSize:    1,
		StableGapPercent: 5,
		TakerFees: map[string]decimal.Decimal{
			model.ExchangeBinance: d("0.001"),
			model.ExchangeUpbit:   d("0"),
		},
	}
}

func newDetector(t *testing.T, p Params, books BookSource, rate string) *Detector {
	t.Helper()
	r, err := fx.New(d(rate))
	if err != nil {
		t.Fatal(err)
	}
	return New(p, books, r, zap.NewNop())
}

// 场景: Binance 卖一 42501，Upbit 买一 59,501,000 KRW，汇率 1400 → 无机会
func TestFindOpportunities_NegativePremium(t *testing.T) {
	books := &fakeBooks{
		binance: snap(model.ExchangeBinance, "BTCUSDT", "42500", "1", "42501", "1"),
		upbit:   snap(model.ExchangeUpbit, "KRW-BTC", "59501000", "1", "59510000", "1"),
	}
	det := newDetector(t, scenarioParams(), books, "1400")

	// Upbit 买一折合 42500.714...，价差约 -0.29
	upUSD := d("59501000").Div(d("1400"))
	diff := upUSD.Sub(d("42501")).Round(2)
	if !diff.Equal(d("-0.29")) {
		t.Fatalf("price diff = %s, want -0.29", diff)
	}

	if opps := det.FindOpportunities(); len(opps) != 0 {
		t.Fatalf("应无机会, got %d: %+v", len(opps), opps)
	}
}

// 场景: Binance 卖一 42000，Upbit 买一折合 42600 USD，手续费 $42，滑点 $8.40 → 净利润 549.6
func TestFindOpportunities_PositivePremium(t *testing.T) {
	books := &fakeBooks{
		binance: snap(model.ExchangeBinance, "BTCUSDT", "41990", "2", "42000", "0.5"),
		upbit:   snap(model.ExchangeUpbit, "KRW-BTC", "59640000", "0.8", "59650000", "1"),
	}
	det := newDetector(t, scenarioParams(), books, "1400")

	opps := det.FindOpportunities()
	if len(opps) != 1 {
		t.Fatalf("应有 1 个机会, got %d", len(opps))
	}
	o := opps[0]
	if o.BuyExchange != model.ExchangeBinance || o.SellExchange != model.ExchangeUpbit {
		t.Fatalf("方向错误: %s", o.Path)
	}
	if !o.SellPrice.Equal(d("42600")) || !o.PriceDiff.Equal(d("600")) {
		t.Fatalf("SellPrice=%s PriceDiff=%s", o.SellPrice, o.PriceDiff)
	}
	if !o.TotalFees.Equal(d("42")) || !o.Slippage.Equal(d("8.4")) {
		t.Fatalf("TotalFees=%s Slippage=%s", o.TotalFees, o.Slippage)
	}
	if !o.ProfitUSD.Equal(d("549.6")) {
		t.Fatalf("ProfitUSD = %s, want 549.6", o.ProfitUSD)
	}
	if !o.ProfitPercent.Round(2).Equal(d("1.31")) {
		t.Fatalf("ProfitPercent = %s, want ≈1.31", o.ProfitPercent)
	}
	if !o.FeeOptimized {
		t.Fatal("手续费 42 < 0.5 × 549.6，应为 fee_optimized")
	}
	if !o.Quantity.Equal(d("0.5")) {
		t.Fatalf("Quantity = %s, want 0.5", o.Quantity)
	}
	if o.Path != "BTCUSDT (binance) -> KRW-BTC (upbit)" {
		t.Fatalf("Path = %s", o.Path)
	}
}

func TestFindOpportunities_MissingOrStaleSnapshot(t *testing.T) {
	bn := snap(model.ExchangeBinance, "BTCUSDT", "41990", "2", "42000", "1")
	det := newDetector(t, scenarioParams(), &fakeBooks{binance: bn}, "1400")
	if opps := det.FindOpportunities(); opps != nil {
		t.Fatal("快照缺失时应返回空列表")
	}

	p := scenarioParams()
	p.MaxBookAge = time.Second
	old := model.NewSnapshot(model.ExchangeUpbit, "KRW-BTC",
		[]model.Level{{Price: d("59640000"), Qty: d("1")}},
		[]model.Level{{Price: d("59650000"), Qty: d("1")}},
		time.Now().Add(-time.Minute), 0, 1)
	det = newDetector(t, p, &fakeBooks{binance: bn, upbit: old}, "1400")
	if opps := det.FindOpportunities(); len(opps) != 0 {
		t.Fatal("快照过旧时应返回空列表")
	}
}

func TestFindOpportunities_BelowMinLot(t *testing.T) {
	books := &fakeBooks{
		binance: snap(model.ExchangeBinance, "BTCUSDT", "41990", "2", "42000", "0.0001"),
		upbit:   snap(model.ExchangeUpbit, "KRW-BTC", "59640000", "1", "59650000", "1"),
	}
	det := newDetector(t, scenarioParams(), books, "1400")
	if opps := det.FindOpportunities(); len(opps) != 0 {
		t.Fatal("可交易数量低于最小手数时应拒绝")
	}
}

// **Feature: cross-exchange-arbitrage, Property 5: Dual Threshold**

func TestFindOpportunities_ThresholdProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("输出的每个机会同时满足绝对利润与利润率阈值", prop.ForAll(
		func(binanceAsk, premiumBps, minUSD, minPct float64) bool {
			p := scenarioParams()
			p.MinProfitUSD = decimal.NewFromFloat(minUSD)
			p.MinProfitPercent = decimal.NewFromFloat(minPct)

			ask := decimal.NewFromFloat(binanceAsk).Round(2)
			upBid := ask.Mul(decimal.NewFromFloat(1 + premiumBps/10000)).Mul(d("1400")).Round(0)
			books := &fakeBooks{
				binance: model.NewSnapshot(model.ExchangeBinance, "BTCUSDT",
					[]model.Level{{Price: ask.Sub(d("1")), Qty: d("1")}},
					[]model.Level{{Price: ask, Qty: d("1")}}, time.Now(), 0, 1),
				upbit: model.NewSnapshot(model.ExchangeUpbit, "KRW-BTC",
					[]model.Level{{Price: upBid, Qty: d("1")}},
					[]model.Level{{Price: upBid.Add(d("1000")), Qty: d("1")}}, time.Now(), 0, 1),
			}
			r, _ := fx.New(d("1400"))
			det := New(p, books, r, zap.NewNop())

			for _, o := range det.FindOpportunities() {
				if o.ProfitUSD.LessThan(p.MinProfitUSD) || o.ProfitPercent.LessThan(p.MinProfitPercent) {
					return false
				}
				if o.RiskScore < 0 || o.RiskScore > 1 {
					return false
				}
				if o.FeeOptimized != o.TotalFees.LessThan(o.ProfitUSD.Mul(d("0.5"))) {
					return false
				}
			}
			return true
		},
		gen.Float64Range(1000, 100000),
		gen.Float64Range(-500, 500),
		gen.Float64Range(0, 1000),
		gen.Float64Range(0, 3),
	))

	properties.TestingRun(t)
}

// **Feature: cross-exchange-arbitrage, Property 6: Fee Optimized Boundary**

func TestFeeOptimized_Boundary(t *testing.T) {
	tests := []struct {
		fees, net string
		want      bool
	}{
		{"50", "100", false}, // 恰好 0.5 倍
		{"49.99", "100", true},
		{"50.01", "100", false},
		{"0", "0.01", true},
		{"42", "549.6", true},
	}
	for _, tt := range tests {
		if got := FeeOptimized(d(tt.fees), d(tt.net)); got != tt.want {
			t.Errorf("FeeOptimized(%s, %s) = %v, want %v", tt.fees, tt.net, got, tt.want)
		}
	}
}

// **Feature: cross-exchange-arbitrage, Property 7: Risk Score Clamping**

func TestRiskScore_ClampProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("任意输入下风险分都在 [0,1]", prop.ForAll(
		func(qty, ref, gap, ceiling float64) bool {
			r := RiskScore(qty, ref, gap, ceiling)
			return r >= 0 && r <= 1 && !math.IsNaN(r)
		},
		gen.Float64Range(-1e12, 1e12),
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(-1e9, 1e9),
		gen.Float64Range(-100, 100),
	))

	properties.TestingRun(t)
}

func TestRiskScore_Extremes(t *testing.T) {
	tests := []struct {
		name                   string
		qty, ref, gap, ceiling float64
		want                   float64
	}{
		{"充足流动性且无价差", 10, 1, 0, 5, 0},
		{"无流动性且价差超限", 0, 1, 50, 5, 1},
		{"一半流动性、一半价差", 0.5, 1, 2.5, 5, 0.5},
		{"无穷数量", math.Inf(1), 1, 0, 5, 0},
		{"NaN 价差", 1, 1, math.NaN(), 5, 0.5},
		{"参考数量为 0", 1, 0, 0, 5, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RiskScore(tt.qty, tt.ref, tt.gap, tt.ceiling); math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("RiskScore = %f, want %f", got, tt.want)
			}
		})
	}
}

// dupFinder 返回重复路径的多腿机会
type dupFinder struct{}

func (dupFinder) Name() string { return "dup" }

func (dupFinder) Find(map[string]*model.OrderBookSnapshot, decimal.Decimal) []model.ArbitrageOpportunity {
	return []model.ArbitrageOpportunity{
		{Path: "tri", ProfitUSD: d("1000"), ProfitPercent: d("2")},
		{Path: "tri", ProfitUSD: d("900"), ProfitPercent: d("2")},
		{Path: "weak", ProfitUSD: d("1"), ProfitPercent: d("2")},
	}
}

func TestFindOpportunities_SortedAndDeduplicated(t *testing.T) {
	books := &fakeBooks{
		binance: snap(model.ExchangeBinance, "BTCUSDT", "41990", "2", "42000", "0.5"),
		upbit:   snap(model.ExchangeUpbit, "KRW-BTC", "59640000", "0.8", "59650000", "1"),
	}
	det := newDetector(t, scenarioParams(), books, "1400")
	det.RegisterFinder(dupFinder{})

	opps := det.FindOpportunities()
	if len(opps) != 2 {
		t.Fatalf("len = %d, want 2 (去重且过滤低于阈值的机会)", len(opps))
	}
	if opps[0].Path != "tri" || !opps[0].ProfitUSD.Equal(d("1000")) {
		t.Fatalf("第一个机会应为利润最高的 tri: %+v", opps[0])
	}
	if !opps[1].ProfitUSD.Equal(d("549.6")) {
		t.Fatalf("第二个机会应为两腿机会: %+v", opps[1])
	}
}
