// Package latency 时延追踪器测试
package latency

import (
	"math"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// **Feature: cross-exchange-arbitrage, Property 8: Rolling Quantile Correctness**

func TestWindow_Quantiles(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("分位数单调且落在窗口最小值与最大值之间", prop.ForAll(
		func(samples []float64) bool {
			w := NewWindow(1000)
			for _, s := range samples {
				w.Add(s)
			}
			st := w.Snapshot("x")

			sorted := append([]float64(nil), samples...)
			sort.Float64s(sorted)
			lo, hi := sorted[0], sorted[len(sorted)-1]

			return st.Count == int64(len(samples)) &&
				st.P50Ms <= st.P90Ms && st.P90Ms <= st.P99Ms &&
				st.P50Ms >= lo && st.P99Ms <= hi &&
				st.MeanMs >= lo-1e-9 && st.MeanMs <= hi+1e-9 &&
				st.LastMs == samples[len(samples)-1]
		},
		gen.SliceOfN(50, gen.Float64Range(0, 5000)),
	))

	properties.TestingRun(t)
}

func TestWindow_Overwrite(t *testing.T) {
	w := NewWindow(3)
	for _, v := range []float64{100, 100, 100, 1, 2, 3} {
		w.Add(v)
	}
	st := w.Snapshot("x")
	if st.Count != 6 {
		t.Fatalf("Count = %d, want 6", st.Count)
	}
	// 只保留最近 3 个样本
	if st.P99Ms != 2 || math.Abs(st.MeanMs-2) > 1e-9 {
		t.Fatalf("窗口应只包含 1,2,3: %+v", st)
	}
}

func TestTracker_PerName(t *testing.T) {
	tr := NewTracker(10)
	tr.Add("binance", 12)
	tr.Add("binance", -1)
	tr.Add("upbit", 40)

	b := tr.Stats("binance")
	if b.Count != 1 || b.LastMs != 12 {
		t.Fatalf("负值样本应被忽略: %+v", b)
	}
	if u := tr.Stats("upbit"); u.P50Ms != 40 {
		t.Fatalf("upbit P50 = %f, want 40", u.P50Ms)
	}
	if empty := tr.Stats("okx"); empty.Count != 0 {
		t.Fatal("未记录的名称应返回空统计")
	}
}
