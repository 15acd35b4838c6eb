package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/stats/latency"
)

type fakeFinder struct{ opps []model.ArbitrageOpportunity }

func (f fakeFinder) FindOpportunities() []model.ArbitrageOpportunity { return f.opps }

type fakeAssessor struct {
	mu       sync.Mutex
	approve  map[string]bool
	calls    []string
	latencys []float64
}

func (a *fakeAssessor) AssessRisk(_ context.Context, opp model.ArbitrageOpportunity, lat float64) model.RiskAssessment {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, opp.Path)
	a.latencys = append(a.latencys, lat)
	return model.RiskAssessment{Path: opp.Path, ShouldExecute: a.approve[opp.Path], Source: model.SourceFallback}
}

type fakeExecutor struct {
	calls   atomic.Int32
	release chan struct{}
}

func (e *fakeExecutor) ExecuteOpportunity(_ context.Context, opp model.ArbitrageOpportunity) model.ExecutionResult {
	e.calls.Add(1)
	if e.release != nil {
		<-e.release
	}
	return model.ExecutionResult{ID: "x", Path: opp.Path, Success: true}
}

type fakePauser struct{ paused bool }

func (p fakePauser) AutoExecutionPaused() (bool, string) { return p.paused, "consecutive_errors" }

type countingRecorder struct{ n atomic.Int32 }

func (c *countingRecorder) RecordOpportunity(context.Context, model.ArbitrageOpportunity) error {
	c.n.Add(1)
	return nil
}

func opps(paths ...string) []model.ArbitrageOpportunity {
	out := make([]model.ArbitrageOpportunity, len(paths))
	for i, p := range paths {
		out[i] = model.ArbitrageOpportunity{Path: p, ProfitUSD: decimal.NewFromInt(int64(100 - i))}
	}
	return out
}

func TestRunner_AssessesTopNAndRecordsAll(t *testing.T) {
	a := &fakeAssessor{approve: map[string]bool{}}
	rec := &countingRecorder{}
	r := New(Options{TopN: 2}, fakeFinder{opps("a", "b", "c")}, a, nil, nil, rec, zap.NewNop())

	evals := r.Tick(context.Background())
	if len(evals) != 3 {
		t.Fatalf("evals=%d", len(evals))
	}
	if evals[0].Assessment == nil || evals[1].Assessment == nil || evals[2].Assessment != nil {
		t.Fatalf("只应评估前 2 个: %+v", evals)
	}
	if len(a.calls) != 2 || evals[0].Assessment.Path != "a" || evals[1].Assessment.Path != "b" {
		t.Fatalf("calls=%v", a.calls)
	}
	// 无时延来源时使用默认 50ms
	if a.latencys[0] != 50 {
		t.Fatalf("latency=%v", a.latencys[0])
	}
	if rec.n.Load() != 3 {
		t.Fatalf("recorded=%d", rec.n.Load())
	}
	if got := r.Latest(); len(got) != 3 {
		t.Fatalf("Latest=%d", len(got))
	}
}

// slowAssessor 每次评估固定耗时
type slowAssessor struct {
	delay  time.Duration
	active atomic.Int32
	peak   atomic.Int32
}

func (a *slowAssessor) AssessRisk(_ context.Context, opp model.ArbitrageOpportunity, _ float64) model.RiskAssessment {
	n := a.active.Add(1)
	defer a.active.Add(-1)
	for {
		p := a.peak.Load()
		if n <= p || a.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(a.delay)
	return model.RiskAssessment{Path: opp.Path, Source: model.SourceFallback}
}

func TestRunner_AssessesTopNConcurrently(t *testing.T) {
	a := &slowAssessor{delay: 200 * time.Millisecond}
	r := New(Options{TopN: 3}, fakeFinder{opps("a", "b", "c", "d")}, a, nil, nil, nil, zap.NewNop())

	start := time.Now()
	evals := r.Tick(context.Background())
	took := time.Since(start)

	if took >= 500*time.Millisecond {
		t.Fatalf("评估串行执行: %v", took)
	}
	if a.peak.Load() != 3 {
		t.Fatalf("并发峰值=%d, want 3", a.peak.Load())
	}
	for i, p := range []string{"a", "b", "c"} {
		if evals[i].Assessment == nil || evals[i].Assessment.Path != p {
			t.Fatalf("evals[%d]=%+v", i, evals[i])
		}
	}
	if evals[3].Assessment != nil {
		t.Fatal("只应评估前 3 个")
	}
}

func TestRunner_AutoExecute(t *testing.T) {
	tests := []struct {
		name   string
		auto   bool
		paused bool
		want   int32
	}{
		{"关闭自动执行", false, false, 0},
		{"开启自动执行", true, false, 1},
		{"连续错误熔断", true, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeAssessor{approve: map[string]bool{"a": true}}
			ex := &fakeExecutor{}
			r := New(Options{TopN: 3, AutoExecute: tt.auto}, fakeFinder{opps("a", "b")}, a, ex, fakePauser{tt.paused}, nil, zap.NewNop())
			r.Tick(context.Background())
			r.wg.Wait()
			if got := ex.calls.Load(); got != tt.want {
				t.Fatalf("executions=%d, want %d", got, tt.want)
			}
		})
	}
}

func TestRunner_OneExecutionPerPath(t *testing.T) {
	a := &fakeAssessor{approve: map[string]bool{"a": true}}
	ex := &fakeExecutor{release: make(chan struct{})}
	r := New(Options{AutoExecute: true}, fakeFinder{opps("a")}, a, ex, nil, nil, zap.NewNop())

	r.Tick(context.Background())
	deadline := time.Now().Add(time.Second)
	for ex.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	r.Tick(context.Background())
	r.Tick(context.Background())
	close(ex.release)
	r.wg.Wait()

	if got := ex.calls.Load(); got != 1 {
		t.Fatalf("executions=%d, want 1", got)
	}
}

func TestRunner_RunStopsOnCancel(t *testing.T) {
	a := &fakeAssessor{}
	r := New(Options{Tick: 5 * time.Millisecond}, fakeFinder{opps("a")}, a, nil, nil, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.calls) == 0 {
		t.Fatal("应至少评估一次")
	}
}

type fakeLatency map[string]latency.Stats

func (f fakeLatency) LatencyStats(ex string) latency.Stats { return f[ex] }

func TestFeedLatency(t *testing.T) {
	src := fakeLatency{
		model.ExchangeBinance: {Count: 10, P50Ms: 12},
		model.ExchangeUpbit:   {Count: 10, P50Ms: 80},
	}
	if got := FeedLatency(src, model.ExchangeBinance, model.ExchangeUpbit)(); got != 80 {
		t.Fatalf("got=%v, want 80", got)
	}

	a := &fakeAssessor{}
	r := New(Options{LatencyMs: FeedLatency(fakeLatency{}, model.ExchangeBinance)}, fakeFinder{opps("a")}, a, nil, nil, nil, zap.NewNop())
	if got := r.CurrentLatencyMs(); got != 50 {
		t.Fatalf("无样本时应回落到默认值, got=%v", got)
	}
}
