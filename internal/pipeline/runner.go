// Package pipeline 周期性评估循环：检测 → 记录 → 风控 → （可选）自动执行。
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cross-exchange-arbitrage/internal/config"
	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/stats/latency"
)

// Finder 机会检测
type Finder interface {
	FindOpportunities() []model.ArbitrageOpportunity
}

// Assessor 风险评估
type Assessor interface {
	AssessRisk(ctx context.Context, opp model.ArbitrageOpportunity, latencyMs float64) model.RiskAssessment
}

// Executor 执行协调
type Executor interface {
	ExecuteOpportunity(ctx context.Context, opp model.ArbitrageOpportunity) model.ExecutionResult
}

// Pauser 自动执行熔断
type Pauser interface {
	AutoExecutionPaused() (bool, string)
}

// OpportunityRecorder 机会记录
type OpportunityRecorder interface {
	RecordOpportunity(ctx context.Context, opp model.ArbitrageOpportunity) error
}

// Options 循环参数
type Options struct {
	Tick        time.Duration
	TopN        int
	AutoExecute bool
	// LatencyMs 当前往返时延来源，为 nil 时使用 DefaultLatencyMs
	LatencyMs        func() float64
	DefaultLatencyMs float64
}

// OptionsFromConfig 从配置生成 Options（LatencyMs 由调用方注入）
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Tick:        time.Duration(cfg.Detector.TickMs) * time.Millisecond,
		TopN:        cfg.Risk.TopN,
		AutoExecute: cfg.Execution.AutoExecute,
	}
}

// Evaluation 一个机会及其评估结果
type Evaluation struct {
	Opportunity model.ArbitrageOpportunity `json:"opportunity"`
	Assessment  *model.RiskAssessment      `json:"assessment,omitempty"`
}

// Runner 评估循环
type Runner struct {
	opts     Options
	finder   Finder
	assessor Assessor
	executor Executor
	pauser   Pauser
	recorder OpportunityRecorder
	logger   *zap.Logger

	mu        sync.RWMutex
	latest    []Evaluation
	executing map[string]struct{}

	wg sync.WaitGroup
}

// New 创建评估循环
// 参数 pauser、recorder 可为 nil；executor 为 nil 时不自动执行
func New(opts Options, finder Finder, assessor Assessor, executor Executor, pauser Pauser, recorder OpportunityRecorder, logger *zap.Logger) *Runner {
	if opts.Tick <= 0 {
		opts.Tick = 500 * time.Millisecond
	}
	if opts.TopN <= 0 {
		opts.TopN = 3
	}
	if opts.DefaultLatencyMs <= 0 {
		opts.DefaultLatencyMs = 50
	}
	return &Runner{
		opts:      opts,
		finder:    finder,
		assessor:  assessor,
		executor:  executor,
		pauser:    pauser,
		recorder:  recorder,
		logger:    logger.Named("pipeline"),
		executing: make(map[string]struct{}),
	}
}

// Run 按 Tick 周期评估直到 ctx 取消；返回前等待已发起的自动执行结束
func (r *Runner) Run(ctx context.Context) error {
	t := time.NewTicker(r.opts.Tick)
	defer t.Stop()
	defer r.wg.Wait()

	r.logger.Info("评估循环启动",
		zap.Duration("tick", r.opts.Tick),
		zap.Int("top_n", r.opts.TopN),
		zap.Bool("auto_execute", r.opts.AutoExecute))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Tick(ctx)
		}
	}
}

// Tick 执行一个评估周期，返回本周期的评估结果
func (r *Runner) Tick(ctx context.Context) []Evaluation {
	opps := r.finder.FindOpportunities()
	evals := make([]Evaluation, len(opps))
	for i, opp := range opps {
		evals[i] = Evaluation{Opportunity: opp}
		if r.recorder != nil {
			if err := r.recorder.RecordOpportunity(ctx, opp); err != nil {
				r.logger.Debug("记录机会失败", zap.String("path", opp.Path), zap.Error(err))
			}
		}
	}

	// 前 N 个并发评估，单个周期的耗时以最慢的一次咨询为上限
	lat := r.CurrentLatencyMs()
	n := min(len(evals), r.opts.TopN)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			a := r.assessor.AssessRisk(ctx, evals[i].Opportunity, lat)
			evals[i].Assessment = &a
			return nil
		})
	}
	_ = g.Wait()

	for i := range n {
		opp, a := evals[i].Opportunity, *evals[i].Assessment
		r.logger.Debug("机会评估",
			zap.String("path", opp.Path),
			zap.String("profit_usd", opp.ProfitUSD.StringFixed(2)),
			zap.Bool("execute", a.ShouldExecute),
			zap.Float64("risk_score", a.RiskScore),
			zap.String("source", string(a.Source)))

		if a.ShouldExecute {
			r.maybeExecute(ctx, opp)
		}
	}

	r.mu.Lock()
	r.latest = evals
	r.mu.Unlock()
	return evals
}

func (r *Runner) maybeExecute(ctx context.Context, opp model.ArbitrageOpportunity) {
	if !r.opts.AutoExecute || r.executor == nil {
		return
	}
	if r.pauser != nil {
		if paused, reason := r.pauser.AutoExecutionPaused(); paused {
			r.logger.Warn("自动执行已暂停", zap.String("reason", reason), zap.String("path", opp.Path))
			return
		}
	}

	// 同一路径同时只执行一笔
	r.mu.Lock()
	if _, busy := r.executing[opp.Path]; busy {
		r.mu.Unlock()
		return
	}
	r.executing[opp.Path] = struct{}{}
	r.mu.Unlock()

	r.wg.Go(func() {
		defer func() {
			r.mu.Lock()
			delete(r.executing, opp.Path)
			r.mu.Unlock()
		}()
		res := r.executor.ExecuteOpportunity(ctx, opp)
		r.logger.Info("自动执行完成",
			zap.String("id", res.ID),
			zap.String("path", opp.Path),
			zap.Bool("success", res.Success),
			zap.String("error_class", string(res.ErrorClass)))
	})
}

// Latest 最近一个周期的评估结果
func (r *Runner) Latest() []Evaluation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Evaluation, len(r.latest))
	copy(out, r.latest)
	return out
}

// CurrentLatencyMs 当前用于风控的时延
func (r *Runner) CurrentLatencyMs() float64 {
	if r.opts.LatencyMs != nil {
		if v := r.opts.LatencyMs(); v > 0 {
			return v
		}
	}
	return r.opts.DefaultLatencyMs
}

// LatencySource 行情时延统计来源
type LatencySource interface {
	LatencyStats(exchange string) latency.Stats
}

// FeedLatency 取各交易所行情时延 P50 的最大值；无样本时返回 0
func FeedLatency(src LatencySource, exchanges ...string) func() float64 {
	return func() float64 {
		var worst float64
		for _, ex := range exchanges {
			st := src.LatencyStats(ex)
			if st.Count == 0 {
				continue
			}
			worst = max(worst, st.P50Ms)
		}
		return worst
	}
}
