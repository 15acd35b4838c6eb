package jsonl

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"

	"cross-exchange-arbitrage/internal/core/model"
)

const (
	opportunitiesFile = "opportunities.jsonl"
	executionsFile    = "executions.jsonl"
)

// Recorder 把机会与执行结果追加到 dir 下的两个 JSONL 文件
// 最近机会另在内存中保留 recentCap 条，供查询使用。
// 订单簿快照频率过高，不落盘。
type Recorder struct {
	opps  *Writer
	execs *Writer

	mu        sync.Mutex
	recent    []model.ArbitrageOpportunity
	head      int
	count     int
	recentCap int
}

// NewRecorder 创建 JSONL 记录器
// 参数 dir: 输出目录
// 参数 bufferSize: 每个文件的异步写入缓冲
// 参数 recentCap: 内存中保留的最近机会条数
func NewRecorder(dir string, bufferSize, recentCap int) (*Recorder, error) {
	if recentCap <= 0 {
		recentCap = 100
	}
	opps, err := NewWriter(filepath.Join(dir, opportunitiesFile), bufferSize)
	if err != nil {
		return nil, err
	}
	execs, err := NewWriter(filepath.Join(dir, executionsFile), bufferSize)
	if err != nil {
		_ = opps.Close()
		return nil, err
	}
	return &Recorder{
		opps:      opps,
		execs:     execs,
		recent:    make([]model.ArbitrageOpportunity, recentCap),
		recentCap: recentCap,
	}, nil
}

// RecordOpportunity 追加机会记录
func (r *Recorder) RecordOpportunity(_ context.Context, opp model.ArbitrageOpportunity) error {
	r.mu.Lock()
	r.recent[r.head] = opp
	r.head = (r.head + 1) % r.recentCap
	if r.count < r.recentCap {
		r.count++
	}
	r.mu.Unlock()

	if err := r.opps.Write(opp); err != nil {
		return fmt.Errorf("写入机会记录失败: %w", err)
	}
	return nil
}

// RecordExecution 追加执行结果
func (r *Recorder) RecordExecution(_ context.Context, res model.ExecutionResult) error {
	if err := r.execs.Write(res); err != nil {
		return fmt.Errorf("写入执行记录失败: %w", err)
	}
	return nil
}

// RecentOpportunities 最新在前
func (r *Recorder) RecentOpportunities(_ context.Context, limit int) ([]model.ArbitrageOpportunity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]model.ArbitrageOpportunity, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, r.recent[(r.head-i+r.recentCap)%r.recentCap])
	}
	return out, nil
}

// CacheSnapshot 不落盘
func (r *Recorder) CacheSnapshot(context.Context, *model.OrderBookSnapshot) error { return nil }

// Flush 刷新两个文件的缓冲区
func (r *Recorder) Flush() error {
	return multierr.Combine(r.opps.Flush(), r.execs.Flush())
}

// Close 刷新并关闭两个文件
func (r *Recorder) Close() error {
	return multierr.Combine(r.opps.Close(), r.execs.Close())
}
