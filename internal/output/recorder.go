// Package output 定义机会与执行记录的持久化接口。
// 具体实现见 jsonl（离线复盘）与 redisrec（短期缓存）。
package output

import (
	"context"

	"go.uber.org/multierr"

	"cross-exchange-arbitrage/internal/core/model"
)

// Recorder 持久化协作方
// 所有写入均为尽力而为，调用方只记录错误不中断主流程。
type Recorder interface {
	RecordOpportunity(ctx context.Context, opp model.ArbitrageOpportunity) error
	RecordExecution(ctx context.Context, res model.ExecutionResult) error
	// RecentOpportunities 最近的机会，最新在前
	RecentOpportunities(ctx context.Context, limit int) ([]model.ArbitrageOpportunity, error)
	CacheSnapshot(ctx context.Context, snap *model.OrderBookSnapshot) error
	Close() error
}

// Multi 扇出到多个 Recorder
// 写入对每个下游都会尝试，错误合并返回；读取取第一个成功的下游。
type Multi []Recorder

// NewMulti 创建扇出记录器，忽略 nil
func NewMulti(recs ...Recorder) Multi {
	out := make(Multi, 0, len(recs))
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m Multi) RecordOpportunity(ctx context.Context, opp model.ArbitrageOpportunity) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.RecordOpportunity(ctx, opp))
	}
	return err
}

func (m Multi) RecordExecution(ctx context.Context, res model.ExecutionResult) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.RecordExecution(ctx, res))
	}
	return err
}

func (m Multi) RecentOpportunities(ctx context.Context, limit int) ([]model.ArbitrageOpportunity, error) {
	var errs error
	for _, r := range m {
		out, err := r.RecentOpportunities(ctx, limit)
		if err == nil {
			return out, nil
		}
		errs = multierr.Append(errs, err)
	}
	return nil, errs
}

func (m Multi) CacheSnapshot(ctx context.Context, snap *model.OrderBookSnapshot) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.CacheSnapshot(ctx, snap))
	}
	return err
}

// Close 关闭全部下游，合并错误
func (m Multi) Close() error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Close())
	}
	return err
}
