// Package redisrec 基于 Redis 的短期记录缓存。
//
// 键空间：
//
//	arb:book:{exchange}        最新订单簿快照（SET EX，默认 5s）
//	arb:opportunities          最近机会列表（LPUSH + LTRIM，EXPIRE 默认 1h）
//	arb:execution:{id}         执行结果（SET EX，默认 24h）
package redisrec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cross-exchange-arbitrage/internal/config"
	"cross-exchange-arbitrage/internal/core/model"
)

const (
	keyPrefix        = "arb:"
	opportunitiesKey = keyPrefix + "opportunities"
)

func bookKey(exchange string) string { return keyPrefix + "book:" + exchange }
func executionKey(id string) string  { return keyPrefix + "execution:" + id }

// Options 键过期与列表长度
type Options struct {
	BookTTL        time.Duration
	OpportunityTTL time.Duration
	OpportunityCap int
	ExecutionTTL   time.Duration
}

// OptionsFromConfig 从配置生成 Options
func OptionsFromConfig(cfg config.RedisConfig) Options {
	return Options{
		BookTTL:        time.Duration(cfg.BookTTLMs) * time.Millisecond,
		OpportunityTTL: time.Duration(cfg.OpportunityTTLMs) * time.Millisecond,
		OpportunityCap: cfg.OpportunityCap,
		ExecutionTTL:   time.Duration(cfg.ExecutionTTLMs) * time.Millisecond,
	}
}

// Recorder Redis 记录器
type Recorder struct {
	rdb  redis.UniversalClient
	opts Options
}

// Dial 连接 Redis 并 PING 确认可用
func Dial(ctx context.Context, cfg config.RedisConfig) (*Recorder, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return New(rdb, OptionsFromConfig(cfg)), nil
}

// New 使用已有连接创建记录器
func New(rdb redis.UniversalClient, opts Options) *Recorder {
	if opts.BookTTL <= 0 {
		opts.BookTTL = 5 * time.Second
	}
	if opts.OpportunityTTL <= 0 {
		opts.OpportunityTTL = time.Hour
	}
	if opts.OpportunityCap <= 0 {
		opts.OpportunityCap = 100
	}
	if opts.ExecutionTTL <= 0 {
		opts.ExecutionTTL = 24 * time.Hour
	}
	return &Recorder{rdb: rdb, opts: opts}
}

// CacheSnapshot 覆盖该交易所的最新快照
func (r *Recorder) CacheSnapshot(ctx context.Context, snap *model.OrderBookSnapshot) error {
	if snap == nil {
		return nil
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot: %w", err)
	}
	if err := r.rdb.Set(ctx, bookKey(snap.Exchange), b, r.opts.BookTTL).Err(); err != nil {
		return fmt.Errorf("redis: set book %s: %w", snap.Exchange, err)
	}
	return nil
}

// Snapshot 读取缓存的快照，不存在时返回 (nil, nil)
func (r *Recorder) Snapshot(ctx context.Context, exchange string) (*model.OrderBookSnapshot, error) {
	b, err := r.rdb.Get(ctx, bookKey(exchange)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get book %s: %w", exchange, err)
	}
	var snap model.OrderBookSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("redis: unmarshal book %s: %w", exchange, err)
	}
	return &snap, nil
}

// RecordOpportunity 推入最近机会列表并裁剪长度
func (r *Recorder) RecordOpportunity(ctx context.Context, opp model.ArbitrageOpportunity) error {
	b, err := json.Marshal(opp)
	if err != nil {
		return fmt.Errorf("redis: marshal opportunity: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, opportunitiesKey, b)
	pipe.LTrim(ctx, opportunitiesKey, 0, int64(r.opts.OpportunityCap-1))
	pipe.Expire(ctx, opportunitiesKey, r.opts.OpportunityTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: record opportunity: %w", err)
	}
	return nil
}

// RecentOpportunities 最新在前，limit<=0 返回全部
func (r *Recorder) RecentOpportunities(ctx context.Context, limit int) ([]model.ArbitrageOpportunity, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	rows, err := r.rdb.LRange(ctx, opportunitiesKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: lrange opportunities: %w", err)
	}
	out := make([]model.ArbitrageOpportunity, 0, len(rows))
	for _, row := range rows {
		var opp model.ArbitrageOpportunity
		if err := json.Unmarshal([]byte(row), &opp); err != nil {
			continue
		}
		out = append(out, opp)
	}
	return out, nil
}

// RecordExecution 保存执行结果
func (r *Recorder) RecordExecution(ctx context.Context, res model.ExecutionResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("redis: marshal execution: %w", err)
	}
	if err := r.rdb.Set(ctx, executionKey(res.ID), b, r.opts.ExecutionTTL).Err(); err != nil {
		return fmt.Errorf("redis: set execution %s: %w", res.ID, err)
	}
	return nil
}

// Execution 读取执行结果，不存在时返回 (nil, nil)
func (r *Recorder) Execution(ctx context.Context, id string) (*model.ExecutionResult, error) {
	b, err := r.rdb.Get(ctx, executionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get execution %s: %w", id, err)
	}
	var res model.ExecutionResult
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, fmt.Errorf("redis: unmarshal execution %s: %w", id, err)
	}
	return &res, nil
}

// Close 关闭连接
func (r *Recorder) Close() error {
	return r.rdb.Close()
}
