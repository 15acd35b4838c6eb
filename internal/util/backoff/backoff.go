// Package backoff 实现重连与回滚重试的退避计算。
// 行情流默认固定 5s 退避（base == max），回滚重试使用指数退避。
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// maxShift 位移上限，防止 attempt 过大时溢出
const maxShift = 30

// Backoff 退避计算器
// 每次调用 Next() 返回下一次重试的等待时间，按 base * 2^attempt 增长直到 max。
// 非并发安全，每个重试循环持有自己的实例。
type Backoff struct {
	base    time.Duration
	max     time.Duration
	jitter  float64
	attempt int
}

// New 创建退避计算器
// 参数 base: 基础等待时间
// 参数 max: 最大等待时间，小于 base 时按 base 处理
// 参数 jitter: 抖动比例（0-1），例如 0.2 表示 ±20%
func New(base, max time.Duration, jitter float64) *Backoff {
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, jitter: jitter}
}

// NewFixed 创建固定间隔的退避计算器（无抖动）
func NewFixed(d time.Duration) *Backoff {
	return New(d, d, 0)
}

// NewDefault 默认行情重连退避：固定 5s
func NewDefault() *Backoff {
	return NewFixed(5 * time.Second)
}

// Next 获取下次重试的等待时间
func (b *Backoff) Next() time.Duration {
	shift := b.attempt
	if shift > maxShift {
		shift = maxShift
	}
	delay := b.base * time.Duration(int64(1)<<shift)
	if delay > b.max || delay <= 0 {
		delay = b.max
	}

	if b.jitter > 0 {
		jitterFactor := 1.0 + (rand.Float64()*2-1)*b.jitter
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	b.attempt++
	return delay
}

// Wait 等待下一次退避时间，ctx 取消时提前返回 ctx.Err()
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reset 连接成功后重置重试次数
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt 当前重试次数
func (b *Backoff) Attempt() int {
	return b.attempt
}
