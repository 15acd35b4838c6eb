// Package vol 计算中间价的短窗口已实现波动率。
// 每秒最多采样一次，窗口保留最近 60 个样本（约 1 分钟）。
package vol

import (
	"math"
	"sync"
	"time"
)

// DefaultSamples 1 分钟窗口（1s 采样）
const DefaultSamples = 60

// Sampler 已实现波动率采样器，并发安全
type Sampler struct {
	mu           sync.Mutex
	interval     int64
	lastSampleNs int64
	samples      []float64
	maxSamples   int
}

// NewSampler 创建采样器
// 参数 interval: 采样间隔（建议 1s）
// 参数 maxSamples: 窗口样本数（建议 60）
func NewSampler(interval time.Duration, maxSamples int) *Sampler {
	if maxSamples < 2 {
		maxSamples = 2
	}
	return &Sampler{interval: int64(interval), maxSamples: maxSamples}
}

// Add 追加中间价样本；与上次采样间隔不足 interval 时忽略
func (s *Sampler) Add(nowNs int64, midPx float64) {
	if midPx <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastSampleNs > 0 && nowNs-s.lastSampleNs < s.interval {
		return
	}
	s.lastSampleNs = nowNs

	s.samples = append(s.samples, midPx)
	if len(s.samples) > s.maxSamples {
		s.samples = s.samples[len(s.samples)-s.maxSamples:]
	}
}

// Realized log return 的样本标准差；样本不足时返回 0
func (s *Sampler) Realized() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.samples)
	if n < 3 {
		return 0
	}

	returns := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		returns = append(returns, math.Log(s.samples[i]/s.samples[i-1]))
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(returns)-1))
}

// Len 当前样本数
func (s *Sampler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}
