// Package latency 实现滚动窗口时延统计。
// 行情采集为每个交易所记录“本地接收 - 交易所时间戳”的行情时延；
// 监控模块复用 Window 统计执行耗时分位数。
package latency

import (
	"sort"
	"sync"
)

// Stats 时延统计快照（滚动窗口），单位：毫秒
type Stats struct {
	// Name 统计对象（交易所或链路名称）
	Name string `json:"name"`
	// Count 样本总数（累计）
	Count int64 `json:"count"`
	// LastMs 最近一次样本
	LastMs float64 `json:"last_ms"`
	// MeanMs 窗口均值
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P90Ms  float64 `json:"p90_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

// Window 固定容量的滚动窗口，并发安全
type Window struct {
	size  int
	buf   []float64
	pos   int
	count int64
	last  float64
	full  bool

	mu sync.Mutex
}

// NewWindow 创建滚动窗口
// 参数 size: 窗口容量（建议 1000）
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{size: size, buf: make([]float64, 0, size)}
}

// Add 追加样本，窗口满时覆盖最旧样本
func (w *Window) Add(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.count++
	w.last = v

	if !w.full {
		w.buf = append(w.buf, v)
		if len(w.buf) == w.size {
			w.full = true
			w.pos = 0
		}
		return
	}

	w.buf[w.pos] = v
	w.pos++
	if w.pos >= w.size {
		w.pos = 0
	}
}

// Snapshot 计算窗口统计
func (w *Window) Snapshot(name string) Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Stats{Name: name, Count: w.count, LastMs: w.last}
	if len(w.buf) == 0 {
		return st
	}

	tmp := make([]float64, len(w.buf))
	copy(tmp, w.buf)
	sort.Float64s(tmp)

	var sum float64
	for _, v := range tmp {
		sum += v
	}
	st.MeanMs = sum / float64(len(tmp))
	st.P50Ms = quantile(tmp, 0.50)
	st.P90Ms = quantile(tmp, 0.90)
	st.P99Ms = quantile(tmp, 0.99)
	return st
}

// quantile 已排序切片的分位数（下取整索引）
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[n-1]
	}
	idx := int(float64(n-1) * q)
	return sorted[idx]
}

// Tracker 按名称维护独立滚动窗口
type Tracker struct {
	size    int
	mu      sync.RWMutex
	windows map[string]*Window
}

// NewTracker 创建时延追踪器
// 参数 windowSize: 每个名称的窗口大小
func NewTracker(windowSize int) *Tracker {
	return &Tracker{size: windowSize, windows: make(map[string]*Window)}
}

// Add 记录一条样本；负值（交易所未提供时间戳）被忽略
func (t *Tracker) Add(name string, ms float64) {
	if ms < 0 {
		return
	}
	t.window(name).Add(ms)
}

// Stats 获取指定名称的统计快照
func (t *Tracker) Stats(name string) Stats {
	t.mu.RLock()
	w, ok := t.windows[name]
	t.mu.RUnlock()
	if !ok {
		return Stats{Name: name}
	}
	return w.Snapshot(name)
}

func (t *Tracker) window(name string) *Window {
	t.mu.RLock()
	w, ok := t.windows[name]
	t.mu.RUnlock()
	if ok {
		return w
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok = t.windows[name]; ok {
		return w
	}
	w = NewWindow(t.size)
	t.windows[name] = w
	return w
}
