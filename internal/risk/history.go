package risk

import (
	"sync"

	"cross-exchange-arbitrage/internal/core/model"
)

// Counters 风险评估计数
type Counters struct {
	Total    int64 `json:"total"`
	Approved int64 `json:"approved"`
	Advisory int64 `json:"advisory"`
	Fallback int64 `json:"fallback"`
}

// History 最近风险评估的环形缓冲，仅用于观测
type History struct {
	mu       sync.Mutex
	buf      []model.RiskAssessment
	next     int
	full     bool
	counters Counters
}

// NewHistory 创建容量为 size 的历史记录
func NewHistory(size int) *History {
	if size <= 0 {
		size = 1000
	}
	return &History{buf: make([]model.RiskAssessment, size)}
}

// Add 追加一条评估，容量满时覆盖最旧的记录
func (h *History) Add(a model.RiskAssessment) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = a
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}

	h.counters.Total++
	if a.ShouldExecute {
		h.counters.Approved++
	}
	if a.Source == model.SourceAdvisory {
		h.counters.Advisory++
	} else {
		h.counters.Fallback++
	}
}

// Len 当前保存的记录数
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Recent 最近 limit 条评估（最新在前），limit<=0 返回全部
func (h *History) Recent(limit int) []model.RiskAssessment {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.full {
		n = len(h.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.RiskAssessment, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (h.next - 1 - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}

// Counters 计数快照
func (h *History) Counters() Counters {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counters
}
