// Package monitor 汇总配对执行结果的滚动统计并发出告警。
// 成功率、利润基于滚动窗口 O(1) 增量维护；耗时分位数复用 latency.Window。
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cross-exchange-arbitrage/internal/config"
	"cross-exchange-arbitrage/internal/stats/latency"
)

// AlertKind 告警类型
type AlertKind string

const (
	AlertErrorCount AlertKind = "error_count"
	AlertLatency    AlertKind = "latency"
	// AlertCritical 回滚失败等存在未对冲敞口的事件
	AlertCritical AlertKind = "critical"
)

// Alert 告警
type Alert struct {
	Kind    AlertKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// AlertHook 告警回调（如对接通知机器人），不应阻塞
type AlertHook func(Alert)

type sample struct {
	success bool
	profit  decimal.Decimal
}

// Stats 执行统计快照
type Stats struct {
	// Count 窗口内样本数
	Count        int64   `json:"count"`
	SuccessCount int64   `json:"success_count"`
	FailureCount int64   `json:"failure_count"`
	SuccessRate  float64 `json:"success_rate"`
	// Latency 端到端耗时分位数
	Latency latency.Stats `json:"latency"`
	// TotalProfit 窗口内成功执行的利润合计（USD）
	TotalProfit decimal.Decimal `json:"total_profit"`
	// AvgProfit 成功执行的平均利润
	AvgProfit decimal.Decimal `json:"avg_profit"`
	// ConsecutiveErrors 当前连续失败次数
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastError         string `json:"last_error,omitempty"`
	AlertCount        int64  `json:"alert_count"`
}

// Monitor 执行监控
type Monitor struct {
	maxErrors    int
	maxLatencyMs float64
	logger       *zap.Logger
	hook         AlertHook

	mu   sync.Mutex
	size int
	buf  []sample
	pos  int
	full bool

	count        int64
	successCount int64
	sumProfit    decimal.Decimal
	consecutive  int
	lastError    string
	alertCount   int64
	alerts       []Alert

	latency *latency.Window
}

// maxAlerts 保留的最近告警条数
const maxAlerts = 100

// New 创建执行监控
// 参数 cfg: 窗口大小与告警阈值
// 参数 hook: 告警回调，可为 nil
func New(cfg config.MonitorConfig, hook AlertHook, logger *zap.Logger) *Monitor {
	size := cfg.WindowSize
	if size <= 0 {
		size = 1000
	}
	return &Monitor{
		maxErrors:    cfg.MaxErrors,
		maxLatencyMs: cfg.MaxLatencyMs,
		logger:       logger.Named("monitor"),
		hook:         hook,
		size:         size,
		buf:          make([]sample, size),
		latency:      latency.NewWindow(size),
	}
}

// Record 记录一次执行结果
// 参数 latencyMs: 端到端耗时
// 参数 profit: 实际利润（未知时传 0）
// 参数 success: 是否成功
// 参数 errMsg: 失败原因
func (m *Monitor) Record(latencyMs float64, profit decimal.Decimal, success bool, errMsg string) {
	m.latency.Add(latencyMs)

	var alerts []Alert
	now := time.Now()

	m.mu.Lock()
	s := sample{success: success, profit: profit}
	if m.full {
		old := m.buf[m.pos]
		m.count--
		if old.success {
			m.successCount--
			m.sumProfit = m.sumProfit.Sub(old.profit)
		}
	}
	m.buf[m.pos] = s
	m.pos++
	if m.pos >= m.size {
		m.pos = 0
		m.full = true
	}
	m.count++
	if success {
		m.successCount++
		m.sumProfit = m.sumProfit.Add(profit)
		m.consecutive = 0
	} else {
		m.consecutive++
		m.lastError = errMsg
		if m.maxErrors > 0 && m.consecutive == m.maxErrors {
			alerts = append(alerts, Alert{
				Kind:    AlertErrorCount,
				Message: fmt.Sprintf("连续 %d 次执行失败: %s", m.consecutive, errMsg),
				At:      now,
			})
		}
	}
	if m.maxLatencyMs > 0 && latencyMs > m.maxLatencyMs {
		alerts = append(alerts, Alert{
			Kind:    AlertLatency,
			Message: fmt.Sprintf("执行耗时 %.1fms 超过 %.1fms", latencyMs, m.maxLatencyMs),
			At:      now,
		})
	}
	m.mu.Unlock()

	for _, a := range alerts {
		m.raise(a)
	}
}

// Critical 发出严重告警
func (m *Monitor) Critical(msg string) {
	m.raise(Alert{Kind: AlertCritical, Message: msg, At: time.Now()})
}

func (m *Monitor) raise(a Alert) {
	m.mu.Lock()
	m.alertCount++
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > maxAlerts {
		m.alerts = m.alerts[len(m.alerts)-maxAlerts:]
	}
	m.mu.Unlock()

	if a.Kind == AlertCritical {
		m.logger.Error("告警", zap.String("kind", string(a.Kind)), zap.String("message", a.Message))
	} else {
		m.logger.Warn("告警", zap.String("kind", string(a.Kind)), zap.String("message", a.Message))
	}
	if m.hook != nil {
		m.hook(a)
	}
}

// Alerts 最近告警（最旧在前）
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// Stats 当前统计快照
func (m *Monitor) Stats() Stats {
	lat := m.latency.Snapshot("execution")

	m.mu.Lock()
	defer m.mu.Unlock()

	out := Stats{
		Count:             m.count,
		SuccessCount:      m.successCount,
		FailureCount:      m.count - m.successCount,
		Latency:           lat,
		TotalProfit:       m.sumProfit,
		AvgProfit:         decimal.Zero,
		ConsecutiveErrors: m.consecutive,
		LastError:         m.lastError,
		AlertCount:        m.alertCount,
	}
	if m.count > 0 {
		out.SuccessRate = float64(m.successCount) / float64(m.count)
	}
	if m.successCount > 0 {
		out.AvgProfit = m.sumProfit.Div(decimal.NewFromInt(m.successCount))
	}
	return out
}
