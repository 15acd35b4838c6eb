package monitor

// AutoExecutionPaused 根据执行统计判断是否暂停自动执行
// 规则：配置了 max_errors 且连续失败次数达到阈值时暂停，直到出现一次成功执行。
// 手动执行不受影响。
func (m *Monitor) AutoExecutionPaused() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxErrors > 0 && m.consecutive >= m.maxErrors {
		return true, "consecutive_errors"
	}
	return false, ""
}
