// Package timeutil 提供时间相关的工具函数。
// 主要用于延迟测量：本地时间由单调时钟推进，系统时间跳变不会污染时延统计。
package timeutil

import (
	"time"
)

var (
	// baseTime 基准时间点（包含单调时钟读数）
	baseTime = time.Now()
	// baseUnixNs 基准时间点对应的 Unix 纳秒时间戳
	baseUnixNs = baseTime.UnixNano()
)

// NowNano 当前 Unix 纳秒时间戳 = baseUnixNs + time.Since(baseTime)
func NowNano() int64 {
	return baseUnixNs + time.Since(baseTime).Nanoseconds()
}

// NowMs 当前 Unix 毫秒时间戳，用于与交易所时间戳比较
func NowMs() int64 {
	return NowNano() / 1_000_000
}

// MsSince 计算从 start 到现在经过的毫秒数（浮点，保留精度）
func MsSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

// FeedLatencyMs 行情时延 = 本地接收时间 - 交易所时间戳
// 交易所未提供时间戳（0）时返回 -1
func FeedLatencyMs(localNs, exchTsMs int64) float64 {
	if exchTsMs <= 0 {
		return -1
	}
	return float64(localNs-exchTsMs*1_000_000) / 1_000_000.0
}
