// Package fastparse 提供交易所消息字段的解析函数。
// 价格和数量统一解析为 decimal，避免二进制浮点误差进入利润计算。
package fastparse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// ErrEmpty 空字段
var ErrEmpty = errors.New("empty value")

// ParseDecimal 解析十进制字符串，如 "42500.01"
func ParseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, ErrEmpty
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// DecimalFromNumber 解析 JSON 数字字段（Upbit 使用数字而非字符串）
func DecimalFromNumber(n json.Number) (decimal.Decimal, error) {
	return ParseDecimal(n.String())
}

// ParseInt 解析 64 位整数
func ParseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// MustDecimal 解析失败时返回 0，仅用于已知格式正确的常量与测试
func MustDecimal(s string) decimal.Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
