// Package fx 维护 Upbit 计价货币与 Binance 计价货币之间的换算汇率（如 KRW/USDT）。
// 汇率由外部（配置或 HTTP 接口）设置，检测器每个周期读取一次。
package fx

import (
	"errors"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"cross-exchange-arbitrage/internal/core/model"
)

// ErrInvalidRate 汇率非正
var ErrInvalidRate = errors.New("fx: rate must be positive")

// Rate 原子汇率，单位：每 1 USD 对应的 KRW
type Rate struct {
	v atomic.Pointer[decimal.Decimal]
}

// New 创建汇率
// 参数 initial: 初始汇率，必须为正
func New(initial decimal.Decimal) (*Rate, error) {
	r := &Rate{}
	if err := r.Set(initial); err != nil {
		return nil, err
	}
	return r, nil
}

// Get 当前汇率
func (r *Rate) Get() decimal.Decimal {
	return *r.v.Load()
}

// Set 更新汇率，非正值返回 ErrInvalidRate 且不修改
func (r *Rate) Set(v decimal.Decimal) error {
	if !v.IsPositive() {
		return ErrInvalidRate
	}
	r.v.Store(&v)
	return nil
}

// ToUSD 原生计价（KRW）换算为 USD
func (r *Rate) ToUSD(native decimal.Decimal) decimal.Decimal {
	return native.Div(r.Get())
}

// FromUSD USD 换算为原生计价（KRW）
func (r *Rate) FromUSD(usd decimal.Decimal) decimal.Decimal {
	return usd.Mul(r.Get())
}

// USD 按交易所计价货币换算为 USD：Upbit 以 KRW 计价，其余视为 USD
func (r *Rate) USD(exchange string, native decimal.Decimal) decimal.Decimal {
	if exchange == model.ExchangeUpbit {
		return r.ToUSD(native)
	}
	return native
}

// Native USD 换算为交易所计价货币
func (r *Rate) Native(exchange string, usd decimal.Decimal) decimal.Decimal {
	if exchange == model.ExchangeUpbit {
		return r.FromUSD(usd)
	}
	return usd
}
