package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 反向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderRequest 下单请求（交易所无关）
// Symbol 为交易所原生标识：Binance 为 symbol，Upbit 为 market。
type OrderRequest struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
}

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Order 交易所返回的订单状态
type Order struct {
	ID       string      `json:"id"`
	Exchange string      `json:"exchange"`
	Symbol   string      `json:"symbol"`
	Side     Side        `json:"side"`
	Status   OrderStatus `json:"status"`
	// FilledQty 已成交数量
	FilledQty decimal.Decimal `json:"filled_qty"`
	// FilledPrice 成交均价（原生计价）
	FilledPrice decimal.Decimal `json:"filled_price"`
	// Fee 手续费（原生计价）
	Fee decimal.Decimal `json:"fee"`
}

// Done 订单是否已终结
func (o *Order) Done() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

// Balance 单币种余额
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Ticker 最新价
type Ticker struct {
	Symbol string          `json:"symbol"`
	Last   decimal.Decimal `json:"last"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
}

// ErrorClass 执行错误分类
type ErrorClass string

const (
	ErrClassNone       ErrorClass = ""
	ErrClassValidation ErrorClass = "validation"
	// ErrClassTotalFailure 买腿失败，未建立任何仓位
	ErrClassTotalFailure ErrorClass = "total_failure"
	// ErrClassPartialFailure 买腿成交、卖腿失败，已回滚
	ErrClassPartialFailure ErrorClass = "partial_failure"
	// ErrClassReversePartial 卖腿成交、买腿下单后失败，已回补
	ErrClassReversePartial ErrorClass = "reverse_partial_failure"
	// ErrClassRollbackFailed 回滚失败，存在未对冲敞口
	ErrClassRollbackFailed ErrorClass = "rollback_failed"
	ErrClassCancelled      ErrorClass = "cancelled"
)

// RollbackState 回滚状态
type RollbackState string

const (
	RollbackNone    RollbackState = ""
	RollbackPending RollbackState = "pending"
	RollbackDone    RollbackState = "done"
	RollbackFailed  RollbackState = "failed"
)

// ExecutionResult 一次配对执行的结果
type ExecutionResult struct {
	// ID 执行 ID
	ID string `json:"id"`
	// Path 对应机会路径（可为空）
	Path    string `json:"path,omitempty"`
	Success bool   `json:"success"`
	// BuyOrderID 买腿订单 ID，未发送时为 nil
	BuyOrderID *string `json:"buy_order_id"`
	// SellOrderID 卖腿订单 ID，未发送时为 nil
	SellOrderID *string `json:"sell_order_id"`
	// LatencyMs 端到端耗时（毫秒）
	LatencyMs float64 `json:"latency_ms"`
	// ActualProfit 实际利润（USD），双腿对账前为 nil
	ActualProfit *decimal.Decimal `json:"actual_profit"`
	ErrorClass   ErrorClass       `json:"error_class,omitempty"`
	Error        string           `json:"error,omitempty"`
	// Rollback 回滚状态
	Rollback RollbackState `json:"rollback,omitempty"`
	// RollbackOrderID 回滚订单 ID
	RollbackOrderID *string   `json:"rollback_order_id,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Clone 返回深拷贝（指针字段复制）
func (r ExecutionResult) Clone() ExecutionResult {
	out := r
	out.BuyOrderID = cloneStr(r.BuyOrderID)
	out.SellOrderID = cloneStr(r.SellOrderID)
	out.RollbackOrderID = cloneStr(r.RollbackOrderID)
	if r.ActualProfit != nil {
		p := *r.ActualProfit
		out.ActualProfit = &p
	}
	return out
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
