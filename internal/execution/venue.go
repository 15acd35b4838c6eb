package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"cross-exchange-arbitrage/internal/core/model"
)

// Venue 交易所下单能力
// 签名与鉴权完全由实现方（外部网关）负责；协调器只按交易所路由，不区分交易所身份。
type Venue interface {
	// Exchange 交易所标识
	Exchange() string
	// CreateOrder 下单
	CreateOrder(ctx context.Context, req model.OrderRequest) (*model.Order, error)
	// FetchOrder 查询订单状态
	FetchOrder(ctx context.Context, symbol, orderID string) (*model.Order, error)
	// CancelOrder 撤单
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// FetchBalance 查询全部余额
	FetchBalance(ctx context.Context) (map[string]model.Balance, error)
	// FetchTicker 查询最新价
	FetchTicker(ctx context.Context, symbol string) (*model.Ticker, error)
}

// Reporter 执行结果监控（monitor.Monitor 实现）
type Reporter interface {
	Record(latencyMs float64, profit decimal.Decimal, success bool, errMsg string)
	Critical(msg string)
}

// ResultRecorder 执行记录持久化（尽力而为）
type ResultRecorder interface {
	RecordExecution(ctx context.Context, res model.ExecutionResult) error
}
