// Package paper 实现模拟下单通道（execution.mode=paper）。
// 市价单按最新订单簿逐档成交并叠加滑点，余额在内存中记账。
// 重要：仅用于模拟，不会向交易所发送任何请求。
package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cross-exchange-arbitrage/internal/config"
	"cross-exchange-arbitrage/internal/core/model"
)

var (
	// ErrNoBook 尚无该交易所的订单簿
	ErrNoBook = errors.New("paper: no order book")
	// ErrNoLiquidity 盘口（或限价内）没有可成交数量
	ErrNoLiquidity = errors.New("paper: no liquidity")
	// ErrInsufficientBalance 余额不足
	ErrInsufficientBalance = errors.New("paper: insufficient balance")
	// ErrUnknownOrder 订单不存在
	ErrUnknownOrder = errors.New("paper: unknown order")
)

var tenThousand = decimal.NewFromInt(10000)

// BookReader 最新订单簿来源（行情采集器实现）
type BookReader interface {
	GetLatest(exchange string) *model.OrderBookSnapshot
}

// Venue 模拟下单通道
type Venue struct {
	// exchange 交易所标识
	exchange string
	// base / quote 基础资产与计价资产
	base  string
	quote string
	books BookReader
	// fee 有效 taker 费率
	fee decimal.Decimal
	// slip 滑点比例
	slip   decimal.Decimal
	logger *zap.Logger

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	orders   map[string]*model.Order
	seq      int64
}

// NewVenue 创建模拟下单通道
// 参数 exchange: 交易所标识
// 参数 base: 基础资产，如 BTC
// 参数 quote: 计价资产，如 USDT、KRW
// 参数 books: 订单簿来源
// 参数 cfg: 模拟成交配置（滑点、初始余额）
// 参数 fee: 该交易所手续费配置
func NewVenue(exchange, base, quote string, books BookReader, cfg config.PaperConfig, fee config.FeeDetail, logger *zap.Logger) *Venue {
	balances := make(map[string]decimal.Decimal)
	for asset, v := range cfg.Balances[exchange] {
		balances[asset] = decimal.NewFromFloat(v)
	}
	return &Venue{
		exchange: exchange,
		base:     base,
		quote:    quote,
		books:    books,
		fee:      fee.EffectiveTakerFee(),
		slip:     decimal.NewFromFloat(cfg.SlippageBps).Div(tenThousand),
		logger:   logger.Named("paper").With(zap.String("exchange", exchange)),
		balances: balances,
		orders:   make(map[string]*model.Order),
	}
}

// Exchange 交易所标识
func (v *Venue) Exchange() string { return v.exchange }

// CreateOrder 按当前订单簿立即成交
// 盘口深度不足时成交可得部分，剩余撤销（状态 canceled，FilledQty>0）。
func (v *Venue) CreateOrder(ctx context.Context, req model.OrderRequest) (*model.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("paper: quantity must be positive: %s", req.Quantity)
	}

	book := v.books.GetLatest(v.exchange)
	if book == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoBook, v.exchange)
	}

	filled, avg := sweep(book, req)
	if !filled.IsPositive() {
		return nil, fmt.Errorf("%w: %s %s", ErrNoLiquidity, v.exchange, req.Side)
	}

	// 滑点：买入价上浮、卖出价下调
	px, err := v.fillPx(req.Side, avg)
	if err != nil {
		return nil, err
	}
	notional := px.Mul(filled)
	fee := notional.Mul(v.fee)

	v.mu.Lock()
	defer v.mu.Unlock()

	switch req.Side {
	case model.SideBuy:
		need := notional.Add(fee)
		if have := v.balances[v.quote]; have.LessThan(need) {
			return nil, fmt.Errorf("%w: %s %s %s < %s", ErrInsufficientBalance, v.exchange, v.quote, have, need)
		}
		v.balances[v.quote] = v.balances[v.quote].Sub(need)
		v.balances[v.base] = v.balances[v.base].Add(filled)
	case model.SideSell:
		if have := v.balances[v.base]; have.LessThan(filled) {
			return nil, fmt.Errorf("%w: %s %s %s < %s", ErrInsufficientBalance, v.exchange, v.base, have, filled)
		}
		v.balances[v.base] = v.balances[v.base].Sub(filled)
		v.balances[v.quote] = v.balances[v.quote].Add(notional.Sub(fee))
	}

	v.seq++
	status := model.OrderStatusFilled
	if filled.LessThan(req.Quantity) {
		status = model.OrderStatusCanceled
	}
	order := &model.Order{
		ID:          fmt.Sprintf("paper-%s-%d", v.exchange, v.seq),
		Exchange:    v.exchange,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Status:      status,
		FilledQty:   filled,
		FilledPrice: px,
		Fee:         fee,
	}
	v.orders[order.ID] = order

	v.logger.Info("模拟成交",
		zap.String("order_id", order.ID),
		zap.String("side", string(req.Side)),
		zap.String("qty", filled.String()),
		zap.String("price", px.String()))

	out := *order
	return &out, nil
}

func (v *Venue) fillPx(side model.Side, avg decimal.Decimal) (decimal.Decimal, error) {
	switch side {
	case model.SideBuy:
		return avg.Mul(decimal.NewFromInt(1).Add(v.slip)), nil
	case model.SideSell:
		return avg.Mul(decimal.NewFromInt(1).Sub(v.slip)), nil
	default:
		return decimal.Zero, fmt.Errorf("未知 side: %s", side)
	}
}

// sweep 逐档吃单，返回成交数量与成交均价
// 买单吃卖盘、卖单吃买盘；限价单只成交价格不劣于限价的档位。
func sweep(book *model.OrderBookSnapshot, req model.OrderRequest) (filled, avg decimal.Decimal) {
	levels := book.Asks
	if req.Side == model.SideSell {
		levels = book.Bids
	}
	limit := req.Type == model.OrderTypeLimit && req.Price.IsPositive()

	remaining := req.Quantity
	notional := decimal.Zero
	used := 0
	var first decimal.Decimal
	for _, l := range levels {
		if !remaining.IsPositive() {
			break
		}
		if limit {
			if req.Side == model.SideBuy && l.Price.GreaterThan(req.Price) {
				break
			}
			if req.Side == model.SideSell && l.Price.LessThan(req.Price) {
				break
			}
		}
		if used == 0 {
			first = l.Price
		}
		used++
		take := decimal.Min(remaining, l.Qty)
		notional = notional.Add(l.Price.Mul(take))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
	}
	if !filled.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	if used == 1 {
		return filled, first
	}
	return filled, notional.Div(filled)
}

// FetchOrder 查询订单
func (v *Venue) FetchOrder(_ context.Context, _, orderID string) (*model.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	out := *o
	return &out, nil
}

// CancelOrder 模拟订单均立即终结，撤单只校验订单存在
func (v *Venue) CancelOrder(_ context.Context, _, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.orders[orderID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	return nil
}

// FetchBalance 当前模拟余额
func (v *Venue) FetchBalance(context.Context) (map[string]model.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]model.Balance, len(v.balances))
	for asset, free := range v.balances {
		out[asset] = model.Balance{Asset: asset, Free: free, Locked: decimal.Zero}
	}
	return out, nil
}

// FetchTicker 以最新订单簿的买一、卖一与中间价作为行情
func (v *Venue) FetchTicker(_ context.Context, symbol string) (*model.Ticker, error) {
	book := v.books.GetLatest(v.exchange)
	if book == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoBook, v.exchange)
	}
	t := &model.Ticker{Symbol: symbol, Last: book.MidPrice()}
	if bid, ok := book.BestBid(); ok {
		t.Bid = bid.Price
	}
	if ask, ok := book.BestAsk(); ok {
		t.Ask = ask.Price
	}
	return t, nil
}
