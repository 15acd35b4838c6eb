package execution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/util/backoff"
)

// unwind 对冲双腿成交量的差额，并把回滚状态写入结果
// 参数 v: 多成交一侧所在的交易所
// 参数 leg: 多成交一侧的原始请求
// 参数 qty: 未对冲的数量
// 参数 side: 回滚方向（多买则卖出，多卖则买回）
func (c *Coordinator) unwind(ctx context.Context, res *model.ExecutionResult, v Venue, leg model.OrderRequest, qty decimal.Decimal, side model.Side) {
	res.Rollback = model.RollbackPending
	order, err := c.Rollback(ctx, v, leg, qty, side, res.ID)
	res.RollbackOrderID = orderID(order)
	if err == nil {
		res.Rollback = model.RollbackDone
		c.logger.Warn("单腿成交已回滚",
			zap.String("id", res.ID),
			zap.String("exchange", v.Exchange()),
			zap.String("side", string(side)),
			zap.String("qty", qty.String()))
		return
	}

	res.Rollback = model.RollbackFailed
	res.ErrorClass = model.ErrClassRollbackFailed
	res.Error = fmt.Sprintf("%s; rollback: %v", res.Error, err)
	msg := fmt.Sprintf("回滚失败，存在未对冲敞口: id=%s exchange=%s side=%s qty=%s", res.ID, v.Exchange(), side, qty)
	c.logger.Error(msg, zap.Bool("critical", true), zap.Error(err))
	if c.reporter != nil {
		c.reporter.Critical(msg)
	}
}

// Rollback 在 v 上以市价单对冲 qty，失败按退避重试至多 RollbackAttempts 次
// 回滚不随调用方 ctx 取消而中止；部分成交时只对剩余数量重试。
// 返回最后一笔回滚订单。
func (c *Coordinator) Rollback(ctx context.Context, v Venue, leg model.OrderRequest, qty decimal.Decimal, side model.Side, execID string) (*model.Order, error) {
	rctx := context.WithoutCancel(ctx)
	bo := backoff.New(c.opts.RollbackBackoff, c.opts.RollbackBackoff*8, 0)

	remaining := qty
	var last *model.Order
	var errs error
	for attempt := 1; attempt <= c.opts.RollbackAttempts; attempt++ {
		req := model.OrderRequest{
			Exchange:      leg.Exchange,
			Symbol:        leg.Symbol,
			Side:          side,
			Type:          model.OrderTypeMarket,
			Quantity:      remaining,
			ClientOrderID: fmt.Sprintf("%s-rb%d", execID, attempt),
		}

		order, err := c.placeLeg(rctx, v, req)
		if order != nil {
			last = order
		}
		if err == nil {
			filled := order.FilledQty
			if !filled.IsPositive() && order.Status == model.OrderStatusFilled {
				filled = remaining
			}
			remaining = remaining.Sub(filled)
			if !remaining.IsPositive() {
				return last, nil
			}
			err = fmt.Errorf("回滚部分成交，剩余 %s", remaining)
		}

		errs = multierr.Append(errs, fmt.Errorf("attempt %d: %w", attempt, err))
		c.logger.Error("回滚尝试失败",
			zap.Bool("critical", true),
			zap.String("id", execID),
			zap.String("exchange", v.Exchange()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.opts.RollbackAttempts),
			zap.Error(err))

		if attempt < c.opts.RollbackAttempts {
			_ = bo.Wait(rctx)
		}
	}
	return last, errs
}
