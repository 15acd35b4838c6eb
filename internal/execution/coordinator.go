// Package execution 实现配对执行协调器。
//
// 一次 ExecutePair 分两个阶段：
//  1. 派发前阶段：本地校验、按交易所路由、可选的并发余额预检。买腿在此阶段失败即为
//     total_failure，卖腿不会被发送。
//  2. 派发阶段：两腿并发下单（都发出后再等待），按结果分类；买腿成交而卖腿失败时
//     在买入交易所卖出回滚，卖腿成交而买腿失败时在卖出交易所买回。
//
// 并发执行数由固定大小的信号量限制；已完成的执行记录保留一段时间后由清理循环移除。
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"cross-exchange-arbitrage/internal/config"
	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/fx"
	"cross-exchange-arbitrage/internal/metadata"
)

var (
	// ErrUnknownExecution 执行 ID 不存在或已被清理
	ErrUnknownExecution = errors.New("execution: unknown execution id")
	// ErrInFlight 执行尚未完成
	ErrInFlight = errors.New("execution: still in flight")
	// ErrNoVenue 未配置该交易所的下单通道
	ErrNoVenue = errors.New("execution: no venue for exchange")
	// ErrInvalidOrder 订单参数不合法
	ErrInvalidOrder = errors.New("execution: invalid order")
	// ErrInsufficientBalance 余额不足
	ErrInsufficientBalance = errors.New("execution: insufficient balance")
	// ErrLegTimeout 单腿在超时前未成交
	ErrLegTimeout = errors.New("execution: leg did not fill before timeout")
	// ErrFillsUnknown 成交价尚不可知
	ErrFillsUnknown = errors.New("execution: fills not yet known")
	// ErrFillMismatch 双腿成交量不一致
	ErrFillMismatch = errors.New("execution: leg fill quantities differ")
)

// Options 协调器参数
type Options struct {
	// MaxConcurrent 并发执行上限
	MaxConcurrent int
	// OrderTimeout 单腿下单到成交的超时
	OrderTimeout time.Duration
	// PollInterval 订单状态轮询间隔
	PollInterval time.Duration
	// PreflightBalance 派发前并发检查双边余额
	PreflightBalance bool
	// RollbackAttempts 回滚最大尝试次数
	RollbackAttempts int
	// RollbackBackoff 回滚重试基础间隔
	RollbackBackoff time.Duration
	// Retention 已完成记录保留时长
	Retention time.Duration
	// MaxOrderQty 单次执行数量上限，0 表示不限制
	MaxOrderQty decimal.Decimal
	// StepSize 下单数量步长，0 表示不截断
	StepSize decimal.Decimal
	// BaseAsset 基础资产，如 BTC
	BaseAsset string
	// QuoteAssets 交易所 -> 计价资产
	QuoteAssets map[string]string
	// Symbols 交易所 -> 原生交易标识
	Symbols map[string]string
}

// OptionsFromConfig 从配置与市场元数据构造参数
func OptionsFromConfig(cfg *config.Config, market *metadata.Market) Options {
	return Options{
		MaxConcurrent:    cfg.Execution.MaxConcurrent,
		OrderTimeout:     config.Ms(cfg.Execution.OrderTimeoutMs),
		PreflightBalance: cfg.Execution.PreflightBalance,
		RollbackAttempts: cfg.Execution.RollbackAttempts,
		RollbackBackoff:  config.Ms(cfg.Execution.RollbackBackoffMs),
		Retention:        config.Ms(cfg.Execution.RetentionMs),
		MaxOrderQty:      decimal.NewFromFloat(cfg.Execution.MaxOrderQty),
		StepSize:         market.BinanceStepSize,
		BaseAsset:        market.Base,
		QuoteAssets: map[string]string{
			model.ExchangeBinance: cfg.Market.BinanceQuote,
			model.ExchangeUpbit:   cfg.Market.UpbitQuote,
		},
		Symbols: map[string]string{
			model.ExchangeBinance: market.SymbolFor(model.ExchangeBinance),
			model.ExchangeUpbit:   market.SymbolFor(model.ExchangeUpbit),
		},
	}
}

func (o *Options) setDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
	if o.OrderTimeout <= 0 {
		o.OrderTimeout = 3 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.RollbackAttempts <= 0 {
		o.RollbackAttempts = 3
	}
	if o.RollbackBackoff <= 0 {
		o.RollbackBackoff = 200 * time.Millisecond
	}
	if o.Retention <= 0 {
		o.Retention = 5 * time.Minute
	}
}

// record 单次执行的内部状态
type record struct {
	result    model.ExecutionResult
	buy       model.OrderRequest
	sell      model.OrderRequest
	buyOrder  *model.Order
	sellOrder *model.Order
	done      bool
}

// Coordinator 配对执行协调器
type Coordinator struct {
	opts     Options
	venues   map[string]Venue
	rate     *fx.Rate
	reporter Reporter
	recorder ResultRecorder
	logger   *zap.Logger

	sem      *semaphore.Weighted
	inFlight atomic.Int64

	mu      sync.RWMutex
	records map[string]*record

	now func() time.Time
}

// NewCoordinator 创建执行协调器
// 参数 venues: 各交易所下单通道
// 参数 rate: 汇率，用于把实际利润换算为 USD
// 参数 reporter: 执行监控，可为 nil
// 参数 recorder: 执行记录持久化，可为 nil
func NewCoordinator(opts Options, venues []Venue, rate *fx.Rate, reporter Reporter, recorder ResultRecorder, logger *zap.Logger) *Coordinator {
	opts.setDefaults()
	vm := make(map[string]Venue, len(venues))
	for _, v := range venues {
		vm[v.Exchange()] = v
	}
	return &Coordinator{
		opts:     opts,
		venues:   vm,
		rate:     rate,
		reporter: reporter,
		recorder: recorder,
		logger:   logger.Named("execution"),
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		records:  make(map[string]*record),
		now:      time.Now,
	}
}

// InFlight 当前处于执行临界区的数量
func (c *Coordinator) InFlight() int64 {
	return c.inFlight.Load()
}

// ExecutePair 执行一对订单
// 超过并发上限时阻塞等待空位，ctx 取消则返回 cancelled 结果。
func (c *Coordinator) ExecutePair(ctx context.Context, buy, sell model.OrderRequest) model.ExecutionResult {
	return c.execute(ctx, "", buy, sell)
}

// ExecuteOpportunity 按机会构造双边市价单并执行
func (c *Coordinator) ExecuteOpportunity(ctx context.Context, opp model.ArbitrageOpportunity) model.ExecutionResult {
	qty := opp.Quantity
	if c.opts.MaxOrderQty.IsPositive() && qty.GreaterThan(c.opts.MaxOrderQty) {
		qty = c.opts.MaxOrderQty
	}
	if c.opts.StepSize.IsPositive() {
		qty = qty.Div(c.opts.StepSize).Floor().Mul(c.opts.StepSize)
	}

	buy := model.OrderRequest{
		Exchange: opp.BuyExchange,
		Symbol:   c.opts.Symbols[opp.BuyExchange],
		Side:     model.SideBuy,
		Type:     model.OrderTypeMarket,
		Quantity: qty,
		Price:    opp.BuyPriceNative,
	}
	sell := model.OrderRequest{
		Exchange: opp.SellExchange,
		Symbol:   c.opts.Symbols[opp.SellExchange],
		Side:     model.SideSell,
		Type:     model.OrderTypeMarket,
		Quantity: qty,
		Price:    opp.SellPriceNative,
	}
	return c.execute(ctx, opp.Path, buy, sell)
}

func (c *Coordinator) execute(ctx context.Context, path string, buy, sell model.OrderRequest) model.ExecutionResult {
	rec := &record{
		result: model.ExecutionResult{ID: uuid.NewString(), Path: path, StartedAt: c.now()},
		buy:    buy,
		sell:   sell,
	}
	id := rec.result.ID
	if rec.buy.ClientOrderID == "" {
		rec.buy.ClientOrderID = id + "-buy"
	}
	if rec.sell.ClientOrderID == "" {
		rec.sell.ClientOrderID = id + "-sell"
	}

	// 结果在本地构造，finish 时在锁内一次性写回
	res := rec.result

	if err := c.sem.Acquire(ctx, 1); err != nil {
		res.ErrorClass = model.ErrClassCancelled
		res.Error = err.Error()
		return c.finish(ctx, rec, res)
	}
	defer c.sem.Release(1)
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	c.mu.Lock()
	c.records[id] = rec
	c.mu.Unlock()

	buyVenue, sellVenue, class, err := c.prepare(ctx, rec.buy, rec.sell)
	if err != nil {
		res.ErrorClass = class
		res.Error = err.Error()
		return c.finish(ctx, rec, res)
	}

	// 两腿都发出后再等待
	var buyOrder, sellOrder *model.Order
	var buyErr, sellErr error
	var wg sync.WaitGroup
	wg.Go(func() { buyOrder, buyErr = c.placeLeg(ctx, buyVenue, rec.buy) })
	wg.Go(func() { sellOrder, sellErr = c.placeLeg(ctx, sellVenue, rec.sell) })
	wg.Wait()

	c.mu.Lock()
	rec.buyOrder, rec.sellOrder = buyOrder, sellOrder
	c.mu.Unlock()

	res.BuyOrderID = orderID(buyOrder)
	res.SellOrderID = orderID(sellOrder)

	// 以双腿实际成交量的差额判断敞口：多买的在买入所卖出，多卖的在卖出所买回
	buyFilled := filledQty(rec.buy, buyOrder, buyErr)
	sellFilled := filledQty(rec.sell, sellOrder, sellErr)
	excess := buyFilled.Sub(sellFilled)

	switch {
	case buyErr != nil && sellErr != nil && excess.IsZero():
		res.ErrorClass = model.ErrClassTotalFailure
		res.Error = multierr.Combine(buyErr, sellErr).Error()
	case excess.IsPositive():
		res.ErrorClass = model.ErrClassPartialFailure
		res.Error = legError(sellErr, buyFilled, sellFilled)
		c.unwind(ctx, &res, buyVenue, rec.buy, excess, model.SideSell)
	case excess.IsNegative():
		res.ErrorClass = model.ErrClassReversePartial
		res.Error = legError(buyErr, buyFilled, sellFilled)
		c.unwind(ctx, &res, sellVenue, rec.sell, excess.Neg(), model.SideBuy)
	case !buyFilled.IsPositive():
		// 双腿均未成交
		res.ErrorClass = model.ErrClassTotalFailure
		res.Error = multierr.Combine(buyErr, sellErr).Error()
	default:
		res.Success = true
		res.ActualProfit = c.realized(rec.buy, rec.sell, buyOrder, sellOrder)
	}

	return c.finish(ctx, rec, res)
}

// filledQty 一条腿的实际成交量
// 交易所未回报成交量但状态为 filled 时按请求数量计。
func filledQty(req model.OrderRequest, order *model.Order, err error) decimal.Decimal {
	switch {
	case order == nil:
		return decimal.Zero
	case order.FilledQty.IsPositive():
		return order.FilledQty
	case err == nil && order.Status == model.OrderStatusFilled:
		return req.Quantity
	}
	return decimal.Zero
}

func legError(err error, buyFilled, sellFilled decimal.Decimal) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Errorf("%w: buy %s, sell %s", ErrFillMismatch, buyFilled, sellFilled).Error()
}

// prepare 派发前阶段：校验、路由、余额预检
// 返回的错误分类：买腿问题为 total_failure，卖腿问题为 validation；两种情况都不会发送任何订单。
func (c *Coordinator) prepare(ctx context.Context, buy, sell model.OrderRequest) (Venue, Venue, model.ErrorClass, error) {
	if err := c.validate(buy, model.SideBuy); err != nil {
		return nil, nil, model.ErrClassTotalFailure, err
	}
	buyVenue, ok := c.venues[buy.Exchange]
	if !ok {
		return nil, nil, model.ErrClassTotalFailure, fmt.Errorf("%w: %s", ErrNoVenue, buy.Exchange)
	}
	if err := c.validate(sell, model.SideSell); err != nil {
		return nil, nil, model.ErrClassValidation, err
	}
	sellVenue, ok := c.venues[sell.Exchange]
	if !ok {
		return nil, nil, model.ErrClassValidation, fmt.Errorf("%w: %s", ErrNoVenue, sell.Exchange)
	}

	if !c.opts.PreflightBalance {
		return buyVenue, sellVenue, model.ErrClassNone, nil
	}

	pctx, cancel := context.WithTimeout(ctx, c.opts.OrderTimeout)
	defer cancel()

	var buyErr, sellErr error
	var g errgroup.Group
	g.Go(func() error {
		buyErr = c.checkBuyBalance(pctx, buyVenue, buy)
		return nil
	})
	g.Go(func() error {
		sellErr = c.checkSellBalance(pctx, sellVenue, sell)
		return nil
	})
	_ = g.Wait()

	if buyErr != nil {
		return nil, nil, model.ErrClassTotalFailure, buyErr
	}
	if sellErr != nil {
		return nil, nil, model.ErrClassValidation, sellErr
	}
	return buyVenue, sellVenue, model.ErrClassNone, nil
}

func (c *Coordinator) validate(req model.OrderRequest, side model.Side) error {
	switch {
	case req.Side != side:
		return fmt.Errorf("%w: %s leg has side %q", ErrInvalidOrder, side, req.Side)
	case req.Exchange == "" || req.Symbol == "":
		return fmt.Errorf("%w: %s leg missing exchange or symbol", ErrInvalidOrder, side)
	case !req.Quantity.IsPositive():
		return fmt.Errorf("%w: %s leg quantity %s", ErrInvalidOrder, side, req.Quantity)
	case req.Type == model.OrderTypeLimit && !req.Price.IsPositive():
		return fmt.Errorf("%w: %s limit order without price", ErrInvalidOrder, side)
	case c.opts.MaxOrderQty.IsPositive() && req.Quantity.GreaterThan(c.opts.MaxOrderQty):
		return fmt.Errorf("%w: %s leg quantity %s exceeds %s", ErrInvalidOrder, side, req.Quantity, c.opts.MaxOrderQty)
	}
	return nil
}

func (c *Coordinator) checkBuyBalance(ctx context.Context, v Venue, req model.OrderRequest) error {
	quote := c.opts.QuoteAssets[req.Exchange]
	if quote == "" {
		return nil
	}
	price := req.Price
	if !price.IsPositive() {
		t, err := v.FetchTicker(ctx, req.Symbol)
		if err != nil {
			return fmt.Errorf("查询 %s 行情失败: %w", req.Exchange, err)
		}
		price = t.Ask
		if !price.IsPositive() {
			price = t.Last
		}
	}
	bal, err := v.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("查询 %s 余额失败: %w", req.Exchange, err)
	}
	need := price.Mul(req.Quantity)
	if have := bal[quote].Free; have.LessThan(need) {
		return fmt.Errorf("%w: %s %s free %s < %s", ErrInsufficientBalance, req.Exchange, quote, have, need)
	}
	return nil
}

func (c *Coordinator) checkSellBalance(ctx context.Context, v Venue, req model.OrderRequest) error {
	if c.opts.BaseAsset == "" {
		return nil
	}
	bal, err := v.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("查询 %s 余额失败: %w", req.Exchange, err)
	}
	if have := bal[c.opts.BaseAsset].Free; have.LessThan(req.Quantity) {
		return fmt.Errorf("%w: %s %s free %s < %s", ErrInsufficientBalance, req.Exchange, c.opts.BaseAsset, have, req.Quantity)
	}
	return nil
}

// placeLeg 下单并等待终态；超时则撤单，已部分成交的数量视为持仓
func (c *Coordinator) placeLeg(ctx context.Context, v Venue, req model.OrderRequest) (*model.Order, error) {
	lctx, cancel := context.WithTimeout(ctx, c.opts.OrderTimeout)
	defer cancel()

	order, err := v.CreateOrder(lctx, req)
	if err != nil {
		return order, fmt.Errorf("%s %s 下单失败: %w", v.Exchange(), req.Side, err)
	}
	if order == nil {
		return nil, fmt.Errorf("%s %s 下单失败: 空响应", v.Exchange(), req.Side)
	}
	return c.awaitFill(lctx, v, req, order)
}

func (c *Coordinator) awaitFill(ctx context.Context, v Venue, req model.OrderRequest, order *model.Order) (*model.Order, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for !order.Done() {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.OrderTimeout)
			if err := v.CancelOrder(cctx, req.Symbol, order.ID); err != nil {
				c.logger.Warn("撤单失败", zap.String("exchange", v.Exchange()), zap.String("order_id", order.ID), zap.Error(err))
			}
			if final, err := v.FetchOrder(cctx, req.Symbol, order.ID); err == nil && final != nil {
				order = final
			}
			cancel()
			if order.FilledQty.IsPositive() {
				return order, nil
			}
			return order, fmt.Errorf("%w: %s %s", ErrLegTimeout, v.Exchange(), order.ID)
		case <-ticker.C:
			next, err := v.FetchOrder(ctx, req.Symbol, order.ID)
			if err != nil {
				c.logger.Debug("查询订单失败", zap.String("exchange", v.Exchange()), zap.Error(err))
				continue
			}
			if next != nil {
				order = next
			}
		}
	}

	switch order.Status {
	case model.OrderStatusRejected:
		return order, fmt.Errorf("%s 订单被拒绝: %s", v.Exchange(), order.ID)
	case model.OrderStatusCanceled:
		if !order.FilledQty.IsPositive() {
			return order, fmt.Errorf("%s 订单已撤销且未成交: %s", v.Exchange(), order.ID)
		}
	}
	return order, nil
}

// realized 双腿成交价已知时计算实际利润（USD）
func (c *Coordinator) realized(buy, sell model.OrderRequest, buyOrder, sellOrder *model.Order) *decimal.Decimal {
	if c.rate == nil || buyOrder == nil || sellOrder == nil {
		return nil
	}
	if !buyOrder.FilledPrice.IsPositive() || !sellOrder.FilledPrice.IsPositive() {
		return nil
	}
	qty := decimal.Min(buyOrder.FilledQty, sellOrder.FilledQty)
	if !qty.IsPositive() {
		return nil
	}
	cost := c.rate.USD(buy.Exchange, buyOrder.FilledPrice.Mul(qty))
	proceeds := c.rate.USD(sell.Exchange, sellOrder.FilledPrice.Mul(qty))
	fees := c.rate.USD(buy.Exchange, buyOrder.Fee).Add(c.rate.USD(sell.Exchange, sellOrder.Fee))
	p := proceeds.Sub(cost).Sub(fees)
	return &p
}

func (c *Coordinator) finish(ctx context.Context, rec *record, res model.ExecutionResult) model.ExecutionResult {
	res.CompletedAt = c.now()
	res.LatencyMs = float64(res.CompletedAt.Sub(res.StartedAt).Microseconds()) / 1000

	c.mu.Lock()
	rec.result = res
	rec.done = true
	c.records[res.ID] = rec
	out := res.Clone()
	c.mu.Unlock()

	profit := decimal.Zero
	if out.ActualProfit != nil {
		profit = *out.ActualProfit
	}
	if c.reporter != nil {
		c.reporter.Record(out.LatencyMs, profit, out.Success, out.Error)
	}
	if c.recorder != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		if err := c.recorder.RecordExecution(rctx, out); err != nil {
			c.logger.Debug("保存执行记录失败", zap.String("id", out.ID), zap.Error(err))
		}
		cancel()
	}

	fields := []zap.Field{
		zap.String("id", out.ID),
		zap.String("path", out.Path),
		zap.Float64("latency_ms", out.LatencyMs),
	}
	if out.Success {
		c.logger.Info("配对执行成功", fields...)
	} else {
		fields = append(fields, zap.String("class", string(out.ErrorClass)), zap.String("error", out.Error))
		c.logger.Warn("配对执行失败", fields...)
	}
	return out
}

// Status 查询执行结果（返回副本）
func (c *Coordinator) Status(id string) (model.ExecutionResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	if !ok {
		return model.ExecutionResult{}, false
	}
	return rec.result.Clone(), true
}

// Reconcile 查询双腿最终成交并计算实际利润
// 只对成功的执行有意义；失败的执行原样返回。
func (c *Coordinator) Reconcile(ctx context.Context, id string) (model.ExecutionResult, error) {
	c.mu.RLock()
	rec, ok := c.records[id]
	var done, success bool
	var buy, sell model.OrderRequest
	var buyID, sellID string
	if ok {
		done, success = rec.done, rec.result.Success
		buy, sell = rec.buy, rec.sell
		if rec.result.BuyOrderID != nil {
			buyID = *rec.result.BuyOrderID
		}
		if rec.result.SellOrderID != nil {
			sellID = *rec.result.SellOrderID
		}
	}
	c.mu.RUnlock()

	switch {
	case !ok:
		return model.ExecutionResult{}, ErrUnknownExecution
	case !done:
		return model.ExecutionResult{}, ErrInFlight
	case !success || buyID == "" || sellID == "":
		res, _ := c.Status(id)
		return res, nil
	}

	var buyOrder, sellOrder *model.Order
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o, err := c.venues[buy.Exchange].FetchOrder(gctx, buy.Symbol, buyID)
		buyOrder = o
		return err
	})
	g.Go(func() error {
		o, err := c.venues[sell.Exchange].FetchOrder(gctx, sell.Symbol, sellID)
		sellOrder = o
		return err
	})
	if err := g.Wait(); err != nil {
		return model.ExecutionResult{}, fmt.Errorf("对账查询订单失败: %w", err)
	}

	profit := c.realized(buy, sell, buyOrder, sellOrder)
	if profit == nil {
		return model.ExecutionResult{}, ErrFillsUnknown
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec.buyOrder, rec.sellOrder = buyOrder, sellOrder
	rec.result.ActualProfit = profit
	return rec.result.Clone(), nil
}

// Run 定期清理过期的执行记录，阻塞直到 ctx 取消
func (c *Coordinator) Run(ctx context.Context) error {
	interval := max(c.opts.Retention/4, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.evict(c.now()); n > 0 {
				c.logger.Debug("清理执行记录", zap.Int("count", n))
			}
		}
	}
}

// evict 移除完成时间早于 now-Retention 的记录；进行中的记录不受影响
func (c *Coordinator) evict(now time.Time) int {
	cutoff := now.Add(-c.opts.Retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, rec := range c.records {
		if rec.done && rec.result.CompletedAt.Before(cutoff) {
			delete(c.records, id)
			n++
		}
	}
	return n
}

func orderID(o *model.Order) *string {
	if o == nil || o.ID == "" {
		return nil
	}
	id := o.ID
	return &id
}
