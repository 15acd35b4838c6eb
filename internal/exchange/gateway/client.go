// Package gateway 实盘下单通道（execution.mode=live）。
// 通过 JSON REST 调用外部签名网关，核心进程不持有交易所密钥。
//
// 网关接口：
//
//	POST   /orders                  下单
//	GET    /orders/{id}?symbol=     查询订单
//	DELETE /orders/{id}?symbol=     撤单
//	GET    /balances                余额
//	GET    /ticker?symbol=          行情
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cross-exchange-arbitrage/internal/core/model"
)

// maxBody 网关响应体上限
const maxBody = 1 << 20

// ErrEmptyResponse 网关返回成功但没有订单数据
var ErrEmptyResponse = errors.New("gateway: empty response")

// APIError 网关返回的非 2xx 响应
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: HTTP %d: %s", e.Status, e.Message)
}

// Client 单个交易所的网关客户端，实现 execution.Venue
type Client struct {
	exchange string
	baseURL  string
	token    string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewClient 创建网关客户端
// 参数 exchange: 交易所标识
// 参数 baseURL: 网关地址，如 http://127.0.0.1:9001
// 参数 token: Bearer 令牌，可为空
// 参数 rps: 每秒请求上限，<=0 时不限速
// 参数 timeout: 单次 HTTP 请求超时
func NewClient(exchange, baseURL, token string, rps float64, timeout time.Duration, logger *zap.Logger) *Client {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Client{
		exchange: exchange,
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.Named("gateway").With(zap.String("exchange", exchange)),
	}
}

// Exchange 交易所标识
func (c *Client) Exchange() string { return c.exchange }

// CreateOrder 下单
func (c *Client) CreateOrder(ctx context.Context, req model.OrderRequest) (*model.Order, error) {
	var order model.Order
	if err := c.do(ctx, http.MethodPost, "/orders", nil, req, &order); err != nil {
		return nil, fmt.Errorf("下单失败: %w", err)
	}
	if order.ID == "" {
		return nil, ErrEmptyResponse
	}
	if order.Exchange == "" {
		order.Exchange = c.exchange
	}
	return &order, nil
}

// FetchOrder 查询订单
func (c *Client) FetchOrder(ctx context.Context, symbol, orderID string) (*model.Order, error) {
	var order model.Order
	q := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), q, nil, &order); err != nil {
		return nil, fmt.Errorf("查询订单 %s 失败: %w", orderID, err)
	}
	if order.ID == "" {
		return nil, ErrEmptyResponse
	}
	return &order, nil
}

// CancelOrder 撤单
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	q := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), q, nil, nil); err != nil {
		return fmt.Errorf("撤单 %s 失败: %w", orderID, err)
	}
	return nil
}

// FetchBalance 查询余额，按资产索引
func (c *Client) FetchBalance(ctx context.Context) (map[string]model.Balance, error) {
	var rows []model.Balance
	if err := c.do(ctx, http.MethodGet, "/balances", nil, nil, &rows); err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	out := make(map[string]model.Balance, len(rows))
	for _, b := range rows {
		out[b.Asset] = b
	}
	return out, nil
}

// FetchTicker 查询行情
func (c *Client) FetchTicker(ctx context.Context, symbol string) (*model.Ticker, error) {
	var t model.Ticker
	if err := c.do(ctx, http.MethodGet, "/ticker", url.Values{"symbol": {symbol}}, nil, &t); err != nil {
		return nil, fmt.Errorf("查询行情失败: %w", err)
	}
	return &t, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("编码请求失败: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", "cross-exchange-arbitrage/1.0")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn("网关请求失败", zap.String("method", method), zap.String("path", path), zap.Error(err))
		}
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}
	c.logger.Debug("网关请求",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

// errorMessage 优先取 {"error": "..."}，否则返回原始文本
func errorMessage(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}
