// Package stream 实现交易所无关的订单簿 WebSocket 客户端。
// 每个交易所一个长连接：订阅消息与解析由 Codec 提供，连接管理、心跳、
// 读超时、指标统计与断线重连由 Client 统一处理。
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cross-exchange-arbitrage/internal/config"
	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/util/backoff"
	"cross-exchange-arbitrage/internal/util/timeutil"
)

// ErrEmptyBook 消息中没有任何可用档位，保留上一份快照
var ErrEmptyBook = errors.New("stream: message has no usable levels")

// Codec 交易所协议编解码
type Codec interface {
	// Exchange 交易所标识
	Exchange() string
	// SubscribeMessages 连接建立后依次发送的订阅消息
	SubscribeMessages() ([][]byte, error)
	// Parse 解析一条消息；非订单簿消息（订阅确认等）返回 nil, nil
	Parse(data []byte) (*model.OrderBookSnapshot, error)
}

// Handler 接收解析后的快照
type Handler func(snap *model.OrderBookSnapshot)

// ConnectionMetrics 连接质量指标
type ConnectionMetrics struct {
	// Connected 当前是否已连接
	Connected bool `json:"connected"`
	// ReconnectCount 重连次数
	ReconnectCount int64 `json:"reconnect_count"`
	// ParseErrorCount 解析错误次数
	ParseErrorCount int64 `json:"parse_error_count"`
	// UpdatesPerSec 每秒更新次数
	UpdatesPerSec float64 `json:"updates_per_sec"`
	// LastMessageAgeMs 最后消息距今时间（毫秒）
	LastMessageAgeMs int64 `json:"last_message_age_ms"`
}

// Client 订单簿 WebSocket 客户端
type Client struct {
	cfg     *config.ExchangeWSConfig
	codec   Codec
	handler Handler
	logger  *zap.Logger
	dialer  websocket.Dialer

	conn   *websocket.Conn
	connMu sync.Mutex

	metrics   ConnectionMetrics
	metricsMu sync.RWMutex

	// lastMsgTime 最后消息时间（纳秒）
	lastMsgTime int64
	// updateCount 更新计数（用于计算 QPS）
	updateCount int64
	backoff     *backoff.Backoff

	// parseErrSampleCount 解析错误计数（用于采样日志）
	parseErrSampleCount uint64
	// lastParseErrLogNs 上次解析错误日志时间（纳秒）
	lastParseErrLogNs int64
}

// NewClient 创建订单簿 WebSocket 客户端
// 参数 cfg: WebSocket 配置
// 参数 codec: 交易所协议编解码
// 参数 handler: 快照回调（在读循环 goroutine 中调用，不应阻塞）
// 参数 logger: 日志记录器
func NewClient(cfg *config.ExchangeWSConfig, codec Codec, handler Handler, logger *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		codec:   codec,
		handler: handler,
		logger:  logger.Named(codec.Exchange()),
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff: backoff.New(config.Ms(cfg.ReconnectBaseMs), config.Ms(cfg.ReconnectMaxMs), 0),
	}
}

// Exchange 交易所标识
func (c *Client) Exchange() string {
	return c.codec.Exchange()
}

// Connect 建立连接并发送订阅消息
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("User-Agent", "cross-exchange-arbitrage/1.0")

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("连接 %s WebSocket 失败: %w", c.codec.Exchange(), err)
	}

	readTimeout := config.Ms(c.readTimeoutMs())
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		atomic.StoreInt64(&c.lastMsgTime, timeutil.NowNano())
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	msgs, err := c.codec.SubscribeMessages()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("构造订阅请求失败: %w", err)
	}
	for _, m := range msgs {
		if err := conn.WriteMessage(websocket.TextMessage, m); err != nil {
			_ = conn.Close()
			return fmt.Errorf("发送订阅请求失败: %w", err)
		}
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.setConnected(true)
	c.backoff.Reset()

	c.logger.Info("WebSocket 连接成功", zap.String("url", c.cfg.URL), zap.Int("subscriptions", len(msgs)))
	return nil
}

// Run 启动客户端主循环，阻塞直到 ctx 取消
// 连接失败或读取失败时按退避间隔重连，不向调用方返回瞬时错误。
func (c *Client) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.closeConn()

	go c.pingLoop(loopCtx)
	go c.metricsLoop(loopCtx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if err := c.Connect(ctx); err != nil {
				c.logger.Warn("连接失败，准备重连", zap.Error(err))
				if werr := c.backoff.Wait(ctx); werr != nil {
					return werr
				}
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("读取消息失败", zap.Error(err))
			c.closeConn()
			c.incrementReconnectCount()
			if werr := c.backoff.Wait(ctx); werr != nil {
				return werr
			}
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(config.Ms(c.readTimeoutMs())))
		atomic.StoreInt64(&c.lastMsgTime, timeutil.NowNano())

		snap, err := c.codec.Parse(data)
		if err != nil {
			c.incrementParseErrorCount()
			c.maybeLogParseError(err, data)
			continue
		}
		if snap == nil {
			continue
		}

		atomic.AddInt64(&c.updateCount, 1)
		c.handler(snap)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	intervalMs := c.cfg.PingIntervalMs
	if intervalMs <= 0 {
		intervalMs = c.readTimeoutMs() / 2
	}

	ticker := time.NewTicker(config.Ms(intervalMs))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			if conn == nil {
				c.connMu.Unlock()
				continue
			}
			err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
			c.connMu.Unlock()
			if err != nil {
				c.logger.Warn("发送 ping 失败", zap.Error(err))
			}
		}
	}
}

func (c *Client) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastCount int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := atomic.LoadInt64(&c.updateCount)
			qps := float64(count - lastCount)
			lastCount = count

			c.metricsMu.Lock()
			c.metrics.UpdatesPerSec = qps
			c.metricsMu.Unlock()
		}
	}
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	c.setConnected(false)
}

// Metrics 获取连接指标
func (c *Client) Metrics() ConnectionMetrics {
	c.metricsMu.RLock()
	m := c.metrics
	c.metricsMu.RUnlock()

	if last := atomic.LoadInt64(&c.lastMsgTime); last > 0 {
		m.LastMessageAgeMs = (timeutil.NowNano() - last) / 1_000_000
	} else {
		m.LastMessageAgeMs = -1
	}
	return m
}

func (c *Client) setConnected(v bool) {
	c.metricsMu.Lock()
	c.metrics.Connected = v
	c.metricsMu.Unlock()
}

func (c *Client) incrementReconnectCount() {
	c.metricsMu.Lock()
	c.metrics.ReconnectCount++
	c.metricsMu.Unlock()
}

func (c *Client) incrementParseErrorCount() {
	c.metricsMu.Lock()
	c.metrics.ParseErrorCount++
	c.metricsMu.Unlock()
}

func (c *Client) readTimeoutMs() int {
	if c.cfg.ReadTimeoutMs > 0 {
		return c.cfg.ReadTimeoutMs
	}
	return 30000
}

// maybeLogParseError 采样记录解析错误原始消息
// 每 100 次错误记录 1 条，且至少间隔 1 分钟。
func (c *Client) maybeLogParseError(err error, data []byte) {
	count := atomic.AddUint64(&c.parseErrSampleCount, 1)
	if count%100 != 1 {
		return
	}

	nowNs := timeutil.NowNano()
	last := atomic.LoadInt64(&c.lastParseErrLogNs)
	if last > 0 && nowNs-last < int64(time.Minute) {
		return
	}
	atomic.StoreInt64(&c.lastParseErrLogNs, nowNs)

	sample := data
	if len(sample) > 200 {
		sample = sample[:200]
	}
	c.logger.Warn("解析消息失败（采样）", zap.Error(err), zap.ByteString("data", sample))
}
