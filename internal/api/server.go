// Package api HTTP 与 WebSocket 接口。
//
// 路由：
//
//	GET  /api/health                 交易所连接状态与行情指标
//	GET  /api/opportunities          当前机会（实时检测）
//	GET  /api/opportunities/recent   最近记录的机会
//	POST /api/execute                按 path 重新检测、评估并执行
//	GET  /api/executions/{id}        执行结果
//	POST /api/executions/{id}/reconcile  查询双腿成交并计算实际利润
//	GET  /api/fx-rate                当前汇率
//	PUT  /api/fx-rate                更新汇率
//	GET  /api/stats                  执行统计、告警与风控计数
//	GET  /ws/orderbook               每 100ms 推送双边前 10 档
//	GET  /ws/opportunities           每 1s 推送前 5 个机会
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/exchange/stream"
	"cross-exchange-arbitrage/internal/fx"
	"cross-exchange-arbitrage/internal/risk"
	"cross-exchange-arbitrage/internal/stats/monitor"
)

// Books 行情来源
type Books interface {
	GetLatest(exchange string) *model.OrderBookSnapshot
	Metrics() map[string]stream.ConnectionMetrics
}

// Finder 机会检测
type Finder interface {
	FindOpportunities() []model.ArbitrageOpportunity
}

// Assessor 风险评估
type Assessor interface {
	AssessRisk(ctx context.Context, opp model.ArbitrageOpportunity, latencyMs float64) model.RiskAssessment
}

// Executor 执行与查询
type Executor interface {
	ExecuteOpportunity(ctx context.Context, opp model.ArbitrageOpportunity) model.ExecutionResult
	Status(id string) (model.ExecutionResult, bool)
	Reconcile(ctx context.Context, id string) (model.ExecutionResult, error)
}

// RecentSource 最近机会记录
type RecentSource interface {
	RecentOpportunities(ctx context.Context, limit int) ([]model.ArbitrageOpportunity, error)
}

// Deps 接口依赖；Recent、Monitor、History 可为 nil
type Deps struct {
	Books     Books
	Finder    Finder
	Assessor  Assessor
	Executor  Executor
	Rate      *fx.Rate
	Recent    RecentSource
	Monitor   *monitor.Monitor
	History   *risk.History
	Exchanges []string
	// LatencyMs 风控使用的当前时延
	LatencyMs func() float64
}

// Server HTTP 服务
type Server struct {
	deps       Deps
	logger     *zap.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader

	// ctx 在 Shutdown 时取消，用于结束 WebSocket 推送循环
	ctx    context.Context
	cancel context.CancelFunc

	bookInterval time.Duration
	oppInterval  time.Duration
}

// NewServer 创建 HTTP 服务
// 参数 addr: 监听地址，如 :8000
func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	if len(deps.Exchanges) == 0 {
		deps.Exchanges = []string{model.ExchangeBinance, model.ExchangeUpbit}
	}
	if deps.LatencyMs == nil {
		deps.LatencyMs = func() float64 { return 50 }
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:   deps,
		logger: logger.Named("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:          ctx,
		cancel:       cancel,
		bookInterval: 100 * time.Millisecond,
		oppInterval:  time.Second,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(cancel)
	return s
}

// Handler 路由与中间件
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/opportunities", s.handleOpportunities)
	mux.HandleFunc("GET /api/opportunities/recent", s.handleRecent)
	mux.HandleFunc("POST /api/execute", s.handleExecute)
	mux.HandleFunc("GET /api/executions/{id}", s.handleExecution)
	mux.HandleFunc("POST /api/executions/{id}/reconcile", s.handleReconcile)
	mux.HandleFunc("GET /api/fx-rate", s.handleGetRate)
	mux.HandleFunc("PUT /api/fx-rate", s.handleSetRate)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /ws/orderbook", s.handleBookStream)
	mux.HandleFunc("GET /ws/opportunities", s.handleOpportunityStream)
	return s.recoverer(s.logging(mux))
}

// Start 阻塞监听直到 Shutdown
func (s *Server) Start() error {
	s.logger.Info("HTTP 服务启动", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭，同时结束 WebSocket 推送
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack WebSocket 升级需要
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer does not support hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error("handler panic", zap.String("path", r.URL.Path), zap.Any("panic", v))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
