package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/exchange/stream"
	"cross-exchange-arbitrage/internal/execution"
	"cross-exchange-arbitrage/internal/risk"
	"cross-exchange-arbitrage/internal/stats/monitor"
)

// maxRequestBody 请求体上限
const maxRequestBody = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
}

type exchangeHealth struct {
	Status  string                   `json:"status"`
	Feed    *stream.ConnectionMetrics `json:"feed,omitempty"`
	BookAge *int64                   `json:"book_age_ms,omitempty"`
}

type healthResponse struct {
	Status    string                    `json:"status"`
	Timestamp time.Time                 `json:"timestamp"`
	Exchanges map[string]exchangeHealth `json:"exchanges"`
}

// GET /api/health
// 有最新订单簿即视为 connected
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	metrics := s.deps.Books.Metrics()
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: now,
		Exchanges: make(map[string]exchangeHealth, len(s.deps.Exchanges)),
	}
	for _, ex := range s.deps.Exchanges {
		h := exchangeHealth{Status: "disconnected"}
		if snap := s.deps.Books.GetLatest(ex); snap != nil {
			h.Status = "connected"
			age := snap.Age(now).Milliseconds()
			h.BookAge = &age
		}
		if m, ok := metrics[ex]; ok {
			h.Feed = &m
		}
		if h.Status != "connected" {
			resp.Status = "degraded"
		}
		resp.Exchanges[ex] = h
	}
	writeJSON(w, http.StatusOK, resp)
}

type opportunityView struct {
	ID string `json:"id"`
	model.ArbitrageOpportunity
}

type opportunitiesResponse struct {
	Opportunities []opportunityView `json:"opportunities"`
	Count         int               `json:"count"`
	Timestamp     time.Time         `json:"timestamp"`
}

func viewOpportunities(opps []model.ArbitrageOpportunity, limit int) opportunitiesResponse {
	shown := opps
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	return opportunitiesResponse{
		Opportunities: lo.Map(shown, func(o model.ArbitrageOpportunity, i int) opportunityView {
			return opportunityView{ID: "opp_" + strconv.Itoa(i), ArbitrageOpportunity: o}
		}),
		Count:     len(opps),
		Timestamp: time.Now(),
	}
}

// GET /api/opportunities
func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewOpportunities(s.deps.Finder.FindOpportunities(), 0))
}

// GET /api/opportunities/recent?limit=N
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recent == nil {
		writeError(w, http.StatusServiceUnavailable, "recorder not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 500)
	}
	opps, err := s.deps.Recent.RecentOpportunities(r.Context(), limit)
	if err != nil {
		s.logger.Warn("读取最近机会失败", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "recent opportunities unavailable")
		return
	}
	writeJSON(w, http.StatusOK, viewOpportunities(opps, 0))
}

type executeRequest struct {
	Path string `json:"path"`
}

type executeResponse struct {
	model.ExecutionResult
	Assessment model.RiskAssessment `json:"assessment"`
}

// POST /api/execute
// 在当前行情下重新检测该路径；风控拒绝返回 400，路径不存在返回 404。
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	opp, ok := lo.Find(s.deps.Finder.FindOpportunities(), func(o model.ArbitrageOpportunity) bool {
		return o.Path == req.Path
	})
	if !ok {
		writeError(w, http.StatusNotFound, "opportunity not found")
		return
	}

	// 客户端断开不应中断已开始的下单
	ctx := context.WithoutCancel(r.Context())
	assessment := s.deps.Assessor.AssessRisk(ctx, opp, s.deps.LatencyMs())
	if !assessment.ShouldExecute {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "risk assessment rejected: " + assessment.Reasoning,
			"assessment": assessment,
		})
		return
	}

	res := s.deps.Executor.ExecuteOpportunity(ctx, opp)
	writeJSON(w, http.StatusOK, executeResponse{ExecutionResult: res, Assessment: assessment})
}

// GET /api/executions/{id}
func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	res, ok := s.deps.Executor.Status(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/executions/{id}/reconcile
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Executor.Reconcile(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, execution.ErrUnknownExecution):
		writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, execution.ErrInFlight):
		writeError(w, http.StatusConflict, "execution in flight")
	case errors.Is(err, execution.ErrFillsUnknown):
		writeError(w, http.StatusAccepted, "fills not yet known")
	default:
		s.logger.Warn("对账失败", zap.String("id", r.PathValue("id")), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

type rateBody struct {
	Rate decimal.Decimal `json:"rate"`
}

// GET /api/fx-rate
func (s *Server) handleGetRate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rateBody{Rate: s.deps.Rate.Get()})
}

// PUT /api/fx-rate {"rate": "1350.5"}
func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	var body rateBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Rate.Set(body.Rate); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("汇率已更新", zap.String("rate", body.Rate.String()))
	writeJSON(w, http.StatusOK, rateBody{Rate: s.deps.Rate.Get()})
}

type statsResponse struct {
	Execution *monitor.Stats `json:"execution,omitempty"`
	Alerts    []monitor.Alert `json:"alerts,omitempty"`
	Risk      *risk.Counters  `json:"risk,omitempty"`
	Paused    bool            `json:"auto_execution_paused"`
	Reason    string          `json:"pause_reason,omitempty"`
}

// GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	if m := s.deps.Monitor; m != nil {
		st := m.Stats()
		resp.Execution = &st
		resp.Alerts = m.Alerts()
		resp.Paused, resp.Reason = m.AutoExecutionPaused()
	}
	if h := s.deps.History; h != nil {
		c := h.Counters()
		resp.Risk = &c
	}
	writeJSON(w, http.StatusOK, resp)
}
