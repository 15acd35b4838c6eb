package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cross-exchange-arbitrage/internal/core/model"
	"cross-exchange-arbitrage/internal/exchange/stream"
	"cross-exchange-arbitrage/internal/execution"
	"cross-exchange-arbitrage/internal/fx"
)

type fakeBooks map[string]*model.OrderBookSnapshot

func (f fakeBooks) GetLatest(ex string) *model.OrderBookSnapshot { return f[ex] }

func (f fakeBooks) Metrics() map[string]stream.ConnectionMetrics {
	return map[string]stream.ConnectionMetrics{model.ExchangeBinance: {Connected: true, UpdatesPerSec: 10}}
}

type fakeFinder []model.ArbitrageOpportunity

func (f fakeFinder) FindOpportunities() []model.ArbitrageOpportunity { return f }

type fakeAssessor struct{ approve bool }

func (a fakeAssessor) AssessRisk(_ context.Context, opp model.ArbitrageOpportunity, _ float64) model.RiskAssessment {
	return model.RiskAssessment{Path: opp.Path, ShouldExecute: a.approve, Reasoning: "fallback: risk too high", Source: model.SourceFallback}
}

type fakeExecutor struct {
	executed []string
	results  map[string]model.ExecutionResult
}

func (e *fakeExecutor) ExecuteOpportunity(_ context.Context, opp model.ArbitrageOpportunity) model.ExecutionResult {
	e.executed = append(e.executed, opp.Path)
	return model.ExecutionResult{ID: "exec-1", Path: opp.Path, Success: true}
}

func (e *fakeExecutor) Status(id string) (model.ExecutionResult, bool) {
	r, ok := e.results[id]
	return r, ok
}

func (e *fakeExecutor) Reconcile(_ context.Context, id string) (model.ExecutionResult, error) {
	switch id {
	case "known":
		p := decimal.NewFromInt(300)
		return model.ExecutionResult{ID: id, Success: true, ActualProfit: &p}, nil
	case "running":
		return model.ExecutionResult{}, execution.ErrInFlight
	}
	return model.ExecutionResult{}, execution.ErrUnknownExecution
}

func binanceBook() *model.OrderBookSnapshot {
	var bids, asks []model.Level
	for i := 0; i < 15; i++ {
		bids = append(bids, model.Level{Price: decimal.NewFromInt(int64(42000 - i)), Qty: decimal.NewFromInt(1)})
		asks = append(asks, model.Level{Price: decimal.NewFromInt(int64(42001 + i)), Qty: decimal.NewFromInt(1)})
	}
	return model.NewSnapshot(model.ExchangeBinance, "BTCUSDT", bids, asks, time.Now(), 0, 1)
}

func newTestServer(t *testing.T, approve bool) (*Server, *httptest.Server, *fakeExecutor) {
	t.Helper()
	rate, err := fx.New(decimal.NewFromInt(1350))
	if err != nil {
		t.Fatal(err)
	}
	ex := &fakeExecutor{results: map[string]model.ExecutionResult{"known": {ID: "known", Success: true}}}
	s := NewServer(":0", Deps{
		Books:    fakeBooks{model.ExchangeBinance: binanceBook()},
		Finder:   fakeFinder{{Path: "buy_binance_sell_upbit", ProfitUSD: decimal.NewFromInt(80)}},
		Assessor: fakeAssessor{approve: approve},
		Executor: ex,
		Rate:     rate,
	}, zap.NewNop())
	s.bookInterval = 10 * time.Millisecond
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.cancel()
		srv.Close()
	})
	return s, srv, ex
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(method, url, strings.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var m map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&m)
	return resp, m
}

func TestServer_Health(t *testing.T) {
	_, srv, _ := newTestServer(t, true)
	resp, m := do(t, http.MethodGet, srv.URL+"/api/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	exs := m["exchanges"].(map[string]any)
	if exs["binance"].(map[string]any)["status"] != "connected" || exs["upbit"].(map[string]any)["status"] != "disconnected" {
		t.Fatalf("exchanges=%v", exs)
	}
	if m["status"] != "degraded" {
		t.Fatalf("status=%v", m["status"])
	}
}

func TestServer_Opportunities(t *testing.T) {
	_, srv, _ := newTestServer(t, true)
	_, m := do(t, http.MethodGet, srv.URL+"/api/opportunities", "")
	if m["count"].(float64) != 1 {
		t.Fatalf("resp=%v", m)
	}
	first := m["opportunities"].([]any)[0].(map[string]any)
	if first["id"] != "opp_0" || first["path"] != "buy_binance_sell_upbit" {
		t.Fatalf("first=%v", first)
	}
}

func TestServer_Execute(t *testing.T) {
	tests := []struct {
		name    string
		approve bool
		body    string
		status  int
		execs   int
	}{
		{"缺少 path", true, `{}`, http.StatusBadRequest, 0},
		{"空请求体", true, ``, http.StatusBadRequest, 0},
		{"机会不存在", true, `{"path":"nope"}`, http.StatusNotFound, 0},
		{"风控拒绝", false, `{"path":"buy_binance_sell_upbit"}`, http.StatusBadRequest, 0},
		{"执行成功", true, `{"path":"buy_binance_sell_upbit"}`, http.StatusOK, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv, ex := newTestServer(t, tt.approve)
			resp, m := do(t, http.MethodPost, srv.URL+"/api/execute", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status=%d, want %d (%v)", resp.StatusCode, tt.status, m)
			}
			if len(ex.executed) != tt.execs {
				t.Fatalf("executed=%v", ex.executed)
			}
			if tt.status == http.StatusOK && (m["id"] != "exec-1" || m["assessment"] == nil) {
				t.Fatalf("resp=%v", m)
			}
		})
	}
}

func TestServer_ExecutionStatus(t *testing.T) {
	_, srv, _ := newTestServer(t, true)
	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/executions/known", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("known status=%d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/executions/missing", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status=%d", resp.StatusCode)
	}
}

func TestServer_Reconcile(t *testing.T) {
	_, srv, _ := newTestServer(t, true)
	tests := map[string]int{
		"known":   http.StatusOK,
		"running": http.StatusConflict,
		"missing": http.StatusNotFound,
	}
	for id, want := range tests {
		resp, m := do(t, http.MethodPost, srv.URL+"/api/executions/"+id+"/reconcile", "")
		if resp.StatusCode != want {
			t.Fatalf("%s status=%d, want %d (%v)", id, resp.StatusCode, want, m)
		}
		if id == "known" && m["actual_profit"] != "300" {
			t.Fatalf("actual_profit=%v", m["actual_profit"])
		}
	}
}

func TestServer_FxRate(t *testing.T) {
	s, srv, _ := newTestServer(t, true)

	resp, _ := do(t, http.MethodPut, srv.URL+"/api/fx-rate", `{"rate":"1400.5"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if !s.deps.Rate.Get().Equal(decimal.RequireFromString("1400.5")) {
		t.Fatalf("rate=%s", s.deps.Rate.Get())
	}

	for _, body := range []string{`{"rate":"0"}`, `{"rate":"-1"}`, `not json`} {
		if resp, _ := do(t, http.MethodPut, srv.URL+"/api/fx-rate", body); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s status=%d", body, resp.StatusCode)
		}
	}
	if !s.deps.Rate.Get().Equal(decimal.RequireFromString("1400.5")) {
		t.Fatal("非法汇率不应生效")
	}
}

func TestServer_RecentWithoutRecorder(t *testing.T) {
	_, srv, _ := newTestServer(t, true)
	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/opportunities/recent", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestServer_OrderBookStream(t *testing.T) {
	_, srv, _ := newTestServer(t, true)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/orderbook"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame map[string]struct {
			Bids []model.Level `json:"bids"`
			Asks []model.Level `json:"asks"`
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		// timestamp 字段不是 bookView，单独剔除
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			t.Fatal(err)
		}
		delete(raw, "timestamp")
		b, _ := json.Marshal(raw)
		if err := json.Unmarshal(b, &frame); err != nil {
			t.Fatal(err)
		}
		if len(frame["binance"].Bids) != pushLevels || len(frame["binance"].Asks) != pushLevels {
			t.Fatalf("binance levels bids=%d asks=%d", len(frame["binance"].Bids), len(frame["binance"].Asks))
		}
		if len(frame["upbit"].Bids) != 0 {
			t.Fatalf("upbit 无订单簿时应为空: %+v", frame["upbit"])
		}
	}
}
