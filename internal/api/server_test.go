package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"forex-exec/internal/broker"
	"forex-exec/internal/config"
	"forex-exec/internal/engine"
	"forex-exec/internal/store"
	"forex-exec/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *broker.PaperAdapter) {
	t.Helper()
	cfg := config.Default()
	cfg.Paper.Latency = time.Millisecond
	cfg.Paper.RejectionRate = 0
	cfg.Paper.PartialFillsEnabled = false
	cfg.Paper.SlippageEnabled = false
	cfg.Paper.SpreadSimulation = false
	cfg.Paper.Seed = 7
	cfg.Store.DataDir = ""

	logger := slog.Default()
	paper := broker.NewPaperAdapter(cfg.Paper, cfg.Symbol, logger)
	st := store.New("", logger)
	eng := engine.New(cfg, paper, st, nil, logger)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() { eng.Stop(context.Background()) })
	paper.SetMarkPrice(decimal.NewFromInt(2000))

	return NewServer(0, eng, logger), paper
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func submitSignal(t *testing.T, srv *Server, id string) types.ProcessResult {
	t.Helper()
	sig := types.Signal{
		ID:          id,
		Symbol:      "XAUUSD",
		Direction:   types.BUY,
		EntryPrice:  decimal.NewFromInt(2000),
		StopLoss:    decimal.NewFromInt(1990),
		TakeProfit:  decimal.NewFromInt(2020),
		RiskPercent: decimal.NewFromFloat(0.01),
		Leverage:    100,
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/signals", sig)
	if rec.Code != http.StatusOK {
		t.Fatalf("signal status = %d: %s", rec.Code, rec.Body.String())
	}
	var result types.ProcessResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return result
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
}

func TestSignalRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	result := submitSignal(t, srv, "api-sig-1")
	if !result.Success {
		t.Fatalf("signal failed: %s", result.Error)
	}
	if result.Status != types.TradeOpen {
		t.Fatalf("status = %s, want OPEN", result.Status)
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/trades/"+result.TradeID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get trade = %d", rec.Code)
	}
	var detail engine.TradeDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Trade.ID != result.TradeID || detail.Position == nil {
		t.Fatalf("detail incomplete: %+v", detail.Trade)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/positions", nil)
	var positions []types.Position
	if err := json.Unmarshal(rec.Body.Bytes(), &positions); err != nil {
		t.Fatalf("decode positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
}

func TestRejectsMalformedSignal(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/signals", map[string]string{"symbol": "XAUUSD"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id = %d, want 400", rec.Code)
	}
}

func TestValidationFailureIs422(t *testing.T) {
	srv, _ := newTestServer(t)

	sig := types.Signal{
		ID:          "api-bad-risk",
		Symbol:      "XAUUSD",
		Direction:   types.BUY,
		EntryPrice:  decimal.NewFromInt(2000),
		StopLoss:    decimal.NewFromInt(1990),
		TakeProfit:  decimal.NewFromInt(2020),
		RiskPercent: decimal.NewFromFloat(0.05),
		Leverage:    100,
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/signals", sig)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestCancelTradeEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	result := submitSignal(t, srv, "api-cancel")
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/trades/"+result.TradeID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d: %s", rec.Code, rec.Body.String())
	}

	// Already closed: cancel is a no-op that still reports success.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/trades/"+result.TradeID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second cancel = %d, want 200", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/trades/no-such-trade/cancel", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown trade = %d, want 404", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	submitSignal(t, srv, "api-stats")

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	var stats engine.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalTrades != 1 || stats.OpenTrades != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}
