// Package api exposes the engine's admin surface over HTTP: signal
// submission, trade inspection and cancellation, positions, stats, alerts
// and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"forex-exec/internal/engine"
	"forex-exec/internal/failure"
	"forex-exec/internal/store"
	"forex-exec/pkg/types"
)

// Server is the admin HTTP server.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
	srv    *http.Server
}

func NewServer(port int, eng *engine.Engine, logger *slog.Logger) *Server {
	s := &Server{
		engine: eng,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/signals", s.handleProcessSignal)
	mux.HandleFunc("GET /api/v1/trades/{id}", s.handleGetTrade)
	mux.HandleFunc("POST /api/v1/trades/{id}/cancel", s.handleCancelTrade)
	mux.HandleFunc("POST /api/v1/trades/{id}/brackets", s.handleUpdateBrackets)
	mux.HandleFunc("GET /api/v1/positions", s.handlePositions)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/alerts", s.handleAlerts)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("admin server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleProcessSignal runs a signal through the pipeline synchronously and
// returns the ProcessResult. Failures are carried in the result body, not
// the HTTP status: a rejected signal is a handled outcome, not a server
// error.
func (s *Server) handleProcessSignal(w http.ResponseWriter, r *http.Request) {
	var sig types.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode signal: %w", err))
		return
	}
	if sig.ID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("signal id is required"))
		return
	}

	result := s.engine.ProcessSignal(r.Context(), sig)
	status := http.StatusOK
	if !result.Success && result.ErrorKind == string(failure.KindValidation) {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, result)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	detail, err := s.engine.TradeDetail(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCancelTrade(w http.ResponseWriter, r *http.Request) {
	tradeID := r.PathValue("id")
	err := s.engine.CancelTrade(r.Context(), tradeID)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"trade_id": tradeID, "status": "closed"})
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, engine.ErrNotCancellable):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

type bracketUpdateRequest struct {
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
}

func (s *Server) handleUpdateBrackets(w http.ResponseWriter, r *http.Request) {
	var req bracketUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	tradeID := r.PathValue("id")
	if err := s.engine.UpdateBrackets(r.Context(), tradeID, req.StopLoss, req.TakeProfit); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"trade_id": tradeID, "status": "updated"})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	positions := s.engine.OpenPositions()
	if positions == nil {
		positions = []types.Position{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts := s.engine.Alerts()
	if alerts == nil {
		alerts = []store.Alert{}
	}
	s.writeJSON(w, http.StatusOK, alerts)
}
