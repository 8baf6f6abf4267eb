// Package httpapi is the engine's HTTP surface: the OAuth broker callback
// plus status and health endpoints. Plain net/http; anything fancier
// belongs in the out-of-scope dashboard layer.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/executor"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/models"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/oauthmgr"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/registry"
)

// TradeService is the executor surface the API exposes.
type TradeService interface {
	ExecuteTrade(ctx context.Context, userID string, signal models.TradeSignal, opts executor.Options) *executor.ExecResult
	ClosePosition(ctx context.Context, userID, symbol string, percentage float64) *executor.ExecResult
}

// Server provides the HTTP interface for the execution engine.
type Server struct {
	server    *http.Server
	oauth     *oauthmgr.Manager
	reg       *registry.Registry
	trades    TradeService
	logger    *zap.Logger
	startTime time.Time
}

// NewServer creates a Server listening on the given port.
func NewServer(port int, oauth *oauthmgr.Manager, reg *registry.Registry, trades TradeService, logger *zap.Logger) *Server {
	s := &Server{
		oauth:     oauth,
		reg:       reg,
		trades:    trades,
		logger:    logger.Named("api-server"),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/broker/callback", s.callbackHandler)
	mux.HandleFunc("/execute", s.executeHandler)
	mux.HandleFunc("/positions/close", s.closeHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/health", s.healthHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Handler exposes the routing mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

// callbackHandler finishes an OAuth authorization round. Providers differ on
// verb: some redirect the browser (GET), some post the form back (POST);
// both carry the same code and state parameters.
func (s *Server) callbackHandler(w http.ResponseWriter, r *http.Request) {
	var code, state string
	switch r.Method {
	case http.MethodGet:
		code = r.URL.Query().Get("code")
		state = r.URL.Query().Get("state")
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, "malformed form body", http.StatusBadRequest)
			return
		}
		code = r.PostFormValue("code")
		state = r.PostFormValue("state")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if code == "" || state == "" {
		http.Error(w, "code and state are required", http.StatusBadRequest)
		return
	}

	if err := s.oauth.HandleCallback(r.Context(), state, code); err != nil {
		s.logger.Warn("OAuth callback rejected", zap.Error(err))
		http.Error(w, "authorization failed", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Broker connected. You can close this window.")
}

// executeHandler runs one signal through the trade pipeline. Failures come
// back as a structured result with HTTP 200; only malformed requests get an
// error status.
func (s *Server) executeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID string             `json:"user_id"`
		Broker string             `json:"broker,omitempty"`
		DryRun bool               `json:"dry_run,omitempty"`
		Signal models.TradeSignal `json:"signal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	res := s.trades.ExecuteTrade(r.Context(), req.UserID, req.Signal,
		executor.Options{Broker: req.Broker, DryRun: req.DryRun})
	writeJSON(w, res, s.logger)
}

func (s *Server) closeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID     string  `json:"user_id"`
		Symbol     string  `json:"symbol"`
		Percentage float64 `json:"percentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Symbol == "" {
		http.Error(w, "user_id and symbol are required", http.StatusBadRequest)
		return
	}

	res := s.trades.ClosePosition(r.Context(), req.UserID, req.Symbol, req.Percentage)
	writeJSON(w, res, s.logger)
}

func writeJSON(w http.ResponseWriter, v interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Brokers   []string `json:"brokers"`
		StartTime string   `json:"start_time"`
		Uptime    string   `json:"uptime"`
	}{
		Brokers:   s.reg.Keys(),
		StartTime: s.startTime.Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Failed to write status response", zap.Error(err))
		http.Error(w, "Failed to encode status", http.StatusInternalServerError)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
