// Package api is the HTTP boundary in front of the engine. It owns request
// framing, secret validation, and rate limiting; the engine owns everything
// about execution. The server's write timeout stays above the engine's
// execution budget so the engine is always first to observe a timeout.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/webquiz/solver/internal/config"
	"github.com/webquiz/solver/internal/engine"
	"github.com/webquiz/solver/internal/stats"
)

// Server serves the solver API.
type Server struct {
	engine     *engine.Engine
	secrets    map[string]string
	recorder   stats.Recorder
	logger     *zap.Logger
	limiter    *clientLimiter
	httpServer *http.Server
	background time.Duration
}

// NewServer wires the HTTP layer around an engine.
func NewServer(cfg config.Config, eng *engine.Engine, recorder stats.Recorder, logger *zap.Logger) (*Server, error) {
	secrets, err := loadSecrets(cfg.SecretsFile)
	if err != nil {
		return nil, err
	}
	if len(secrets) == 0 {
		logger.Warn("no secrets loaded, every request will be rejected",
			zap.String("secrets_file", cfg.SecretsFile))
	}

	// Background tasks are bounded by the engine's own worst case, not the
	// listener timeout: queue wait plus every attempt's launch, execution and
	// grace budgets. A task is cancelled externally only once the engine can
	// no longer be working on it.
	attempts := time.Duration(cfg.MaxRetries + 1)
	background := cfg.MaxQueueWait.Std() +
		attempts*(cfg.LaunchTimeout.Std()+cfg.ExecTimeout.Std()+cfg.GracePeriod.Std())

	s := &Server{
		engine:     eng,
		secrets:    secrets,
		recorder:   recorder,
		logger:     logger,
		background: background,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/solve", s.withRateLimit(s.handleSolve))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// The engine's exec_timeout + grace must expire before this does.
		WriteTimeout: cfg.OuterTimeout.Std(),
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// loadSecrets reads the email→secret map. A missing file is not fatal; it
// just means no caller can authenticate until one is provisioned.
func loadSecrets(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}
	return secrets, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
