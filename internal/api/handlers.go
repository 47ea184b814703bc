package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/webquiz/solver/internal/engine"
)

// maxRequestBodySize bounds incoming task payloads (1MB).
const maxRequestBodySize = 1 << 20

// solveRequest is the inbound task shape, matching what quiz callers send.
type solveRequest struct {
	Email  string `json:"email"`
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// handleSolve accepts a task, validates the caller's secret, and either
// runs it synchronously (?wait=1) or acknowledges immediately and runs it
// in the background.
func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var payload solveRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if payload.Email == "" || payload.Secret == "" || payload.URL == "" {
		writeError(w, http.StatusBadRequest, "missing required fields (email, secret, url)")
		return
	}

	expected, known := s.secrets[payload.Email]
	if !known || payload.Secret != expected {
		s.logger.Warn("invalid secret", zap.String("email", payload.Email))
		writeError(w, http.StatusForbidden, "invalid secret")
		return
	}

	req := engine.NewRequest(payload.Email, payload.Secret, payload.URL)
	s.logger.Info("task accepted",
		zap.String("request_id", req.ID),
		zap.String("email", payload.Email),
		zap.String("url", payload.URL))

	if r.URL.Query().Get("wait") != "" {
		out := s.engine.Submit(r.Context(), req)
		writeJSON(w, statusCodeFor(out), out)
		return
	}

	// Background mode: acknowledge now, run under the engine's own budget.
	// The engine, not this handler, bounds the task's lifetime.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.background)
		defer cancel()
		s.engine.Submit(ctx, req)
	}()

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "accepted",
		"request_id": req.ID,
		"message":    "task accepted; processing started",
	})
}

// statusCodeFor maps outcomes onto HTTP status codes for synchronous calls.
func statusCodeFor(out engine.Outcome) int {
	switch out.Status {
	case engine.StatusSuccess:
		return http.StatusOK
	case engine.StatusRejected:
		return http.StatusServiceUnavailable
	case engine.StatusTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"in_use":    s.engine.Pool().InUse(),
		"queue_len": s.engine.Pool().QueueLen(),
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "stats disabled"})
		return
	}
	snapshot, err := s.recorder.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}
