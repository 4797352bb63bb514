// Package server implements the HTTP+JSON transport for the orchestrator's
// RPC surface (§6.5): one handler per operation under /v1/agents, a single
// middleware stage that resolves a caller's session key into an agent id
// before any handler runs, and the same chi-router-plus-middleware shape the
// teacher uses for its own API.
//
// Grounded on internal/server/server.go's Router() (chi.NewRouter,
// middleware.Logger/Recoverer, protected-route grouping) and
// internal/auth/auth.go's Middleware (context-injection pattern),
// generalized from cookie-based user auth to session-key resolution.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentbroker/agentbroker/internal/index"
	"github.com/agentbroker/agentbroker/internal/orchestrator"
	"github.com/agentbroker/agentbroker/internal/registry"
	"github.com/agentbroker/agentbroker/internal/session"
)

// Server wires the orchestrator and session registry behind the RPC
// transport.
type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
}

func New(o *orchestrator.Orchestrator, reg *registry.Registry) *Server {
	return &Server{Orchestrator: o, Registry: reg}
}

type contextKey string

const agentIDKey contextKey = "agentID"

// sessionKeyMiddleware resolves the caller-supplied session key (an
// X-Session-Key header, standing in for whatever transport-level identity
// the external RPC collaborator uses) into a stable agent id and injects it
// into the request context, so handlers never touch the registry directly.
func (s *Server) sessionKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionKey := r.Header.Get("X-Session-Key")
		if sessionKey == "" {
			http.Error(w, "missing X-Session-Key", http.StatusBadRequest)
			return
		}
		agentID := s.Registry.ResolveOrCreate(sessionKey)
		ctx := context.WithValue(r.Context(), agentIDKey, agentID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AgentIDFromContext extracts the agent id set by sessionKeyMiddleware.
func AgentIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(agentIDKey).(string)
	return v
}

// Router builds the full HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1/agents", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/reap", s.handleReapInactive)

		r.Group(func(r chi.Router) {
			r.Use(s.sessionKeyMiddleware)
			r.Post("/", s.handleGetOrCreate)
			r.Post("/turn", s.handleTurn)
			r.Get("/status", s.handleStatus)
			r.Post("/stop", s.handleStop)
			r.Post("/restart", s.handleRestart)
			r.Delete("/", s.handleRemove)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type getOrCreateRequest struct {
	Binding index.Binding `json:"binding"`
	APIKey  string        `json:"api_key"`
}

func (s *Server) handleGetOrCreate(w http.ResponseWriter, r *http.Request) {
	agentID := AgentIDFromContext(r.Context())

	var req getOrCreateRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	sess, err := s.Orchestrator.GetOrCreate(r.Context(), agentID, orchestrator.SessionConfig{
		Binding: req.Binding,
		APIKey:  req.APIKey,
	})
	if err != nil {
		writeErrForOrchestrator(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"agent_id":     sess.AgentID,
		"container_id": sess.ContainerID,
	})
}

type turnRequest struct {
	Text     string `json:"text"`
	Deadline int    `json:"deadline_seconds"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	agentID := AgentIDFromContext(r.Context())

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	deadline := time.Duration(req.Deadline) * time.Second
	reply, err := s.Orchestrator.Turn(r.Context(), agentID, req.Text, deadline)
	if err != nil {
		writeErrForOrchestrator(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Orchestrator.List())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agentID := AgentIDFromContext(r.Context())
	summary, ok := s.Orchestrator.Status(r.Context(), agentID)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	agentID := AgentIDFromContext(r.Context())
	if err := s.Orchestrator.Stop(r.Context(), agentID); err != nil {
		writeErrForOrchestrator(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	agentID := AgentIDFromContext(r.Context())
	if err := s.Orchestrator.Restart(r.Context(), agentID); err != nil {
		writeErrForOrchestrator(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	agentID := AgentIDFromContext(r.Context())
	if err := s.Orchestrator.Remove(r.Context(), agentID); err != nil {
		writeErrForOrchestrator(w, err)
		return
	}
	s.Registry.End(r.Header.Get("X-Session-Key"))
	w.WriteHeader(http.StatusNoContent)
}

type reapRequest struct {
	ThresholdSeconds int `json:"threshold_seconds"`
}

func (s *Server) handleReapInactive(w http.ResponseWriter, r *http.Request) {
	var req reapRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	threshold := time.Duration(req.ThresholdSeconds) * time.Second
	removed, failed := s.Orchestrator.ReapInactive(r.Context(), threshold)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
		"failed":  failed,
	})
}

// writeErrForOrchestrator maps the small set of sentinel errors the
// orchestrator/session layers surface onto HTTP status codes (§7's
// taxonomy); anything unrecognized is a 500.
func writeErrForOrchestrator(w http.ResponseWriter, err error) {
	switch {
	case err == orchestrator.ErrCapExceeded:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err == session.ErrBusy:
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
