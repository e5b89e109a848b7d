// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package api is the HTTP status surface: health, metrics, and a small
// read API over connection states, active sessions, violations and
// rules.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sharewatch/sharewatch/internal/config"
	"github.com/sharewatch/sharewatch/internal/models"
	"github.com/sharewatch/sharewatch/internal/registry"
	"github.com/sharewatch/sharewatch/internal/store"
)

// Coordinator is the slice of the connection coordinator the API needs.
type Coordinator interface {
	States() map[string]models.ConnectionState
	TriggerPoll()
}

// Server serves the status API. Implements suture.Service.
type Server struct {
	cfg    config.APIConfig
	db     *store.DB
	reg    *registry.Registry
	coord  Coordinator
	logger zerolog.Logger
}

// New builds the API server. coord may be nil; the status endpoint then
// omits connection states and manual polls are rejected.
func New(cfg config.APIConfig, db *store.DB, reg *registry.Registry, coord Coordinator, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		db:     db,
		reg:    reg,
		coord:  coord,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Serve runs the HTTP server until the context ends.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("status api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status api: %w", err)
	}
}

func (s *Server) String() string { return "status-api" }

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if s.cfg.Timeout > 0 {
		r.Use(chimiddleware.Timeout(s.cfg.Timeout))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimitReqs, s.cfg.RateLimitWindow))
		}
		r.Get("/status", s.handleStatus)
		r.Get("/sessions/active", s.handleActiveSessions)
		r.Get("/violations", s.handleViolations)
		r.Post("/violations/{id}/ack", s.handleAcknowledge)
		r.Get("/rules", s.handleRules)
		r.Get("/users/{identity}/trust", s.handleIdentityTrust)
		r.Post("/poll", s.handleTriggerPoll)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the /api/v1/status snapshot.
type statusResponse struct {
	Servers        map[string]models.ConnectionState `json:"servers"`
	ActiveSessions map[string]int                    `json:"active_sessions"`
	Total          int                               `json:"total_active"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Servers:        map[string]models.ConnectionState{},
		ActiveSessions: map[string]int{},
	}
	if s.coord != nil {
		resp.Servers = s.coord.States()
	}

	sessions, err := s.reg.ListAll(r.Context())
	if err != nil {
		s.fail(w, "list active sessions", err)
		return
	}
	for _, sess := range sessions {
		resp.ActiveSessions[sess.ServerID]++
	}
	resp.Total = len(sessions)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.reg.ListAll(r.Context())
	if err != nil {
		s.fail(w, "list active sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ViolationFilter{
		ServerUserID:   q.Get("server_user_id"),
		RuleType:       models.RuleType(q.Get("rule_type")),
		Unacknowledged: q.Get("unacknowledged") == "true",
		Limit:          100,
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}

	violations, err := s.db.ListViolations(r.Context(), filter)
	if err != nil {
		s.fail(w, "list violations", err)
		return
	}
	writeJSON(w, http.StatusOK, violations)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	by := r.URL.Query().Get("by")
	if by == "" {
		by = "api"
	}

	err := s.db.AcknowledgeViolation(r.Context(), id, by)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "violation not found"})
	case err != nil:
		s.fail(w, "acknowledge violation", err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
	}
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.db.ListActiveRules(r.Context())
	if err != nil {
		s.fail(w, "list rules", err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

type trustResponse struct {
	IdentityID string              `json:"identity_id"`
	Score      int                 `json:"score"`
	Accounts   []models.ServerUser `json:"accounts"`
}

func (s *Server) handleIdentityTrust(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	users, err := s.db.UsersByIdentity(r.Context(), identity)
	if err != nil {
		s.fail(w, "load identity", err)
		return
	}
	if len(users) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "identity not found"})
		return
	}
	writeJSON(w, http.StatusOK, trustResponse{
		IdentityID: identity,
		Score:      store.IdentityTrustScore(users),
		Accounts:   users,
	})
}

func (s *Server) handleTriggerPoll(w http.ResponseWriter, r *http.Request) {
	if s.coord == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "coordinator not running"})
		return
	}
	s.coord.TriggerPoll()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "poll scheduled"})
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.logger.Error().Err(err).Str("op", op).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
