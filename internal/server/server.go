package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/satyamallipudi/qms-trading-bot/internal/engine"
	"github.com/satyamallipudi/qms-trading-bot/internal/metrics"
	"github.com/satyamallipudi/qms-trading-bot/internal/model"
	"github.com/satyamallipudi/qms-trading-bot/internal/store"
)

// Server wires the rebalance trigger and read-only endpoints.
type Server struct {
	engine *engine.Engine
	store  store.Store
	hub    *WSHub

	// secret guards POST /api/v1/rebalance. Empty means unguarded, for
	// local use only.
	secret string
}

// New builds the server and points the engine's run callback at the
// WebSocket hub.
func New(eng *engine.Engine, st store.Store, secret string) *Server {
	s := &Server{
		engine: eng,
		store:  st,
		hub:    NewWSHub(),
		secret: secret,
	}
	eng.OnRun(s.hub.BroadcastRun)
	return s
}

// Router assembles the chi routing tree and starts the hub loop.
func (s *Server) Router() http.Handler {
	go s.hub.Run()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/rebalance", s.handleRebalance)
		r.Get("/last-run", s.handleLastRun)
		r.Get("/portfolios", s.handlePortfolios)
		r.Get("/portfolios/{name}/ledger", s.handleLedger)
		r.Get("/ws", s.hub.HandleWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRebalance triggers a run. The run keeps going even if the caller
// disconnects; the response carries the full summary when it finishes.
func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, "invalid webhook secret", http.StatusUnauthorized)
		return
	}

	dryRun := r.URL.Query().Get("dry_run") == "true"
	if r.Body != nil && r.ContentLength > 0 {
		var body struct {
			DryRun bool `json:"dry_run"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		dryRun = dryRun || body.DryRun
	}

	slog.Info("rebalance triggered via webhook", "dry_run", dryRun, "remote", r.RemoteAddr)

	summary, err := s.engine.ExecuteRebalance(context.WithoutCancel(r.Context()), dryRun)
	if errors.Is(err, engine.ErrRunInProgress) {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		// Partial summaries still go out; the caller sees what ran.
		if summary != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":   err.Error(),
				"summary": summary,
			})
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleLastRun(w http.ResponseWriter, _ *http.Request) {
	last := s.engine.LastRun()
	if last == nil {
		writeError(w, "no runs yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (s *Server) handlePortfolios(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Portfolios())
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var known bool
	for _, p := range s.engine.Portfolios() {
		if p.Name == name {
			known = true
			break
		}
	}
	if !known {
		writeError(w, "unknown portfolio: "+name, http.StatusNotFound)
		return
	}

	records, err := s.store.ListOwnership(r.Context(), name)
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.OwnershipRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.secret == "" {
		return true
	}
	got := r.Header.Get("X-Webhook-Secret")
	if got == "" {
		got = r.URL.Query().Get("secret")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
