// Package admin exposes the resilient multi-provider gateway's health
// snapshots and reset controls over HTTP, plus a Prometheus metrics
// endpoint and a periodic health-digest log job. It is a thin
// observability/admin shell around *rpg.Gateway and never touches
// request/response bodies itself.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/resilientgw/rpg/internal/rpg"
)

// Server is the admin HTTP surface over a Gateway.
type Server struct {
	gw      *rpg.Gateway
	metrics *Collector
	mux     *chi.Mux
}

// NewServer builds the admin router. metrics may be nil to skip
// exposing /metrics.
func NewServer(gw *rpg.Gateway, metrics *Collector) *Server {
	s := &Server{gw: gw, metrics: metrics}
	s.mux = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz())

	r.Route("/providers", func(r chi.Router) {
		r.Get("/", s.handleListProviders())
		r.Get("/{id}", s.handleGetProvider())
		r.Post("/{id}/reset", s.handleResetProvider())
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	return r
}

// healthzResponse is the public, unauthenticated liveness response.
type healthzResponse struct {
	Status    string `json:"status"`
	Providers int    `json:"providers"`
	Unhealthy int    `json:"unhealthy"`
}

// handleHealthz reports 200 unless every provider is unhealthy, in
// which case it reports 503 — mirroring a load balancer's expectations
// for a liveness probe.
func (s *Server) handleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snaps := s.gw.GetAllHealth()

		unhealthy := 0
		for _, snap := range snaps {
			if snap.Status == rpg.StatusUnhealthy {
				unhealthy++
			}
		}

		resp := healthzResponse{Status: "ok", Providers: len(snaps), Unhealthy: unhealthy}
		status := http.StatusOK
		if len(snaps) > 0 && unhealthy == len(snaps) {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}

// handleListProviders returns a Snapshot for every configured provider.
func (s *Server) handleListProviders() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.gw.GetAllHealth())
	}
}

// handleGetProvider returns the Snapshot for a single provider.
func (s *Server) handleGetProvider() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		snap, ok := s.gw.GetHealth(id)
		if !ok {
			http.Error(w, "unknown provider", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// handleResetProvider force-resets a provider's circuit and quota
// state, for operators clearing a known transient incident.
func (s *Server) handleResetProvider() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.gw.ResetProvider(id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
