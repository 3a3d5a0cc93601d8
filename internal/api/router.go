package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// defaultWSPath is used when no WebSocket path is configured.
const defaultWSPath = "/ws"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = defaultWSPath
	}
	r.Get(wsPath, s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/{job}", s.handleGetJob)

			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware)
				r.Put("/{job}/settings/{setting}", s.handleSetSetting)
				r.Put("/{job}/state", s.handleSetState)
			})
		})

		r.Route("/cluster", func(r chi.Router) {
			r.Get("/", s.handleGetCluster)

			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware)
				r.Post("/membership", s.handleMembership)
				r.Post("/broadcast", s.handleBroadcast)
			})
		})

		r.Get("/events", s.handleListEvents)
	})

	return r
}

// healthResponse is the body of GET /api/v1/health.
type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Unit          string `json:"unit"`
	Experiment    string `json:"experiment"`
	BusConnected  bool   `json:"bus_connected"`
	Jobs          int    `json:"jobs"`
	ActiveLeader  bool   `json:"active_leader"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// handleHealth reports liveness. A disconnected bus reports "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Version:       s.version,
		Unit:          s.topics.Unit,
		Experiment:    s.topics.Experiment,
		Jobs:          len(s.jobs.List()),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.bus != nil {
		resp.BusConnected = s.bus.IsConnected()
		if !resp.BusConnected {
			resp.Status = "degraded"
		}
	}
	if s.cluster != nil {
		resp.ActiveLeader = s.cluster.IsActiveLeader()
	}
	writeJSON(w, http.StatusOK, resp)
}
