// Package server exposes the queue over HTTP: producer, worker, waiter, and
// group endpoints plus health, version, and metrics.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/bobmcallan/crawlq/internal/common"
	"github.com/bobmcallan/crawlq/internal/queue"
)

// Server wires the queue service into an HTTP mux.
type Server struct {
	queue          *queue.Service
	metricsHandler http.Handler
	logger         *common.Logger
}

// New builds a Server. metricsHandler may be nil; the /metrics route is then
// omitted.
func New(q *queue.Service, metricsHandler http.Handler, logger *common.Logger) *Server {
	return &Server{
		queue:          q,
		metricsHandler: metricsHandler,
		logger:         logger,
	}
}

// Routes returns the HTTP handler for all endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/jobs", s.handleAddJob)
	mux.HandleFunc("POST /api/jobs/batch", s.handleAddJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/wait", s.handleWaitForJob)
	mux.HandleFunc("POST /api/jobs/{id}/promote", s.handlePromoteJob)

	mux.HandleFunc("POST /api/worker/next", s.handleNextJob)
	mux.HandleFunc("POST /api/worker/{id}/renew", s.handleRenewLock)
	mux.HandleFunc("POST /api/worker/{id}/finish", s.handleFinishJob)
	mux.HandleFunc("POST /api/worker/{id}/fail", s.handleFailJob)

	mux.HandleFunc("POST /api/groups", s.handleAddGroup)
	mux.HandleFunc("GET /api/groups", s.handleOngoingGroups)
	mux.HandleFunc("GET /api/groups/{id}", s.handleGetGroup)
	mux.HandleFunc("POST /api/groups/{id}/cancel", s.handleCancelGroup)

	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("Health probe failed")
		s.writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.StatusCounts(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}
