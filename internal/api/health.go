package api

import (
	"context"
	"net/http"
	"time"

	"github.com/seantiz/kiln/internal/sandbox"
)

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status     string            `json:"status"`
	ActiveJobs int               `json:"active_jobs"`
	Workers    sandbox.PoolStats `json:"workers"`
	Error      string            `json:"error,omitempty"`
}

// handleHealthz reports 503 when the job store cannot be reached.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:     "ok",
		ActiveJobs: s.engine.Active().Len(),
		Workers:    s.engine.Pool().Stats(),
	}
	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("health check", "error", err)
		resp.Status = "unavailable"
		resp.Error = "store unreachable"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
