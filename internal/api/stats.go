package api

import (
	"net/http"

	"github.com/seantiz/kiln/internal/sandbox"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int               `json:"total"`
	ByStatus      map[string]int    `json:"by_status"`
	ByHandler     map[string]int    `json:"by_handler"`
	AvgDurationMS float64           `json:"avg_duration_ms"`
	Active        int               `json:"active"`
	Workers       sandbox.PoolStats `json:"workers"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByHandler:     stats.CountByHandler,
		AvgDurationMS: stats.AvgDurationMS,
		Active:        s.engine.Active().Len(),
		Workers:       s.engine.Pool().Stats(),
	})
}
