package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createJobRequest is the JSON body for POST /v1/jobs.
type createJobRequest struct {
	Handler string          `json:"handler"`
	Data    json.RawMessage `json:"data"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

var listableStatuses = map[string]bool{
	model.StatusWaiting:   true,
	model.StatusActive:    true,
	model.StatusCompleted: true,
	model.StatusFailed:    true,
	model.StatusStalled:   true,
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Handler == "" {
		s.writeError(w, http.StatusBadRequest, "handler is required")
		return
	}

	j, err := s.engine.Enqueue(r.Context(), req.Handler, req.Data)
	if errors.Is(err, engine.ErrUnknownHandler) {
		s.writeError(w, http.StatusBadRequest, "unknown handler: "+req.Handler)
		return
	}
	if err != nil {
		s.logger.Error("enqueue job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	status := r.URL.Query().Get("status")
	if status != "" && !listableStatuses[status] {
		s.writeError(w, http.StatusBadRequest, "invalid status: "+status)
		return
	}

	jobs, total, err := s.store.ListJobs(r.Context(), store.JobFilter{
		Status:  status,
		Handler: r.URL.Query().Get("handler"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.engine.Job(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("load job for cancel", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	if err := job.Cancel(r.Context()); err != nil {
		s.logger.Error("cancel job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("get cancelled job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.engine.Job(r.Context(), id)
	if err == nil {
		err = job.Remove(r.Context())
	}
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("remove job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to remove job")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
