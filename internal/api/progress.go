package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

func (s *Server) handleStreamProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for progress", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if model.IsTerminal(j.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", j.Status)
		return
	}

	// Progress streams outlive the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A job that finished after the status check has a closed topic, so the
	// channel below is already closed and the loop ends at once.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()
	progressStreams.Inc()
	defer progressStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case value, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, string(value)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// progressHistoryResponse is the JSON response for GET /v1/jobs/{id}/progress/history.
type progressHistoryResponse struct {
	JobID   string                `json:"job_id"`
	Entries []model.ProgressEntry `json:"entries"`
}

func (s *Server) handleGetProgressHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job for progress history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	entries, err := s.store.GetProgress(r.Context(), id)
	if err != nil {
		s.logger.Error("get progress", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get progress")
		return
	}
	if entries == nil {
		entries = []model.ProgressEntry{}
	}

	s.writeJSON(w, http.StatusOK, progressHistoryResponse{JobID: id, Entries: entries})
}

// writeSSEData writes a value as an SSE data event. Multi-line values are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, value string) error {
	for seg := range strings.SplitSeq(value, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
