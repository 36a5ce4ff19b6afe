package api

import "net/http"

func (s *Server) handleListHandlers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Handlers().List())
}

func (s *Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Pool().Snapshot())
}
