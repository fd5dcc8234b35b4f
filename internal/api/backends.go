package api

import (
	"net/http"

	"github.com/seantiz/running/internal/backend"
)

type listBackendsResponse struct {
	Backends []backend.Info `json:"backends"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, listBackendsResponse{Backends: s.engine.Backends()})
}
