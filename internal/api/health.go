package api

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status   string `json:"status"`
	Running  int    `json:"running_batches"`
	Backends int    `json:"backends"`
	UptimeS  int64  `json:"uptime_s"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Running:  s.engine.Running(),
		Backends: len(s.engine.Backends()),
		UptimeS:  int64(time.Since(s.started) / time.Second),
	})
}
