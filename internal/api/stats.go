package api

import (
	"net/http"

	"github.com/seantiz/running/internal/model"
	"github.com/seantiz/running/internal/store"
)

type statsResponse struct {
	Batches     countSummary   `json:"batches"`
	Tasks       countSummary   `json:"tasks"`
	ByPolicy    map[string]int `json:"by_policy"`
	Running     int            `json:"running"`
	AvgDuration float64        `json:"avg_duration_ms"`
}

// countSummary groups per-status counts with the share of finished entries
// that completed. SuccessRate is zero until something finishes.
type countSummary struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	SuccessRate float64        `json:"success_rate"`
}

func summarize(total int, byStatus map[string]int) countSummary {
	finished := byStatus[model.StatusCompleted] + byStatus[model.StatusFailed] + byStatus[model.StatusCancelled]
	sum := countSummary{Total: total, ByStatus: byStatus}
	if finished > 0 {
		sum.SuccessRate = float64(byStatus[model.StatusCompleted]) / float64(finished)
	}
	return sum
}

func newStatsResponse(st *store.BatchStats, running int) statsResponse {
	return statsResponse{
		Batches:     summarize(st.Total, st.CountByStatus),
		Tasks:       summarize(st.TaskTotal, st.TaskCountByStatus),
		ByPolicy:    st.CountByPolicy,
		Running:     running,
		AvgDuration: st.AvgDurationMS,
	}
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetBatchStats(r.Context())
	if err != nil {
		s.logger.Error("get batch stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	s.writeJSON(w, http.StatusOK, newStatsResponse(st, s.engine.Running()))
}
