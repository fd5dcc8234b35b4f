package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/running/internal/codec"
	"github.com/seantiz/running/internal/engine"
	"github.com/seantiz/running/internal/model"
	"github.com/seantiz/running/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// listBatchesResponse wraps the paginated list response.
type listBatchesResponse struct {
	Batches []*model.Batch `json:"batches"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

// decodeBatchRequest reads a JSON or TOML body depending on Content-Type.
// It writes the error response itself and returns nil on failure.
func (s *Server) decodeBatchRequest(w http.ResponseWriter, r *http.Request) *codec.BatchRequest {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	req, err := codec.Decode(r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil
	}
	return req
}

// batchID returns the {id} route parameter. A malformed ID cannot name a
// stored batch, so it is answered with 404 without a store lookup.
func (s *Server) batchID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !model.ValidID(id) {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return "", false
	}
	return id, true
}

// lookupBatch resolves the {id} route parameter to a stored batch, writing
// the error response itself when it cannot.
func (s *Server) lookupBatch(w http.ResponseWriter, r *http.Request) (*model.Batch, bool) {
	id, ok := s.batchID(w, r)
	if !ok {
		return nil, false
	}
	b, err := s.store.GetBatch(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "batch not found")
		return nil, false
	case err != nil:
		s.logger.Error("get batch", "batch_id", id, "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get batch")
		return nil, false
	}
	return b, true
}

// submitError maps an engine submission error onto a response.
func (s *Server) submitError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrInvalidRequest) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("submit batch", "error", err)
	s.writeError(w, http.StatusInternalServerError, "failed to submit batch")
}

// handleRunBatch runs a batch and responds with its final state. A client
// that disconnects cancels the batch.
func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	req := s.decodeBatchRequest(w, r)
	if req == nil {
		return
	}

	// The batch may outlive the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for sync batch", "error", err)
	}

	b, err := s.engine.RunSync(r.Context(), req)
	if err != nil {
		s.submitError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	req := s.decodeBatchRequest(w, r)
	if req == nil {
		return
	}

	b, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		s.submitError(w, err)
		return
	}

	w.Header().Set("Location", "/v1/batches/"+b.ID)
	s.writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if b, ok := s.lookupBatch(w, r); ok {
		s.writeJSON(w, http.StatusOK, b)
	}
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	batches, total, err := s.store.ListBatches(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list batches", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}

	if batches == nil {
		batches = []*model.Batch{}
	}

	s.writeJSON(w, http.StatusOK, listBatchesResponse{
		Batches: batches,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// handleCancelBatch requests cancellation of a running batch. The response
// carries the batch as stored at the time of the request; the final state
// follows once its tasks have stopped.
func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.lookupBatch(w, r)
	if !ok {
		return
	}

	if err := s.engine.Cancel(b.ID); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			s.writeError(w, http.StatusConflict, "batch is not running (status "+b.Status+")")
			return
		}
		s.logger.Error("cancel batch", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel batch")
		return
	}

	s.writeJSON(w, http.StatusAccepted, b)
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
