package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/running/internal/model"
)

// logLineView is the wire form of one output line, shared by the stream and
// history endpoints. CreatedAt is only set for stored lines.
type logLineView struct {
	Seq       int    `json:"seq"`
	TaskID    string `json:"task_id"`
	Stream    string `json:"stream"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at,omitempty"`
}

func viewOf(l model.LogLine) logLineView {
	v := logLineView{Seq: l.Seq, TaskID: l.TaskID, Stream: l.Stream, Line: l.Line}
	if !l.CreatedAt.IsZero() {
		v.CreatedAt = l.CreatedAt.Format(time.RFC3339Nano)
	}
	return v
}

// logHistoryResponse is the JSON response for GET /v1/batches/{id}/logs/history.
type logHistoryResponse struct {
	BatchID string        `json:"batch_id"`
	Lines   []logLineView `json:"lines"`
}

// eventWriter frames server-sent events and flushes after each one when the
// underlying writer supports it.
type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	f, _ := w.(http.Flusher)
	return &eventWriter{w: w, flusher: f}
}

// send writes one event. An empty name produces an unnamed data event, which
// is what EventSource clients deliver as "message".
func (e *eventWriter) send(name string, data []byte) error {
	if name != "" {
		if _, err := fmt.Fprintf(e.w, "event: %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	e.flush()
	return nil
}

func (e *eventWriter) flush() {
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

// handleStreamLogs streams a running batch's output as server-sent events.
// Each line is one JSON data event; the stream ends with a "done" event when
// the batch finishes. ?task= restricts the stream to one task.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	b, ok := s.lookupBatch(w, r)
	if !ok {
		return
	}
	taskFilter := r.URL.Query().Get("task")

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	if model.Terminal(b.Status) {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A batch that finished after the status check has a closed topic, so
	// the channel is already closed and the loop ends at once.
	ch, unsub := s.engine.Broker().Subscribe(b.ID)
	defer unsub()
	logStreamsActive.Inc()
	defer logStreamsActive.Dec()

	w.WriteHeader(http.StatusOK)
	ev := newEventWriter(w)
	ev.flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, open := <-ch:
			if !open {
				_ = ev.send("done", []byte("stream complete"))
				return
			}
			if taskFilter != "" && line.TaskID != taskFilter {
				continue
			}
			// JSON escaping keeps multi-line output on a single data: line.
			data, err := json.Marshal(viewOf(line))
			if err != nil {
				s.logger.Error("encode log line", "batch_id", b.ID, "error", err)
				continue
			}
			if err := ev.send("", data); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	b, ok := s.lookupBatch(w, r)
	if !ok {
		return
	}

	stored, err := s.store.GetLogLines(r.Context(), b.ID)
	if err != nil {
		s.logger.Error("get log lines", "batch_id", b.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	taskFilter := r.URL.Query().Get("task")
	resp := logHistoryResponse{BatchID: b.ID, Lines: make([]logLineView, 0, len(stored))}
	for _, l := range stored {
		if taskFilter == "" || l.TaskID == taskFilter {
			resp.Lines = append(resp.Lines, viewOf(l))
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
