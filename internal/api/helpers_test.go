package api

import (
	"context"
	"testing"
	"time"

	"github.com/seantiz/running/internal/model"
	"github.com/seantiz/running/internal/task"
)

// seedBatch stores a batch directly, bypassing the engine, and walks it
// through the given statuses.
func seedBatch(t *testing.T, srv *Server, policy string, statuses ...string) *model.Batch {
	t.Helper()
	ctx := context.Background()
	b := &model.Batch{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		Policy:    policy,
		Total:     1,
		CreatedAt: time.Now().UTC(),
		Tasks: []model.TaskRecord{{
			Index:   0,
			TaskID:  "task-0",
			Command: task.NewCommand("true"),
			Status:  model.StatusPending,
		}},
	}
	if err := srv.store.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	for _, st := range statuses {
		if err := srv.store.UpdateBatchStatus(ctx, b.ID, st); err != nil {
			t.Fatalf("UpdateBatchStatus %s: %v", st, err)
		}
		b.Status = st
	}
	return b
}

func seedLogLine(t *testing.T, srv *Server, batchID, taskID string, seq int, text string) {
	t.Helper()
	err := srv.store.InsertLogLine(context.Background(), model.LogLine{
		BatchID: batchID, TaskID: taskID, Stream: "stdout", Seq: seq, Line: text,
	})
	if err != nil {
		t.Fatalf("InsertLogLine %d: %v", seq, err)
	}
}
