//go:build !windows

package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seantiz/running/internal/batch"
	"github.com/seantiz/running/internal/codec"
	"github.com/seantiz/running/internal/engine"
	"github.com/seantiz/running/internal/model"
	"github.com/seantiz/running/internal/runner"
	"github.com/seantiz/running/internal/store"
)

func newTestEngine(t *testing.T, defaults engine.Defaults, opts ...runner.Option) (*engine.Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if defaults.Policy == (batch.Policy{}) {
		defaults.Policy = batch.Sequential()
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.NewEngine(s, logger, defaults, opts...)
	t.Cleanup(func() {
		eng.CancelAll()
		eng.Wait()
	})
	return eng, s
}

func spec(program string, args ...string) codec.TaskSpec {
	return codec.TaskSpec{Program: program, Args: args}
}

// waitForStatus polls the store until the batch reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Batch {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b, err := s.GetBatch(context.Background(), id)
		if err != nil {
			t.Fatalf("GetBatch: %v", err)
		}
		if b.Status == expected {
			return b
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("batch %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitHappyPath(t *testing.T) {
	eng, s := newTestEngine(t, engine.Defaults{})

	b, err := eng.Submit(context.Background(), &codec.BatchRequest{
		Tasks: []codec.TaskSpec{spec("echo", "hello"), spec("sh", "-c", "echo err >&2")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if b.Status != model.StatusPending {
		t.Errorf("returned status = %q, want pending", b.Status)
	}
	if b.Policy != "sequential" || b.Total != 2 {
		t.Errorf("policy/total = %s/%d, want sequential/2", b.Policy, b.Total)
	}

	done := waitForStatus(t, s, b.ID, model.StatusCompleted, 5*time.Second)
	if done.Succeeded != 2 || done.Failed != 0 {
		t.Errorf("succeeded/failed = %d/%d, want 2/0", done.Succeeded, done.Failed)
	}
	if done.DurationMS == nil || done.StartedAt == nil || done.FinishedAt == nil {
		t.Error("timing fields not set on finished batch")
	}
	if got := done.Tasks[0].Stdout; got != "hello\n" {
		t.Errorf("task 0 stdout = %q, want %q", got, "hello\n")
	}
	if got := done.Tasks[1].Stderr; got != "err\n" {
		t.Errorf("task 1 stderr = %q, want %q", got, "err\n")
	}
	if done.Tasks[0].ExitCode == nil || *done.Tasks[0].ExitCode != 0 {
		t.Errorf("task 0 exit code = %v, want 0", done.Tasks[0].ExitCode)
	}
	if done.Tasks[0].TaskID != "task-0" {
		t.Errorf("task 0 id = %q, want task-0", done.Tasks[0].TaskID)
	}
}

func TestSubmitPersistsLogLines(t *testing.T) {
	eng, s := newTestEngine(t, engine.Defaults{})

	b, err := eng.Submit(context.Background(), &codec.BatchRequest{
		Tasks: []codec.TaskSpec{{Label: "lines", Program: "printf", Args: []string{"a\\nb\\n"}}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, b.ID, model.StatusCompleted, 5*time.Second)

	lines, err := s.GetLogLines(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}
	if lines[0].Line != "a" || lines[1].Line != "b" {
		t.Errorf("lines = %q, %q", lines[0].Line, lines[1].Line)
	}
	if lines[0].TaskID != "lines" || lines[0].Stream != "stdout" {
		t.Errorf("line 0 = %+v", lines[0])
	}
}

func TestSubmitStreamsToBroker(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Defaults{})

	b, err := eng.Submit(context.Background(), &codec.BatchRequest{
		Tasks: []codec.TaskSpec{spec("sh", "-c", "sleep 0.2; echo streamed")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ch, unsub := eng.Broker().Subscribe(b.ID)
	defer unsub()

	var got []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case l, ok := <-ch:
			if !ok {
				if len(got) != 1 || got[0] != "streamed" {
					t.Errorf("streamed lines = %v, want [streamed]", got)
				}
				return
			}
			got = append(got, l.Line)
		case <-timeout:
			t.Fatal("log stream was not closed")
		}
	}
}

func TestSubmitNonZeroExitFailsBatch(t *testing.T) {
	eng, s := newTestEngine(t, engine.Defaults{})

	b, err := eng.Submit(context.Background(), &codec.BatchRequest{
		Tasks: []codec.TaskSpec{spec("true"), spec("sh", "-c", "exit 3")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, s, b.ID, model.StatusFailed, 5*time.Second)
	if failed.Succeeded != 1 || failed.Failed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 1/1", failed.Succeeded, failed.Failed)
	}
	if failed.Aborted {
		t.Error("non-zero exit must not abort the batch")
	}
	if failed.Tasks[1].ExitCode == nil || *failed.Tasks[1].ExitCode != 3 {
		t.Errorf("task 1 exit code = %v, want 3", failed.Tasks[1].ExitCode)
	}
}

func TestSubmitLaunchFailureRecorded(t *testing.T) {
	eng, s := newTestEngine(t, engine.Defaults{})

	b, err := eng.Submit(context.Background(), &codec.BatchRequest{
		Tasks: []codec.TaskSpec{spec("/nonexistent/binary")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, s, b.ID, model.StatusFailed, 5*time.Second)
	rec := failed.Tasks[0]
	if rec.ErrorKind != "launch_failed" {
		t.Errorf("error kind = %q, want launch_failed", rec.ErrorKind)
	}
	if rec.Error == "" {
		t.Error("expected error message")
	}
	if rec.Status != model.StatusFailed {
		t.Errorf("task status = %q, want failed", rec.Status)
	}
}

func TestSubmitFailFastCancelsRemainder(t *testing.T) {
	eng, s := newTestEngine(t, engine.Defaults{})

	b, err := eng.Submit(context.Background(), &codec.BatchRequest{
		Policy:   "sequential",
		FailFast: true,
		Tasks:    []codec.TaskSpec{spec("/nonexistent/binary"), spec("echo", "never")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, s, b.ID, model.StatusFailed, 5*time.Second)
	if !failed.Aborted {
		t.Error("batch should be aborted")
	}
	if failed.Error == "" {
		t.Error("expected abort cause")
	}
	if failed.Tasks[1].Status != model.StatusCancelled {
		t.Errorf("task 1 status = %q, want cancelled", failed.Tasks[1].Status)
	}
}

func TestSubmitTimeout(t *testing.T) {
	eng, s := newTestEngine(t, engine.Defaults{})

	b, err := eng.Submit(context.Background(), &codec.BatchRequest{
		TimeoutS: 1,
		Tasks:    []codec.TaskSpec{spec("sleep", "10")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, s, b.ID, model.StatusFailed, 5*time.Second)
	if !failed.Aborted {
		t.Error("timed out batch should be aborted")
	}
	if failed.Tasks[0].ErrorKind != "cancelled" {
		t.Errorf("task error kind = %q, want cancelled", failed.Tasks[0].ErrorKind)
	}
}

func TestCancel(t *testing.T) {
	eng, s := newTestEngine(t, engine.Defaults{}, runner.WithKillGrace(time.Second))

	b, err := eng.Submit(context.Background(), &codec.BatchRequest{
		Tasks: []codec.TaskSpec{spec("sleep", "10"), spec("echo", "never")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, b.ID, model.StatusRunning, 5*time.Second)

	if err := eng.Cancel(b.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	cancelled := waitForStatus(t, s, b.ID, model.StatusCancelled, 5*time.Second)
	for i, rec := range cancelled.Tasks {
		if rec.Status != model.StatusCancelled {
			t.Errorf("task %d status = %q, want cancelled", i, rec.Status)
		}
	}

	eng.Wait()
	if err := eng.Cancel(b.ID); !errors.Is(err, engine.ErrNotRunning) {
		t.Errorf("second Cancel = %v, want ErrNotRunning", err)
	}
	if n := eng.Running(); n != 0 {
		t.Errorf("Running() = %d, want 0", n)
	}
}

func TestRunSync(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Defaults{Parallelism: 3})

	b, err := eng.RunSync(context.Background(), &codec.BatchRequest{
		Policy: "bounded",
		Tasks:  []codec.TaskSpec{spec("echo", "a"), spec("echo", "b"), spec("echo", "c")},
	})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if b.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", b.Status)
	}
	if b.Policy != "bounded" || b.Parallelism != 3 {
		t.Errorf("policy = %s/%d, want bounded/3 from defaults", b.Policy, b.Parallelism)
	}
	for i, want := range []string{"a\n", "b\n", "c\n"} {
		if b.Tasks[i].Stdout != want {
			t.Errorf("task %d stdout = %q, want %q", i, b.Tasks[i].Stdout, want)
		}
	}
}

func TestRunSyncContextCancelsBatch(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Defaults{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	b, err := eng.RunSync(ctx, &codec.BatchRequest{Tasks: []codec.TaskSpec{spec("sleep", "10")}})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if time.Since(start) > 7*time.Second {
		t.Errorf("RunSync took %v after context end", time.Since(start))
	}
	if b.Status != model.StatusCancelled {
		t.Errorf("status = %q, want cancelled", b.Status)
	}
}

func TestSubmitInvalidRequest(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Defaults{})

	tests := []struct {
		name string
		req  *codec.BatchRequest
	}{
		{"nil", nil},
		{"no tasks", &codec.BatchRequest{}},
		{"empty program", &codec.BatchRequest{Tasks: []codec.TaskSpec{{Program: ""}}}},
		{"unknown policy", &codec.BatchRequest{Policy: "eager", Tasks: []codec.TaskSpec{spec("true")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Submit(context.Background(), tt.req)
			if !errors.Is(err, engine.ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestSubmitConcurrent(t *testing.T) {
	eng, s := newTestEngine(t, engine.Defaults{})

	ids := make([]string, 5)
	for i := range ids {
		b, err := eng.Submit(context.Background(), &codec.BatchRequest{
			Policy: "parallel",
			Tasks:  []codec.TaskSpec{spec("sleep", "0.05"), spec("true")},
		})
		if err != nil {
			t.Fatalf("Submit[%d]: %v", i, err)
		}
		ids[i] = b.ID
	}

	for _, id := range ids {
		waitForStatus(t, s, id, model.StatusCompleted, 5*time.Second)
	}
}
