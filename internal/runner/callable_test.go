package runner_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/running/internal/runner"
	"github.com/seantiz/running/internal/task"
)

func newTestRunner(opts ...runner.Option) *runner.Runner {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return runner.New(append([]runner.Option{runner.WithLogger(logger)}, opts...)...)
}

type notFoundError struct{ Key string }

func (e *notFoundError) Error() string { return "not found: " + e.Key }

func TestRunCallableValue(t *testing.T) {
	r := newTestRunner()
	tk := task.FromCallable(func(context.Context) (int, error) { return 5, nil }, task.WithLabel("five"))

	out, err := runner.Run(context.Background(), r, tk)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Value)
	assert.Equal(t, "five", out.TaskID)
	assert.Equal(t, task.KindCallable, out.Kind)
	assert.Nil(t, out.Process)
}

func TestRunCallableLogsResult(t *testing.T) {
	var buf bytes.Buffer
	r := runner.New(runner.WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	tk := task.FromCallable(func(context.Context) (string, error) { return "built 3 targets", nil },
		task.WithLabel("build"), task.WithLogLevel(slog.LevelInfo))

	_, err := runner.Run(context.Background(), r, tk)
	require.NoError(t, err)

	var completed map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		if rec["msg"] == "task completed" {
			completed = rec
		}
	}
	require.NotNil(t, completed, "no task completed record in %s", buf.String())
	assert.Equal(t, "build", completed["task_id"])
	assert.Equal(t, "built 3 targets", completed["result"])
}

func TestRunCallableErrorIsWrapped(t *testing.T) {
	r := newTestRunner()
	tk := task.FromCallable(func(context.Context) (string, error) {
		return "", &notFoundError{Key: "user/42"}
	})

	_, err := runner.Run(context.Background(), r, tk)
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrWrapped)

	nf, ok := task.Extract[*notFoundError](err)
	require.True(t, ok)
	assert.Equal(t, "user/42", nf.Key)
}

func TestRunCallablePanicIsContained(t *testing.T) {
	r := newTestRunner()
	tk := task.FromCallable(func(context.Context) (int, error) {
		panic("boom")
	})

	_, err := runner.Run(context.Background(), r, tk)
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrTaskPanicked)

	var te *task.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "boom", te.Message)
	assert.Equal(t, task.StageExecute, te.Stage)
	assert.NotEmpty(t, te.Stack)
}

func TestRunCallablePanicWithErrorValue(t *testing.T) {
	r := newTestRunner()
	cause := errors.New("index out of range")
	tk := task.FromCallable(func(context.Context) (int, error) {
		panic(cause)
	})

	_, err := runner.Run(context.Background(), r, tk)
	assert.ErrorIs(t, err, task.ErrTaskPanicked)
	assert.ErrorIs(t, err, cause)
}

func TestRunCallableGoexitIsReported(t *testing.T) {
	r := newTestRunner()
	tk := task.FromCallable(func(context.Context) (int, error) {
		runtime.Goexit()
		return 0, nil
	})

	_, err := runner.Run(context.Background(), r, tk)
	assert.ErrorIs(t, err, task.ErrTaskPanicked)
}

func TestRunCallableObservesCancellation(t *testing.T) {
	r := newTestRunner()
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	tk := task.FromCallable(func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})

	go func() {
		<-started
		cancel()
	}()

	_, err := runner.Run(ctx, r, tk)
	assert.ErrorIs(t, err, task.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunCallableTimeoutDoesNotWaitForUncooperativeCallable(t *testing.T) {
	r := newTestRunner()
	release := make(chan struct{})
	defer close(release)
	tk := task.FromCallable(func(context.Context) (int, error) {
		<-release
		return 1, nil
	}, task.WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := runner.Run(context.Background(), r, tk)
	assert.ErrorIs(t, err, task.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunConsumesTask(t *testing.T) {
	r := newTestRunner()
	calls := 0
	tk := task.FromCallable(func(context.Context) (int, error) {
		calls++
		return calls, nil
	})

	_, err := runner.Run(context.Background(), r, tk)
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), r, tk)
	assert.ErrorIs(t, err, task.ErrConsumed)
	assert.Equal(t, 1, calls)
}

func TestGoDeliversCompletion(t *testing.T) {
	r := newTestRunner()
	tk := task.FromCallable(func(context.Context) (string, error) { return "async", nil })

	c := <-runner.Go(context.Background(), r, tk)
	require.NoError(t, c.Err)
	assert.Equal(t, "async", c.Outcome.Value)
}

func TestRunThenInvokesCallback(t *testing.T) {
	r := newTestRunner()
	tk := task.FromCallable(func(context.Context) (int, error) { return 9, nil })

	got := make(chan int, 1)
	runner.RunThen(context.Background(), r, tk, func(out task.Outcome[int], err error) {
		if err != nil {
			got <- -1
			return
		}
		got <- out.Value
	})

	select {
	case v := <-got:
		assert.Equal(t, 9, v)
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestActiveCountReturnsToZero(t *testing.T) {
	r := newTestRunner()
	tk := task.FromCallable(func(context.Context) (int, error) { return 0, nil })
	_, err := runner.Run(context.Background(), r, tk)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Active())
}
