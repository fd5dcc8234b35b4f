package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/seantiz/running/internal/task"
)

// DefaultKillGrace is how long a cancelled process has between SIGTERM and
// SIGKILL, and how long Wait lingers on pipes held open by descendants.
const DefaultKillGrace = 5 * time.Second

// Stream names an output stream of a process.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineHandler receives each complete output line of a command as it is read.
// It is called from the capture goroutines and must not block for long.
type LineHandler func(taskID string, stream Stream, line string)

// Runner executes tasks. A Runner holds no per-task state and is safe for
// concurrent use.
type Runner struct {
	logger    *slog.Logger
	maxStdout int64
	maxStderr int64
	killGrace time.Duration
	onLine    LineHandler

	active atomic.Int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for task lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithOutputLimit caps the bytes retained per stream. Output past the cap is
// read and discarded and the result is flagged as truncated. Zero means no cap.
func WithOutputLimit(stdout, stderr int64) Option {
	return func(r *Runner) {
		r.maxStdout = stdout
		r.maxStderr = stderr
	}
}

// WithKillGrace sets the delay between SIGTERM and SIGKILL on cancellation.
func WithKillGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.killGrace = d
		}
	}
}

// WithLineHandler streams command output lines to fn.
func WithLineHandler(fn LineHandler) Option {
	return func(r *Runner) { r.onLine = fn }
}

// New creates a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		killGrace: DefaultKillGrace,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Active returns the number of tasks currently executing on r.
func (r *Runner) Active() int64 {
	return r.active.Load()
}

// Run executes t and returns its Outcome or a *task.Error. The task is
// consumed; running it again returns task.ErrConsumed.
func Run[V any](ctx context.Context, r *Runner, t *task.Task[V]) (task.Outcome[V], error) {
	fn, err := t.Consume()
	if err != nil {
		return task.Outcome[V]{}, err
	}

	if d := t.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	id := t.ID()
	out := task.Outcome[V]{TaskID: id, Kind: t.Kind()}
	start := r.begin(ctx, id, t.Kind(), t.LogLevel())

	switch t.Kind() {
	case task.KindCallable:
		out.Value, err = call(ctx, id, fn)
	case task.KindCommand:
		cmd, _ := t.Command()
		out.Process, err = r.execute(ctx, id, cmd)
	default:
		err = fmt.Errorf("task %s: unsupported kind %s", id, t.Kind())
	}

	out.Duration = time.Since(start)
	var value any
	if t.Kind() == task.KindCallable {
		value = out.Value
	}
	r.end(ctx, id, t.Kind(), t.LogLevel(), out.Duration, out.Process, value, err)
	if err != nil {
		return task.Outcome[V]{}, err
	}
	return out, nil
}

// Exec runs a command that is not wrapped in a Task, for callers that only
// deal in process descriptors.
func (r *Runner) Exec(ctx context.Context, id string, cmd task.Command) (*task.ProcessResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, task.NewError(task.LaunchFailed, id, task.StageLaunch, err)
	}
	start := r.begin(ctx, id, task.KindCommand, slog.LevelDebug)
	res, err := r.execute(ctx, id, cmd)
	r.end(ctx, id, task.KindCommand, slog.LevelDebug, time.Since(start), res, nil, err)
	return res, err
}

// Completion is the result delivered by Go.
type Completion[V any] struct {
	Outcome task.Outcome[V]
	Err     error
}

// Go runs t in the background. The returned channel receives exactly one
// Completion and is then closed.
func Go[V any](ctx context.Context, r *Runner, t *task.Task[V]) <-chan Completion[V] {
	ch := make(chan Completion[V], 1)
	go func() {
		defer close(ch)
		out, err := Run(ctx, r, t)
		ch <- Completion[V]{Outcome: out, Err: err}
	}()
	return ch
}

// RunThen runs t in the background and hands its result to then.
func RunThen[V any](ctx context.Context, r *Runner, t *task.Task[V], then func(task.Outcome[V], error)) {
	go func() {
		then(Run(ctx, r, t))
	}()
}

func (r *Runner) begin(ctx context.Context, id string, kind task.Kind, level slog.Level) time.Time {
	r.active.Add(1)
	tasksActive.Inc()
	r.logger.Log(ctx, level, "task started", "task_id", id, "kind", kind.String())
	return time.Now()
}

func (r *Runner) end(ctx context.Context, id string, kind task.Kind, level slog.Level, d time.Duration, res *task.ProcessResult, value any, err error) {
	r.active.Add(-1)
	tasksActive.Dec()
	taskDuration.WithLabelValues(kind.String()).Observe(d.Seconds())
	tasksTotal.WithLabelValues(kind.String(), resultLabel(res, err)).Inc()

	attrs := []any{"task_id", id, "kind", kind.String(), "duration_ms", d.Milliseconds()}
	if err != nil {
		var te *task.Error
		switch {
		case errors.As(err, &te) && te.Kind == task.TaskPanicked:
			r.logger.Error("task panicked", append(attrs, "error", err, "stack", string(te.Stack))...)
		case errors.As(err, &te) && te.Kind == task.Cancelled:
			r.logger.Log(ctx, max(level, slog.LevelInfo), "task cancelled", append(attrs, "error", err)...)
		default:
			r.logger.Warn("task failed", append(attrs, "error", err)...)
		}
		return
	}
	switch {
	case res != nil:
		attrs = append(attrs, "result", res.String())
		if res.CaptureErr != nil {
			r.logger.Warn("task output capture incomplete", append(attrs, "error", res.CaptureErr)...)
			return
		}
	case value != nil:
		attrs = append(attrs, "result", fmt.Sprint(value))
	}
	r.logger.Log(ctx, level, "task completed", attrs...)
}

func resultLabel(res *task.ProcessResult, err error) string {
	if err != nil {
		if kind, ok := task.KindOf(err); ok {
			return kind.String()
		}
		return "error"
	}
	if res == nil || res.Success() {
		return "ok"
	}
	if res.Termination == task.Signaled {
		return "signaled"
	}
	return "nonzero_exit"
}

// cancelCause returns the reason ctx ended, preferring an explicit cause.
func cancelCause(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}
