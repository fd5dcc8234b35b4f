package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/seantiz/running/internal/runner"
	"github.com/seantiz/running/internal/task"
)

// ErrNilTask is reported for a nil entry in the task list.
var ErrNilTask = errors.New("nil task")

// Event is the kind of a Progress notification.
type Event int

const (
	Started Event = iota + 1
	Finished
)

// Progress is delivered to Options.Progress when a task starts or finishes.
type Progress struct {
	Event  Event
	Index  int
	TaskID string
	// Err is the task's error on Finished, nil on success.
	Err error
	// Done counts finished tasks, including this one.
	Done  int
	Total int
}

// Options configures one batch invocation.
type Options struct {
	Policy   Policy
	FailFast bool

	// Timeout bounds the whole batch; TaskTimeout bounds each task. Expiry
	// yields Cancelled entries. Zero means no timeout.
	Timeout     time.Duration
	TaskTimeout time.Duration

	// Limiter, when set, paces admissions.
	Limiter *rate.Limiter

	// Progress is called serially, never concurrently with itself.
	Progress func(Progress)

	Logger *slog.Logger
}

// Entry is the result slot of one input task. Exactly one of Outcome and Err
// is set.
type Entry[V any] struct {
	Index   int
	TaskID  string
	Outcome *task.Outcome[V]
	Err     error
}

// Result holds one entry per input task, in input order.
type Result[V any] struct {
	Entries []Entry[V]
	// Aborted is set when fail-fast or the batch timeout stopped the batch
	// early; Cause is the error that did it.
	Aborted  bool
	Cause    error
	Duration time.Duration
}

// Failed returns the number of entries that hold an error.
func (r *Result[V]) Failed() int {
	n := 0
	for _, e := range r.Entries {
		if e.Err != nil {
			n++
		}
	}
	return n
}

// Errors returns the entry errors in input order.
func (r *Result[V]) Errors() []error {
	var errs []error
	for _, e := range r.Entries {
		if e.Err != nil {
			errs = append(errs, e.Err)
		}
	}
	return errs
}

// Run executes tasks on r according to opts and returns once every admitted
// task has resolved. The result always has len(tasks) entries.
func Run[V any](ctx context.Context, r *runner.Runner, tasks []*task.Task[V], opts Options) *Result[V] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	policy := opts.Policy

	res := &Result[V]{Entries: make([]Entry[V], len(tasks))}
	for i, t := range tasks {
		res.Entries[i].Index = i
		if t != nil {
			res.Entries[i].TaskID = t.ID()
		}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	logger.Info("batch started",
		"tasks", len(tasks),
		"policy", policy.String(),
		"fail_fast", opts.FailFast,
	)

	var (
		progressMu sync.Mutex
		done       int
	)
	notify := func(p Progress) {
		if opts.Progress == nil && p.Event == Started {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		if p.Event == Finished {
			done++
		}
		if opts.Progress != nil {
			p.Done = done
			p.Total = len(tasks)
			opts.Progress(p)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(policy.Limit())

	var stopErr error
	next := 0
	for ; next < len(tasks); next++ {
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(gctx); err != nil {
				stopErr = err
				if gctx.Err() != nil {
					stopErr = cause(gctx)
				}
				logger.Warn("batch admission stopped", "index", next, "error", err)
				break
			}
		}
		if gctx.Err() != nil {
			stopErr = cause(gctx)
			break
		}

		i := next
		admitted := make(chan struct{})
		g.Go(func() error {
			entry := &res.Entries[i]
			t := tasks[i]
			if t == nil {
				close(admitted)
				entry.Err = ErrNilTask
				notify(Progress{Event: Finished, Index: i, Err: entry.Err})
				return failFast(opts.FailFast, entry.Err)
			}
			// A slot may free up only after the batch was aborted.
			if gctx.Err() != nil {
				close(admitted)
				entry.Err = task.NewError(task.Cancelled, entry.TaskID, task.StageAdmission, cause(gctx))
				return nil
			}

			notify(Progress{Event: Started, Index: i, TaskID: entry.TaskID})
			close(admitted)

			tctx := gctx
			if opts.TaskTimeout > 0 {
				var cancel context.CancelFunc
				tctx, cancel = context.WithTimeout(gctx, opts.TaskTimeout)
				defer cancel()
			}

			out, err := runner.Run(tctx, r, t)
			if err != nil {
				entry.Err = err
			} else {
				entry.Outcome = &out
			}

			notify(Progress{Event: Finished, Index: i, TaskID: entry.TaskID, Err: err})
			return failFast(opts.FailFast, err)
		})
		// Task i+1 is not admitted until task i has started.
		<-admitted
	}

	firstErr := g.Wait()

	for i := next; i < len(tasks); i++ {
		res.Entries[i].Err = task.NewError(task.Cancelled, res.Entries[i].TaskID, task.StageAdmission, stopErr)
	}

	switch {
	case firstErr != nil:
		res.Aborted = true
		res.Cause = firstErr
	case stopErr != nil:
		res.Aborted = true
		res.Cause = stopErr
	case ctx.Err() != nil && hasCancelled(res.Entries):
		res.Aborted = true
		res.Cause = cause(ctx)
	}
	res.Duration = time.Since(start)

	outcome := "completed"
	if res.Aborted {
		outcome = "aborted"
	}
	batchesTotal.WithLabelValues(policy.Name(), outcome).Inc()
	batchDuration.WithLabelValues(policy.Name()).Observe(res.Duration.Seconds())

	attrs := []any{
		"tasks", len(tasks),
		"failed", res.Failed(),
		"aborted", res.Aborted,
		"duration_ms", res.Duration.Milliseconds(),
	}
	if res.Aborted {
		logger.Warn("batch aborted", append(attrs, "cause", res.Cause)...)
	} else {
		logger.Info("batch finished", attrs...)
	}
	return res
}

func failFast(enabled bool, err error) error {
	if enabled {
		return err
	}
	return nil
}

func cause(ctx context.Context) error {
	if c := context.Cause(ctx); c != nil {
		return c
	}
	return ctx.Err()
}

func hasCancelled[V any](entries []Entry[V]) bool {
	for _, e := range entries {
		if errors.Is(e.Err, task.ErrCancelled) {
			return true
		}
	}
	return false
}
