package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/seantiz/running/internal/task"
)

type callResult[V any] struct {
	value    V
	err      error
	panicked bool
}

// call invokes fn on its own goroutine so that a panic is recovered there and
// reported as TaskPanicked instead of unwinding the caller. If ctx ends first
// the call returns Cancelled; fn keeps running until it returns on its own and
// its result is dropped.
func call[V any](ctx context.Context, id string, fn task.Callable[V]) (V, error) {
	var zero V
	done := make(chan callResult[V], 1)

	go func() {
		returned := false
		defer func() {
			if returned {
				return
			}
			te := &task.Error{Kind: task.TaskPanicked, TaskID: id, Stage: task.StageExecute}
			if p := recover(); p != nil {
				te.Message = fmt.Sprint(p)
				te.Stack = debug.Stack()
				if perr, ok := p.(error); ok {
					te.Err = perr
				}
			} else {
				// runtime.Goexit unwinds without a panic value.
				te.Message = "callable exited without returning"
			}
			done <- callResult[V]{err: te, panicked: true}
		}()
		v, err := fn(ctx)
		returned = true
		done <- callResult[V]{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.value, nil
		}
		if res.panicked {
			return zero, res.err
		}
		if ctx.Err() != nil && (errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded)) {
			return zero, task.NewError(task.Cancelled, id, task.StageExecute, cancelCause(ctx))
		}
		return zero, task.NewError(task.Wrapped, id, task.StageExecute, res.err)
	case <-ctx.Done():
		return zero, task.NewError(task.Cancelled, id, task.StageExecute, cancelCause(ctx))
	}
}
