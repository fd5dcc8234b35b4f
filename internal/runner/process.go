package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/seantiz/running/internal/task"
)

// execute launches cmd and waits for it. A launch failure or cancellation is
// returned as a *task.Error; any exit status, zero or not, is a result.
func (r *Runner) execute(ctx context.Context, id string, c task.Command) (*task.ProcessResult, error) {
	cmd := exec.CommandContext(ctx, c.Program, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.EnvList()...)
	}
	// Ask politely first; WaitDelay escalates to SIGKILL.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.killGrace

	stdout := newCapture(r.maxStdout, r.lineEmitter(id, Stdout))
	stderr := newCapture(r.maxStderr, r.lineEmitter(id, Stderr))
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return nil, task.NewError(task.Cancelled, id, task.StageLaunch, cancelCause(ctx))
		}
		return nil, task.NewError(task.LaunchFailed, id, task.StageLaunch, err)
	}

	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()

	if waitErr != nil && ctx.Err() != nil {
		return nil, task.NewError(task.Cancelled, id, task.StageWait, cancelCause(ctx))
	}

	res := &task.ProcessResult{}
	res.Stdout, res.StdoutTruncated = stdout.bytes()
	res.Stderr, res.StderrTruncated = stderr.bytes()

	state := cmd.ProcessState
	if state == nil {
		return nil, task.NewError(task.IOCaptureFailed, id, task.StageWait, waitErr)
	}
	fillExitStatus(res, state)

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		captureErr := task.NewError(task.IOCaptureFailed, id, task.StageCapture, waitErr)
		if len(res.Stdout) == 0 && len(res.Stderr) == 0 {
			return nil, captureErr
		}
		res.CaptureErr = captureErr
	}
	return res, nil
}

// fillExitStatus distinguishes a normal exit from termination by a signal.
func fillExitStatus(res *task.ProcessResult, state *os.ProcessState) {
	res.ExitCode = state.ExitCode()
	res.Termination = task.Exited
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.Termination = task.Signaled
		res.Signal = ws.Signal().String()
		res.ExitCode = -1
	}
}

func (r *Runner) lineEmitter(id string, stream Stream) func(string) {
	if r.onLine == nil {
		return nil
	}
	return func(line string) {
		r.onLine(id, stream, line)
	}
}
