package agent

import (
	"errors"
	"fmt"

	"github.com/seantiz/running/internal/codec"
	"github.com/seantiz/running/internal/task"
)

// maxResultOutput is how many bytes of captured output a result frame may
// carry in total. Output is base64 in JSON, so it grows by a third; the
// remainder of the frame is left for the other fields and error text.
const maxResultOutput = (codec.MaxFrameSize - 64<<10) / 4 * 3

// Message types exchanged on an agent connection.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// Request is the single framed message a client sends after connecting.
type Request struct {
	ID       string       `json:"id,omitempty"`
	Command  task.Command `json:"command"`
	TimeoutS int          `json:"timeout_s,omitempty"`
}

// Message is one framed message from the agent: zero or more "log" messages
// followed by exactly one "result".
type Message struct {
	Type   string  `json:"type"`
	Stream string  `json:"stream,omitempty"`
	Line   string  `json:"line,omitempty"`
	Result *Result `json:"result,omitempty"`
}

// Result is the outcome of a remote command. Either Process is set, or
// ErrorKind names the failure.
type Result struct {
	Process      *task.ProcessResult `json:"process,omitempty"`
	ErrorKind    string              `json:"error_kind,omitempty"`
	Stage        string              `json:"stage,omitempty"`
	Error        string              `json:"error,omitempty"`
	CaptureError string              `json:"capture_error,omitempty"`
}

// newResult encodes the return values of a runner Exec call.
func newResult(proc *task.ProcessResult, err error) *Result {
	if err != nil {
		var te *task.Error
		if !errors.As(err, &te) {
			return &Result{ErrorKind: task.LaunchFailed.String(), Stage: string(task.StageLaunch), Error: err.Error()}
		}
		r := &Result{ErrorKind: te.Kind.String(), Stage: string(te.Stage), Error: te.Message}
		if te.Err != nil {
			r.Error = te.Err.Error()
		}
		return r
	}
	r := &Result{Process: fitOutput(proc, maxResultOutput)}
	if proc != nil && proc.CaptureErr != nil && proc.CaptureErr.Err != nil {
		r.CaptureError = proc.CaptureErr.Err.Error()
	}
	return r
}

// decode turns r back into the values a local Exec would have returned,
// attributing any error to task id.
func (r *Result) decode(id string) (*task.ProcessResult, error) {
	if r.ErrorKind != "" {
		kind, ok := task.ParseErrorKind(r.ErrorKind)
		if !ok {
			return nil, task.NewError(task.LaunchFailed, id, task.StageLaunch,
				fmt.Errorf("agent reported unknown error kind %q: %s", r.ErrorKind, r.Error))
		}
		return nil, task.NewError(kind, id, task.Stage(r.Stage), errors.New(r.Error))
	}
	if r.Process == nil {
		return nil, task.NewError(task.IOCaptureFailed, id, task.StageWait, errors.New("agent result carries no process"))
	}
	if r.CaptureError != "" {
		r.Process.CaptureErr = task.NewError(task.IOCaptureFailed, id, task.StageCapture, errors.New(r.CaptureError))
	}
	return r.Process, nil
}

// fitOutput returns proc with its captured output cut to at most budget
// bytes so the result always fits in one frame. Every line was already sent
// as a log message, so only the retained copy shrinks. proc is not modified.
func fitOutput(proc *task.ProcessResult, budget int) *task.ProcessResult {
	if proc == nil || len(proc.Stdout)+len(proc.Stderr) <= budget {
		return proc
	}
	out := *proc
	errBudget := min(len(proc.Stderr), budget/2)
	outBudget := min(len(proc.Stdout), budget-errBudget)
	errBudget = min(len(proc.Stderr), budget-outBudget)

	if len(out.Stdout) > outBudget {
		out.Stdout = out.Stdout[:outBudget]
		out.StdoutTruncated = true
	}
	if len(out.Stderr) > errBudget {
		out.Stderr = out.Stderr[:errBudget]
		out.StderrTruncated = true
	}
	return &out
}
