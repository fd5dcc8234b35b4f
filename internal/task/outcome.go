package task

import (
	"fmt"
	"time"
)

// Termination distinguishes how a process ended.
type Termination int

const (
	// Exited means the process returned an exit status, zero or not.
	Exited Termination = iota
	// Signaled means the process was terminated by a signal.
	Signaled
)

// String returns the termination name.
func (t Termination) String() string {
	switch t {
	case Exited:
		return "exited"
	case Signaled:
		return "signaled"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ProcessResult is the outcome of a command that started and ran to
// termination. A non-zero exit code is a normal result, not an error.
type ProcessResult struct {
	ExitCode    int         `json:"exit_code"`
	Termination Termination `json:"termination"`
	Signal      string      `json:"signal,omitempty"`
	Stdout      []byte      `json:"stdout,omitempty"`
	Stderr      []byte      `json:"stderr,omitempty"`

	StdoutTruncated bool `json:"stdout_truncated,omitempty"`
	StderrTruncated bool `json:"stderr_truncated,omitempty"`

	// CaptureErr is set when reading the output streams failed after some
	// output was captured. Stdout and Stderr hold what was read before the
	// failure.
	CaptureErr *Error `json:"-"`
}

// Success reports whether the process exited with status zero.
func (p *ProcessResult) Success() bool {
	return p.Termination == Exited && p.ExitCode == 0
}

// String summarizes the result without the captured output.
func (p *ProcessResult) String() string {
	if p.Termination == Signaled {
		return fmt.Sprintf("signaled(%s)", p.Signal)
	}
	return fmt.Sprintf("exit(%d)", p.ExitCode)
}

// Outcome is the normalized, non-error result of running one Task. Exactly
// one of Value (callables) or Process (commands) is meaningful, selected by
// Kind.
type Outcome[V any] struct {
	TaskID   string         `json:"task_id"`
	Kind     Kind           `json:"kind"`
	Value    V              `json:"value,omitempty"`
	Process  *ProcessResult `json:"process,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// String renders the value for callables and the process summary for commands.
func (o Outcome[V]) String() string {
	if o.Kind == KindCommand && o.Process != nil {
		return o.Process.String()
	}
	return fmt.Sprintf("%v", o.Value)
}
