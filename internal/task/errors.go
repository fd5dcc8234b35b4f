package task

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure kinds reported by the runner.
type ErrorKind int

const (
	// TaskPanicked means an in-process computation aborted with a panic.
	TaskPanicked ErrorKind = iota + 1
	// LaunchFailed means an external process could not be started.
	LaunchFailed
	// IOCaptureFailed means reading a process's output streams failed.
	IOCaptureFailed
	// Cancelled means the task was aborted by fail-fast, a timeout or the caller.
	Cancelled
	// Wrapped carries the error returned by a callable.
	Wrapped
)

var kindNames = map[ErrorKind]string{
	TaskPanicked:    "task_panicked",
	LaunchFailed:    "launch_failed",
	IOCaptureFailed: "io_capture_failed",
	Cancelled:       "cancelled",
	Wrapped:         "wrapped",
}

// String returns the snake_case kind name.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(name string) (ErrorKind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Stage names the point of execution where a failure was detected.
type Stage string

const (
	StageAdmission Stage = "admission"
	StageLaunch    Stage = "launch"
	StageExecute   Stage = "execute"
	StageCapture   Stage = "capture"
	StageWait      Stage = "wait"
)

// Sentinels for matching kinds with errors.Is.
var (
	ErrTaskPanicked = errors.New("task panicked")
	ErrLaunchFailed = errors.New("launch failed")
	ErrIOCapture    = errors.New("output capture failed")
	ErrCancelled    = errors.New("task cancelled")
	ErrWrapped      = errors.New("task returned an error")
)

var kindSentinels = map[ErrorKind]error{
	TaskPanicked:    ErrTaskPanicked,
	LaunchFailed:    ErrLaunchFailed,
	IOCaptureFailed: ErrIOCapture,
	Cancelled:       ErrCancelled,
	Wrapped:         ErrWrapped,
}

// Error is the failure of a single task execution.
type Error struct {
	Kind   ErrorKind
	TaskID string
	Stage  Stage

	// Message is a diagnostic, e.g. the recovered panic value.
	Message string
	// Stack is the goroutine stack captured when a callable panicked.
	Stack []byte
	// Err is the underlying cause: the OS error, the context cause, or the
	// callable's own error.
	Err error
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, taskID string, stage Stage, cause error) *Error {
	return &Error{Kind: kind, TaskID: taskID, Stage: stage, Err: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("task %s: %s at %s", e.TaskID, e.Kind, e.Stage)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause so callers can reach the original error.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels, so errors.Is(err, ErrLaunchFailed) works
// regardless of the cause chain.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of err if it is, or wraps, an *Error.
func KindOf(err error) (ErrorKind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// Extract recovers a caller error of type E from a Wrapped task error.
func Extract[E error](err error) (E, bool) {
	var target E
	if err == nil {
		return target, false
	}
	ok := errors.As(err, &target)
	return target, ok
}
