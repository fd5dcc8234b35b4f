package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrConsumed is returned when a Task that has already been executed is run again.
var ErrConsumed = errors.New("task already consumed")

// Kind identifies the variant held by a Task.
type Kind int

const (
	KindCallable Kind = iota + 1
	KindCommand
)

// String returns the lowercase kind name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindCallable:
		return "callable"
	case KindCommand:
		return "command"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Callable is an in-process computation. It should return promptly with
// ctx.Err() once ctx is done; a callable that never checks ctx is not
// interrupted.
type Callable[V any] func(ctx context.Context) (V, error)

// seq is the process-wide task sequence generator.
var seq atomic.Uint64

func nextSeq() uint64 {
	return seq.Add(1)
}

// Task is a single unit of work. It is immutable after construction and can
// be executed exactly once.
type Task[V any] struct {
	seq      uint64
	label    string
	kind     Kind
	callable Callable[V]
	command  Command
	timeout  time.Duration
	logLevel slog.Level
	consumed atomic.Bool
}

// Option configures a Task at construction time.
type Option func(*options)

type options struct {
	label    string
	timeout  time.Duration
	logLevel slog.Level
}

// WithLabel sets the identifier reported for the task instead of the
// generated sequence id.
func WithLabel(label string) Option {
	return func(o *options) { o.label = label }
}

// WithTimeout bounds the task's execution. Expiry yields a Cancelled error.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogLevel sets the level of the task's start and completion events.
// Failures are always logged at warn or above.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) { o.logLevel = level }
}

func buildOptions(opts []Option) options {
	o := options{logLevel: slog.LevelDebug}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// FromCallable wraps fn as a Task.
func FromCallable[V any](fn Callable[V], opts ...Option) *Task[V] {
	o := buildOptions(opts)
	return &Task[V]{
		seq:      nextSeq(),
		label:    o.label,
		kind:     KindCallable,
		callable: fn,
		timeout:  o.timeout,
		logLevel: o.logLevel,
	}
}

// FromCommand wraps cmd as a Task. V is the value type of the batch the task
// will join; command tasks never produce a V.
func FromCommand[V any](cmd Command, opts ...Option) (*Task[V], error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &Task[V]{
		seq:      nextSeq(),
		label:    o.label,
		kind:     KindCommand,
		command:  cmd.Clone(),
		timeout:  o.timeout,
		logLevel: o.logLevel,
	}, nil
}

// ID returns the caller-supplied label, or "task-<seq>" when none was given.
func (t *Task[V]) ID() string {
	if t.label != "" {
		return t.label
	}
	return fmt.Sprintf("task-%d", t.seq)
}

// Seq returns the process-wide sequence number assigned at construction.
func (t *Task[V]) Seq() uint64 { return t.seq }

// Kind returns the variant held by the task.
func (t *Task[V]) Kind() Kind { return t.kind }

// Timeout returns the per-task timeout, zero if unset.
func (t *Task[V]) Timeout() time.Duration { return t.timeout }

// LogLevel returns the level used for the task's lifecycle events.
func (t *Task[V]) LogLevel() slog.Level { return t.logLevel }

// Command returns a copy of the command descriptor. ok is false for callables.
func (t *Task[V]) Command() (cmd Command, ok bool) {
	if t.kind != KindCommand {
		return Command{}, false
	}
	return t.command.Clone(), true
}

// Consume marks the task as executed and hands out its callable. It returns
// ErrConsumed on every call after the first.
func (t *Task[V]) Consume() (Callable[V], error) {
	if !t.consumed.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%s: %w", t.ID(), ErrConsumed)
	}
	return t.callable, nil
}

// Consumed reports whether the task has been handed to a runner.
func (t *Task[V]) Consumed() bool { return t.consumed.Load() }
