// Package runner executes a single task and normalizes its result. Callables
// run on their own goroutine behind a recover boundary; commands are launched
// with os/exec, with stdout and stderr captured incrementally and optionally
// streamed line by line. Every execution yields exactly one Outcome or one
// *task.Error.
package runner
