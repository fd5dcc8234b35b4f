// Package task defines the unit of work executed by the runner: a Task is
// either an in-process callable or an external command. It also holds the
// normalized Outcome of an execution and the error taxonomy shared by the
// runner and the batch executor.
package task
