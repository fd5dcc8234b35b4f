// Package batch runs an ordered collection of tasks under a concurrency
// policy and collects one entry per task, in input order.
//
// Admission is strictly in input order: task i+1 is never admitted before
// task i, whatever the policy. With fail-fast set, the first task error
// cancels the in-flight tasks and every task not yet admitted is reported as
// Cancelled.
//
// The concurrency bound counts Runner calls in flight. A callable that
// ignores cancellation keeps its goroutine after the Runner has given up on
// it, so such leftovers can run alongside newly admitted tasks.
package batch
