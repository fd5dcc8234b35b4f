// Package engine runs submitted batches in the background. It persists batch
// and task state to the store, streams task output to subscribers and lets
// callers cancel a batch that is still running.
package engine
