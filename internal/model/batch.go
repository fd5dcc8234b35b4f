package model

import (
	"time"

	"github.com/seantiz/running/internal/task"
)

// Status constants shared by batches and their task records.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether status is a final state.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Batch is a submitted group of command tasks and its aggregate result.
type Batch struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Policy      string     `json:"policy"`
	Parallelism int        `json:"parallelism,omitempty"`
	FailFast    bool       `json:"fail_fast"`
	TimeoutS    *int       `json:"timeout_s,omitempty"`
	Total       int        `json:"total"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Aborted     bool       `json:"aborted"`
	Error       string     `json:"error,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	Tasks []TaskRecord `json:"tasks,omitempty"`
}

// TaskRecord is the persisted state of one task in a batch. Index is the
// task's position in the submitted list.
type TaskRecord struct {
	BatchID    string       `json:"batch_id"`
	Index      int          `json:"index"`
	TaskID     string       `json:"task_id"`
	Command    task.Command `json:"command"`
	Backend    string       `json:"backend,omitempty"`
	Status     string       `json:"status"`
	ExitCode   *int         `json:"exit_code,omitempty"`
	Signal     string       `json:"signal,omitempty"`
	Stdout     string       `json:"stdout,omitempty"`
	Stderr     string       `json:"stderr,omitempty"`
	Truncated  bool         `json:"truncated,omitempty"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	Error      string       `json:"error,omitempty"`
	DurationMS *int         `json:"duration_ms,omitempty"`
}

// LogLine represents a single persisted output line from a batch task.
type LogLine struct {
	ID        int64     `json:"id"`
	BatchID   string    `json:"batch_id"`
	TaskID    string    `json:"task_id"`
	Stream    string    `json:"stream"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
