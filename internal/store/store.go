package store

import (
	"context"
	"errors"

	"github.com/seantiz/running/internal/model"
)

// ErrInvalidTransition is returned when a batch or task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// BatchStats holds aggregate execution statistics.
type BatchStats struct {
	Total             int            `json:"total"`
	CountByStatus     map[string]int `json:"count_by_status"`
	CountByPolicy     map[string]int `json:"count_by_policy"`
	TaskTotal         int            `json:"task_total"`
	TaskCountByStatus map[string]int `json:"task_count_by_status"`
	AvgDurationMS     float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for batches.
type Store interface {
	// CreateBatch inserts the batch and its task records atomically.
	CreateBatch(ctx context.Context, b *model.Batch) error
	// GetBatch returns the batch with its task records in index order.
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	// ListBatches returns batches without task records, newest first.
	ListBatches(ctx context.Context, limit, offset int) ([]*model.Batch, int, error)
	UpdateBatchStatus(ctx context.Context, id, status string) error
	UpdateBatch(ctx context.Context, b *model.Batch) error
	UpdateTask(ctx context.Context, rec *model.TaskRecord) error
	GetBatchStats(ctx context.Context) (*BatchStats, error)
	InsertLogLine(ctx context.Context, line model.LogLine) error
	GetLogLines(ctx context.Context, batchID string) ([]model.LogLine, error)
	Close() error
}
