package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/running/internal/model"

	_ "modernc.org/sqlite"
)

const createBatchesTable = `
CREATE TABLE IF NOT EXISTS batches (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    policy      TEXT NOT NULL,
    parallelism INTEGER NOT NULL DEFAULT 0,
    fail_fast   INTEGER NOT NULL DEFAULT 0,
    timeout_s   INTEGER,
    total       INTEGER NOT NULL DEFAULT 0,
    succeeded   INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    aborted     INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createBatchTasksTable = `
CREATE TABLE IF NOT EXISTS batch_tasks (
    batch_id    TEXT NOT NULL REFERENCES batches(id),
    idx         INTEGER NOT NULL,
    task_id     TEXT NOT NULL,
    command     TEXT NOT NULL,
    backend     TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    exit_code   INTEGER,
    signal      TEXT NOT NULL DEFAULT '',
    stdout      TEXT NOT NULL DEFAULT '',
    stderr      TEXT NOT NULL DEFAULT '',
    truncated   INTEGER NOT NULL DEFAULT 0,
    error_kind  TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    PRIMARY KEY (batch_id, idx)
)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS log_lines (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id   TEXT NOT NULL,
    task_id    TEXT NOT NULL,
    stream     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createLogLinesIndex = `
CREATE INDEX IF NOT EXISTS idx_log_lines_batch ON log_lines (batch_id, seq)`

const batchColumns = `id, status, policy, parallelism, fail_fast, timeout_s,
	total, succeeded, failed, aborted, error, duration_ms,
	created_at, started_at, finished_at`

// ErrNotFound is returned when a batch or task record is not found.
var ErrNotFound = errors.New("batch not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every pooled connection to ":memory:" would open its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createBatchesTable, createBatchTasksTable, createLogLinesTable, createLogLinesIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateBatch inserts a new batch record and one row per task.
func (s *SQLiteStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (`+batchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Status, b.Policy, b.Parallelism, b.FailFast, b.TimeoutS,
		b.Total, b.Succeeded, b.Failed, b.Aborted, b.Error, b.DurationMS,
		b.CreatedAt, b.StartedAt, b.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	for i := range b.Tasks {
		rec := &b.Tasks[i]
		rec.BatchID = b.ID
		cmd, err := json.Marshal(rec.Command)
		if err != nil {
			return fmt.Errorf("encode task %d command: %w", rec.Index, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO batch_tasks (
				batch_id, idx, task_id, command, backend, status, exit_code, signal,
				stdout, stderr, truncated, error_kind, error, duration_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, rec.Index, rec.TaskID, string(cmd), rec.Backend, rec.Status, rec.ExitCode, rec.Signal,
			rec.Stdout, rec.Stderr, rec.Truncated, rec.ErrorKind, rec.Error, rec.DurationMS,
		)
		if err != nil {
			return fmt.Errorf("insert task %d: %w", rec.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (*model.Batch, error) {
	b := &model.Batch{}
	err := row.Scan(
		&b.ID, &b.Status, &b.Policy, &b.Parallelism, &b.FailFast, &b.TimeoutS,
		&b.Total, &b.Succeeded, &b.Failed, &b.Aborted, &b.Error, &b.DurationMS,
		&b.CreatedAt, &b.StartedAt, &b.FinishedAt,
	)
	return b, err
}

// GetBatch retrieves a batch and its task records by ID.
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	b, err := scanBatch(tx.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT batch_id, idx, task_id, command, backend, status, exit_code, signal,
			stdout, stderr, truncated, error_kind, error, duration_ms
		FROM batch_tasks WHERE batch_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec model.TaskRecord
			cmd string
		)
		if err := rows.Scan(
			&rec.BatchID, &rec.Index, &rec.TaskID, &cmd, &rec.Backend, &rec.Status, &rec.ExitCode, &rec.Signal,
			&rec.Stdout, &rec.Stderr, &rec.Truncated, &rec.ErrorKind, &rec.Error, &rec.DurationMS,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(cmd), &rec.Command); err != nil {
			return nil, fmt.Errorf("decode task %d command: %w", rec.Index, err)
		}
		b.Tasks = append(b.Tasks, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	return b, nil
}

// ListBatches returns a paginated list of batches ordered by created_at DESC,
// along with the total count of all batches.
func (s *SQLiteStore) ListBatches(ctx context.Context, limit, offset int) ([]*model.Batch, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM batches").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count batches: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []*model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate batches: %w", err)
	}

	return batches, total, nil
}

// currentStatus reads the status of a row for transition checks.
func currentStatus(ctx context.Context, tx *sql.Tx, query string, args ...any) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, query, args...).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return status, nil
}

// UpdateBatchStatus transitions a batch to status. Moving to running sets
// started_at; terminal statuses set finished_at.
func (s *SQLiteStore) UpdateBatchStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, "SELECT status FROM batches WHERE id = ?", id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE batches SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.Terminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE batches SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE batches SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}

	return tx.Commit()
}

// UpdateBatch writes the final state of a batch. The status change must be
// a valid transition.
func (s *SQLiteStore) UpdateBatch(ctx context.Context, b *model.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, "SELECT status FROM batches WHERE id = ?", b.ID)
	if err != nil {
		return err
	}
	if from != b.Status && !model.ValidTransition(from, b.Status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, b.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE batches SET status = ?, total = ?, succeeded = ?, failed = ?,
			aborted = ?, error = ?, duration_ms = ?,
			started_at = COALESCE(?, started_at), finished_at = COALESCE(?, finished_at)
		WHERE id = ?`,
		b.Status, b.Total, b.Succeeded, b.Failed,
		b.Aborted, b.Error, b.DurationMS,
		b.StartedAt, b.FinishedAt,
		b.ID,
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}

	return tx.Commit()
}

// UpdateTask writes the state of one task record identified by
// (BatchID, Index).
func (s *SQLiteStore) UpdateTask(ctx context.Context, rec *model.TaskRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx,
		"SELECT status FROM batch_tasks WHERE batch_id = ? AND idx = ?", rec.BatchID, rec.Index)
	if err != nil {
		return err
	}
	if from != rec.Status && !model.ValidTransition(from, rec.Status) {
		return fmt.Errorf("%w: task %d %s → %s", ErrInvalidTransition, rec.Index, from, rec.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE batch_tasks SET status = ?, exit_code = ?, signal = ?, stdout = ?,
			stderr = ?, truncated = ?, error_kind = ?, error = ?, duration_ms = ?
		WHERE batch_id = ? AND idx = ?`,
		rec.Status, rec.ExitCode, rec.Signal, rec.Stdout,
		rec.Stderr, rec.Truncated, rec.ErrorKind, rec.Error, rec.DurationMS,
		rec.BatchID, rec.Index,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	return tx.Commit()
}

// GetBatchStats aggregates batch and task counts and the mean duration of
// finished batches.
func (s *SQLiteStore) GetBatchStats(ctx context.Context) (*BatchStats, error) {
	stats := &BatchStats{
		CountByStatus:     make(map[string]int),
		CountByPolicy:     make(map[string]int),
		TaskCountByStatus: make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	groups := []struct {
		query string
		into  map[string]int
		total *int
	}{
		{"SELECT status, COUNT(*) FROM batches GROUP BY status", stats.CountByStatus, &stats.Total},
		{"SELECT policy, COUNT(*) FROM batches GROUP BY policy", stats.CountByPolicy, nil},
		{"SELECT status, COUNT(*) FROM batch_tasks GROUP BY status", stats.TaskCountByStatus, &stats.TaskTotal},
	}
	for _, g := range groups {
		if err := countInto(ctx, tx, g.query, g.into, g.total); err != nil {
			return nil, err
		}
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM batches WHERE duration_ms IS NOT NULL").Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

func countInto(ctx context.Context, tx *sql.Tx, query string, into map[string]int, total *int) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count: %w", err)
		}
		into[key] = n
		if total != nil {
			*total += n
		}
	}
	return rows.Err()
}

// InsertLogLine persists one output line.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, line model.LogLine) error {
	createdAt := line.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO log_lines (batch_id, task_id, stream, seq, line, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		line.BatchID, line.TaskID, line.Stream, line.Seq, line.Line, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the persisted lines of a batch ordered by seq.
func (s *SQLiteStore) GetLogLines(ctx context.Context, batchID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, task_id, stream, seq, line, created_at
		FROM log_lines WHERE batch_id = ? ORDER BY seq, id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.BatchID, &l.TaskID, &l.Stream, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}
