package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/running/internal/backend"
	"github.com/seantiz/running/internal/batch"
	"github.com/seantiz/running/internal/codec"
	"github.com/seantiz/running/internal/model"
	"github.com/seantiz/running/internal/runner"
	"github.com/seantiz/running/internal/store"
	"github.com/seantiz/running/internal/task"
)

var (
	// ErrInvalidRequest wraps every rejection of a malformed submission.
	ErrInvalidRequest = errors.New("invalid batch request")
	// ErrNotRunning is returned by Cancel for a batch that is not in flight.
	ErrNotRunning = errors.New("batch is not running")
	// ErrBatchCancelled is the cancellation cause of a batch stopped by Cancel.
	ErrBatchCancelled = errors.New("batch cancelled")
)

// Defaults are applied to requests that leave a setting unspecified.
type Defaults struct {
	Policy batch.Policy
	// Parallelism fills in a "bounded" request without a limit.
	Parallelism  int
	TaskTimeout  time.Duration
	BatchTimeout time.Duration
	// SpawnRate caps task starts per second across all batches. Zero
	// disables pacing.
	SpawnRate float64
}

// Engine orchestrates asynchronous batch execution.
type Engine struct {
	store      store.Store
	logger     *slog.Logger
	defaults   Defaults
	runnerOpts []runner.Option
	limiter    *rate.Limiter
	backends   *backend.Registry
	broker     *LogBroker
	wg         sync.WaitGroup

	mu      sync.Mutex
	running map[string]*inflight
}

type inflight struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// NewEngine creates a new execution engine. runnerOpts configure the runner
// of every batch; the engine supplies its own logger and line handler.
func NewEngine(s store.Store, logger *slog.Logger, defaults Defaults, runnerOpts ...runner.Option) *Engine {
	e := &Engine{
		store:      s,
		logger:     logger,
		defaults:   defaults,
		runnerOpts: runnerOpts,
		broker:     NewLogBroker(),
		running:    make(map[string]*inflight),
	}
	if defaults.SpawnRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(defaults.SpawnRate), 1)
	}
	return e
}

// SetBackends makes the remote backends in reg available to task specs that
// name one. It must be called before the first Submit.
func (e *Engine) SetBackends(reg *backend.Registry) {
	e.backends = reg
}

// Backends lists the registered remote backends.
func (e *Engine) Backends() []backend.Info {
	if e.backends == nil {
		return []backend.Info{}
	}
	return e.backends.List()
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Running returns the number of batches in flight.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Submit validates req, stores a pending batch and starts executing it in
// the background. The returned record is the pending snapshot.
func (e *Engine) Submit(ctx context.Context, req *codec.BatchRequest) (*model.Batch, error) {
	b, policy, err := e.plan(req)
	if err != nil {
		return nil, err
	}

	if err := e.store.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	fl := &inflight{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.running[b.ID] = fl
	e.mu.Unlock()

	snapshot := *b
	snapshot.Tasks = append([]model.TaskRecord(nil), b.Tasks...)
	e.wg.Go(func() {
		defer e.release(b.ID, fl)
		e.execute(runCtx, b, policy, req.Tasks)
	})

	return &snapshot, nil
}

// RunSync submits req and blocks until the batch finishes, returning its
// final record. If ctx ends first the batch is cancelled and still awaited.
func (e *Engine) RunSync(ctx context.Context, req *codec.BatchRequest) (*model.Batch, error) {
	b, err := e.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	if done := e.done(b.ID); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			_ = e.Cancel(b.ID)
			<-done
		}
	}

	final, err := e.store.GetBatch(context.WithoutCancel(ctx), b.ID)
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return final, nil
}

// Cancel stops a running batch. Tasks in flight are terminated and tasks not
// yet started are recorded as cancelled.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	fl, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	fl.cancel(ErrBatchCancelled)
	return nil
}

// CancelAll cancels every running batch.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, fl := range e.running {
		fl.cancel(ErrBatchCancelled)
	}
}

// Wait blocks until all in-flight batch goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) done(id string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fl, ok := e.running[id]; ok {
		return fl.done
	}
	return nil
}

func (e *Engine) release(id string, fl *inflight) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
	fl.cancel(nil)
	close(fl.done)
}

// plan turns a request into a pending batch record and its policy.
func (e *Engine) plan(req *codec.BatchRequest) (*model.Batch, batch.Policy, error) {
	if req == nil {
		return nil, batch.Policy{}, fmt.Errorf("%w: empty request", ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, batch.Policy{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	policy := e.defaults.Policy
	if req.Policy != "" {
		limit := req.Parallelism
		if limit == 0 {
			limit = e.defaults.Parallelism
		}
		p, err := batch.ParsePolicy(req.Policy, limit)
		if err != nil {
			return nil, batch.Policy{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		policy = p
	}

	b := &model.Batch{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		Policy:    policy.Name(),
		FailFast:  req.FailFast,
		Total:     len(req.Tasks),
		CreatedAt: time.Now().UTC(),
	}
	if policy.Mode() == batch.ModeBounded {
		b.Parallelism = policy.Limit()
	}
	if req.TimeoutS > 0 {
		timeout := req.TimeoutS
		b.TimeoutS = &timeout
	}

	b.Tasks = make([]model.TaskRecord, len(req.Tasks))
	for i, spec := range req.Tasks {
		id := spec.Label
		if id == "" {
			id = fmt.Sprintf("task-%d", i)
		}
		if spec.Backend != "" {
			if e.backends == nil {
				return nil, batch.Policy{}, fmt.Errorf("%w: task %d: no remote backends configured", ErrInvalidRequest, i)
			}
			if _, err := e.backends.Resolve(spec.Backend); err != nil {
				return nil, batch.Policy{}, fmt.Errorf("%w: task %d: %v", ErrInvalidRequest, i, err)
			}
		}
		b.Tasks[i] = model.TaskRecord{
			BatchID: b.ID,
			Index:   i,
			TaskID:  id,
			Command: spec.Command(),
			Backend: spec.Backend,
			Status:  model.StatusPending,
		}
	}
	return b, policy, nil
}

// execute runs the batch lifecycle: pending→running→completed/failed/cancelled.
func (e *Engine) execute(ctx context.Context, b *model.Batch, policy batch.Policy, specs []codec.TaskSpec) {
	// Close the log stream when execution finishes, regardless of outcome.
	defer e.broker.Close(b.ID)

	logger := e.logger.With("batch_id", b.ID)
	bg := context.WithoutCancel(ctx)

	if err := e.store.UpdateBatchStatus(bg, b.ID, model.StatusRunning); err != nil {
		logger.Error("failed to transition to running", "error", err)
		e.finishFailed(bg, b.ID, nil, fmt.Sprintf("failed to start: %v", err))
		return
	}
	start := time.Now()

	// Output lines are dual-written: persisted for history, then published
	// for live streaming.
	var seq atomic.Int64
	onLine := func(taskID string, stream runner.Stream, text string) {
		l := model.LogLine{
			BatchID:   b.ID,
			TaskID:    taskID,
			Stream:    string(stream),
			Seq:       int(seq.Add(1) - 1),
			Line:      text,
			CreatedAt: time.Now().UTC(),
		}
		if err := e.store.InsertLogLine(bg, l); err != nil {
			logger.Error("failed to persist log line", "task_id", taskID, "seq", l.Seq, "error", err)
		}
		e.broker.Publish(l)
	}
	opts := append(append([]runner.Option(nil), e.runnerOpts...),
		runner.WithLogger(logger),
		runner.WithLineHandler(onLine),
	)
	r := runner.New(opts...)

	tasks := make([]*task.Task[*task.ProcessResult], len(specs))
	for i, spec := range specs {
		topts := []task.Option{task.WithLabel(b.Tasks[i].TaskID)}
		if spec.TimeoutS > 0 {
			topts = append(topts, task.WithTimeout(time.Duration(spec.TimeoutS)*time.Second))
		}
		if spec.Backend != "" {
			tasks[i] = e.remoteTask(b.Tasks[i].TaskID, spec, onLine, topts)
			continue
		}
		// Specs were validated in plan; a nil task is reported per entry.
		tasks[i], _ = task.FromCommand[*task.ProcessResult](spec.Command(), topts...)
	}

	timeout := e.defaults.BatchTimeout
	if b.TimeoutS != nil {
		timeout = time.Duration(*b.TimeoutS) * time.Second
	}

	res := batch.Run(ctx, r, tasks, batch.Options{
		Policy:      policy,
		FailFast:    b.FailFast,
		Timeout:     timeout,
		TaskTimeout: e.defaults.TaskTimeout,
		Limiter:     e.limiter,
		Logger:      logger,
		Progress: func(p batch.Progress) {
			if p.Event != batch.Started {
				return
			}
			rec := b.Tasks[p.Index]
			rec.Status = model.StatusRunning
			if err := e.store.UpdateTask(bg, &rec); err != nil {
				logger.Error("failed to mark task running", "task_id", p.TaskID, "error", err)
			}
		},
	})

	final := &model.Batch{
		ID:      b.ID,
		Total:   len(res.Entries),
		Aborted: res.Aborted,
	}
	for i, entry := range res.Entries {
		rec := taskRecord(b.Tasks[i], entry)
		if err := e.store.UpdateTask(bg, &rec); err != nil {
			logger.Error("failed to update task", "task_id", rec.TaskID, "error", err)
		}
		if rec.Status == model.StatusCompleted {
			final.Succeeded++
		}
	}
	final.Failed = final.Total - final.Succeeded

	switch {
	case errors.Is(context.Cause(ctx), ErrBatchCancelled):
		final.Status = model.StatusCancelled
		final.Error = ErrBatchCancelled.Error()
	case final.Failed > 0 || res.Aborted:
		final.Status = model.StatusFailed
		if res.Cause != nil {
			final.Error = res.Cause.Error()
		}
	default:
		final.Status = model.StatusCompleted
	}

	now := time.Now().UTC()
	dur := int(time.Since(start).Milliseconds())
	final.DurationMS = &dur
	final.StartedAt = &start
	final.FinishedAt = &now

	if err := e.store.UpdateBatch(bg, final); err != nil {
		logger.Error("failed to update finished batch", "error", err)
	}
	if dropped := e.broker.Dropped(b.ID); dropped > 0 {
		logger.Warn("slow log subscribers missed lines", "dropped", dropped)
	}
}

// remoteTask wraps a command bound for a remote backend as a callable task
// whose value is the remote process result.
func (e *Engine) remoteTask(id string, spec codec.TaskSpec, onLine runner.LineHandler, opts []task.Option) *task.Task[*task.ProcessResult] {
	cmd := spec.Command()
	name := spec.Backend
	return task.FromCallable(func(ctx context.Context) (*task.ProcessResult, error) {
		be, err := e.backends.Resolve(name)
		if err != nil {
			return nil, task.NewError(task.LaunchFailed, id, task.StageLaunch, err)
		}
		return be.Exec(ctx, id, cmd, func(stream runner.Stream, line string) {
			onLine(id, stream, line)
		})
	}, opts...)
}

// finishFailed marks a batch as failed with the given error message.
// startedAt may be nil if execution never started.
func (e *Engine) finishFailed(ctx context.Context, id string, startedAt *time.Time, errMsg string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	b := &model.Batch{
		ID:         id,
		Status:     model.StatusFailed,
		Error:      errMsg,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}

	if err := e.store.UpdateBatch(ctx, b); err != nil {
		e.logger.Error("failed to update failed batch", "batch_id", id, "error", err)
	}
}

// taskRecord folds a batch entry into the stored task record.
func taskRecord(rec model.TaskRecord, entry batch.Entry[*task.ProcessResult]) model.TaskRecord {
	if entry.Err != nil {
		rec.Status = model.StatusFailed
		rec.Error = entry.Err.Error()
		if te := taskError(entry.Err); te != nil {
			rec.ErrorKind = te.Kind.String()
			if te.Kind == task.Cancelled {
				rec.Status = model.StatusCancelled
			}
		}
		return rec
	}

	out := entry.Outcome
	dur := int(out.Duration.Milliseconds())
	rec.DurationMS = &dur
	rec.Status = model.StatusCompleted

	proc := out.Process
	if proc == nil {
		proc = out.Value
	}
	if proc == nil {
		return rec
	}
	code := proc.ExitCode
	rec.ExitCode = &code
	rec.Signal = proc.Signal
	rec.Stdout = string(proc.Stdout)
	rec.Stderr = string(proc.Stderr)
	rec.Truncated = proc.StdoutTruncated || proc.StderrTruncated
	if proc.CaptureErr != nil {
		rec.ErrorKind = proc.CaptureErr.Kind.String()
		rec.Error = proc.CaptureErr.Error()
	}
	if !proc.Success() {
		rec.Status = model.StatusFailed
	}
	return rec
}

// taskError returns the task error behind err. A remote backend's own task
// error arrives wrapped by the callable that carried it and is unwrapped.
func taskError(err error) *task.Error {
	var te *task.Error
	if !errors.As(err, &te) {
		return nil
	}
	if te.Kind == task.Wrapped {
		var inner *task.Error
		if errors.As(te.Err, &inner) {
			return inner
		}
	}
	return te
}
