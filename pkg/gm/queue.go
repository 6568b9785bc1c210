package gm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
)

// TaskKind names the coarse-grained units of coordinator work. Everything
// the GM does runs through the queue, so vault generation, billing sweeps
// and payment reconciliation never race each other.
type TaskKind string

const (
	TaskSyncAll           TaskKind = "sync-all"
	TaskReconcilePayments TaskKind = "reconcile-payments"
	TaskRefreshLMStatus   TaskKind = "refresh-lm-status"
	TaskBillingPeriod     TaskKind = "billing-period"
)

// dedupes reports whether at most one instance of the kind may be queued or
// running at a time. Fleet-wide kinds collapse; per-customer reconciliation
// does not (distinct customers are independent work).
func dedupes(kind TaskKind) bool {
	return kind == TaskSyncAll || kind == TaskRefreshLMStatus
}

// Task is one queued unit of work. CustomerID is set for
// reconcile-payments only.
type Task struct {
	ID         string
	Kind       TaskKind
	CustomerID int64

	done chan struct{}
	err  error
}

// Wait blocks until the task has run (or ctx expires) and returns the
// task's error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.err
	}
}

// Done reports whether the task has finished without blocking.
func (t *Task) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err returns the execution error of a finished task, nil before finish.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Outcome tells a submitter what happened to its submission.
type Outcome string

const (
	OutcomeQueued       Outcome = "queued"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeCompleted    Outcome = "completed"
)

// SubmitResult carries the task handle plus the submission outcome. On
// deduplication the handle points at the already-queued (or running) task,
// so waiting still works.
type SubmitResult struct {
	Task    *Task
	Outcome Outcome
}

// Executor runs one task. The queue guarantees serial execution.
type Executor func(ctx context.Context, t *Task) error

// Queue is the GM's single-worker FIFO task queue.
type Queue struct {
	mu      sync.Mutex
	tasks   chan *Task
	pending map[TaskKind]*Task
	exec    Executor
	log     *slog.Logger
}

// NewQueue builds a queue with the given buffer size. Run must be started
// before submissions make progress.
func NewQueue(size int, exec Executor, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		tasks:   make(chan *Task, size),
		pending: make(map[TaskKind]*Task),
		exec:    exec,
		log:     log.With("component", "gm.queue"),
	}
}

// Submit enqueues a task. Deduplicating kinds return the in-flight task
// instead of enqueueing a second instance. A full buffer is an unavailable
// condition, not a blocking one.
func (q *Queue) Submit(kind TaskKind, customerID int64) (*SubmitResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if dedupes(kind) {
		if t, ok := q.pending[kind]; ok {
			return &SubmitResult{Task: t, Outcome: OutcomeDeduplicated}, nil
		}
	}

	t := &Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		CustomerID: customerID,
		done:       make(chan struct{}),
	}
	select {
	case q.tasks <- t:
	default:
		return nil, fault.New(fault.KindUnavailable, "gm: task queue is full")
	}
	if dedupes(kind) {
		q.pending[kind] = t
	}
	return &SubmitResult{Task: t, Outcome: OutcomeQueued}, nil
}

// SubmitAndWait enqueues a task and blocks until it has run. The returned
// error covers submission and ctx expiry only; a task execution failure is
// reported through Task.Err.
func (q *Queue) SubmitAndWait(ctx context.Context, kind TaskKind, customerID int64) (*SubmitResult, error) {
	res, err := q.Submit(kind, customerID)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return res, ctx.Err()
	case <-res.Task.done:
	}
	return &SubmitResult{Task: res.Task, Outcome: OutcomeCompleted}, nil
}

// Run is the worker loop. Exactly one Run per queue; it exits when ctx is
// cancelled. Tasks already dequeued finish before exit.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			start := time.Now()
			err := q.exec(ctx, t)
			q.finish(t, err)
			if err != nil {
				q.log.Error("task failed", "kind", t.Kind, "task", t.ID, "err", err,
					"elapsed", time.Since(start))
			} else {
				q.log.Debug("task done", "kind", t.Kind, "task", t.ID,
					"elapsed", time.Since(start))
			}
		}
	}
}

func (q *Queue) finish(t *Task, err error) {
	q.mu.Lock()
	if q.pending[t.Kind] == t {
		delete(q.pending, t.Kind)
	}
	q.mu.Unlock()
	t.err = err
	close(t.done)
}
