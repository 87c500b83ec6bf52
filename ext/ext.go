// Package ext defines the extension system for fleet.
// Extensions are notified of lifecycle events (job submitted, task
// dispatched, worker evicted, etc.) and can react to them, typically
// for metrics, tracing, or audit.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/LLM-Dev-Ops/fleet/cluster"
	"github.com/LLM-Dev-Ops/fleet/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobSubmitted is called after a job is accepted and its tasks queued.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after every task of a job succeeds.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobCancelled is called when a client cancels a job.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskDispatched is called after a task is assigned to a worker.
type TaskDispatched interface {
	OnTaskDispatched(ctx context.Context, t *job.Task) error
}

// TaskSucceeded is called when a task attempt succeeds and its result
// is recorded.
type TaskSucceeded interface {
	OnTaskSucceeded(ctx context.Context, t *job.Task) error
}

// TaskFailed is called when a task fails terminally, with no retry
// budget left.
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, t *job.Task) error
}

// TaskRetrying is called when a task attempt fails but the task is
// requeued for another try.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, t *job.Task) error
}

// ──────────────────────────────────────────────────
// Worker lifecycle hooks
// ──────────────────────────────────────────────────

// WorkerRegistered is called after a worker joins the cluster.
type WorkerRegistered interface {
	OnWorkerRegistered(ctx context.Context, w *cluster.Worker) error
}

// WorkerEvicted is called after the health monitor removes a worker.
type WorkerEvicted interface {
	OnWorkerEvicted(ctx context.Context, w *cluster.Worker, requeuedTasks int) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
