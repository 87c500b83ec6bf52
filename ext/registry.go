package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/LLM-Dev-Ops/fleet/cluster"
	"github.com/LLM-Dev-Ops/fleet/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobSubmittedEntry struct {
	name string
	hook JobSubmitted
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobCancelledEntry struct {
	name string
	hook JobCancelled
}

type taskDispatchedEntry struct {
	name string
	hook TaskDispatched
}

type taskSucceededEntry struct {
	name string
	hook TaskSucceeded
}

type taskFailedEntry struct {
	name string
	hook TaskFailed
}

type taskRetryingEntry struct {
	name string
	hook TaskRetrying
}

type workerRegisteredEntry struct {
	name string
	hook WorkerRegistered
}

type workerEvictedEntry struct {
	name string
	hook WorkerEvicted
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobSubmitted     []jobSubmittedEntry
	jobCompleted     []jobCompletedEntry
	jobFailed        []jobFailedEntry
	jobCancelled     []jobCancelledEntry
	taskDispatched   []taskDispatchedEntry
	taskSucceeded    []taskSucceededEntry
	taskFailed       []taskFailedEntry
	taskRetrying     []taskRetryingEntry
	workerRegistered []workerRegisteredEntry
	workerEvicted    []workerEvictedEntry
	shutdown         []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobSubmitted); ok {
		r.jobSubmitted = append(r.jobSubmitted, jobSubmittedEntry{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, jobCancelledEntry{name, h})
	}
	if h, ok := e.(TaskDispatched); ok {
		r.taskDispatched = append(r.taskDispatched, taskDispatchedEntry{name, h})
	}
	if h, ok := e.(TaskSucceeded); ok {
		r.taskSucceeded = append(r.taskSucceeded, taskSucceededEntry{name, h})
	}
	if h, ok := e.(TaskFailed); ok {
		r.taskFailed = append(r.taskFailed, taskFailedEntry{name, h})
	}
	if h, ok := e.(TaskRetrying); ok {
		r.taskRetrying = append(r.taskRetrying, taskRetryingEntry{name, h})
	}
	if h, ok := e.(WorkerRegistered); ok {
		r.workerRegistered = append(r.workerRegistered, workerRegisteredEntry{name, h})
	}
	if h, ok := e.(WorkerEvicted); ok {
		r.workerEvicted = append(r.workerEvicted, workerEvictedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobSubmitted notifies all extensions that implement JobSubmitted.
func (r *Registry) EmitJobSubmitted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobSubmitted {
		if err := e.hook.OnJobSubmitted(ctx, j); err != nil {
			r.logHookError("OnJobSubmitted", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobCancelled notifies all extensions that implement JobCancelled.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCancelled {
		if err := e.hook.OnJobCancelled(ctx, j); err != nil {
			r.logHookError("OnJobCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Task event emitters
// ──────────────────────────────────────────────────

// EmitTaskDispatched notifies all extensions that implement TaskDispatched.
func (r *Registry) EmitTaskDispatched(ctx context.Context, t *job.Task) {
	for _, e := range r.taskDispatched {
		if err := e.hook.OnTaskDispatched(ctx, t); err != nil {
			r.logHookError("OnTaskDispatched", e.name, err)
		}
	}
}

// EmitTaskSucceeded notifies all extensions that implement TaskSucceeded.
func (r *Registry) EmitTaskSucceeded(ctx context.Context, t *job.Task) {
	for _, e := range r.taskSucceeded {
		if err := e.hook.OnTaskSucceeded(ctx, t); err != nil {
			r.logHookError("OnTaskSucceeded", e.name, err)
		}
	}
}

// EmitTaskFailed notifies all extensions that implement TaskFailed.
func (r *Registry) EmitTaskFailed(ctx context.Context, t *job.Task) {
	for _, e := range r.taskFailed {
		if err := e.hook.OnTaskFailed(ctx, t); err != nil {
			r.logHookError("OnTaskFailed", e.name, err)
		}
	}
}

// EmitTaskRetrying notifies all extensions that implement TaskRetrying.
func (r *Registry) EmitTaskRetrying(ctx context.Context, t *job.Task) {
	for _, e := range r.taskRetrying {
		if err := e.hook.OnTaskRetrying(ctx, t); err != nil {
			r.logHookError("OnTaskRetrying", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Worker event emitters
// ──────────────────────────────────────────────────

// EmitWorkerRegistered notifies all extensions that implement WorkerRegistered.
func (r *Registry) EmitWorkerRegistered(ctx context.Context, w *cluster.Worker) {
	for _, e := range r.workerRegistered {
		if err := e.hook.OnWorkerRegistered(ctx, w); err != nil {
			r.logHookError("OnWorkerRegistered", e.name, err)
		}
	}
}

// EmitWorkerEvicted notifies all extensions that implement WorkerEvicted.
func (r *Registry) EmitWorkerEvicted(ctx context.Context, w *cluster.Worker, requeuedTasks int) {
	for _, e := range r.workerEvicted {
		if err := e.hook.OnWorkerEvicted(ctx, w, requeuedTasks); err != nil {
			r.logHookError("OnWorkerEvicted", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
