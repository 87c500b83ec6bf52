// Package job implements the job and task lifecycle state machine and
// the priority-ordered dispatch queue. The Store owns every Job and Task
// record; callers only ever see copies.
package job

import (
	"time"

	"github.com/LLM-Dev-Ops/fleet"
	"github.com/LLM-Dev-Ops/fleet/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is submitted but no task has been
	// dispatched yet.
	StatusPending Status = "pending"
	// StatusRunning means at least one task has been dispatched.
	StatusRunning Status = "running"
	// StatusCompleted means every task finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means a task exhausted its retry budget or the job's
	// wall-clock budget elapsed.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was explicitly cancelled.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further mutation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	// TaskQueued means the task is waiting in the dispatch queue.
	TaskQueued TaskState = "queued"
	// TaskDispatched means the task has been sent to a worker.
	TaskDispatched TaskState = "dispatched"
	// TaskSucceeded means the worker reported success.
	TaskSucceeded TaskState = "succeeded"
	// TaskFailed means the task exhausted its retry budget.
	TaskFailed TaskState = "failed"
	// TaskTimedOut means the task missed its deadline on its final attempt.
	TaskTimedOut TaskState = "timed_out"
)

// Job is a client-submitted unit of work, decomposed into one or more
// tasks.
type Job struct {
	fleet.Entity

	ID          id.JobID      `json:"id"`
	Type        string        `json:"type"`
	Payload     []byte        `json:"payload,omitempty"`
	Priority    int           `json:"priority"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	TaskTimeout time.Duration `json:"task_timeout,omitempty"`
	MaxRetries  int           `json:"max_retries"`
	Tags        []string      `json:"tags,omitempty"`
	Status      Status        `json:"status"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Tasks       []id.TaskID   `json:"tasks"`

	// Progress and diagnostics, maintained by the Store.
	TotalTasks    int    `json:"total_tasks"`
	DoneTasks     int    `json:"done_tasks"`
	TotalAttempts int    `json:"total_attempts"`
	LastError     string `json:"last_error,omitempty"`
}

// Task is the smallest dispatchable unit of execution, assigned to at
// most one worker at a time.
type Task struct {
	ID             id.TaskID   `json:"id"`
	JobID          id.JobID    `json:"job_id"`
	JobType        string      `json:"job_type"`
	Payload        []byte      `json:"payload,omitempty"`
	Attempt        int         `json:"attempt"`
	State          TaskState   `json:"state"`
	AssignedWorker id.WorkerID `json:"assigned_worker,omitempty"`
	DispatchedAt   *time.Time  `json:"dispatched_at,omitempty"`
	Deadline       *time.Time  `json:"deadline,omitempty"`
	Result         []byte      `json:"result,omitempty"`
	LastError      string      `json:"last_error,omitempty"`

	// NotBefore delays redispatch of a retried task (retry backoff).
	NotBefore time.Time `json:"not_before,omitempty"`
}

// OutcomeKind classifies a worker-reported task result.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	OutcomeTimeout OutcomeKind = "timeout"
)

// Outcome is a worker-reported task result.
type Outcome struct {
	Kind    OutcomeKind
	Payload []byte
	Message string
}
