package wire

import (
	"encoding/json"
	"time"
)

// ── Worker messages ─────────────────────────────────

// RegisterRequest is the first frame a worker sends after connecting.
// WorkerID is set when a previously registered worker reconnects;
// leaving it empty asks the coordinator to assign one.
type RegisterRequest struct {
	WorkerID string            `json:"worker_id,omitempty"`
	Address  string            `json:"address"`
	Capacity int               `json:"capacity"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// Format selects the wire codec for the rest of the session
	// ("json" default, or "msgpack").
	Format string `json:"format,omitempty"`
}

// RegisterResponse confirms or rejects a registration.
type RegisterResponse struct {
	Accepted                 bool   `json:"accepted"`
	AssignedWorkerID         string `json:"assigned_worker_id,omitempty"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds,omitempty"`
	Message                  string `json:"message,omitempty"`
}

// HeartbeatRequest is the periodic worker liveness and load report.
// The task counters are cumulative over the worker's lifetime.
type HeartbeatRequest struct {
	WorkerID       string `json:"worker_id"`
	CurrentTasks   int    `json:"current_tasks"`
	CompletedTasks int64  `json:"completed_tasks"`
	FailedTasks    int64  `json:"failed_tasks"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	OK bool `json:"ok"`
}

// WorkerInfo is the client-facing view of a registered worker.
type WorkerInfo struct {
	WorkerID       string    `json:"worker_id"`
	Address        string    `json:"address"`
	Status         string    `json:"status"`
	State          string    `json:"state"`
	Capacity       int       `json:"capacity"`
	CurrentTasks   int       `json:"current_tasks"`
	CompletedTasks int64     `json:"completed_tasks"`
	FailedTasks    int64     `json:"failed_tasks"`
	Tags           []string  `json:"tags,omitempty"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// WorkerListResponse lists registered workers.
type WorkerListResponse struct {
	Workers []WorkerInfo `json:"workers"`
}

// ── Task messages ───────────────────────────────────

// TaskDispatch is sent by the coordinator to assign a task to a worker.
type TaskDispatch struct {
	TaskID  string          `json:"task_id"`
	JobID   string          `json:"job_id"`
	JobType string          `json:"job_type"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`

	// Deadline is the wall-clock time by which the worker must report
	// a result. Zero means no per-task deadline.
	Deadline time.Time `json:"deadline,omitzero"`
}

// TaskAck is the worker's immediate reply to a dispatch.
type TaskAck struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// TaskResult reports the outcome of a task execution.
type TaskResult struct {
	TaskID   string `json:"task_id"`
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
	Attempt  int    `json:"attempt"`

	// Outcome is "success", "failure", or "timeout".
	Outcome string          `json:"outcome"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`

	DurationMillis int64 `json:"duration_ms,omitempty"`
}

// TaskResultAck acknowledges a result report.
type TaskResultAck struct {
	Recorded bool `json:"recorded"`
}

// ── Job messages ────────────────────────────────────

// JobSubmit is a client request to run a new job.
type JobSubmit struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int             `json:"priority,omitempty"`

	TimeoutSeconds     int64 `json:"timeout_seconds,omitempty"`
	TaskTimeoutSeconds int64 `json:"task_timeout_seconds,omitempty"`

	// MaxRetries overrides the coordinator default when set. Zero is a
	// valid override (no retries), so the field is a pointer.
	MaxRetries *int `json:"max_retries,omitempty"`

	Tags []string `json:"tags,omitempty"`
}

// JobRef addresses an existing job (job.get, job.cancel).
type JobRef struct {
	JobID string `json:"job_id"`
}

// JobList filters the job listing by status (empty = all).
type JobList struct {
	Status string `json:"status,omitempty"`
}

// JobStatus is the client-facing view of a job.
type JobStatus struct {
	JobID         string     `json:"job_id"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	TotalTasks    int        `json:"total_tasks"`
	DoneTasks     int        `json:"done_tasks"`
	TotalAttempts int        `json:"total_attempts"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// JobListResponse lists jobs.
type JobListResponse struct {
	Jobs []JobStatus `json:"jobs"`
}
