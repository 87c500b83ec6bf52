// Package history archives terminal jobs for later inspection. The
// coordinator's job store keeps only live state; once a job completes,
// fails, or is cancelled, a history entry captures its final shape so
// the job map can eventually be compacted.
package history

import (
	"time"

	"github.com/LLM-Dev-Ops/fleet/id"
)

// Entry is the archived record of a terminal job, keyed by job ID.
type Entry struct {
	JobID         id.JobID   `json:"job_id"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	TotalTasks    int        `json:"total_tasks"`
	DoneTasks     int        `json:"done_tasks"`
	TotalAttempts int        `json:"total_attempts"`
	LastError     string     `json:"last_error,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   time.Time  `json:"completed_at"`
}

// Duration returns the wall-clock time from first dispatch to the
// terminal transition, or zero for jobs that never started.
func (e *Entry) Duration() time.Duration {
	if e.StartedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}
