package cluster

import (
	"time"

	"github.com/LLM-Dev-Ops/fleet/id"
)

// WorkerStatus represents the lifecycle state of a worker.
type WorkerStatus string

const (
	// WorkerIdle means the worker is healthy and has no tasks in flight.
	WorkerIdle WorkerStatus = "idle"
	// WorkerBusy means the worker is executing at least one task.
	WorkerBusy WorkerStatus = "busy"
	// WorkerDraining means the worker is finishing in-flight tasks but
	// not accepting new ones (graceful shutdown).
	WorkerDraining WorkerStatus = "draining"
	// WorkerFailed means the worker has stopped responding. It is no
	// longer eligible for dispatch but its counters remain visible for
	// one monitoring cycle before eviction.
	WorkerFailed WorkerStatus = "failed"
)

// Worker is the identity and live state of one worker node.
type Worker struct {
	ID             id.WorkerID       `json:"id"`
	Address        string            `json:"address"`
	Status         WorkerStatus      `json:"status"`
	Capacity       int               `json:"capacity"`
	CurrentTasks   int               `json:"current_tasks"`
	CompletedTasks int64             `json:"completed_tasks"`
	FailedTasks    int64             `json:"failed_tasks"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	RegisteredAt   time.Time         `json:"registered_at"`
}

// FreeCapacity returns the number of task slots currently available.
func (w *Worker) FreeCapacity() int {
	return w.Capacity - w.CurrentTasks
}

// Load returns the fraction of capacity in use, in [0, 1].
func (w *Worker) Load() float64 {
	if w.Capacity <= 0 {
		return 1
	}
	return float64(w.CurrentTasks) / float64(w.Capacity)
}

// HasTags reports whether the worker advertises every required tag.
func (w *Worker) HasTags(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range w.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HeartbeatUpdate is the status snapshot carried by a worker heartbeat.
type HeartbeatUpdate struct {
	Status         WorkerStatus
	CurrentTasks   int
	CompletedTasks int64
	FailedTasks    int64
}
