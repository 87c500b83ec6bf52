// Package cluster provides the concurrent-safe registry of worker
// identities and liveness metadata. The registry is the single source of
// truth for which workers exist, what they can run, and when they were
// last heard from.
package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/LLM-Dev-Ops/fleet"
	"github.com/LLM-Dev-Ops/fleet/id"
)

// Registry is an in-memory store of worker records. All mutating
// operations are internally synchronized; reads return copies so callers
// can never observe a worker mid-update.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
	}
}

// Register inserts or replaces a worker entry and returns its ID.
//
// Re-registration under an existing ID is treated as a reconnect: the
// entry is replaced, completed/failed counters carry over, and in-flight
// accounting resets. Registering an address already active under a
// different ID fails with fleet.ErrDuplicateWorker.
func (r *Registry) Register(w *Worker) (id.WorkerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := w.ID.String()
	for k, existing := range r.workers {
		if k == key {
			continue
		}
		if existing.Address == w.Address && existing.Status != WorkerFailed {
			return id.Nil, fleet.ErrDuplicateWorker
		}
	}

	now := time.Now().UTC()
	cp := *w
	cp.RegisteredAt = now
	cp.LastHeartbeat = now
	cp.CurrentTasks = 0
	if cp.Status == "" {
		cp.Status = WorkerIdle
	}
	if prev, ok := r.workers[key]; ok {
		cp.CompletedTasks = prev.CompletedTasks
		cp.FailedTasks = prev.FailedTasks
	}
	r.workers[key] = &cp

	return cp.ID, nil
}

// Heartbeat applies a status snapshot from a live worker and stamps
// LastHeartbeat. Returns fleet.ErrUnknownWorker if the worker is not
// registered (an evicted worker must re-register; a late heartbeat never
// resurrects a removed entry).
func (r *Registry) Heartbeat(workerID id.WorkerID, update HeartbeatUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID.String()]
	if !ok {
		return fleet.ErrUnknownWorker
	}

	w.LastHeartbeat = time.Now().UTC()

	if update.Status != "" {
		w.Status = update.Status
	}

	// The worker's view of its own in-flight count is authoritative,
	// clamped so the capacity invariant holds even for a confused agent.
	if update.CurrentTasks >= 0 {
		w.CurrentTasks = min(update.CurrentTasks, w.Capacity)
	}

	// Counters are monotonic; never move them backwards.
	if update.CompletedTasks > w.CompletedTasks {
		w.CompletedTasks = update.CompletedTasks
	}
	if update.FailedTasks > w.FailedTasks {
		w.FailedTasks = update.FailedTasks
	}

	if update.Status == "" && w.Status != WorkerDraining && w.Status != WorkerFailed {
		if w.CurrentTasks > 0 {
			w.Status = WorkerBusy
		} else {
			w.Status = WorkerIdle
		}
	}

	return nil
}

// Get returns a copy of the worker record, or false if not registered.
func (r *Registry) Get(workerID id.WorkerID) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[workerID.String()]
	if !ok {
		return nil, false
	}
	cp := cloneWorker(w)
	return cp, true
}

// List returns copies of all worker records ordered by registration time.
func (r *Registry) List() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, cloneWorker(w))
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].RegisteredAt.Before(out[k].RegisteredAt)
	})
	return out
}

// MarkFailed sets the worker's status to failed without removing the
// record, keeping it visible for one monitoring cycle.
func (r *Registry) MarkFailed(workerID id.WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID.String()]
	if !ok {
		return fleet.ErrUnknownWorker
	}
	w.Status = WorkerFailed
	return nil
}

// Remove evicts a worker and returns the removed record, or nil if the
// worker was not registered.
func (r *Registry) Remove(workerID id.WorkerID) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := workerID.String()
	w, ok := r.workers[key]
	if !ok {
		return nil
	}
	delete(r.workers, key)
	return w
}

// Candidates returns workers eligible for new-task dispatch: idle, or
// busy with at least minFree spare slots, advertising every required tag,
// and (when heartbeatAfter is non-zero) heard from since heartbeatAfter.
// Ordering is least-loaded first, tie-broken by earliest registration so
// load spreads fairly over long-lived fleets.
func (r *Registry) Candidates(requiredTags []string, minFree int, heartbeatAfter time.Time) []*Worker {
	if minFree < 1 {
		minFree = 1
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if w.Status != WorkerIdle && w.Status != WorkerBusy {
			continue
		}
		if w.FreeCapacity() < minFree {
			continue
		}
		if !w.HasTags(requiredTags) {
			continue
		}
		if !heartbeatAfter.IsZero() && w.LastHeartbeat.Before(heartbeatAfter) {
			continue
		}
		out = append(out, cloneWorker(w))
	}

	sort.Slice(out, func(i, k int) bool {
		li, lk := out[i].Load(), out[k].Load()
		if li != lk {
			return li < lk
		}
		return out[i].RegisteredAt.Before(out[k].RegisteredAt)
	})
	return out
}

// Reserve claims one task slot on the worker. It returns false without
// error when the worker is at capacity, so two concurrent dispatch
// iterations can never oversubscribe a worker.
func (r *Registry) Reserve(workerID id.WorkerID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID.String()]
	if !ok {
		return false, fleet.ErrUnknownWorker
	}
	if w.Status != WorkerIdle && w.Status != WorkerBusy {
		return false, nil
	}
	if w.CurrentTasks >= w.Capacity {
		return false, nil
	}
	w.CurrentTasks++
	w.Status = WorkerBusy
	return true, nil
}

// Release returns a task slot on the worker and bumps the completed or
// failed counter. Unknown workers are ignored: the slot accounting died
// with the eviction.
func (r *Registry) Release(workerID id.WorkerID, succeeded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID.String()]
	if !ok {
		return
	}
	if w.CurrentTasks > 0 {
		w.CurrentTasks--
	}
	if succeeded {
		w.CompletedTasks++
	} else {
		w.FailedTasks++
	}
	if w.CurrentTasks == 0 && w.Status == WorkerBusy {
		w.Status = WorkerIdle
	}
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

func cloneWorker(w *Worker) *Worker {
	cp := *w
	if w.Tags != nil {
		cp.Tags = append([]string(nil), w.Tags...)
	}
	if w.Metadata != nil {
		cp.Metadata = make(map[string]string, len(w.Metadata))
		for k, v := range w.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
