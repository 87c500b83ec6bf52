// Package health watches worker heartbeats, evicts dead workers, and
// reports aggregate cluster health.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/LLM-Dev-Ops/fleet/cluster"
	"github.com/LLM-Dev-Ops/fleet/job"
)

// WorkerState classifies a worker by heartbeat age.
type WorkerState string

const (
	// StateHealthy means the worker heartbeated within the check timeout.
	StateHealthy WorkerState = "healthy"
	// StateDegraded means heartbeats are late but the worker has not yet
	// crossed the eviction threshold. Degraded workers receive no new
	// tasks but keep their in-flight assignments.
	StateDegraded WorkerState = "degraded"
	// StateUnhealthy means the worker missed heartbeats past the
	// threshold and will be evicted on the next sweep.
	StateUnhealthy WorkerState = "unhealthy"
)

// ClusterStatus is the aggregate health of the whole cluster.
type ClusterStatus string

const (
	ClusterHealthy   ClusterStatus = "healthy"
	ClusterDegraded  ClusterStatus = "degraded"
	ClusterUnhealthy ClusterStatus = "unhealthy"
)

// highLoadThreshold is the cluster load factor above which the cluster
// reports degraded even when every worker is individually healthy.
const highLoadThreshold = 0.9

// Report is a point-in-time snapshot of cluster health.
type Report struct {
	Status           ClusterStatus `json:"status"`
	TotalWorkers     int           `json:"total_workers"`
	HealthyWorkers   int           `json:"healthy_workers"`
	DegradedWorkers  int           `json:"degraded_workers"`
	UnhealthyWorkers int           `json:"unhealthy_workers"`
	TotalCapacity    int           `json:"total_capacity"`
	InFlight         int           `json:"in_flight"`
	Load             float64       `json:"load"`
	QueueDepth       int           `json:"queue_depth"`
	GeneratedAt      time.Time     `json:"generated_at"`
}

// EvictFunc is invoked after a worker has been removed and its tasks
// requeued.
type EvictFunc func(w *cluster.Worker, requeued []job.Resolution)

// Monitor periodically sweeps the registry, evicting workers whose
// heartbeats have gone stale and requeueing their tasks.
type Monitor struct {
	registry *cluster.Registry
	store    *job.Store

	checkTimeout       time.Duration
	unhealthyThreshold time.Duration
	interval           time.Duration

	onEvict EvictFunc
	logger  *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCheckTimeout sets the heartbeat age beyond which a worker is
// degraded. Defaults to 10s.
func WithCheckTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.checkTimeout = d }
}

// WithUnhealthyThreshold sets the heart-beat age beyond which a worker
// is evicted. Defaults to 30s.
func WithUnhealthyThreshold(d time.Duration) Option {
	return func(m *Monitor) { m.unhealthyThreshold = d }
}

// WithInterval sets the sweep cadence. Defaults to 5s.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithEvictFunc registers a callback fired for each evicted worker.
func WithEvictFunc(fn EvictFunc) Option {
	return func(m *Monitor) { m.onEvict = fn }
}

// WithLogger sets the structured logger for the monitor.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a Monitor over the given registry and job store.
func NewMonitor(registry *cluster.Registry, store *job.Store, opts ...Option) *Monitor {
	m := &Monitor{
		registry:           registry,
		store:              store,
		checkTimeout:       10 * time.Second,
		unhealthyThreshold: 30 * time.Second,
		interval:           5 * time.Second,
		logger:             slog.Default(),
		stopCh:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the background sweep loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop terminates the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep(time.Now().UTC())
		}
	}
}

// StateOf classifies a worker by the age of its last heartbeat at now.
func (m *Monitor) StateOf(w *cluster.Worker, now time.Time) WorkerState {
	age := now.Sub(w.LastHeartbeat)
	switch {
	case age > m.unhealthyThreshold:
		return StateUnhealthy
	case age > m.checkTimeout:
		return StateDegraded
	default:
		return StateHealthy
	}
}

// Sweep evicts every worker whose heartbeat age exceeds the unhealthy
// threshold. Each evicted worker's in-flight tasks are requeued in one
// atomic step, so no task stays assigned to a removed worker. Returns
// the evicted workers.
func (m *Monitor) Sweep(now time.Time) []*cluster.Worker {
	var evicted []*cluster.Worker

	for _, w := range m.registry.List() {
		if m.StateOf(w, now) != StateUnhealthy {
			continue
		}

		m.registry.MarkFailed(w.ID) //nolint:errcheck // worker may already be gone
		removed := m.registry.Remove(w.ID)
		if removed == nil {
			continue // already gone
		}

		requeued := m.store.RequeueWorkerTasks(w.ID)
		m.logger.Warn("worker evicted",
			slog.String("worker_id", w.ID.String()),
			slog.String("address", w.Address),
			slog.Duration("heartbeat_age", now.Sub(w.LastHeartbeat)),
			slog.Int("requeued_tasks", len(requeued)),
		)

		if m.onEvict != nil {
			m.onEvict(removed, requeued)
		}
		evicted = append(evicted, removed)
	}

	return evicted
}

// Check builds an aggregate health report. The cluster is unhealthy
// when any worker is past the unhealthy threshold (or no workers are
// registered at all), degraded when some workers are degraded or load
// exceeds the high-load threshold, and healthy otherwise.
//
// Unhealthy workers can appear in a report when a worker crosses the
// threshold between sweeps; the next sweep evicts them.
func (m *Monitor) Check(now time.Time) Report {
	workers := m.registry.List()

	r := Report{
		TotalWorkers: len(workers),
		QueueDepth:   m.store.QueueDepth(),
		GeneratedAt:  now,
	}

	for _, w := range workers {
		switch m.StateOf(w, now) {
		case StateHealthy:
			r.HealthyWorkers++
		case StateDegraded:
			r.DegradedWorkers++
		case StateUnhealthy:
			r.UnhealthyWorkers++
		}
		r.TotalCapacity += w.Capacity
		r.InFlight += w.CurrentTasks
	}

	if r.TotalCapacity > 0 {
		r.Load = float64(r.InFlight) / float64(r.TotalCapacity)
	}

	switch {
	case r.UnhealthyWorkers > 0 || r.TotalWorkers == 0:
		r.Status = ClusterUnhealthy
	case r.DegradedWorkers > 0 || r.Load > highLoadThreshold:
		r.Status = ClusterDegraded
	default:
		r.Status = ClusterHealthy
	}

	return r
}
