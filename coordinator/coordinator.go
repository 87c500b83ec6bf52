// Package coordinator wires the cluster registry, job store, health
// monitor, and wire server into the central control loop: accepting
// jobs, dispatching tasks to the least-loaded eligible workers, and
// applying results and retries.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/LLM-Dev-Ops/fleet"
	"github.com/LLM-Dev-Ops/fleet/backoff"
	"github.com/LLM-Dev-Ops/fleet/cluster"
	"github.com/LLM-Dev-Ops/fleet/ext"
	"github.com/LLM-Dev-Ops/fleet/health"
	"github.com/LLM-Dev-Ops/fleet/id"
	"github.com/LLM-Dev-Ops/fleet/job"
	"github.com/LLM-Dev-Ops/fleet/wire"
)

// TaskSender pushes coordinator-initiated requests to a connected
// worker. wire.Server satisfies this interface.
type TaskSender interface {
	Request(ctx context.Context, workerID, method string, data any) (*wire.Frame, error)
}

// Coordinator owns the control plane: it accepts job submissions,
// assigns queued tasks to workers, ingests heartbeats and results, and
// evicts dead workers.
type Coordinator struct {
	cfg      fleet.Config
	registry *cluster.Registry
	store    *job.Store
	monitor  *health.Monitor
	exts     *ext.Registry
	throttle *Throttle
	sender   TaskSender
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	exts      *ext.Registry
	splitters *job.SplitterRegistry
	bo        backoff.Strategy
	throttle  *Throttle
}

// WithLogger sets the structured logger shared by all subsystems.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithExtensions sets the extension registry. A fresh empty registry is
// used when omitted.
func WithExtensions(r *ext.Registry) Option {
	return func(o *options) { o.exts = r }
}

// WithSplitters sets the job splitter registry.
func WithSplitters(r *job.SplitterRegistry) Option {
	return func(o *options) { o.splitters = r }
}

// WithRetryBackoff sets the retry backoff strategy for failed tasks.
func WithRetryBackoff(b backoff.Strategy) Option {
	return func(o *options) { o.bo = b }
}

// WithThrottle sets per-job-type dispatch limits.
func WithThrottle(t *Throttle) Option {
	return func(o *options) { o.throttle = t }
}

// New creates a Coordinator with the given configuration.
func New(cfg fleet.Config, opts ...Option) *Coordinator {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.exts == nil {
		o.exts = ext.NewRegistry(o.logger)
	}
	if o.splitters == nil {
		o.splitters = job.NewSplitterRegistry()
	}
	if o.throttle == nil {
		o.throttle = NewThrottle()
	}

	storeOpts := []job.StoreOption{job.WithLogger(o.logger)}
	if o.bo != nil {
		storeOpts = append(storeOpts, job.WithBackoff(o.bo))
	}

	c := &Coordinator{
		cfg:      cfg,
		registry: cluster.NewRegistry(),
		store:    job.NewStore(o.splitters, storeOpts...),
		exts:     o.exts,
		throttle: o.throttle,
		logger:   o.logger,
		stopCh:   make(chan struct{}),
	}

	c.monitor = health.NewMonitor(c.registry, c.store,
		health.WithCheckTimeout(cfg.CheckTimeout),
		health.WithUnhealthyThreshold(cfg.UnhealthyThreshold),
		health.WithInterval(cfg.CheckInterval),
		health.WithEvictFunc(c.onWorkerEvicted),
		health.WithLogger(o.logger),
	)

	return c
}

// SetSender attaches the transport used to push tasks to workers. Must
// be called before Start.
func (c *Coordinator) SetSender(s TaskSender) { c.sender = s }

// Registry returns the cluster registry.
func (c *Coordinator) Registry() *cluster.Registry { return c.registry }

// Store returns the job store.
func (c *Coordinator) Store() *job.Store { return c.store }

// Monitor returns the health monitor.
func (c *Coordinator) Monitor() *health.Monitor { return c.monitor }

// Extensions returns the extension registry.
func (c *Coordinator) Extensions() *ext.Registry { return c.exts }

// Start launches the health monitor and the dispatch and timeout loops.
func (c *Coordinator) Start() {
	c.monitor.Start()

	c.wg.Add(2)
	go c.dispatchLoop()
	go c.timeoutLoop()

	c.logger.Info("coordinator started",
		slog.Duration("dispatch_interval", c.cfg.DispatchInterval),
		slog.Duration("heartbeat_interval", c.cfg.HeartbeatInterval),
		slog.Duration("unhealthy_threshold", c.cfg.UnhealthyThreshold),
	)
}

// Stop terminates the loops, stops the monitor, and notifies shutdown
// hooks.
func (c *Coordinator) Stop(ctx context.Context) {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.monitor.Stop()
	c.exts.EmitShutdown(ctx)
	c.logger.Info("coordinator stopped")
}

// Submit validates and accepts a job for execution.
func (c *Coordinator) Submit(ctx context.Context, spec job.JobSpec) (*job.Job, error) {
	j, err := c.store.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}

	c.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("priority", j.Priority),
		slog.Int("total_tasks", j.TotalTasks),
	)
	c.exts.EmitJobSubmitted(ctx, j)
	return j, nil
}

// Cancel cancels a job and notifies hooks. In-flight tasks finish
// naturally; their results are discarded.
func (c *Coordinator) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := c.store.Cancel(jobID)
	if err != nil {
		return nil, err
	}

	c.logger.Info("job cancelled", slog.String("job_id", j.ID.String()))
	c.exts.EmitJobCancelled(ctx, j)
	return j, nil
}

// ──────────────────────────────────────────────────
// Dispatch loop
// ──────────────────────────────────────────────────

func (c *Coordinator) dispatchLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.DispatchOnce(time.Now().UTC())
		}
	}
}

// DispatchOnce drains the queue as far as worker capacity and throttle
// limits allow. Exposed for tests; the dispatch loop calls it on every
// tick.
func (c *Coordinator) DispatchOnce(now time.Time) int {
	dispatched := 0
	heartbeatAfter := now.Add(-c.cfg.CheckTimeout)

	for {
		task, ok := c.store.DequeueNext(now)
		if !ok {
			return dispatched
		}

		j, err := c.store.Get(task.JobID)
		if err != nil {
			continue // job vanished, entry was stale
		}

		if !c.throttle.Acquire(j.Type) {
			c.returnToQueue(task.ID)
			return dispatched
		}

		// Only workers with a fresh heartbeat, matching tags, and free
		// capacity are eligible; Candidates orders them least loaded
		// first.
		worker := c.reserveCandidate(j.Tags, heartbeatAfter)
		if worker == nil {
			c.throttle.Release(j.Type)
			c.returnToQueue(task.ID)
			return dispatched
		}

		dispatchedTask, err := c.store.MarkDispatched(task.ID, worker.ID, now)
		if err != nil {
			// Cancelled or already claimed between dequeue and mark.
			c.registry.Release(worker.ID, false)
			c.throttle.Release(j.Type)
			continue
		}

		c.exts.EmitTaskDispatched(context.Background(), dispatchedTask)
		dispatched++

		c.wg.Add(1)
		go c.sendTask(dispatchedTask, worker.ID)
	}
}

// reserveCandidate claims a dispatch slot on the best eligible worker.
func (c *Coordinator) reserveCandidate(requiredTags []string, heartbeatAfter time.Time) *cluster.Worker {
	for _, w := range c.registry.Candidates(requiredTags, 1, heartbeatAfter) {
		ok, err := c.registry.Reserve(w.ID)
		if err != nil {
			continue
		}
		if ok {
			return w
		}
	}
	return nil
}

// sendTask pushes a dispatched task to its worker and reverts the
// dispatch when the send fails or the worker declines. A revert does
// not consume a retry attempt.
func (c *Coordinator) sendTask(t *job.Task, workerID id.WorkerID) {
	defer c.wg.Done()

	msg := wire.TaskDispatch{
		TaskID:  t.ID.String(),
		JobID:   t.JobID.String(),
		JobType: t.JobType,
		Attempt: t.Attempt,
		Payload: t.Payload,
	}
	if t.Deadline != nil {
		msg.Deadline = *t.Deadline
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CheckTimeout)
	defer cancel()

	resp, err := c.sender.Request(ctx, workerID.String(), wire.MethodTaskDispatch, msg)
	if err == nil && resp.Type == wire.FrameResponse {
		var ack wire.TaskAck
		if decErr := decodeData(resp.Data, &ack); decErr == nil && ack.Accepted {
			return
		}
	}
	if err == nil {
		err = fleet.ErrDispatchFailed
	}

	c.logger.Warn("task dispatch rejected",
		slog.String("task_id", t.ID.String()),
		slog.String("worker_id", workerID.String()),
		slog.String("error", err.Error()),
	)

	if revErr := c.store.RevertDispatch(t.ID, t.Attempt); revErr != nil &&
		!errors.Is(revErr, fleet.ErrInvalidState) {
		c.logger.Error("dispatch revert failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", revErr.Error()),
		)
	}
	c.registry.Release(workerID, false)
	c.throttle.Release(t.JobType)
}

func (c *Coordinator) returnToQueue(taskID id.TaskID) {
	if err := c.store.ReturnToQueue(taskID); err != nil {
		c.logger.Error("return to queue failed",
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// ──────────────────────────────────────────────────
// Timeout loop
// ──────────────────────────────────────────────────

func (c *Coordinator) timeoutLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.JobTimeoutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.expireOnce(time.Now().UTC())
		}
	}
}

func (c *Coordinator) expireOnce(now time.Time) {
	ctx := context.Background()

	for _, res := range c.store.ExpireTaskDeadlines(now) {
		if !res.Worker.IsNil() {
			c.registry.Release(res.Worker, false)
		}
		c.applyResolution(ctx, res)
	}

	for _, j := range c.store.ExpireJobTimeouts(now) {
		c.logger.Warn("job timed out",
			slog.String("job_id", j.ID.String()),
			slog.Duration("timeout", j.Timeout),
		)
		c.exts.EmitJobFailed(ctx, j, fleet.ErrJobTimeout)
	}
}

// ──────────────────────────────────────────────────
// Result and eviction plumbing
// ──────────────────────────────────────────────────

// applyResolution releases the throttle slot held by a task leaving
// flight and fires the matching lifecycle hooks. Discarded resolutions
// free their slot but record nothing, so no hooks fire for them.
func (c *Coordinator) applyResolution(ctx context.Context, res job.Resolution) {
	if res.Task != nil && (res.Discarded || !res.Ignored) {
		c.throttle.Release(res.Task.JobType)
	}
	if res.Ignored {
		return
	}

	switch {
	case res.Requeued:
		c.exts.EmitTaskRetrying(ctx, res.Task)
	case res.Task.State == job.TaskSucceeded:
		c.exts.EmitTaskSucceeded(ctx, res.Task)
	default:
		c.exts.EmitTaskFailed(ctx, res.Task)
	}

	switch {
	case res.JobCompleted:
		c.exts.EmitJobCompleted(ctx, res.Job, jobElapsed(res.Job))
	case res.JobFailed:
		c.exts.EmitJobFailed(ctx, res.Job, errors.New(res.Job.LastError))
	}
}

// onWorkerEvicted is the health monitor callback: the worker is already
// removed and its tasks requeued; account for the freed slots and
// notify hooks.
func (c *Coordinator) onWorkerEvicted(w *cluster.Worker, requeued []job.Resolution) {
	ctx := context.Background()
	n := 0
	for _, res := range requeued {
		c.applyResolution(ctx, res)
		if !res.Discarded {
			n++
		}
	}
	c.exts.EmitWorkerEvicted(ctx, w, n)
}

func jobElapsed(j *job.Job) time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
