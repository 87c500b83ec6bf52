package job

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/LLM-Dev-Ops/fleet"
	"github.com/LLM-Dev-Ops/fleet/backoff"
	"github.com/LLM-Dev-Ops/fleet/id"
)

// Resolution describes what a result report (or deadline expiry) did to
// the task and its owning job.
type Resolution struct {
	// Ignored is set for duplicate or stale reports and for results of
	// cancelled or otherwise terminal jobs. The result payload was not
	// recorded.
	Ignored bool

	// Discarded is set alongside Ignored when the event still took an
	// in-flight task of a terminal job out of flight. The result is
	// dropped, but the worker and throttle slots the attempt held must
	// be released.
	Discarded bool

	// Requeued is set when the task re-entered the queue for a retry.
	Requeued bool

	// Task and Job are snapshots taken after the transition.
	Task *Task
	Job  *Job

	// Worker is the worker the task was assigned to when the report
	// was applied.
	Worker id.WorkerID

	// JobCompleted / JobFailed flag a job-level terminal transition
	// caused by this resolution.
	JobCompleted bool
	JobFailed    bool
}

// Store owns every Job and Task record and the priority dispatch queue.
// Every operation is a single atomic step under one lock: external
// callers can never observe a half-updated record, and no two concurrent
// dispatches can claim the same task.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	tasks     map[string]*Task
	queue     taskHeap
	seqs      map[string]uint64
	nextSeq   uint64
	splitters *SplitterRegistry
	bo        backoff.Strategy
	logger    *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithBackoff sets the retry backoff strategy applied to a requeued
// task's not-before time. Defaults to backoff.DefaultStrategy().
func WithBackoff(b backoff.Strategy) StoreOption {
	return func(s *Store) { s.bo = b }
}

// WithLogger sets the structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates an empty Store using the given splitter registry.
func NewStore(splitters *SplitterRegistry, opts ...StoreOption) *Store {
	s := &Store{
		jobs:      make(map[string]*Job),
		tasks:     make(map[string]*Task),
		seqs:      make(map[string]uint64),
		splitters: splitters,
		bo:        backoff.DefaultStrategy(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JobSpec describes a job submission.
type JobSpec struct {
	Type        string
	Payload     []byte
	Priority    int
	Timeout     time.Duration
	TaskTimeout time.Duration
	MaxRetries  int
	Tags        []string
}

// Submit validates the spec, splits the job into tasks, and enqueues
// them. The job starts Pending and moves to Running once its first task
// dispatches.
func (s *Store) Submit(ctx context.Context, spec JobSpec) (*Job, error) {
	if spec.Type == "" || spec.Priority < 0 || spec.Timeout < 0 ||
		spec.TaskTimeout < 0 || spec.MaxRetries < 0 {
		return nil, fleet.ErrInvalidJobSpec
	}

	payloads, err := s.splitters.Split(ctx, spec.Type, spec.Payload)
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, fleet.ErrInvalidJobSpec
	}

	j := &Job{
		Entity:      fleet.NewEntity(),
		ID:          id.NewJobID(),
		Type:        spec.Type,
		Payload:     spec.Payload,
		Priority:    spec.Priority,
		Timeout:     spec.Timeout,
		TaskTimeout: spec.TaskTimeout,
		MaxRetries:  spec.MaxRetries,
		Tags:        append([]string(nil), spec.Tags...),
		Status:      StatusPending,
		TotalTasks:  len(payloads),
	}

	tasks := make([]*Task, 0, len(payloads))
	for _, p := range payloads {
		t := &Task{
			ID:      id.NewTaskID(),
			JobID:   j.ID,
			JobType: j.Type,
			Payload: p,
			Attempt: 1,
			State:   TaskQueued,
		}
		j.Tasks = append(j.Tasks, t.ID)
		tasks = append(tasks, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[j.ID.String()] = j
	for _, t := range tasks {
		s.tasks[t.ID.String()] = t
		s.pushLocked(t, j.Priority)
	}

	return s.cloneJobLocked(j), nil
}

// DequeueNext pops the highest-priority queued task whose owning job is
// not terminal and whose retry backoff has elapsed. Dequeue is an atomic
// pop: a task returned here is handed to exactly one caller.
func (s *Store) DequeueNext(now time.Time) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deferred []queueItem
	defer func() {
		for _, item := range deferred {
			s.queue.push(item)
		}
	}()

	for {
		item, ok := s.queue.pop()
		if !ok {
			return nil, false
		}

		t, exists := s.tasks[item.taskKey]
		if !exists || t.State != TaskQueued {
			continue // stale entry, lazily dropped
		}
		j := s.jobs[t.JobID.String()]
		if j == nil || j.Status.Terminal() {
			continue
		}
		if t.NotBefore.After(now) {
			deferred = append(deferred, item)
			continue
		}

		return cloneTask(t), true
	}
}

// ReturnToQueue puts a dequeued-but-undispatched task back, retaining
// its position within its priority band (no new attempt is consumed).
func (s *Store) ReturnToQueue(taskID id.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID.String()]
	if !ok {
		return fleet.ErrTaskNotFound
	}
	if t.State != TaskQueued {
		return fleet.ErrInvalidState
	}
	j := s.jobs[t.JobID.String()]
	s.queue.push(queueItem{
		taskKey:  t.ID.String(),
		priority: j.Priority,
		seq:      s.seqs[t.ID.String()],
	})
	return nil
}

// MarkDispatched transitions a queued task to dispatched and records the
// assignment. The owning job moves Pending → Running on first dispatch.
func (s *Store) MarkDispatched(taskID id.TaskID, workerID id.WorkerID, now time.Time) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID.String()]
	if !ok {
		return nil, fleet.ErrTaskNotFound
	}
	if t.State != TaskQueued {
		return nil, fleet.ErrInvalidState
	}
	j := s.jobs[t.JobID.String()]
	if j.Status.Terminal() {
		return nil, fleet.ErrJobTerminal
	}

	t.State = TaskDispatched
	t.AssignedWorker = workerID
	d := now
	t.DispatchedAt = &d
	if j.TaskTimeout > 0 {
		dl := now.Add(j.TaskTimeout)
		t.Deadline = &dl
	}

	j.TotalAttempts++
	if j.Status == StatusPending {
		j.Status = StatusRunning
		st := now
		j.StartedAt = &st
	}
	j.UpdatedAt = now

	return cloneTask(t), nil
}

// RevertDispatch undoes a dispatch whose send never reached the worker.
// The task returns to the queue without consuming a retry attempt. The
// revert applies only while the task is still dispatched on the given
// attempt; anything later (a result, an eviction sweep) wins.
func (s *Store) RevertDispatch(taskID id.TaskID, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID.String()]
	if !ok {
		return fleet.ErrTaskNotFound
	}
	if t.State != TaskDispatched || t.Attempt != attempt {
		return fleet.ErrInvalidState
	}

	j := s.jobs[t.JobID.String()]
	t.State = TaskQueued
	t.AssignedWorker = id.Nil
	t.DispatchedAt = nil
	t.Deadline = nil
	if j.TotalAttempts > 0 {
		j.TotalAttempts--
	}
	if !j.Status.Terminal() {
		s.pushLocked(t, j.Priority)
	}
	return nil
}

// ReportResult applies a worker-reported outcome. Reports for a task
// that is not currently dispatched, carries a stale attempt number, or
// belongs to a terminal job are idempotently ignored.
func (s *Store) ReportResult(taskID id.TaskID, attempt int, outcome Outcome) (Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID.String()]
	if !ok {
		return Resolution{}, fleet.ErrTaskNotFound
	}
	if t.State != TaskDispatched || t.Attempt != attempt {
		return Resolution{Ignored: true, Task: cloneTask(t)}, nil
	}

	j := s.jobs[t.JobID.String()]
	worker := t.AssignedWorker

	if j.Status.Terminal() {
		// Cancelled (or already failed) job: the result is discarded,
		// but the attempt still ends so its slots can be released.
		return s.discardLocked(t, j), nil
	}

	now := time.Now().UTC()

	if outcome.Kind == OutcomeSuccess {
		t.State = TaskSucceeded
		t.Result = outcome.Payload
		t.AssignedWorker = id.Nil
		j.DoneTasks++
		j.UpdatedAt = now

		res := Resolution{Task: cloneTask(t), Worker: worker}
		if j.DoneTasks == j.TotalTasks {
			j.Status = StatusCompleted
			c := now
			j.CompletedAt = &c
			res.JobCompleted = true
		}
		res.Job = s.cloneJobLocked(j)
		return res, nil
	}

	// Failure or worker-reported timeout: the shared retry path.
	return s.retryOrFailLocked(t, j, outcome, now), nil
}

// retryOrFailLocked consumes an attempt. If budget remains the task
// re-enters the queue at the tail of its priority band with a backoff
// delay; otherwise the task and its job fail terminally. Callers hold
// the store lock.
func (s *Store) retryOrFailLocked(t *Task, j *Job, outcome Outcome, now time.Time) Resolution {
	worker := t.AssignedWorker
	t.AssignedWorker = id.Nil
	t.DispatchedAt = nil
	t.Deadline = nil
	t.LastError = outcome.Message

	if t.Attempt < j.MaxRetries+1 {
		t.Attempt++
		t.State = TaskQueued
		t.NotBefore = now.Add(s.bo.Delay(t.Attempt - 1))
		s.pushLocked(t, j.Priority)
		j.LastError = outcome.Message
		j.UpdatedAt = now

		s.logger.Debug("task requeued for retry",
			slog.String("task_id", t.ID.String()),
			slog.String("job_id", j.ID.String()),
			slog.Int("attempt", t.Attempt),
		)
		return Resolution{Requeued: true, Task: cloneTask(t), Job: s.cloneJobLocked(j), Worker: worker}
	}

	if outcome.Kind == OutcomeTimeout {
		t.State = TaskTimedOut
	} else {
		t.State = TaskFailed
	}

	msg := outcome.Message
	if msg == "" {
		msg = fleet.ErrRetryBudgetExhausted.Error()
	}
	s.failJobLocked(j, msg, now)

	return Resolution{
		Task:      cloneTask(t),
		Job:       s.cloneJobLocked(j),
		Worker:    worker,
		JobFailed: true,
	}
}

// discardLocked takes an in-flight task of a terminal job out of
// flight. The attempt records nothing — the task ends with the job's
// fate — but the worker and throttle slots it held become releasable.
// Callers hold the store lock.
func (s *Store) discardLocked(t *Task, j *Job) Resolution {
	worker := t.AssignedWorker
	t.AssignedWorker = id.Nil
	t.DispatchedAt = nil
	t.Deadline = nil
	t.State = TaskFailed
	t.LastError = "job " + string(j.Status)

	return Resolution{
		Ignored:   true,
		Discarded: true,
		Task:      cloneTask(t),
		Job:       s.cloneJobLocked(j),
		Worker:    worker,
	}
}

// RequeueWorkerTasks transitions every task dispatched to the given
// worker back to queued (or terminally failed if the retry budget is
// spent) in one atomic step. Used by the health monitor when a worker is
// evicted: no caller ever observes a task assigned to a removed worker.
func (s *Store) RequeueWorkerTasks(workerID id.WorkerID) []Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var out []Resolution
	for _, t := range s.tasks {
		if t.State != TaskDispatched || t.AssignedWorker.String() != workerID.String() {
			continue
		}
		j := s.jobs[t.JobID.String()]
		if j.Status.Terminal() {
			out = append(out, s.discardLocked(t, j))
			continue
		}
		out = append(out, s.retryOrFailLocked(t, j, Outcome{
			Kind:    OutcomeFailure,
			Message: "worker evicted",
		}, now))
	}
	return out
}

// ExpireTaskDeadlines applies the timeout retry path to every dispatched
// task whose deadline has passed.
func (s *Store) ExpireTaskDeadlines(now time.Time) []Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Resolution
	for _, t := range s.tasks {
		if t.State != TaskDispatched || t.Deadline == nil || t.Deadline.After(now) {
			continue
		}
		j := s.jobs[t.JobID.String()]
		if j.Status.Terminal() {
			out = append(out, s.discardLocked(t, j))
			continue
		}
		out = append(out, s.retryOrFailLocked(t, j, Outcome{
			Kind:    OutcomeTimeout,
			Message: "task deadline exceeded",
		}, now))
	}
	return out
}

// ExpireJobTimeouts fails every running job whose wall-clock budget has
// elapsed, regardless of task outcomes. Remaining tasks of a failed job
// are never dispatched again and their late results are discarded.
func (s *Store) ExpireJobTimeouts(now time.Time) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, j := range s.jobs {
		if j.Status != StatusRunning || j.Timeout <= 0 || j.StartedAt == nil {
			continue
		}
		if now.Sub(*j.StartedAt) <= j.Timeout {
			continue
		}
		s.failJobLocked(j, fleet.ErrJobTimeout.Error(), now)
		out = append(out, s.cloneJobLocked(j))
	}
	return out
}

// Cancel marks a job cancelled. In-flight tasks finish or expire
// naturally but their results are discarded, and no further tasks of the
// job are dispatched. Cancelling a terminal job returns ErrJobTerminal.
func (s *Store) Cancel(jobID id.JobID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID.String()]
	if !ok {
		return nil, fleet.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return nil, fleet.ErrJobTerminal
	}

	now := time.Now().UTC()
	j.Status = StatusCancelled
	c := now
	j.CompletedAt = &c
	j.UpdatedAt = now

	return s.cloneJobLocked(j), nil
}

// Get returns a copy of the job, or fleet.ErrJobNotFound.
func (s *Store) Get(jobID id.JobID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID.String()]
	if !ok {
		return nil, fleet.ErrJobNotFound
	}
	return s.cloneJobLocked(j), nil
}

// GetTask returns a copy of the task, or fleet.ErrTaskNotFound.
func (s *Store) GetTask(taskID id.TaskID) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID.String()]
	if !ok {
		return nil, fleet.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// ListJobs returns copies of jobs matching status, or all jobs when
// status is empty, ordered by creation time.
func (s *Store) ListJobs(status Status) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, s.cloneJobLocked(j))
	}
	sortJobsByCreation(out)
	return out
}

// Tasks returns copies of every task belonging to the job.
func (s *Store) Tasks(jobID id.JobID) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID.String()]
	if !ok {
		return nil, fleet.ErrJobNotFound
	}
	out := make([]*Task, 0, len(j.Tasks))
	for _, tid := range j.Tasks {
		if t, exists := s.tasks[tid.String()]; exists {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

// QueueDepth returns the number of live entries in the dispatch queue.
func (s *Store) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, item := range s.queue {
		if t, ok := s.tasks[item.taskKey]; ok && t.State == TaskQueued {
			n++
		}
	}
	return n
}

// ──────────────────────────────────────────────────
// Internal helpers (callers hold the store lock)
// ──────────────────────────────────────────────────

func (s *Store) pushLocked(t *Task, priority int) {
	s.nextSeq++
	key := t.ID.String()
	s.seqs[key] = s.nextSeq
	s.queue.push(queueItem{taskKey: key, priority: priority, seq: s.nextSeq})
}

func (s *Store) failJobLocked(j *Job, msg string, now time.Time) {
	if j.Status.Terminal() {
		return
	}
	j.Status = StatusFailed
	j.LastError = msg
	c := now
	j.CompletedAt = &c
	j.UpdatedAt = now
}

func (s *Store) cloneJobLocked(j *Job) *Job {
	cp := *j
	cp.Tasks = append([]id.TaskID(nil), j.Tasks...)
	if j.Tags != nil {
		cp.Tags = append([]string(nil), j.Tags...)
	}
	return &cp
}

func cloneTask(t *Task) *Task {
	cp := *t
	return &cp
}

func sortJobsByCreation(jobs []*Job) {
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}
