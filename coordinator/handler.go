package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/LLM-Dev-Ops/fleet"
	"github.com/LLM-Dev-Ops/fleet/cluster"
	"github.com/LLM-Dev-Ops/fleet/id"
	"github.com/LLM-Dev-Ops/fleet/job"
	"github.com/LLM-Dev-Ops/fleet/wire"
)

// Compile-time interface check.
var _ wire.Handler = (*Coordinator)(nil)

// Handle implements wire.Handler, routing request frames to the
// coordinator operations.
func (c *Coordinator) Handle(ctx context.Context, frame *wire.Frame, conn *wire.Conn) *wire.Frame {
	switch frame.Method {
	case wire.MethodWorkerRegister:
		return c.handleRegister(ctx, frame)
	case wire.MethodWorkerHeartbeat:
		return c.handleHeartbeat(ctx, frame)
	case wire.MethodTaskResult:
		return c.handleTaskResult(ctx, frame, conn)
	case wire.MethodJobSubmit:
		return c.handleJobSubmit(ctx, frame)
	case wire.MethodJobGet:
		return c.handleJobGet(ctx, frame)
	case wire.MethodJobCancel:
		return c.handleJobCancel(ctx, frame)
	case wire.MethodJobList:
		return c.handleJobList(ctx, frame)
	case wire.MethodWorkerList:
		return c.handleWorkerList(ctx, frame)
	case wire.MethodClusterHealth:
		return c.handleClusterHealth(ctx, frame)
	default:
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// WorkerDisconnected implements wire.Handler. A dropped connection is
// not an eviction: the worker keeps its registration until the health
// monitor's heartbeat threshold expires, so brief reconnects do not
// thrash in-flight tasks.
func (c *Coordinator) WorkerDisconnected(workerID string) {
	c.logger.Debug("worker connection dropped", slog.String("worker_id", workerID))
}

// ──────────────────────────────────────────────────
// Worker methods
// ──────────────────────────────────────────────────

func (c *Coordinator) handleRegister(ctx context.Context, frame *wire.Frame) *wire.Frame {
	var req wire.RegisterRequest
	if err := decodeData(frame.Data, &req); err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "invalid register request: "+err.Error())
	}
	if req.Capacity <= 0 {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "capacity must be positive")
	}

	workerID := id.NewWorkerID()
	if req.WorkerID != "" {
		parsed, err := id.ParseWorkerID(req.WorkerID)
		if err != nil {
			return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "invalid worker id: "+err.Error())
		}
		workerID = parsed
	}

	w := &cluster.Worker{
		ID:       workerID,
		Address:  req.Address,
		Capacity: req.Capacity,
		Tags:     req.Tags,
		Metadata: req.Metadata,
	}

	assigned, err := c.registry.Register(w)
	if err != nil {
		if errors.Is(err, fleet.ErrDuplicateWorker) {
			return wire.NewErrorFrame(frame.ID, wire.ErrCodeConflict, err.Error())
		}
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeInternal, err.Error())
	}

	c.logger.Info("worker registered",
		slog.String("worker_id", assigned.String()),
		slog.String("address", req.Address),
		slog.Int("capacity", req.Capacity),
	)
	if registered, ok := c.registry.Get(assigned); ok {
		c.exts.EmitWorkerRegistered(ctx, registered)
	}

	return mustResponse(frame.ID, wire.RegisterResponse{
		Accepted:                 true,
		AssignedWorkerID:         assigned.String(),
		HeartbeatIntervalSeconds: int(c.cfg.HeartbeatInterval.Seconds()),
	})
}

func (c *Coordinator) handleHeartbeat(_ context.Context, frame *wire.Frame) *wire.Frame {
	var req wire.HeartbeatRequest
	if err := decodeData(frame.Data, &req); err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "invalid heartbeat: "+err.Error())
	}

	workerID, err := id.ParseWorkerID(req.WorkerID)
	if err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "invalid worker id: "+err.Error())
	}

	err = c.registry.Heartbeat(workerID, cluster.HeartbeatUpdate{
		CurrentTasks:   req.CurrentTasks,
		CompletedTasks: req.CompletedTasks,
		FailedTasks:    req.FailedTasks,
	})
	if err != nil {
		// An evicted worker never resurrects via heartbeat; it must
		// register again.
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeGone, err.Error())
	}

	return mustResponse(frame.ID, wire.HeartbeatResponse{OK: true})
}

func (c *Coordinator) handleTaskResult(ctx context.Context, frame *wire.Frame, conn *wire.Conn) *wire.Frame {
	var req wire.TaskResult
	if err := decodeData(frame.Data, &req); err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "invalid task result: "+err.Error())
	}

	taskID, err := id.ParseTaskID(req.TaskID)
	if err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "invalid task id: "+err.Error())
	}

	// Trust the session identity over the payload.
	workerIDStr := req.WorkerID
	if conn != nil {
		workerIDStr = conn.WorkerID
	}

	outcome := job.Outcome{
		Payload: req.Result,
		Message: req.Error,
	}
	switch req.Outcome {
	case string(job.OutcomeSuccess):
		outcome.Kind = job.OutcomeSuccess
	case string(job.OutcomeTimeout):
		outcome.Kind = job.OutcomeTimeout
	default:
		outcome.Kind = job.OutcomeFailure
	}

	res, err := c.store.ReportResult(taskID, req.Attempt, outcome)
	if err != nil {
		if errors.Is(err, fleet.ErrTaskNotFound) {
			return wire.NewErrorFrame(frame.ID, wire.ErrCodeNotFound, err.Error())
		}
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeInternal, err.Error())
	}

	// The worker freed a slot only if this report took the task out of
	// flight. Duplicate or stale reports must not release twice.
	if res.Discarded || !res.Ignored {
		if workerID, parseErr := id.ParseWorkerID(workerIDStr); parseErr == nil {
			c.registry.Release(workerID, outcome.Kind == job.OutcomeSuccess)
		}
	}
	c.applyResolution(ctx, res)

	if res.Ignored {
		c.logger.Debug("stale task result ignored",
			slog.String("task_id", req.TaskID),
			slog.Int("attempt", req.Attempt),
		)
	}

	return mustResponse(frame.ID, wire.TaskResultAck{Recorded: !res.Ignored})
}

// ──────────────────────────────────────────────────
// Job methods
// ──────────────────────────────────────────────────

func (c *Coordinator) handleJobSubmit(ctx context.Context, frame *wire.Frame) *wire.Frame {
	var req wire.JobSubmit
	if err := decodeData(frame.Data, &req); err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "invalid job submit: "+err.Error())
	}

	maxRetries := c.cfg.MaxTaskRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	spec := job.JobSpec{
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
		TaskTimeout: time.Duration(req.TaskTimeoutSeconds) * time.Second,
		MaxRetries:  maxRetries,
		Tags:        req.Tags,
	}

	j, err := c.Submit(ctx, spec)
	if err != nil {
		if errors.Is(err, fleet.ErrInvalidJobSpec) {
			return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, err.Error())
		}
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeInternal, err.Error())
	}

	return mustResponse(frame.ID, jobToStatus(j))
}

func (c *Coordinator) handleJobGet(_ context.Context, frame *wire.Frame) *wire.Frame {
	var req wire.JobRef
	if err := decodeData(frame.Data, &req); err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "invalid job ref: "+err.Error())
	}

	jobID, err := id.ParseJobID(req.JobID)
	if err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "invalid job id: "+err.Error())
	}

	j, err := c.store.Get(jobID)
	if err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeNotFound, err.Error())
	}
	return mustResponse(frame.ID, jobToStatus(j))
}

func (c *Coordinator) handleJobCancel(ctx context.Context, frame *wire.Frame) *wire.Frame {
	var req wire.JobRef
	if err := decodeData(frame.Data, &req); err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "invalid job ref: "+err.Error())
	}

	jobID, err := id.ParseJobID(req.JobID)
	if err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "invalid job id: "+err.Error())
	}

	j, err := c.Cancel(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, fleet.ErrJobNotFound):
			return wire.NewErrorFrame(frame.ID, wire.ErrCodeNotFound, err.Error())
		case errors.Is(err, fleet.ErrJobTerminal):
			return wire.NewErrorFrame(frame.ID, wire.ErrCodeConflict, err.Error())
		default:
			return wire.NewErrorFrame(frame.ID, wire.ErrCodeInternal, err.Error())
		}
	}
	return mustResponse(frame.ID, jobToStatus(j))
}

func (c *Coordinator) handleJobList(_ context.Context, frame *wire.Frame) *wire.Frame {
	var req wire.JobList
	if len(frame.Data) > 0 {
		if err := decodeData(frame.Data, &req); err != nil {
			return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "invalid job list: "+err.Error())
		}
	}

	jobs := c.store.ListJobs(job.Status(req.Status))
	resp := wire.JobListResponse{Jobs: make([]wire.JobStatus, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, jobToStatus(j))
	}
	return mustResponse(frame.ID, resp)
}

// ──────────────────────────────────────────────────
// Cluster methods
// ──────────────────────────────────────────────────

func (c *Coordinator) handleWorkerList(_ context.Context, frame *wire.Frame) *wire.Frame {
	now := time.Now().UTC()
	workers := c.registry.List()

	resp := wire.WorkerListResponse{Workers: make([]wire.WorkerInfo, 0, len(workers))}
	for _, w := range workers {
		resp.Workers = append(resp.Workers, wire.WorkerInfo{
			WorkerID:       w.ID.String(),
			Address:        w.Address,
			Status:         string(w.Status),
			State:          string(c.monitor.StateOf(w, now)),
			Capacity:       w.Capacity,
			CurrentTasks:   w.CurrentTasks,
			CompletedTasks: w.CompletedTasks,
			FailedTasks:    w.FailedTasks,
			Tags:           w.Tags,
			LastHeartbeat:  w.LastHeartbeat,
			RegisteredAt:   w.RegisteredAt,
		})
	}
	return mustResponse(frame.ID, resp)
}

func (c *Coordinator) handleClusterHealth(_ context.Context, frame *wire.Frame) *wire.Frame {
	return mustResponse(frame.ID, c.monitor.Check(time.Now().UTC()))
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func jobToStatus(j *job.Job) wire.JobStatus {
	return wire.JobStatus{
		JobID:         j.ID.String(),
		Type:          j.Type,
		Status:        string(j.Status),
		Priority:      j.Priority,
		TotalTasks:    j.TotalTasks,
		DoneTasks:     j.DoneTasks,
		TotalAttempts: j.TotalAttempts,
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
}

func decodeData(data json.RawMessage, v any) error {
	return json.Unmarshal(data, v)
}

func mustResponse(correlID string, data any) *wire.Frame {
	frame, err := wire.NewResponseFrame(correlID, data)
	if err != nil {
		return wire.NewErrorFrame(correlID, wire.ErrCodeInternal, "marshal response: "+err.Error())
	}
	return frame
}
