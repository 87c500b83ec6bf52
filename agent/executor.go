package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LLM-Dev-Ops/fleet/id"
	"github.com/LLM-Dev-Ops/fleet/job"
	"github.com/LLM-Dev-Ops/fleet/wire"
)

// handleDispatch acknowledges a task.dispatch frame and, if a capacity
// slot is free, starts executing. The ack is sent before execution so
// the coordinator is never blocked on a slow handler.
func (a *Agent) handleDispatch(frame *wire.Frame) {
	var td wire.TaskDispatch
	if err := frame.DecodeData(&td); err != nil {
		a.respond(frame.ID, wire.TaskAck{Accepted: false, Message: "malformed dispatch"})
		return
	}

	handler, ok := a.handlers.Get(td.JobType)
	if !ok {
		a.respond(frame.ID, wire.TaskAck{
			Accepted: false,
			Message:  fmt.Sprintf("no handler for job type %q", td.JobType),
		})
		return
	}

	select {
	case a.sem <- struct{}{}:
	default:
		a.respond(frame.ID, wire.TaskAck{Accepted: false, Message: "at capacity"})
		return
	}

	a.respond(frame.ID, wire.TaskAck{Accepted: true})
	a.current.Add(1)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.current.Add(-1)
			<-a.sem
		}()
		a.execute(td, handler)
	}()
}

// execute runs the handler through the middleware chain and reports the
// result to the coordinator.
func (a *Agent) execute(td wire.TaskDispatch, handler HandlerFunc) {
	t := dispatchToTask(td)

	start := time.Now()
	var result []byte
	err := a.mw(context.Background(), t, func(ctx context.Context) error {
		out, herr := handler(ctx, td.Payload)
		if herr != nil {
			return herr
		}
		result = out
		return nil
	})
	elapsed := time.Since(start)

	outcome := job.OutcomeSuccess
	switch {
	case err == nil:
		a.completed.Add(1)
	case errors.Is(err, context.DeadlineExceeded):
		outcome = job.OutcomeTimeout
		a.failed.Add(1)
	default:
		outcome = job.OutcomeFailure
		a.failed.Add(1)
	}

	report := wire.TaskResult{
		TaskID:         td.TaskID,
		JobID:          td.JobID,
		WorkerID:       a.WorkerID(),
		Attempt:        td.Attempt,
		Outcome:        string(outcome),
		Result:         result,
		DurationMillis: elapsed.Milliseconds(),
	}
	if err != nil {
		report.Error = err.Error()
	}

	a.reportResult(report)
}

// reportResult delivers a task result, retrying across reconnects. A
// result the coordinator never receives costs the task an attempt via
// the deadline sweep, so the agent tries hard before giving up.
func (a *Agent) reportResult(report wire.TaskResult) {
	const maxTries = 5

	for i := 0; i < maxTries; i++ {
		select {
		case <-a.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.requestTimeout)
		resp, err := a.request(ctx, wire.MethodTaskResult, report)
		cancel()
		if err == nil && resp.Type == wire.FrameResponse {
			var ack wire.TaskResultAck
			if decErr := resp.DecodeData(&ack); decErr == nil && !ack.Recorded {
				a.logger.Debug("task result ignored as stale",
					slog.String("task_id", report.TaskID),
					slog.Int("attempt", report.Attempt),
				)
			}
			return
		}
		if err == nil && resp.Type == wire.FrameErr {
			// The coordinator saw the report and rejected it; retrying
			// the same frame cannot change that.
			if resp.Error != nil {
				a.logger.Warn("task result rejected",
					slog.String("task_id", report.TaskID),
					slog.String("error", resp.Error.Message),
				)
			}
			return
		}

		a.logger.Warn("task result delivery failed, retrying",
			slog.String("task_id", report.TaskID),
			slog.Int("try", i+1),
		)
		select {
		case <-a.stopCh:
			return
		case <-time.After(time.Second * time.Duration(i+1)):
		}
	}

	a.logger.Error("task result dropped after retries",
		slog.String("task_id", report.TaskID),
		slog.String("outcome", report.Outcome),
	)
}

// dispatchToTask builds the task view the middleware chain operates on.
func dispatchToTask(td wire.TaskDispatch) *job.Task {
	t := &job.Task{
		JobType: td.JobType,
		Payload: td.Payload,
		Attempt: td.Attempt,
		State:   job.TaskDispatched,
	}
	if tid, err := id.ParseTaskID(td.TaskID); err == nil {
		t.ID = tid
	}
	if jid, err := id.ParseJobID(td.JobID); err == nil {
		t.JobID = jid
	}
	if !td.Deadline.IsZero() {
		d := td.Deadline
		t.Deadline = &d
	}
	return t
}
