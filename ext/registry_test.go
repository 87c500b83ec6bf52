package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/LLM-Dev-Ops/fleet/cluster"
	"github.com/LLM-Dev-Ops/fleet/ext"
	"github.com/LLM-Dev-Ops/fleet/job"
)

// recorder implements every lifecycle hook and records calls.
type recorder struct {
	name  string
	calls []string
	err   error
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnJobSubmitted(_ context.Context, _ *job.Job) error {
	r.calls = append(r.calls, "submitted")
	return r.err
}

func (r *recorder) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	r.calls = append(r.calls, "completed")
	return r.err
}

func (r *recorder) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	r.calls = append(r.calls, "failed")
	return r.err
}

func (r *recorder) OnJobCancelled(_ context.Context, _ *job.Job) error {
	r.calls = append(r.calls, "cancelled")
	return r.err
}

func (r *recorder) OnTaskDispatched(_ context.Context, _ *job.Task) error {
	r.calls = append(r.calls, "dispatched")
	return r.err
}

func (r *recorder) OnTaskSucceeded(_ context.Context, _ *job.Task) error {
	r.calls = append(r.calls, "succeeded")
	return r.err
}

func (r *recorder) OnTaskFailed(_ context.Context, _ *job.Task) error {
	r.calls = append(r.calls, "task failed")
	return r.err
}

func (r *recorder) OnTaskRetrying(_ context.Context, _ *job.Task) error {
	r.calls = append(r.calls, "retrying")
	return r.err
}

func (r *recorder) OnWorkerRegistered(_ context.Context, _ *cluster.Worker) error {
	r.calls = append(r.calls, "registered")
	return r.err
}

func (r *recorder) OnWorkerEvicted(_ context.Context, _ *cluster.Worker, _ int) error {
	r.calls = append(r.calls, "evicted")
	return r.err
}

func (r *recorder) OnShutdown(_ context.Context) error {
	r.calls = append(r.calls, "shutdown")
	return r.err
}

// submitOnly implements only the JobSubmitted hook.
type submitOnly struct {
	calls int
}

func (s *submitOnly) Name() string { return "submit-only" }

func (s *submitOnly) OnJobSubmitted(_ context.Context, _ *job.Job) error {
	s.calls++
	return nil
}

func TestRegistry_EmitsToAllImplementedHooks(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	rec := &recorder{name: "rec"}
	r.Register(rec)

	ctx := context.Background()
	j := &job.Job{}
	tk := &job.Task{}
	w := &cluster.Worker{}

	r.EmitJobSubmitted(ctx, j)
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobFailed(ctx, j, errors.New("boom"))
	r.EmitJobCancelled(ctx, j)
	r.EmitTaskDispatched(ctx, tk)
	r.EmitTaskSucceeded(ctx, tk)
	r.EmitTaskFailed(ctx, tk)
	r.EmitTaskRetrying(ctx, tk)
	r.EmitWorkerRegistered(ctx, w)
	r.EmitWorkerEvicted(ctx, w, 3)
	r.EmitShutdown(ctx)

	want := []string{
		"submitted", "completed", "failed", "cancelled",
		"dispatched", "succeeded", "task failed", "retrying",
		"registered", "evicted", "shutdown",
	}
	if len(rec.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
	for i, call := range want {
		if rec.calls[i] != call {
			t.Errorf("call #%d = %q, want %q", i, rec.calls[i], call)
		}
	}
}

func TestRegistry_PartialExtensionOnlySeesItsHook(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	s := &submitOnly{}
	r.Register(s)

	ctx := context.Background()
	r.EmitJobSubmitted(ctx, &job.Job{})
	r.EmitJobCompleted(ctx, &job.Job{}, time.Second)
	r.EmitShutdown(ctx)

	if s.calls != 1 {
		t.Errorf("calls = %d, want 1", s.calls)
	}
}

func TestRegistry_HookErrorsDoNotStopOthers(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	failing := &recorder{name: "failing", err: errors.New("hook broke")}
	healthy := &recorder{name: "healthy"}
	r.Register(failing)
	r.Register(healthy)

	r.EmitJobSubmitted(context.Background(), &job.Job{})

	if len(failing.calls) != 1 {
		t.Errorf("failing extension calls = %d, want 1", len(failing.calls))
	}
	if len(healthy.calls) != 1 {
		t.Errorf("healthy extension calls = %d, want 1 (must run despite earlier error)", len(healthy.calls))
	}
}

func TestRegistry_Extensions(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	r.Register(&recorder{name: "a"})
	r.Register(&submitOnly{})

	if got := len(r.Extensions()); got != 2 {
		t.Errorf("len(Extensions()) = %d, want 2", got)
	}
}
