package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/LLM-Dev-Ops/fleet/id"
	"github.com/LLM-Dev-Ops/fleet/job"
	mw "github.com/LLM-Dev-Ops/fleet/middleware"
)

func newTestTask() *job.Task {
	return &job.Task{
		ID:      id.NewTaskID(),
		JobID:   id.NewJobID(),
		JobType: "bench",
		Attempt: 1,
		State:   job.TaskDispatched,
	}
}

func TestChain_AppliesInOrder(t *testing.T) {
	var order []string
	step := func(name string) mw.Middleware {
		return func(ctx context.Context, _ *job.Task, next mw.Handler) error {
			order = append(order, name+":before")
			err := next(ctx)
			order = append(order, name+":after")
			return err
		}
	}

	chain := mw.Chain(step("outer"), step("inner"))
	err := chain(context.Background(), newTestTask(), func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("chain error = %v", err)
	}

	want := []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestChain_PropagatesHandlerError(t *testing.T) {
	wantErr := errors.New("handler failed")
	chain := mw.Chain(mw.Logging(slog.Default()))

	err := chain(context.Background(), newTestTask(), func(_ context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("chain error = %v, want %v", err, wantErr)
	}
}

func TestRecover_ConvertsPanicToError(t *testing.T) {
	m := mw.Recover(slog.Default())
	tk := newTestTask()

	err := m(context.Background(), tk, func(_ context.Context) error {
		panic("evaluation blew up")
	})
	if err == nil {
		t.Fatal("panic was not converted to an error")
	}
	if !strings.Contains(err.Error(), "evaluation blew up") {
		t.Errorf("error = %v, want to contain the panic value", err)
	}
}

func TestRecover_PassesThroughNormalReturns(t *testing.T) {
	m := mw.Recover(slog.Default())

	if err := m(context.Background(), newTestTask(), func(_ context.Context) error {
		return nil
	}); err != nil {
		t.Errorf("error = %v, want nil", err)
	}
}

func TestDeadline_CancelsContextAtDeadline(t *testing.T) {
	m := mw.Deadline(slog.Default())
	tk := newTestTask()
	dl := time.Now().Add(20 * time.Millisecond)
	tk.Deadline = &dl

	err := m(context.Background(), tk, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestDeadline_NoDeadlineIsPassThrough(t *testing.T) {
	m := mw.Deadline(slog.Default())
	tk := newTestTask()

	err := m(context.Background(), tk, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("context carries a deadline for a task without one")
		}
		return nil
	})
	if err != nil {
		t.Errorf("error = %v, want nil", err)
	}
}

func TestLogging_PassesThroughResult(t *testing.T) {
	m := mw.Logging(slog.Default())
	wantErr := errors.New("bad shard")

	if err := m(context.Background(), newTestTask(), func(_ context.Context) error {
		return nil
	}); err != nil {
		t.Errorf("success error = %v, want nil", err)
	}
	if err := m(context.Background(), newTestTask(), func(_ context.Context) error {
		return wantErr
	}); !errors.Is(err, wantErr) {
		t.Errorf("failure error = %v, want %v", err, wantErr)
	}
}
