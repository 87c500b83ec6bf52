package middleware

import (
	"context"
	"log/slog"

	"github.com/LLM-Dev-Ops/fleet/job"
)

// Deadline returns middleware that enforces the dispatch deadline.
// If the task carries a deadline, a context.WithDeadline wraps the
// handler call. When the deadline passes the context is cancelled and
// the handler should return context.DeadlineExceeded, which the worker
// reports as a timeout outcome.
func Deadline(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *job.Task, next Handler) error {
		if t.Deadline != nil && !t.Deadline.IsZero() {
			logger.Debug("task deadline set",
				slog.String("task_id", t.ID.String()),
				slog.Time("deadline", *t.Deadline),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, *t.Deadline)
			defer cancel()
		}
		return next(ctx)
	}
}
