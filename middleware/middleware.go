// Package middleware provides composable middleware for task execution
// on a worker. Middleware wraps handler calls synchronously and can
// modify execution (recover from panics, log, add tracing, enforce the
// dispatch deadline, etc.).
package middleware

import (
	"context"

	"github.com/LLM-Dev-Ops/fleet/job"
)

// Handler is the terminal function that executes task logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the task being executed, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, t *job.Task, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, deadline) executes as:
//
//	logging → recover → deadline → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, t *job.Task, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, t, prev)
			}
		}
		return h(ctx)
	}
}
