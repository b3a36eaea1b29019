// Package middleware provides composable middleware for broker operations.
// Middleware wraps Push/Pop/Release/Delete calls synchronously and can add
// cross-cutting behaviour (recover from panics, log, record metrics).
package middleware

import "context"

// Op describes the broker operation being wrapped.
type Op struct {
	// Name is the operation: "push", "pop", "release", "delete".
	Name string

	// Queue is the logical queue the operation targets.
	Queue string

	// Partition is the resolved partition, when known at wrap time.
	Partition string
}

// Handler is the terminal function that executes the operation.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the operation descriptor, and the next
// handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, op Op, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover) executes as:
//
//	logging → recover → operation
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, op Op, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, op, prev)
			}
		}
		return h(ctx)
	}
}
