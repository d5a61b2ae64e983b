// Package context bounds contexts of tests by their deadlines.
package context

import (
	"context"
	"testing"
	"time"
)

// margin left for tests to clean up their resources after the context is done.
const margin = time.Second

// WithTest wraps ctx with the deadline of the test, minus a margin for clean-up.
//
// If the test has no deadline, ctx is returned as it is, with a no-op cancel function.
func WithTest(ctx context.Context, t *testing.T) (context.Context, context.CancelFunc) {
	if deadline, ok := t.Deadline(); ok {
		return context.WithDeadline(ctx, deadline.Add(-margin))
	}
	return ctx, func() {}
}

// Cleanup is WithTest, and the context is cancelled when the test ends.
func Cleanup(ctx context.Context, t *testing.T) context.Context {
	ctx, cancel := WithTest(ctx, t)
	t.Cleanup(cancel)
	return ctx
}
