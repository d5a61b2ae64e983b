// Package loop runs a task repeatedly until it breaks or the context is done.
//
// It is the skeleton of polling processes of knitflow: the result poller of
// the durable queue and the worker runner.
package loop

import (
	"context"
	"fmt"
	"time"
)

type Next struct {
	// if not nil, breaks with error
	err error

	// if quit == true and err == nil, breaks without error
	quit bool

	// otherwise, continue loop with interval.
	interval time.Duration
}

func (n Next) String() string {
	if n.err != nil {
		return fmt.Sprintf("[break] with error: %v", n.err)
	}
	if n.quit {
		return "[break] without error"
	}

	return fmt.Sprintf("[continue] interval: %s", n.interval)
}

// Continue the loop after interval.
func Continue(interval time.Duration) Next {
	return Next{interval: interval}
}

// Break the loop. err may be nil.
func Break(err error) Next {
	return Next{quit: true, err: err}
}

// Task is a body of a loop.
//
// It receives the value returned by the previous call (or init, for the first),
// and returns a new value and what to do next.
//
// Zero value of Next equals Continue(0).
type Task[T any] func(context.Context, T) (T, Next)

// Start runs task in loop.
//
// Example: count 1 to 10
//
//	Start(ctx, 1, func(_ context.Context, value int) (int, Next) {
//		value += 1
//		if 10 <= value {
//			return value, Break(nil)
//		}
//		return value, Continue(0)
//	})
//
// # Args
//
// - ctx : When this context get be Done, loop breaks with ctx.Err().
//
// - init : the first value passed to task.
//
// - task : body of the loop.
//
// - options : options for each iteration.
//
// # Returns
//
// - T: the value task returned at last, or init if task has never been called.
//
// - error: error in Break(error), or ctx.Err().
func Start[T any](ctx context.Context, init T, task Task[T], options ...LoopOption) (T, error) {
	select {
	case <-ctx.Done():
		return init, ctx.Err()
	default:
	}

	value := init
	for {
		lc := &loopConfig{ctx: ctx}
		for _, opt := range options {
			lc = opt(lc)
		}

		v, n := func() (T, Next) {
			if lc.deferred != nil {
				defer lc.deferred()
			}
			return task(lc.ctx, value)
		}()

		value = v
		if n.err != nil {
			return value, n.err
		} else if n.quit {
			return value, nil
		}

		timer := time.NewTimer(n.interval)
		select {
		case <-ctx.Done():
			// shutting down comes first.
			if !timer.Stop() {
				<-timer.C
			}
			return value, ctx.Err()
		case <-timer.C:
		}
	}
}

type loopConfig struct {
	ctx      context.Context
	deferred func()
}

type LoopOption func(*loopConfig) *loopConfig

// WithTimeout sets timeout on the context passed to each iteration of task.
func WithTimeout(d time.Duration) LoopOption {
	return func(lc *loopConfig) *loopConfig {
		ctx, cancel := context.WithTimeout(lc.ctx, d)
		return &loopConfig{
			ctx: ctx,
			deferred: func() {
				if lc.deferred != nil {
					defer lc.deferred()
				}
				cancel()
			},
		}
	}
}
