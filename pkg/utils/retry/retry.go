// Package retry calls functions again with backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetry tells Blocking and Go to call the function again.
//
// Wrap it to tell why: fmt.Errorf("%w: %w", retry.ErrRetry, err)
var ErrRetry = errors.New("retry")

// ErrGiveUp is returned when Backoff decides not to wait any more.
var ErrGiveUp = errors.New("retry: gave up")

// Backoff is a (blocking) function returns when to retry.
//
// It should return ctx.Err() if the context is done, or nil to retry.
type Backoff func(context.Context) error

// StaticBackoff waits for a fixed interval.
func StaticBackoff(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1)
}

// ExponentialBackoff waits `initialInterval * r^N` for N-th call.
func ExponentialBackoff(initialInterval time.Duration, r float64) Backoff {
	interval := initialInterval
	return func(ctx context.Context) error {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			interval = time.Duration(float64(interval) * r)
			return nil
		}
	}
}

// Limited gives up after n waits of b.
//
// Together with Blocking, the function is called n+1 times at most.
func Limited(n int, b Backoff) Backoff {
	waited := 0
	return func(ctx context.Context) error {
		if n <= waited {
			return ErrGiveUp
		}
		waited++
		return b(ctx)
	}
}

// Blocking calls f until it returns nil or non-retry error.
//
// f is called first without waiting, and then, after each backoff.
//
// # Returns
//
// - T: last return value of f
//
// - error: error returned by f, or error from backoff.
// When backoff gives up, the last error of f is wrapped together with ErrGiveUp.
func Blocking[T any](ctx context.Context, b Backoff, f func() (T, error)) (T, error) {
	for {
		last, err := f()
		if err == nil {
			return last, nil
		}
		if !errors.Is(err, ErrRetry) {
			return last, err
		}
		if berr := b(ctx); berr != nil {
			return last, fmt.Errorf("%w: %w", berr, err)
		}
	}
}

type Result[T any] struct {
	Value T
	Err   error
}

type Promise[T any] <-chan Result[T]

// Go retries function f in background goroutine.
//
// A panic in f is reported as an error in Result.
func Go[T any](ctx context.Context, b Backoff, f func() (T, error)) Promise[T] {
	ch := make(chan Result[T], 1)

	go func() {
		defer close(ch)
		defer func() {
			r := recover()
			var err error
			switch rr := r.(type) {
			case nil:
				return
			case error:
				err = rr
			default:
				err = fmt.Errorf("%+v", rr)
			}
			ch <- Result[T]{Err: err}
		}()

		ret, err := Blocking(ctx, b, f)
		ch <- Result[T]{Value: ret, Err: err}
	}()

	return ch
}
