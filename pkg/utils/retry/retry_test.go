package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opst/knitflow/pkg/utils/retry"
)

func TestBlocking(t *testing.T) {
	t.Run("it calls f first without backoff", func(t *testing.T) {
		backoffs := 0
		b := func(context.Context) error { backoffs++; return nil }

		actual, err := retry.Blocking(context.Background(), b, func() (int, error) { return 42, nil })
		if err != nil {
			t.Fatal(err)
		}
		if actual != 42 || backoffs != 0 {
			t.Errorf("unexpected: value = %d, backoffs = %d", actual, backoffs)
		}
	})

	t.Run("it retries on ErrRetry until success", func(t *testing.T) {
		calls := 0
		actual, err := retry.Blocking(
			context.Background(), retry.StaticBackoff(time.Millisecond),
			func() (int, error) {
				calls++
				if calls < 3 {
					return calls, fmt.Errorf("%w: not yet", retry.ErrRetry)
				}
				return calls, nil
			},
		)
		if err != nil {
			t.Fatal(err)
		}
		if actual != 3 {
			t.Errorf("called %d times", actual)
		}
	})

	t.Run("it does not retry on other errors", func(t *testing.T) {
		expected := errors.New("fatal")
		calls := 0
		_, err := retry.Blocking(
			context.Background(), retry.StaticBackoff(time.Millisecond),
			func() (int, error) { calls++; return 0, expected },
		)
		if !errors.Is(err, expected) || calls != 1 {
			t.Errorf("unexpected: err = %v, calls = %d", err, calls)
		}
	})

	t.Run("Limited gives up after n retries", func(t *testing.T) {
		calls := 0
		cause := fmt.Errorf("%w: unavailable", retry.ErrRetry)
		_, err := retry.Blocking(
			context.Background(), retry.Limited(2, retry.StaticBackoff(time.Millisecond)),
			func() (int, error) { calls++; return 0, cause },
		)
		if !errors.Is(err, retry.ErrGiveUp) || !errors.Is(err, retry.ErrRetry) {
			t.Errorf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("called %d times, want 3", calls)
		}
	})

	t.Run("it stops when context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := retry.Blocking(
			ctx, retry.StaticBackoff(time.Hour),
			func() (int, error) { return 0, retry.ErrRetry },
		)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestGo(t *testing.T) {
	t.Run("it reports panic as error", func(t *testing.T) {
		p := retry.Go(context.Background(), retry.StaticBackoff(0), func() (int, error) {
			panic("boom")
		})
		r := <-p
		if r.Err == nil {
			t.Error("panic is not reported")
		}
	})

	t.Run("it reports value", func(t *testing.T) {
		p := retry.Go(context.Background(), retry.StaticBackoff(0), func() (string, error) {
			return "ok", nil
		})
		if r := <-p; r.Err != nil || r.Value != "ok" {
			t.Errorf("unexpected: %+v", r)
		}
	})
}
