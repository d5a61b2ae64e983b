package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/opst/knitflow/pkg/ctxlog"
	"github.com/opst/knitflow/pkg/domain"
	"github.com/opst/knitflow/pkg/loop"
	"github.com/opst/knitflow/pkg/loop/recurring"
	"github.com/opst/knitflow/pkg/queue"
	"github.com/opst/knitflow/pkg/utils/retry"
	"github.com/sirupsen/logrus"
)

// Worker picks jobs one by one from a queue.Source.
type Worker struct {
	source  queue.Source
	handler queue.Handler

	poll          time.Duration
	cancelCheck   time.Duration
	reportRetries int
	reportBackoff time.Duration
}

type Option func(*Worker)

// WithPollInterval sets how long the worker waits when the queue is empty.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.poll = d
	}
}

// WithCancelCheckInterval sets how often the worker checks cancellation of the job being done.
func WithCancelCheckInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.cancelCheck = d
	}
}

// WithReportRetry sets how many times and how long (initially) the worker retries reporting results.
//
// Backoff is doubled for each retry.
func WithReportRetry(retries int, backoff time.Duration) Option {
	return func(w *Worker) {
		w.reportRetries = max(0, retries)
		w.reportBackoff = backoff
	}
}

func New(source queue.Source, handler queue.Handler, options ...Option) *Worker {
	w := &Worker{
		source:        source,
		handler:       handler,
		poll:          time.Second,
		cancelCheck:   5 * time.Second,
		reportRetries: 5,
		reportBackoff: 100 * time.Millisecond,
	}
	for _, o := range options {
		o(w)
	}
	return w
}

// Run does jobs until ctx is done.
//
// Errors on picking and reporting are logged, and the worker goes on.
func (w *Worker) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	_, err := loop.Start(
		ctx, struct{}{},
		recurring.Task[struct{}](func(ctx context.Context, s struct{}) (struct{}, bool, error) {
			done, err := w.Once(ctx)
			if err != nil {
				logger.WithError(err).Warn("worker cycle failed")
			}
			return s, done && err == nil, err
		}).Applied(recurring.Forever(w.poll)),
	)
	return err
}

// Once picks a job and does it.
//
// # Returns
//
// - bool: true if a job has been picked.
//
// - error
func (w *Worker) Once(ctx context.Context) (bool, error) {
	job, ok, err := w.source.Pick(ctx)
	if err != nil {
		return false, fmt.Errorf("picking a job: %w", err)
	}
	if !ok {
		return false, nil
	}
	ctx, logger := ctxlog.With(ctx, logrus.Fields{"job_id": job.Id, "run_id": job.RunId})

	if cancelled, err := w.source.Cancelled(ctx, job.Id); err != nil {
		return true, fmt.Errorf("checking cancellation of job %s: %w", job.Id, err)
	} else if cancelled {
		logger.Info("skipping cancelled job")
		return true, nil
	}

	if err := w.report(ctx, domain.JobResult{JobId: job.Id, Status: domain.JobRunning}); err != nil {
		return true, err
	}

	jobCtx, cancel := context.WithCancel(ctx)
	watched := make(chan bool, 1)
	go func() {
		watched <- w.watch(jobCtx, job.Id, cancel)
	}()
	result := w.handler.Handle(jobCtx, job)
	cancel()
	if <-watched {
		logger.Info("job is cancelled while being done. its result is dropped")
		return true, nil
	}

	if err := w.report(ctx, result); err != nil {
		return true, err
	}
	return true, nil
}

// watch polls cancellation of the job until ctx is done.
//
// It returns true when the job is found cancelled. Then, cancel is called.
func (w *Worker) watch(ctx context.Context, jobId string, cancel func()) bool {
	ticker := time.NewTicker(w.cancelCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		cancelled, err := w.source.Cancelled(ctx, jobId)
		if err != nil {
			ctxlog.FromContext(ctx).WithError(err).Debug("failed to check cancellation")
			continue
		}
		if cancelled {
			cancel()
			return true
		}
	}
}

func (w *Worker) report(ctx context.Context, result domain.JobResult) error {
	_, err := retry.Blocking(
		ctx,
		retry.Limited(w.reportRetries, retry.ExponentialBackoff(w.reportBackoff, 2)),
		func() (struct{}, error) {
			if err := w.source.Report(ctx, result); err != nil {
				return struct{}{}, fmt.Errorf("%w: %w", retry.ErrRetry, err)
			}
			return struct{}{}, nil
		},
	)
	if err != nil {
		return fmt.Errorf("reporting %s result of job %s: %w", result.Status, result.JobId, err)
	}
	return nil
}
