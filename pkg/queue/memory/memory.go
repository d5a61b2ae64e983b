// Package memory is a job queue in process memory, with local workers.
//
// It is for single-node deployments and tests. Jobs and results still pass
// through the wire encoding, as they do over a durable queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/opst/knitflow/pkg/ctxlog"
	"github.com/opst/knitflow/pkg/domain"
	"github.com/opst/knitflow/pkg/queue"
	"github.com/opst/knitflow/pkg/utils/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyConsuming = errors.New("queue is consumed already")

type envelope struct {
	jobId string
	body  []byte
}

// Queue is an unbounded FIFO queue.
type Queue struct {
	workers int
	handler queue.Handler

	// interval to deliver a result again when deliver fails
	redeliver time.Duration

	mu        sync.Mutex
	pending   []envelope
	running   map[string]context.CancelFunc
	consuming bool

	signal chan struct{}
}

var _ queue.Queue = &Queue{}

type Option func(*Queue)

// WithRedeliveryInterval sets the interval to deliver a result again, when delivery fails.
func WithRedeliveryInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.redeliver = d
	}
}

// New creates a Queue which does jobs with handler on workers goroutines.
//
// workers less than 1 is treated as 1.
func New(workers int, handler queue.Handler, options ...Option) *Queue {
	q := &Queue{
		workers:   max(1, workers),
		handler:   handler,
		redeliver: 100 * time.Millisecond,
		running:   map[string]context.CancelFunc{},
		signal:    make(chan struct{}, 1),
	}
	for _, o := range options {
		o(q)
	}
	return q
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) Submit(_ context.Context, job domain.Job) error {
	body, err := queue.EncodeJob(job)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.pending = append(q.pending, envelope{jobId: job.Id, body: body})
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *Queue) Cancel(_ context.Context, jobId string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = slices.DeleteFunc(q.pending, func(e envelope) bool { return e.jobId == jobId })
	if cancel, ok := q.running[jobId]; ok {
		cancel()
	}
	return nil
}

func (q *Queue) Withdraw(_ context.Context, jobId string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	before := len(q.pending)
	q.pending = slices.DeleteFunc(q.pending, func(e envelope) bool { return e.jobId == jobId })
	return len(q.pending) < before, nil
}

// Len returns the number of jobs waiting for workers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// take pops the oldest job, and registers it as running.
func (q *Queue) take(ctx context.Context) (envelope, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return envelope{}, nil, false
	}
	e := q.pending[0]
	q.pending = q.pending[1:]
	if 0 < len(q.pending) {
		q.wake()
	}
	jctx, cancel := context.WithCancel(ctx)
	q.running[e.jobId] = cancel
	return e, jctx, true
}

func (q *Queue) done(jobId string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cancel, ok := q.running[jobId]; ok {
		cancel()
		delete(q.running, jobId)
	}
}

// Consume starts workers and delivers their results, until ctx is done.
func (q *Queue) Consume(ctx context.Context, deliver func(context.Context, domain.JobResult) error) error {
	q.mu.Lock()
	if q.consuming {
		q.mu.Unlock()
		return ErrAlreadyConsuming
	}
	q.consuming = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.consuming = false
		q.mu.Unlock()
	}()

	eg, ectx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		worker := i
		eg.Go(func() error {
			wctx, _ := ctxlog.With(ectx, logrus.Fields{"worker": worker})
			q.work(wctx, deliver)
			return nil
		})
	}
	eg.Wait()
	return ctx.Err()
}

func (q *Queue) work(ctx context.Context, deliver func(context.Context, domain.JobResult) error) {
	for {
		e, jctx, ok := q.take(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.signal:
				continue
			}
		}
		q.do(ctx, jctx, e, deliver)
	}
}

func (q *Queue) do(
	ctx context.Context, jctx context.Context, e envelope,
	deliver func(context.Context, domain.JobResult) error,
) {
	defer q.done(e.jobId)
	logger := ctxlog.FromContext(ctx).WithField("job_id", e.jobId)

	job, err := queue.DecodeJob(e.body)
	if err != nil {
		logger.WithError(err).Error("dropping undecodable job")
		return
	}

	q.send(ctx, domain.JobResult{JobId: job.Id, Status: domain.JobRunning}, deliver)

	result := q.handle(jctx, job)
	if result.JobId == "" {
		result.JobId = job.Id
	}
	q.send(ctx, result, deliver)
}

func (q *Queue) handle(ctx context.Context, job domain.Job) (result domain.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			result = domain.JobResult{
				JobId: job.Id, Status: domain.JobFailed,
				ErrorMessage: fmt.Sprintf("worker panicked: %v", r),
			}
		}
	}()
	return q.handler.Handle(ctx, job)
}

// send delivers a result through the wire encoding, retrying until delivered.
func (q *Queue) send(ctx context.Context, r domain.JobResult, deliver func(context.Context, domain.JobResult) error) {
	logger := ctxlog.FromContext(ctx).WithField("job_id", r.JobId)

	body, err := queue.EncodeResult(r)
	if err != nil {
		logger.WithError(err).Error("dropping unencodable result")
		return
	}
	decoded, err := queue.DecodeResult(body)
	if err != nil {
		logger.WithError(err).Error("dropping undecodable result")
		return
	}

	if _, err := retry.Blocking(ctx, retry.StaticBackoff(q.redeliver), func() (struct{}, error) {
		if err := deliver(ctx, decoded); err != nil {
			logger.WithError(err).Warn("delivery failed. retrying")
			return struct{}{}, fmt.Errorf("%w: %w", retry.ErrRetry, err)
		}
		return struct{}{}, nil
	}); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("result is not delivered")
	}
}
