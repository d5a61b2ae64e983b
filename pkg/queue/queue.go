// Package queue is the boundary between the engine and workers.
//
// The engine submits jobs and consumes their results. Workers pick jobs, do them
// and report results. Jobs and results cross the boundary as envelopes encoded
// by this package, and nothing else does.
//
// Delivery is at-least-once: a result can be delivered more than once, and
// consumers should tolerate duplicates.
package queue

import (
	"context"
	"errors"

	"github.com/opst/knitflow/pkg/domain"
)

// ErrClosed is returned by operations on a queue which has stopped.
var ErrClosed = errors.New("queue is closed")

// Queue is the engine side of a job queue.
type Queue interface {
	// Submit enqueues a job.
	Submit(ctx context.Context, job domain.Job) error

	// Cancel withdraws a job, best-effort.
	//
	// A job not picked yet is never picked. A job being done may still report its result.
	// Cancelling unknown or finished jobs is not an error.
	Cancel(ctx context.Context, jobId string) error

	// Withdraw cancels a job only if no worker has picked it yet.
	//
	// It returns true when the job is withdrawn. Then the job is never picked.
	// Picked, finished or unknown jobs are left as they are, and false is returned.
	Withdraw(ctx context.Context, jobId string) (bool, error)

	// Consume calls deliver for each result reported by workers, until ctx is done.
	//
	// When deliver returns an error, the result will be delivered again later.
	Consume(ctx context.Context, deliver func(context.Context, domain.JobResult) error) error
}

// Source is the worker side of a job queue.
type Source interface {
	// Pick takes a job from the queue. It returns false when no jobs are queued.
	Pick(ctx context.Context) (domain.Job, bool, error)

	// Report writes a result of a job.
	Report(ctx context.Context, result domain.JobResult) error

	// Cancelled reports whether the job has been cancelled.
	Cancelled(ctx context.Context, jobId string) (bool, error)
}

// Handler does jobs.
type Handler interface {
	// Handle does the job and returns its terminal result.
	//
	// When ctx is cancelled, Handle should return soon.
	Handle(ctx context.Context, job domain.Job) domain.JobResult
}

type HandlerFunc func(context.Context, domain.Job) domain.JobResult

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) domain.JobResult {
	return f(ctx, job)
}
