// Package executor runs a task node as jobs.
//
// An Executor splits the workload of a task into chunks, submits one job per
// chunk, joins their results and consolidates partial outputs.
//
// Executions are not goroutine-safe except Merge. They are expected to be
// driven by one goroutine per run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opst/knitflow/pkg/chunk"
	"github.com/opst/knitflow/pkg/ctxlog"
	"github.com/opst/knitflow/pkg/domain"
	imagedb "github.com/opst/knitflow/pkg/domain/image/db"
	jobdb "github.com/opst/knitflow/pkg/domain/job/db"
	"github.com/opst/knitflow/pkg/model"
	"github.com/opst/knitflow/pkg/queue"
	"github.com/opst/knitflow/pkg/utils/retry"
	"github.com/opst/knitflow/pkg/workers"
	"github.com/sirupsen/logrus"
)

// Config of Executor.
type Config struct {
	Queue  queue.Queue
	Pool   workers.Pool
	Images imagedb.ImageInterface
	Jobs   jobdb.JobInterface
	Merger model.Merger

	// operator ceiling of images per chunk. chunk.Unlimited for no ceiling.
	MaxChunkSize int

	// number of chunk slots. Worker counts are clamped to this. 0 means unlimited.
	SlotCapacity int

	// how many times a chunk failed transiently is re-submitted.
	Retries int

	// backoff between attempts to submit a job to the queue.
	SubmitBackoff time.Duration

	// how many times a submission is tried again.
	SubmitRetries int

	// called before each job is submitted to the queue. Optional.
	OnSubmit func(domain.Job)

	// generates job ids. Optional, uuid v4 by default.
	NewId func() string
}

type Executor struct {
	c Config
}

func New(c Config) *Executor {
	if c.NewId == nil {
		c.NewId = uuid.NewString
	}
	if c.OnSubmit == nil {
		c.OnSubmit = func(domain.Job) {}
	}
	c.Retries = max(0, c.Retries)
	c.SubmitRetries = max(0, c.SubmitRetries)
	return &Executor{c: c}
}

// Workload is images and workers for a task.
type Workload struct {
	Images       []string
	Workers      int
	MaxChunkSize int
}

// Chunks returns the number of chunks the workload is split into.
func (w Workload) Chunks() int {
	return chunk.Plan(len(w.Images), w.MaxChunkSize, w.Workers)
}

// Resolve finds the workload of a task in a project.
//
// Explicit images in kwargs are used as they are. Otherwise images matching the
// subset are looked up. The worker count is the live size of the pool when
// kwargs says domain.AllWorkers, at least 1.
// Either way, it is clamped to the slot capacity.
func (e *Executor) Resolve(ctx context.Context, projectId string, task domain.Task) (Workload, error) {
	images := task.Kwargs.Images
	if len(images) == 0 {
		found, err := e.c.Images.Images(ctx, projectId, task.Kwargs.Subset)
		if err != nil {
			return Workload{}, fmt.Errorf("resolving workload of task %s: %w", task.Id, err)
		}
		images = found
	}

	workers := task.Kwargs.Workers
	if workers == domain.AllWorkers {
		n, err := e.c.Pool.Size(ctx)
		if err != nil {
			return Workload{}, fmt.Errorf("counting workers for task %s: %w", task.Id, err)
		}
		workers = max(1, n)
	}
	if 0 < e.c.SlotCapacity {
		workers = min(workers, e.c.SlotCapacity)
	}

	maxChunkSize := e.c.MaxChunkSize
	if 0 < task.Kwargs.MaxChunkSize {
		maxChunkSize = task.Kwargs.MaxChunkSize
	}

	return Workload{Images: images, Workers: workers, MaxChunkSize: maxChunkSize}, nil
}

type chunkState struct {
	images []string
	job    domain.Job
}

// Execution is a task node being run.
type Execution struct {
	run   domain.WorkflowRun
	task  domain.Task
	input domain.ModelState

	chunks []chunkState

	// job id -> chunk index. Superseded job ids are not here.
	current map[string]int

	// set when cancelled or failed. Then results are ignored.
	closed bool
	err    error
}

func (x *Execution) NodeId() string {
	return x.task.Id
}

func (x *Execution) Task() domain.Task {
	return x.task
}

// Input returns the model state the jobs start from.
func (x *Execution) Input() domain.ModelState {
	return x.input
}

// Chunks returns the number of chunks.
func (x *Execution) Chunks() int {
	return len(x.chunks)
}

// Jobs returns the current job of each chunk, in chunk order.
func (x *Execution) Jobs() []domain.Job {
	jobs := make([]domain.Job, 0, len(x.chunks))
	for _, c := range x.chunks {
		jobs = append(jobs, c.job)
	}
	return jobs
}

// Owns reports whether the job is the current job of some chunk.
func (x *Execution) Owns(jobId string) bool {
	_, ok := x.current[jobId]
	return ok
}

// Err returns the error which failed the execution, if any.
func (x *Execution) Err() error {
	return x.err
}

// InFlight returns the number of chunks whose current job has not finished.
func (x *Execution) InFlight() int {
	n := 0
	for _, c := range x.chunks {
		if c.job.Id != "" && !c.job.Status.Terminal() {
			n++
		}
	}
	return n
}

func (x *Execution) done() bool {
	for _, c := range x.chunks {
		if c.job.Status != domain.JobSucceeded {
			return false
		}
	}
	return true
}

// Execute splits the workload into chunks and submits a job per chunk.
//
// When some job cannot be submitted, jobs submitted already are cancelled and
// an error is returned.
func (e *Executor) Execute(
	ctx context.Context, run domain.WorkflowRun, task domain.Task, input domain.ModelState, workload Workload,
) (*Execution, error) {
	shares := chunk.Partition(workload.Images, workload.Chunks())
	x := &Execution{
		run:     run,
		task:    task,
		input:   input,
		chunks:  make([]chunkState, len(shares)),
		current: map[string]int{},
	}
	for i, share := range shares {
		x.chunks[i] = chunkState{images: share}
		job := domain.Job{
			Id:         e.c.NewId(),
			RunId:      run.Id,
			NodeId:     task.Id,
			ChunkIndex: i,
			Attempt:    1,
			Kind:       task.Kind,
			Payload: domain.JobPayload{
				ProjectId:       run.ProjectId,
				Model:           input,
				ImageIds:        share,
				Hyperparameters: task.Kwargs.Hyperparameters,
			},
			Status: domain.Submitted,
		}
		if err := e.submit(ctx, job); err != nil {
			e.Cancel(ctx, x)
			return nil, err
		}
		x.chunks[i].job = job
		x.current[job.Id] = i
	}
	return x, nil
}

func (e *Executor) submit(ctx context.Context, job domain.Job) error {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"node_id": job.NodeId, "job_id": job.Id, "chunk_index": job.ChunkIndex, "attempt": job.Attempt,
	})
	if err := e.c.Jobs.Upsert(ctx, job); err != nil {
		return fmt.Errorf("recording job %s: %w", job.Id, err)
	}
	e.c.OnSubmit(job)
	_, err := retry.Blocking(
		ctx,
		retry.Limited(e.c.SubmitRetries, retry.StaticBackoff(e.c.SubmitBackoff)),
		func() (struct{}, error) {
			if err := e.c.Queue.Submit(ctx, job); err != nil {
				if errors.Is(err, queue.ErrClosed) {
					return struct{}{}, err
				}
				logger.WithError(err).Warn("failed to submit job")
				return struct{}{}, fmt.Errorf("%w: %w", retry.ErrRetry, err)
			}
			return struct{}{}, nil
		},
	)
	if err != nil {
		failed := job
		failed.Status = domain.JobFailed
		failed.Error = err.Error()
		e.record(context.WithoutCancel(ctx), failed)
		return fmt.Errorf("submitting job %s: %w", job.Id, err)
	}
	logger.WithField("images", len(job.Payload.ImageIds)).Debug("job submitted")
	return nil
}

// OutcomeKind tells what a job result has caused.
type OutcomeKind int

const (
	// The result is stale or duplicated. Nothing has changed.
	Ignored OutcomeKind = iota

	// Some job is started, or some chunk is done. More results are expected.
	Progressed

	// Some chunk has failed transiently and is submitted again.
	Retried

	// All chunks have succeeded. Outputs can be merged.
	Finished

	// The node has failed. Outcome.Err tells why.
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Ignored:
		return "ignored"
	case Progressed:
		return "progressed"
	case Retried:
		return "retried"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

type Outcome struct {
	Kind OutcomeKind

	// the job concerned. zero when Ignored.
	Job domain.Job

	// *domain.NodeExecutionError when Failed.
	Err error
}

// Handle applies a result to the execution.
//
// Results for jobs which are not current (superseded by re-submission, or of
// another execution) are Ignored. So are duplicates, and results after the
// execution is closed by Cancel or failure. Succeeded chunks are never retried.
func (e *Executor) Handle(ctx context.Context, x *Execution, result domain.JobResult) Outcome {
	idx, ok := x.current[result.JobId]
	if !ok || x.closed {
		return Outcome{Kind: Ignored}
	}
	c := &x.chunks[idx]
	if c.job.Status.Terminal() {
		return Outcome{Kind: Ignored}
	}
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"node_id": c.job.NodeId, "job_id": c.job.Id, "chunk_index": c.job.ChunkIndex, "attempt": c.job.Attempt,
	})

	switch result.Status {
	case domain.JobRunning:
		if c.job.Status == domain.JobRunning {
			return Outcome{Kind: Ignored}
		}
		c.job.Status = domain.JobRunning
		e.record(ctx, c.job)
		return Outcome{Kind: Progressed, Job: c.job}

	case domain.JobSucceeded:
		c.job.Status = domain.JobSucceeded
		c.job.ResultRef = result.ResultRef
		e.record(ctx, c.job)
		if x.done() {
			return Outcome{Kind: Finished, Job: c.job}
		}
		return Outcome{Kind: Progressed, Job: c.job}

	case domain.JobFailed:
		failed := c.job
		failed.Status = domain.JobFailed
		failed.Error = result.ErrorMessage
		e.record(ctx, failed)

		if result.Retryable && failed.Attempt <= e.c.Retries {
			next := domain.Job{
				Id:         e.c.NewId(),
				RunId:      failed.RunId,
				NodeId:     failed.NodeId,
				ChunkIndex: failed.ChunkIndex,
				Attempt:    failed.Attempt + 1,
				Kind:       failed.Kind,
				Payload:    failed.Payload,
				Status:     domain.Submitted,
			}
			logger.WithField("next_job_id", next.Id).WithField("reason", result.ErrorMessage).
				Info("chunk failed transiently. submitting again")
			delete(x.current, failed.Id)
			if err := e.submit(ctx, next); err != nil {
				x.chunks[idx].job = failed
				return e.fail(x, failed, err.Error(), err)
			}
			c.job = next
			x.current[next.Id] = idx
			return Outcome{Kind: Retried, Job: failed}
		}

		c.job = failed
		cause := &domain.JobExecutionError{
			JobId: failed.Id, Message: result.ErrorMessage, Retryable: result.Retryable,
		}
		return e.fail(x, failed, result.ErrorMessage, cause)

	default:
		logger.WithField("status", result.Status).Warn("unexpected job status")
		return Outcome{Kind: Ignored}
	}
}

func (e *Executor) fail(x *Execution, job domain.Job, message string, cause error) Outcome {
	x.closed = true
	x.err = &domain.NodeExecutionError{NodeId: x.task.Id, Message: message, Cause: cause}
	return Outcome{Kind: Failed, Job: job, Err: x.err}
}

func (e *Executor) record(ctx context.Context, job domain.Job) {
	if err := e.c.Jobs.Upsert(ctx, job); err != nil {
		ctxlog.FromContext(ctx).WithError(err).WithField("job_id", job.Id).Warn("failed to record job")
	}
}

// Output of a finished node.
type Output struct {
	// consolidated model state. Set for training nodes.
	Model domain.ModelState

	// references to prediction sets, in chunk order. Set for inference nodes.
	Predictions []string
}

// Merge consolidates outputs of all chunks.
//
// For training, partial model states are merged by Merger in one call.
// Failures are *domain.MergeError. For inference, it is the union of prediction sets.
//
// It can be called from a goroutine other than the one driving the execution,
// after Handle has returned Finished.
func (e *Executor) Merge(ctx context.Context, x *Execution) (Output, error) {
	if !x.done() {
		return Output{}, fmt.Errorf("node %s has unfinished chunks", x.task.Id)
	}
	refs := make([]string, 0, len(x.chunks))
	for _, c := range x.chunks {
		refs = append(refs, c.job.ResultRef)
	}

	switch x.task.Kind {
	case domain.Train:
		partials := make([]domain.ModelState, 0, len(refs))
		for _, r := range refs {
			partials = append(partials, domain.ModelState(r))
		}
		merged, err := e.c.Merger.Merge(ctx, x.input, partials)
		if err != nil {
			return Output{}, &domain.MergeError{NodeId: x.task.Id, Cause: err}
		}
		return Output{Model: merged}, nil
	case domain.Inference:
		return Output{Predictions: refs}, nil
	default:
		return Output{}, &domain.MergeError{
			NodeId: x.task.Id, Cause: &model.UnsupportedKindError{Kind: x.task.Kind},
		}
	}
}

// Cancel withdraws jobs of the execution which are not done, best-effort.
//
// After Cancel, every result for the execution is Ignored.
func (e *Executor) Cancel(ctx context.Context, x *Execution) {
	x.closed = true
	logger := ctxlog.FromContext(ctx)
	for _, c := range x.chunks {
		if c.job.Id == "" || c.job.Status.Terminal() {
			continue
		}
		if err := e.c.Queue.Cancel(ctx, c.job.Id); err != nil {
			logger.WithError(err).WithField("job_id", c.job.Id).Warn("failed to cancel job")
		}
	}
}

// Withdraw closes the execution, and takes back its jobs which no worker has picked yet.
//
// Jobs being done are left as they are. Their results can be applied with Settle.
// It returns the number of jobs withdrawn.
func (e *Executor) Withdraw(ctx context.Context, x *Execution) int {
	x.closed = true
	logger := ctxlog.FromContext(ctx)
	withdrawn := 0
	for i := range x.chunks {
		c := &x.chunks[i]
		if c.job.Id == "" || c.job.Status != domain.Submitted {
			continue
		}
		ok, err := e.c.Queue.Withdraw(ctx, c.job.Id)
		if err != nil {
			logger.WithError(err).WithField("job_id", c.job.Id).Warn("failed to withdraw job")
			continue
		}
		if !ok {
			continue
		}
		c.job.Status = domain.JobWithdrawn
		e.record(ctx, c.job)
		withdrawn++
	}
	return withdrawn
}

// Settle records a result of a job of a closed execution, without retrying or merging.
//
// It returns true when no job of the execution is in flight anymore.
func (e *Executor) Settle(ctx context.Context, x *Execution, result domain.JobResult) bool {
	if idx, ok := x.current[result.JobId]; ok {
		c := &x.chunks[idx]
		if !c.job.Status.Terminal() {
			switch result.Status {
			case domain.JobRunning:
				c.job.Status = domain.JobRunning
			case domain.JobSucceeded:
				c.job.Status = domain.JobSucceeded
				c.job.ResultRef = result.ResultRef
			case domain.JobFailed:
				c.job.Status = domain.JobFailed
				c.job.Error = result.ErrorMessage
			}
			e.record(ctx, c.job)
		}
	}
	return x.InFlight() == 0
}
