// Package engine advances workflow runs.
//
// Each run is driven by its own actor goroutine, which owns all state of the
// run. Everything else talks to actors by posting events to their mailboxes:
// admissions from the gatekeeper, job results from the queue, finished merges,
// cancellations and wake-ups on released chunk slots.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opst/knitflow/pkg/ctxlog"
	"github.com/opst/knitflow/pkg/db"
	"github.com/opst/knitflow/pkg/domain"
	domerr "github.com/opst/knitflow/pkg/domain/errors"
	"github.com/opst/knitflow/pkg/domain/graph"
	"github.com/opst/knitflow/pkg/executor"
	"github.com/opst/knitflow/pkg/gatekeeper"
	"github.com/opst/knitflow/pkg/model"
	"github.com/opst/knitflow/pkg/queue"
	"github.com/opst/knitflow/pkg/status"
	"github.com/opst/knitflow/pkg/workers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Context is everything the engine works with.
type Context struct {
	Queue      queue.Queue
	Gatekeeper *gatekeeper.Gatekeeper
	Pool       workers.Pool
	Database   db.Database
	Merger     model.Merger

	// base logger. If nil, the logger in the context given to New is used.
	Logger *logrus.Entry

	// registerer for metrics. If nil, metrics are not exported.
	Registerer prometheus.Registerer

	// operator ceiling of images per chunk. 0 means no ceiling.
	MaxChunkSize int

	// how many times a chunk failed transiently is re-submitted.
	Retries int

	// backoff between attempts to submit a job.
	SubmitBackoff time.Duration

	// how many times a job submission is tried again.
	SubmitRetries int

	// Optional. time.Now by default.
	Clock func() time.Time

	// Optional. uuid v4 by default. Used for run ids and job ids.
	NewId func() string
}

type metrics struct {
	dispatched *prometheus.CounterVec
	retries    prometheus.Counter
	finished   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knitflow",
			Subsystem: "engine",
			Name:      "jobs_dispatched_total",
			Help:      "Number of jobs submitted to the queue, by kind.",
		}, []string{"kind"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "knitflow",
			Subsystem: "engine",
			Name:      "job_retries_total",
			Help:      "Number of jobs re-submitted after transient failures.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knitflow",
			Subsystem: "engine",
			Name:      "runs_finished_total",
			Help:      "Number of runs reached terminal status, by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.dispatched, m.retries, m.finished)
	return m
}

type Engine struct {
	c        Context
	base     context.Context
	executor *executor.Executor
	board    *status.Board
	metrics  metrics

	mu     sync.RWMutex
	actors map[string]*actor

	// job id -> run id, for jobs of live runs
	jobs map[string]string

	wg sync.WaitGroup
}

// New creates an Engine.
//
// Runs are advanced while ctx is alive. To wait for actors stopping after ctx
// is done, use Wait.
func New(ctx context.Context, c Context) *Engine {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewId == nil {
		c.NewId = uuid.NewString
	}
	if c.Logger != nil {
		ctx = ctxlog.Context(ctx, c.Logger)
	}

	e := &Engine{
		c:       c,
		base:    ctx,
		board:   status.NewBoard(),
		metrics: newMetrics(c.Registerer),
		actors:  map[string]*actor{},
		jobs:    map[string]string{},
	}
	e.executor = executor.New(executor.Config{
		Queue:         c.Queue,
		Pool:          c.Pool,
		Images:        c.Database.Images(),
		Jobs:          c.Database.Jobs(),
		Merger:        c.Merger,
		MaxChunkSize:  c.MaxChunkSize,
		SlotCapacity:  c.Gatekeeper.SlotCapacity(),
		Retries:       c.Retries,
		SubmitBackoff: c.SubmitBackoff,
		SubmitRetries: c.SubmitRetries,
		OnSubmit:      e.onSubmit,
		NewId:         c.NewId,
	})
	return e
}

func (e *Engine) onSubmit(job domain.Job) {
	e.mu.Lock()
	e.jobs[job.Id] = job.RunId
	e.mu.Unlock()

	e.metrics.dispatched.WithLabelValues(job.Kind.String()).Inc()
	if 1 < job.Attempt {
		e.metrics.retries.Inc()
	}
}

// Submit validates and stores a workflow, and starts a run of it.
//
// The run is queued until the gatekeeper admits it.
//
// # Returns
//
// - string: id of the new run
//
// - error: *domain.ValidationError when the workflow is invalid, or errors from the run store.
func (e *Engine) Submit(
	ctx context.Context, def domain.WorkflowDefinition, projectId string, trigger domain.Trigger,
) (string, error) {
	g, err := graph.Build(def)
	if err != nil {
		return "", err
	}
	if trigger == "" {
		trigger = domain.ByUser
	}

	run := domain.WorkflowRun{
		Id:             e.c.NewId(),
		ProjectId:      projectId,
		TriggeredBy:    trigger,
		Status:         domain.Queued,
		SubmittedAt:    e.c.Clock(),
		NodeStates:     map[string]domain.NodeState{},
		RepeatCounters: map[string]int{},
	}
	for _, id := range g.Order() {
		run.NodeStates[id] = domain.Pending
	}
	for _, l := range g.Loops() {
		run.RepeatCounters[l.Id] = l.NumRepetitions
	}

	if err := e.c.Database.Runs().Create(ctx, run, def); err != nil {
		return "", fmt.Errorf("storing run: %w", err)
	}

	a := newActor(e, run, g)
	e.mu.Lock()
	e.actors[run.Id] = a
	e.mu.Unlock()
	e.board.Publish(run.Id, a.snapshot())

	admitted, withdraw := e.c.Gatekeeper.Admit(projectId, trigger, func() { a.mb.post(evAdmit{}) })
	a.withdraw = withdraw
	if admitted {
		a.mb.post(evAdmit{})
	} else {
		a.logger.Info("run is queued")
	}

	e.wg.Add(1)
	go a.loop()
	return run.Id, nil
}

func (e *Engine) actorOf(runId string) (*actor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actors[runId]
	return a, ok
}

// known reports whether the run exists, in memory or in the store.
func (e *Engine) known(ctx context.Context, runId string) error {
	if _, ok := e.board.Get(runId); ok {
		return nil
	}
	if _, err := e.c.Database.Runs().Get(ctx, runId); err != nil {
		if errors.Is(err, domerr.ErrMissing) {
			return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runId)
		}
		return err
	}
	return nil
}

// Advance makes a run progress as far as it can now.
//
// It is idempotent, and it is a no-op for runs being queued or terminated.
// An error is returned only when the run is unknown.
func (e *Engine) Advance(ctx context.Context, runId string) error {
	if a, ok := e.actorOf(runId); ok {
		a.mb.post(evAdvance{})
		return nil
	}
	return e.known(ctx, runId)
}

// Cancel requests cancellation of a run. It takes effect asynchronously.
//
// Pending nodes are never dispatched after that, and jobs in flight are cancelled best-effort.
// Cancelling terminated runs is a no-op.
func (e *Engine) Cancel(ctx context.Context, runId string) error {
	if a, ok := e.actorOf(runId); ok {
		a.mb.post(evCancel{})
		return nil
	}
	return e.known(ctx, runId)
}

// Status returns the latest snapshot of a run.
//
// Runs not held in memory are read from the store.
func (e *Engine) Status(ctx context.Context, runId string) (status.Snapshot, error) {
	if s, ok := e.board.Get(runId); ok {
		return s, nil
	}

	run, err := e.c.Database.Runs().Get(ctx, runId)
	if err != nil {
		if errors.Is(err, domerr.ErrMissing) {
			return status.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runId)
		}
		return status.Snapshot{}, err
	}
	jobs, err := e.c.Database.Jobs().Find(ctx, runId)
	if err != nil {
		return status.Snapshot{}, err
	}
	counts := map[string]status.JobCounts{}
	for _, j := range jobs {
		c := counts[j.NodeId]
		c.Submitted += 1
		if j.Status == domain.JobFailed {
			c.Failed += 1
		}
		counts[j.NodeId] = c
	}
	return status.Project(run, counts), nil
}

// Deliver routes a job result to its run.
//
// Results of unknown jobs and of terminated runs are dropped without error.
// An error is returned only when the result should be delivered again.
func (e *Engine) Deliver(ctx context.Context, result domain.JobResult) error {
	e.mu.RLock()
	runId, ok := e.jobs[result.JobId]
	e.mu.RUnlock()

	if !ok {
		job, err := e.c.Database.Jobs().Get(ctx, result.JobId)
		if err != nil {
			if errors.Is(err, domerr.ErrMissing) {
				ctxlog.FromContext(ctx).WithField("job_id", result.JobId).Debug("dropping result of unknown job")
				return nil
			}
			return err
		}
		runId = job.RunId
	}

	if a, ok := e.actorOf(runId); ok {
		a.mb.post(evResult{result: result})
	}
	return nil
}

// Consume delivers results from the queue until ctx is done.
func (e *Engine) Consume(ctx context.Context) error {
	return e.c.Queue.Consume(ctx, e.Deliver)
}

// Wait blocks until all actors and merges have stopped.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// retire drops a terminated run from memory.
//
// The snapshot is dropped too if the run is stored as it is. Otherwise it is
// kept on the board, since the store can not tell the latest state.
func (e *Engine) retire(a *actor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a.persisted {
		e.board.Forget(a.run.Id)
	}
	delete(e.actors, a.run.Id)
	for jobId, runId := range e.jobs {
		if runId == a.run.Id {
			delete(e.jobs, jobId)
		}
	}
}
