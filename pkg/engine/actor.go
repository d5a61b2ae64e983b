package engine

import (
	"context"
	"errors"
	"slices"

	"github.com/opst/knitflow/pkg/ctxlog"
	"github.com/opst/knitflow/pkg/domain"
	"github.com/opst/knitflow/pkg/domain/graph"
	"github.com/opst/knitflow/pkg/executor"
	"github.com/opst/knitflow/pkg/status"
	"github.com/sirupsen/logrus"
)

type event interface {
	event()
}

type (
	// the run is admitted by the gatekeeper.
	evAdmit struct{}

	// try to advance the run.
	evAdvance struct{}

	// chunk slots may be available.
	evWake struct{}

	evCancel struct{}

	evResult struct {
		result domain.JobResult
	}

	// outputs of a node are consolidated.
	evMerged struct {
		nodeId string
		exec   *executor.Execution
		output executor.Output
		err    error
	}
)

func (evAdmit) event()   {}
func (evAdvance) event() {}
func (evWake) event()    {}
func (evCancel) event()  {}
func (evResult) event()  {}
func (evMerged) event()  {}

// actor drives a run. Its fields are touched only by its own goroutine,
// except mb and withdraw (which is set before the goroutine starts).
type actor struct {
	e      *Engine
	ctx    context.Context
	logger *logrus.Entry
	mb     *mailbox

	run   domain.WorkflowRun
	graph *graph.Graph

	withdraw func() bool
	admitted bool

	// node id -> execution in flight
	execs map[string]*executor.Execution

	// node id -> execution left running after the run has failed.
	// The actor stays until they are settled, holding their chunk slots.
	draining map[string]*executor.Execution

	// node id -> chunk slots held
	slots map[string]int

	// node id -> output of the last pass
	outputs map[string]executor.Output

	// node id -> number of completed passes
	passes map[string]int

	counts map[string]status.JobCounts

	// consolidated model state produced last in this run
	lastModel domain.ModelState

	dirty bool

	// whether the last flush is stored
	persisted bool
}

func newActor(e *Engine, run domain.WorkflowRun, g *graph.Graph) *actor {
	ctx, logger := ctxlog.With(e.base, logrus.Fields{"run_id": run.Id, "project_id": run.ProjectId})
	return &actor{
		e:       e,
		ctx:     ctx,
		logger:  logger,
		mb:      newMailbox(),
		run:     run,
		graph:   g,
		execs:    map[string]*executor.Execution{},
		draining: map[string]*executor.Execution{},
		slots:    map[string]int{},
		outputs:  map[string]executor.Output{},
		passes:   map[string]int{},
		counts:   map[string]status.JobCounts{},
	}
}

func (a *actor) loop() {
	defer a.e.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			a.mb.close()
			return
		case <-a.mb.signal:
		}

		for _, ev := range a.mb.take() {
			a.handle(ev)
		}
		a.flush()

		if a.run.Status.Terminal() && len(a.draining) == 0 {
			a.mb.close()
			a.e.retire(a)
			return
		}
	}
}

func (a *actor) handle(ev event) {
	if a.run.Status.Terminal() {
		if ev, ok := ev.(evResult); ok {
			a.settle(ev.result)
		}
		return
	}
	switch ev := ev.(type) {
	case evAdmit:
		a.admit()
	case evAdvance, evWake:
		a.advance()
	case evCancel:
		a.cancel()
	case evResult:
		a.onResult(ev.result)
	case evMerged:
		a.onMerged(ev)
	}
}

func (a *actor) snapshot() status.Snapshot {
	return status.Project(a.run, a.counts)
}

// flush persists and publishes the run if it has changed.
func (a *actor) flush() {
	if !a.dirty {
		return
	}
	a.dirty = false
	a.e.board.Publish(a.run.Id, a.snapshot())
	a.persisted = false
	if err := a.e.c.Database.Runs().Update(a.ctx, a.run.Copy()); err != nil {
		a.logger.WithError(err).Warn("failed to persist run")
		return
	}
	a.persisted = true
}

func (a *actor) setNode(id string, st domain.NodeState) {
	if a.run.NodeStates[id] == st {
		return
	}
	a.run.NodeStates[id] = st
	a.dirty = true
}

func (a *actor) admit() {
	if a.run.Status != domain.Queued {
		return
	}
	a.admitted = true
	a.run.Status = domain.Running
	a.run.StartedAt = a.e.c.Clock()
	a.dirty = true
	a.logger.Info("run is admitted")
	a.advance()
}

func (a *actor) ready(id string) bool {
	for _, p := range a.graph.Predecessors(id) {
		if !a.run.NodeStates[p].Done() {
			return false
		}
	}
	return true
}

// advance dispatches every node in the frontier, until nothing changes.
func (a *actor) advance() {
	for a.run.Status == domain.Running {
		progressed := false
		for _, id := range a.graph.Order() {
			if a.run.Status != domain.Running {
				return
			}
			if a.run.NodeStates[id] != domain.Pending || !a.ready(id) {
				continue
			}
			node, _ := a.graph.Node(id)
			switch n := node.(type) {
			case domain.Connector:
				a.complete(id, executor.Output{})
				progressed = true
			case domain.Task:
				if a.dispatch(n) {
					progressed = true
				}
			}
		}
		if !progressed {
			break
		}
	}

	if a.run.Status != domain.Running {
		return
	}
	for _, st := range a.run.NodeStates {
		if st != domain.Completed {
			return
		}
	}
	a.finish(domain.Succeeded)
}

// inputOf finds the model state a task starts from.
//
// A training task continues from its own output in the previous pass.
// Otherwise the output of the nearest upstream training task is used, and
// then the current model of the project.
func (a *actor) inputOf(task domain.Task) (domain.ModelState, error) {
	if task.Kind == domain.Train {
		if out, ok := a.outputs[task.Id]; ok && out.Model != "" {
			return out.Model, nil
		}
	}
	for _, t := range a.graph.UpstreamTrainers(task.Id) {
		if out, ok := a.outputs[t]; ok && out.Model != "" {
			return out.Model, nil
		}
	}
	return a.e.c.Database.Models().Current(a.ctx, a.run.ProjectId)
}

// acquire takes n chunk slots, or asks to be woken up on release.
func (a *actor) acquire(n int) bool {
	gk := a.e.c.Gatekeeper
	if gk.TryAcquire(n) {
		return true
	}
	gk.NotifyOnRelease(func() { a.mb.post(evWake{}) })
	// slots may have been released before the notification is registered.
	return gk.TryAcquire(n)
}

// dispatch submits jobs of a task.
//
// It returns false when the task is left pending, for lack of chunk slots or for failure.
func (a *actor) dispatch(task domain.Task) bool {
	logger := a.logger.WithField("node_id", task.Id)

	input, err := a.inputOf(task)
	if err != nil {
		a.failNode(task.Id, err.Error())
		return false
	}
	workload, err := a.e.executor.Resolve(a.ctx, a.run.ProjectId, task)
	if err != nil {
		a.failNode(task.Id, err.Error())
		return false
	}

	n := workload.Chunks()
	if !a.acquire(n) {
		logger.WithField("chunks", n).Debug("waiting for chunk slots")
		return false
	}

	x, err := a.e.executor.Execute(a.ctx, a.run, task, input, workload)
	if err != nil {
		a.e.c.Gatekeeper.ReleaseSlots(n)
		a.failNode(task.Id, err.Error())
		return false
	}
	a.execs[task.Id] = x
	a.slots[task.Id] = n
	c := a.counts[task.Id]
	c.Submitted += x.Chunks()
	a.counts[task.Id] = c
	a.setNode(task.Id, domain.Dispatched)
	logger.WithFields(logrus.Fields{"chunks": n, "images": len(workload.Images)}).Info("task is dispatched")
	return true
}

func (a *actor) releaseSlots(nodeId string) {
	if n, ok := a.slots[nodeId]; ok {
		delete(a.slots, nodeId)
		a.e.c.Gatekeeper.ReleaseSlots(n)
	}
}

func (a *actor) onResult(r domain.JobResult) {
	if a.run.Status != domain.Running {
		return
	}
	var nodeId string
	var x *executor.Execution
	for id, candidate := range a.execs {
		if candidate.Owns(r.JobId) {
			nodeId, x = id, candidate
			break
		}
	}
	if x == nil {
		return
	}

	outcome := a.e.executor.Handle(a.ctx, x, r)
	switch outcome.Kind {
	case executor.Ignored:
	case executor.Progressed:
		if a.run.NodeStates[nodeId] == domain.Dispatched {
			a.setNode(nodeId, domain.NodeRunning)
		}
	case executor.Retried:
		c := a.counts[nodeId]
		c.Failed += 1
		c.Submitted += 1
		a.counts[nodeId] = c
		a.dirty = true
	case executor.Finished:
		a.setNode(nodeId, domain.NodeRunning)
		a.releaseSlots(nodeId)
		a.merge(nodeId, x)
	case executor.Failed:
		c := a.counts[nodeId]
		c.Failed += 1
		a.counts[nodeId] = c
		message := outcome.Err.Error()
		if nerr := new(domain.NodeExecutionError); errors.As(outcome.Err, &nerr) {
			message = nerr.Message
		}
		a.failNode(nodeId, message)
	}
}

// merge consolidates outputs of a node on another goroutine.
func (a *actor) merge(nodeId string, x *executor.Execution) {
	a.e.wg.Add(1)
	go func() {
		defer a.e.wg.Done()
		out, err := a.e.executor.Merge(a.ctx, x)
		a.mb.post(evMerged{nodeId: nodeId, exec: x, output: out, err: err})
	}()
}

func (a *actor) onMerged(ev evMerged) {
	if a.run.Status != domain.Running || a.execs[ev.nodeId] != ev.exec {
		return
	}
	delete(a.execs, ev.nodeId)
	if ev.err != nil {
		a.logger.WithError(ev.err).WithField("node_id", ev.nodeId).Error("failed to merge outputs")
		a.failNode(ev.nodeId, ev.err.Error())
		return
	}
	a.complete(ev.nodeId, ev.output)
	a.advance()
}

// complete marks a node completed, and loops back repeaters ending at it.
func (a *actor) complete(id string, out executor.Output) {
	a.setNode(id, domain.Completed)
	a.passes[id] += 1
	if node, ok := a.graph.Node(id); ok {
		if _, isTask := node.(domain.Task); isTask {
			a.outputs[id] = out
		}
	}
	if out.Model != "" {
		a.lastModel = out.Model
		if err := a.e.c.Database.Models().Record(a.ctx, a.run.Id, id, a.passes[id], out.Model); err != nil {
			a.logger.WithError(err).WithField("node_id", id).Warn("failed to record model state")
		}
	}
	a.repeat(id)
}

// repeat resets the body of the innermost repeater ending at the node, if it has
// iterations left. Counters of repeaters nested in the body are restored.
func (a *actor) repeat(endNode string) {
	loops := a.graph.Loops()
	for _, l := range loops {
		if l.EndNode != endNode || a.run.RepeatCounters[l.Id] <= 0 {
			continue
		}
		a.run.RepeatCounters[l.Id] -= 1
		for _, n := range l.Body {
			a.setNode(n, domain.Pending)
		}
		for _, inner := range loops {
			if inner.Id != l.Id && within(inner, l) {
				a.run.RepeatCounters[inner.Id] = inner.NumRepetitions
			}
		}
		a.dirty = true
		a.logger.WithFields(logrus.Fields{
			"repeater": l.Id, "remaining": a.run.RepeatCounters[l.Id],
		}).Info("repeating")
		return
	}
}

func within(inner, outer graph.Loop) bool {
	if len(outer.Body) < len(inner.Body) {
		return false
	}
	for _, n := range inner.Body {
		if !outer.Contains(n) {
			return false
		}
	}
	return true
}

// stop cancels executions in flight, and skips nodes not done yet.
func (a *actor) stop() {
	for id, x := range a.execs {
		a.e.executor.Cancel(a.ctx, x)
		a.releaseSlots(id)
		delete(a.execs, id)
	}
	a.skipPending(domain.Pending, domain.Dispatched, domain.NodeRunning)
}

// halt stops dispatching after a failure.
//
// Jobs no worker has picked are withdrawn. Jobs being done are left to finish,
// and their results are discarded by settle. Nodes of such jobs keep their states.
func (a *actor) halt() {
	for id, x := range a.execs {
		delete(a.execs, id)
		if n := a.e.executor.Withdraw(a.ctx, x); 0 < n {
			a.logger.WithField("node_id", id).WithField("jobs", n).Debug("jobs are withdrawn")
		}
		if 0 < x.InFlight() {
			a.draining[id] = x
			continue
		}
		a.releaseSlots(id)
		if a.run.NodeStates[id] == domain.Dispatched {
			a.setNode(id, domain.Skipped)
		}
	}
	a.skipPending(domain.Pending)
}

func (a *actor) skipPending(states ...domain.NodeState) {
	for id, st := range a.run.NodeStates {
		if slices.Contains(states, st) {
			a.setNode(id, domain.Skipped)
		}
	}
}

// settle applies a result of a job left running by halt.
func (a *actor) settle(r domain.JobResult) {
	for id, x := range a.draining {
		if !x.Owns(r.JobId) {
			continue
		}
		if a.e.executor.Settle(a.ctx, x, r) {
			delete(a.draining, id)
			a.releaseSlots(id)
			a.logger.WithField("node_id", id).Debug("jobs left running are settled")
		}
		return
	}
}

func (a *actor) failNode(id string, message string) {
	a.logger.WithField("node_id", id).WithField("error", message).Warn("node failed")
	a.setNode(id, domain.NodeFailed)
	a.run.FailedNode = id
	a.run.Error = message
	a.halt()
	a.finish(domain.Failed)
}

func (a *actor) cancel() {
	switch a.run.Status {
	case domain.Queued:
		if !a.withdraw() {
			// admitted concurrently. evAdmit in the mailbox is going to be ignored.
			a.e.c.Gatekeeper.Release(a.run.ProjectId, a.run.TriggeredBy)
		}
		a.stop()
		a.finish(domain.Cancelled)
	case domain.Running:
		a.stop()
		a.finish(domain.Cancelled)
	}
}

func (a *actor) finish(st domain.RunStatus) {
	a.run.Status = st
	a.run.FinishedAt = a.e.c.Clock()
	a.dirty = true

	if st == domain.Succeeded && a.lastModel != "" {
		if err := a.e.c.Database.Models().Promote(a.ctx, a.run.ProjectId, a.lastModel); err != nil {
			a.logger.WithError(err).Warn("failed to promote model state")
		}
	}
	if a.admitted {
		a.admitted = false
		a.e.c.Gatekeeper.Release(a.run.ProjectId, a.run.TriggeredBy)
	}
	a.e.metrics.finished.WithLabelValues(st.String()).Inc()
	a.logger.WithField("status", st).Info("run finished")
}
