package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/opst/knitflow/pkg/cmp"
	domerr "github.com/opst/knitflow/pkg/domain/errors"
)

type RunStatus string

const (
	// This run is waiting for admission.
	Queued RunStatus = "queued"

	// This run is admitted and its graph is being advanced.
	Running RunStatus = "running"

	// All nodes of this run are completed.
	Succeeded RunStatus = "succeeded"

	// Some task of this run has failed.
	Failed RunStatus = "failed"

	// This run is cancelled by request.
	Cancelled RunStatus = "cancelled"
)

func (rs RunStatus) String() string {
	return string(rs)
}

// Terminal reports whether no more transitions can happen from the status.
func (rs RunStatus) Terminal() bool {
	switch rs {
	case Succeeded, Failed, Cancelled:
		return true
	default:
		return false
	}
}

func AsRunStatus(s string) (RunStatus, error) {
	switch s {
	case string(Queued):
		return Queued, nil
	case string(Running):
		return Running, nil
	case string(Succeeded):
		return Succeeded, nil
	case string(Failed):
		return Failed, nil
	case string(Cancelled):
		return Cancelled, nil
	default:
		return "", fmt.Errorf("'%s' is not RunStatus", s)
	}
}

type NodeState string

const (
	Pending     NodeState = "pending"
	Dispatched  NodeState = "dispatched"
	NodeRunning NodeState = "running"
	Completed   NodeState = "completed"
	NodeFailed  NodeState = "failed"
	Skipped     NodeState = "skipped"
)

func (ns NodeState) String() string {
	return string(ns)
}

// Done reports whether successors of a node in this state can proceed.
func (ns NodeState) Done() bool {
	return ns == Completed || ns == Skipped
}

// Trigger tells who started a run.
type Trigger string

const (
	// started by a person
	ByUser Trigger = "user"

	// started by the automatic active-learning loop
	ByAuto Trigger = "auto"
)

func (t Trigger) String() string {
	return string(t)
}

func AsTrigger(s string) (Trigger, error) {
	switch s {
	case string(ByUser), "":
		return ByUser, nil
	case string(ByAuto):
		return ByAuto, nil
	default:
		return "", fmt.Errorf(`%w: "%s"`, ErrUnknownTrigger, s)
	}
}

// WorkflowRun is an execution of a workflow.
type WorkflowRun struct {
	Id          string
	ProjectId   string
	TriggeredBy Trigger
	Status      RunStatus

	// When this run is submitted.
	SubmittedAt time.Time

	// When this run is admitted. Zero while queued.
	StartedAt time.Time

	// When this run reaches a terminal status. Zero until then.
	FinishedAt time.Time

	NodeStates map[string]NodeState

	// repeater id -> remaining iterations
	RepeatCounters map[string]int

	// id of the task which failed the run, if any.
	FailedNode string

	// message from the failed worker, for users.
	Error string
}

func (r *WorkflowRun) Equal(o *WorkflowRun) bool {
	if r == nil || o == nil {
		return r == nil && o == nil
	}
	return r.Id == o.Id &&
		r.ProjectId == o.ProjectId &&
		r.TriggeredBy == o.TriggeredBy &&
		r.Status == o.Status &&
		r.SubmittedAt.Equal(o.SubmittedAt) &&
		r.StartedAt.Equal(o.StartedAt) &&
		r.FinishedAt.Equal(o.FinishedAt) &&
		cmp.MapEq(r.NodeStates, o.NodeStates) &&
		cmp.MapEq(r.RepeatCounters, o.RepeatCounters) &&
		r.FailedNode == o.FailedNode &&
		r.Error == o.Error
}

// Copy returns a deep copy.
func (r WorkflowRun) Copy() WorkflowRun {
	ns := make(map[string]NodeState, len(r.NodeStates))
	for k, v := range r.NodeStates {
		ns[k] = v
	}
	rc := make(map[string]int, len(r.RepeatCounters))
	for k, v := range r.RepeatCounters {
		rc[k] = v
	}
	r.NodeStates = ns
	r.RepeatCounters = rc
	return r
}

var (
	ErrRunNotFound    = fmt.Errorf("%w: run", domerr.ErrMissing)
	ErrUnknownTrigger = errors.New("unknown trigger")
)
