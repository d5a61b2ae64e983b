// Package status is the read model of runs for external pollers.
//
// Snapshots are values. A snapshot once published is never changed, and
// readers get copies. Job ids and queue internals are not exposed.
package status

import (
	"maps"
	"sync"

	"github.com/opst/knitflow/pkg/domain"
)

type Node struct {
	State          domain.NodeState `json:"state"`
	JobCount       int              `json:"job_count"`
	FailedJobCount int              `json:"failed_job_count"`
}

type Snapshot struct {
	Status domain.RunStatus `json:"status"`
	Nodes  map[string]Node  `json:"nodes"`

	// id of the node which failed the run
	FailedNode string `json:"failed_node,omitempty"`

	// message from the worker, verbatim
	Error string `json:"error,omitempty"`
}

// JobCounts is the number of jobs of a node, submitted and failed.
type JobCounts struct {
	Submitted int
	Failed    int
}

// Project makes a snapshot of a run.
//
// counts may lack some nodes (or be nil). Then, their counts are zero.
func Project(run domain.WorkflowRun, counts map[string]JobCounts) Snapshot {
	nodes := make(map[string]Node, len(run.NodeStates))
	for id, st := range run.NodeStates {
		c := counts[id]
		nodes[id] = Node{State: st, JobCount: c.Submitted, FailedJobCount: c.Failed}
	}
	return Snapshot{
		Status:     run.Status,
		Nodes:      nodes,
		FailedNode: run.FailedNode,
		Error:      run.Error,
	}
}

func (s Snapshot) copy() Snapshot {
	s.Nodes = maps.Clone(s.Nodes)
	if s.Nodes == nil {
		s.Nodes = map[string]Node{}
	}
	return s
}

// Board holds the latest snapshot of each run.
//
// It is safe for concurrent use.
type Board struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewBoard() *Board {
	return &Board{snapshots: map[string]Snapshot{}}
}

// Publish replaces the snapshot of the run.
func (b *Board) Publish(runId string, s Snapshot) {
	s = s.copy()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[runId] = s
}

// Get returns a copy of the latest snapshot of the run.
func (b *Board) Get(runId string) (Snapshot, bool) {
	b.mu.RLock()
	s, ok := b.snapshots[runId]
	b.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.copy(), true
}

// Forget drops the snapshot of the run.
func (b *Board) Forget(runId string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.snapshots, runId)
}
