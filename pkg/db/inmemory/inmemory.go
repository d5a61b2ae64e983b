// Package inmemory is a Database on process memory.
//
// It is for single-node deployments without postgres, and for tests.
// Records are lost when the process exits.
package inmemory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	kdb "github.com/opst/knitflow/pkg/db"
	"github.com/opst/knitflow/pkg/domain"
	domerr "github.com/opst/knitflow/pkg/domain/errors"
	imagedb "github.com/opst/knitflow/pkg/domain/image/db"
	jobdb "github.com/opst/knitflow/pkg/domain/job/db"
	modeldb "github.com/opst/knitflow/pkg/domain/model/db"
	rundb "github.com/opst/knitflow/pkg/domain/run/db"
)

type modelKey struct {
	runId     string
	nodeId    string
	iteration int
}

type image struct {
	id        string
	annotated bool
}

// Database keeps everything in maps guarded by one mutex.
type Database struct {
	mu sync.RWMutex

	runs      map[string]domain.WorkflowRun
	workflows map[string]domain.WorkflowDefinition
	jobs      map[string]domain.Job
	models    map[modelKey]domain.ModelState
	current   map[string]domain.ModelState
	images    map[string]map[string]image
}

var _ kdb.Database = &Database{}

func New() *Database {
	return &Database{
		runs:      map[string]domain.WorkflowRun{},
		workflows: map[string]domain.WorkflowDefinition{},
		jobs:      map[string]domain.Job{},
		models:    map[modelKey]domain.ModelState{},
		current:   map[string]domain.ModelState{},
		images:    map[string]map[string]image{},
	}
}

func (d *Database) Runs() rundb.RunInterface       { return (*runs)(d) }
func (d *Database) Jobs() jobdb.JobInterface       { return (*jobs)(d) }
func (d *Database) Models() modeldb.ModelInterface { return (*models)(d) }
func (d *Database) Images() imagedb.ImageInterface { return (*images)(d) }
func (d *Database) Close() error                   { return nil }

type runs Database

func (r *runs) Create(_ context.Context, run domain.WorkflowRun, def domain.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.Id]; ok {
		return fmt.Errorf("%w: run %s", domerr.ErrConflict, run.Id)
	}
	r.runs[run.Id] = run.Copy()
	r.workflows[run.Id] = def
	return nil
}

func (r *runs) Update(_ context.Context, run domain.WorkflowRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.runs[run.Id]
	if !ok {
		return fmt.Errorf("%w: run %s", domerr.ErrMissing, run.Id)
	}
	if stored.Status.Terminal() && !stored.Equal(&run) {
		return fmt.Errorf(
			"%w: run %s is %s already", domerr.ErrInvalidRunStateChanging, run.Id, stored.Status,
		)
	}
	r.runs[run.Id] = run.Copy()
	return nil
}

func (r *runs) Get(_ context.Context, runId string) (domain.WorkflowRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runId]
	if !ok {
		return domain.WorkflowRun{}, fmt.Errorf("%w: run %s", domerr.ErrMissing, runId)
	}
	return run.Copy(), nil
}

func (r *runs) Workflow(_ context.Context, runId string) (domain.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[runId]
	if !ok {
		return domain.WorkflowDefinition{}, fmt.Errorf("%w: run %s", domerr.ErrMissing, runId)
	}
	return def, nil
}

type jobs Database

func copyJob(j domain.Job) domain.Job {
	j.Payload.ImageIds = slices.Clone(j.Payload.ImageIds)
	hp := make(map[string]string, len(j.Payload.Hyperparameters))
	for k, v := range j.Payload.Hyperparameters {
		hp[k] = v
	}
	j.Payload.Hyperparameters = hp
	return j
}

func (j *jobs) Upsert(_ context.Context, job domain.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs[job.Id] = copyJob(job)
	return nil
}

func (j *jobs) Get(_ context.Context, jobId string) (domain.Job, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	job, ok := j.jobs[jobId]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domerr.ErrMissing, jobId)
	}
	return copyJob(job), nil
}

func (j *jobs) Find(_ context.Context, runId string) ([]domain.Job, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	found := []domain.Job{}
	for _, job := range j.jobs {
		if job.RunId == runId {
			found = append(found, copyJob(job))
		}
	}
	slices.SortFunc(found, func(a, b domain.Job) int {
		if c := strings.Compare(a.NodeId, b.NodeId); c != 0 {
			return c
		}
		if a.ChunkIndex != b.ChunkIndex {
			return a.ChunkIndex - b.ChunkIndex
		}
		return a.Attempt - b.Attempt
	})
	return found, nil
}

type models Database

func (m *models) Record(_ context.Context, runId string, nodeId string, iteration int, state domain.ModelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := modelKey{runId: runId, nodeId: nodeId, iteration: iteration}
	if s, ok := m.models[key]; ok && s != state {
		return fmt.Errorf(
			"%w: model state of run %s node %s (#%d)", domerr.ErrConflict, runId, nodeId, iteration,
		)
	}
	m.models[key] = state
	return nil
}

func (m *models) Current(_ context.Context, projectId string) (domain.ModelState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current[projectId], nil
}

func (m *models) Promote(_ context.Context, projectId string, state domain.ModelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[projectId] = state
	return nil
}

type images Database

func (i *images) Images(_ context.Context, projectId string, subset domain.Subset) ([]string, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ids := []string{}
	for _, img := range i.images[projectId] {
		switch subset {
		case domain.AnnotatedImages:
			if !img.annotated {
				continue
			}
		case domain.UnannotatedImages:
			if img.annotated {
				continue
			}
		}
		ids = append(ids, img.id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (i *images) Put(_ context.Context, projectId string, imageId string, annotated bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.images[projectId]
	if !ok {
		p = map[string]image{}
		i.images[projectId] = p
	}
	p[imageId] = image{id: imageId, annotated: annotated}
	return nil
}
