package db

import (
	"context"

	"github.com/opst/knitflow/pkg/domain"
)

type RunInterface interface {
	// register a new run together with its workflow definition.
	//
	// Returns
	//
	// - error: ErrConflict (when the run id is already used)
	Create(ctx context.Context, run domain.WorkflowRun, def domain.WorkflowDefinition) error

	// overwrite status, timestamps, node states, repeat counters and errors of the run.
	//
	// Returns
	//
	// - error: ErrMissing (when run is not found for given run id),
	// ErrInvalidRunStateChanging (when the stored run is already terminal)
	Update(ctx context.Context, run domain.WorkflowRun) error

	// get a run.
	//
	// Returns
	//
	// - error: ErrMissing (when run is not found for given run id)
	Get(ctx context.Context, runId string) (domain.WorkflowRun, error)

	// get the workflow definition of a run.
	//
	// Returns
	//
	// - error: ErrMissing (when run is not found for given run id)
	Workflow(ctx context.Context, runId string) (domain.WorkflowDefinition, error)
}
