package db

import (
	"context"

	"github.com/opst/knitflow/pkg/domain"
)

type ModelInterface interface {
	// record a consolidated model state produced by a training node.
	//
	// iteration counts passes of the node in the run, starting from 1.
	Record(ctx context.Context, runId string, nodeId string, iteration int, state domain.ModelState) error

	// get the current model state of a project.
	//
	// When the project has no model yet, it returns empty ModelState without error.
	Current(ctx context.Context, projectId string) (domain.ModelState, error)

	// set the current model state of a project.
	Promote(ctx context.Context, projectId string, state domain.ModelState) error
}
