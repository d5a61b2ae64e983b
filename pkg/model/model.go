// Package model is the boundary to ML models.
//
// knitflow does not know how models are trained, how they predict, nor how
// partial model states are merged. They are capabilities behind Runner and Merger.
package model

import (
	"context"
	"errors"

	"github.com/opst/knitflow/pkg/domain"
)

// ErrTransient marks failures caused by infrastructure, not by the job itself.
//
// Jobs failed with ErrTransient may succeed when they are tried again.
var ErrTransient = errors.New("transient failure")

// Runner executes jobs on a worker.
type Runner interface {
	// Train trains the model in payload with its images, and returns a reference to
	// the partial model state.
	Train(ctx context.Context, job domain.Job) (string, error)

	// Infer predicts images in payload with its model, and returns a reference to
	// the prediction set.
	Infer(ctx context.Context, job domain.Job) (string, error)
}

// Merger consolidates partial model states.
type Merger interface {
	// Merge consolidates partial model states trained from base into one.
	//
	// It is called once per training node completion, with all partial states
	// in chunk order.
	Merge(ctx context.Context, base domain.ModelState, partials []domain.ModelState) (domain.ModelState, error)
}

// Run dispatches the job to Train or Infer by its kind.
func Run(ctx context.Context, r Runner, job domain.Job) (string, error) {
	switch job.Kind {
	case domain.Train:
		return r.Train(ctx, job)
	case domain.Inference:
		return r.Infer(ctx, job)
	default:
		return "", &UnsupportedKindError{Kind: job.Kind}
	}
}

type UnsupportedKindError struct {
	Kind domain.TaskKind
}

func (e *UnsupportedKindError) Error() string {
	return "unsupported job kind: " + string(e.Kind)
}
