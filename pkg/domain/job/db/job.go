package db

import (
	"context"

	"github.com/opst/knitflow/pkg/domain"
)

type JobInterface interface {
	// insert or overwrite a job record.
	Upsert(ctx context.Context, job domain.Job) error

	// get a job.
	//
	// Returns
	//
	// - error: ErrMissing (when job is not found for given job id)
	Get(ctx context.Context, jobId string) (domain.Job, error)

	// find jobs of a run, ordered by node id, chunk index and attempt.
	Find(ctx context.Context, runId string) ([]domain.Job, error)
}
