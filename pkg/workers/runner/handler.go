// Package runner is the worker process: it picks jobs from a queue, does them
// with a model and reports their results.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/opst/knitflow/pkg/ctxlog"
	"github.com/opst/knitflow/pkg/domain"
	"github.com/opst/knitflow/pkg/model"
	"github.com/opst/knitflow/pkg/queue"
	"github.com/sirupsen/logrus"
)

// ModelHandler does jobs with a model.Runner.
//
// Failures with model.ErrTransient, and failures by the context, are reported
// as retryable. Others, including panics of the runner, are application errors.
type ModelHandler struct {
	runner model.Runner
}

var _ queue.Handler = &ModelHandler{}

func NewModelHandler(r model.Runner) *ModelHandler {
	return &ModelHandler{runner: r}
}

func (h *ModelHandler) Handle(ctx context.Context, job domain.Job) (result domain.JobResult) {
	ctx, logger := ctxlog.With(ctx, logrus.Fields{
		"job_id": job.Id, "run_id": job.RunId, "node_id": job.NodeId,
		"chunk_index": job.ChunkIndex, "attempt": job.Attempt,
	})

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("model panicked")
			result = domain.JobResult{
				JobId:        job.Id,
				Status:       domain.JobFailed,
				ErrorMessage: fmt.Sprintf("model panicked: %v", r),
			}
		}
	}()

	ref, err := model.Run(ctx, h.runner, job)
	if err != nil {
		retryable := errors.Is(err, model.ErrTransient) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded)
		logger.WithError(err).WithField("retryable", retryable).Warn("job failed")
		return domain.JobResult{
			JobId:        job.Id,
			Status:       domain.JobFailed,
			ErrorMessage: err.Error(),
			Retryable:    retryable,
		}
	}
	logger.WithField("result_ref", ref).Debug("job succeeded")
	return domain.JobResult{JobId: job.Id, Status: domain.JobSucceeded, ResultRef: ref}
}
