package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	apierr "github.com/opst/knitflow/pkg/api/types/errors"
	apiruns "github.com/opst/knitflow/pkg/api/types/runs"
	"github.com/opst/knitflow/pkg/ctxlog"
	"github.com/opst/knitflow/pkg/domain"
	domerr "github.com/opst/knitflow/pkg/domain/errors"
	"github.com/opst/knitflow/pkg/status"
	"github.com/sirupsen/logrus"
)

// Runs is what handlers need from the engine.
type Runs interface {
	Submit(ctx context.Context, def domain.WorkflowDefinition, projectId string, trigger domain.Trigger) (string, error)
	Status(ctx context.Context, runId string) (status.Snapshot, error)
	Advance(ctx context.Context, runId string) error
	Cancel(ctx context.Context, runId string) error
}

// SubmitWorkflowHandler starts a run of the workflow in the request body.
//
// query parameters:
//
// - project (required): project id where the run belongs.
//
// - trigger: "user" (default) or "auto".
func SubmitWorkflowHandler(runs Runs) echo.HandlerFunc {
	return func(c echo.Context) error {
		projectId := c.QueryParam("project")
		if projectId == "" {
			return apierr.BadRequest(`query parameter "project" is required`, nil)
		}
		trigger, err := domain.AsTrigger(c.QueryParam("trigger"))
		if err != nil {
			return apierr.BadRequest(`"trigger" should be "user" or "auto"`, err)
		}

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return apierr.BadRequest("request body can not be read", err)
		}

		def, err := domain.ParseWorkflow(body)
		if err != nil {
			return asHTTPError(err)
		}

		ctx, logger := ctxlog.With(c.Request().Context(), logrus.Fields{
			"project_id": projectId, "trigger": trigger,
		})
		runId, err := runs.Submit(ctx, def, projectId, trigger)
		if err != nil {
			return asHTTPError(err)
		}
		logger.WithField("run_id", runId).Info("workflow is submitted")

		return c.JSON(http.StatusCreated, apiruns.Submitted{RunId: runId})
	}
}

// GetRunHandler returns the status snapshot of a run.
func GetRunHandler(runs Runs, paramRunId string) echo.HandlerFunc {
	return func(c echo.Context) error {
		runId := c.Param(paramRunId)
		snapshot, err := runs.Status(c.Request().Context(), runId)
		if err != nil {
			return asHTTPError(err)
		}
		return c.JSON(http.StatusOK, snapshot)
	}
}

// CancelRunHandler requests cancellation of a run.
//
// It responds 202 Accepted, since cancellation takes effect asynchronously.
func CancelRunHandler(runs Runs, paramRunId string) echo.HandlerFunc {
	return accepted(paramRunId, "cancelling", runs.Cancel)
}

// AdvanceRunHandler makes a run progress as far as it can.
func AdvanceRunHandler(runs Runs, paramRunId string) echo.HandlerFunc {
	return accepted(paramRunId, "advancing", runs.Advance)
}

func accepted(paramRunId string, state string, do func(context.Context, string) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		runId := c.Param(paramRunId)
		if err := do(c.Request().Context(), runId); err != nil {
			return asHTTPError(err)
		}
		return c.JSON(http.StatusAccepted, apiruns.Accepted{RunId: runId, Status: state})
	}
}

func asHTTPError(err error) error {
	if verr := new(domain.ValidationError); errors.As(err, &verr) {
		return apierr.InvalidWorkflow(verr)
	}
	if errors.Is(err, domerr.ErrMissing) {
		return apierr.NotFound()
	}
	return apierr.InternalServerError(err)
}
