package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	kpool "github.com/opst/knitflow/pkg/conn/db/postgres/pool"
	"github.com/opst/knitflow/pkg/conn/db/postgres/scanner"
	"github.com/opst/knitflow/pkg/domain"
	domerr "github.com/opst/knitflow/pkg/domain/errors"
	kpgerr "github.com/opst/knitflow/pkg/domain/errors/dberrors/postgres"
	rundb "github.com/opst/knitflow/pkg/domain/run/db"
	xe "github.com/opst/knitflow/pkg/errors"
)

type runPG struct {
	pool kpool.Pool
}

func New(pool kpool.Pool) rundb.RunInterface {
	return &runPG{pool: pool}
}

type runRow struct {
	RunId          string
	ProjectId      string
	TriggeredBy    string
	Status         string
	NodeStates     pgtype.JSONB
	RepeatCounters pgtype.JSONB
	FailedNode     string
	Error          string
	SubmittedAt    time.Time
	StartedAt      pgtype.Timestamptz
	FinishedAt     pgtype.Timestamptz
}

func (r runRow) toDomain() (domain.WorkflowRun, error) {
	trigger, err := domain.AsTrigger(r.TriggeredBy)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	status, err := domain.AsRunStatus(r.Status)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	run := domain.WorkflowRun{
		Id:             r.RunId,
		ProjectId:      r.ProjectId,
		TriggeredBy:    trigger,
		Status:         status,
		SubmittedAt:    r.SubmittedAt,
		NodeStates:     map[string]domain.NodeState{},
		RepeatCounters: map[string]int{},
		FailedNode:     r.FailedNode,
		Error:          r.Error,
	}
	if r.StartedAt.Status == pgtype.Present {
		run.StartedAt = r.StartedAt.Time
	}
	if r.FinishedAt.Status == pgtype.Present {
		run.FinishedAt = r.FinishedAt.Time
	}
	if r.NodeStates.Status == pgtype.Present {
		if err := json.Unmarshal(r.NodeStates.Bytes, &run.NodeStates); err != nil {
			return domain.WorkflowRun{}, err
		}
	}
	if r.RepeatCounters.Status == pgtype.Present {
		if err := json.Unmarshal(r.RepeatCounters.Bytes, &run.RepeatCounters); err != nil {
			return domain.WorkflowRun{}, err
		}
	}
	return run, nil
}

func timestamp(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{Status: pgtype.Null}
	}
	return pgtype.Timestamptz{Time: t, Status: pgtype.Present}
}

func jsonb(v any) (pgtype.JSONB, error) {
	j := pgtype.JSONB{}
	if err := j.Set(v); err != nil {
		return pgtype.JSONB{}, err
	}
	return j, nil
}

func (m *runPG) Create(ctx context.Context, run domain.WorkflowRun, def domain.WorkflowDefinition) error {
	workflow, err := json.Marshal(def)
	if err != nil {
		return xe.Wrap(err)
	}
	nodeStates, err := jsonb(run.NodeStates)
	if err != nil {
		return xe.Wrap(err)
	}
	counters, err := jsonb(run.RepeatCounters)
	if err != nil {
		return xe.Wrap(err)
	}

	if _, err := m.pool.Exec(
		ctx,
		`
		insert into "workflow_run" (
			"run_id", "project_id", "triggered_by", "status", "workflow",
			"node_states", "repeat_counters", "failed_node", "error",
			"submitted_at", "started_at", "finished_at"
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
		run.Id, run.ProjectId, run.TriggeredBy.String(), run.Status.String(), string(workflow),
		nodeStates, counters, run.FailedNode, run.Error,
		run.SubmittedAt, timestamp(run.StartedAt), timestamp(run.FinishedAt),
	); err != nil {
		return kpgerr.AsConflict(err, "workflow_run", run.Id)
	}
	return nil
}

func (m *runPG) Update(ctx context.Context, run domain.WorkflowRun) error {
	nodeStates, err := jsonb(run.NodeStates)
	if err != nil {
		return xe.Wrap(err)
	}
	counters, err := jsonb(run.RepeatCounters)
	if err != nil {
		return xe.Wrap(err)
	}

	return kpool.InTx(ctx, m.pool, func(tx kpool.Tx) error {
		var stored string
		if err := tx.QueryRow(
			ctx,
			`select "status" from "workflow_run" where "run_id" = $1 for update`,
			run.Id,
		).Scan(&stored); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return kpgerr.Missing{Table: "workflow_run", Identity: run.Id}
			}
			return err
		}

		status, err := domain.AsRunStatus(stored)
		if err != nil {
			return err
		}
		if status.Terminal() {
			if status == run.Status {
				return nil
			}
			return fmt.Errorf(
				"%w: run %s is %s already", domerr.ErrInvalidRunStateChanging, run.Id, status,
			)
		}

		_, err = tx.Exec(
			ctx,
			`
			update "workflow_run" set
				"status" = $2, "node_states" = $3, "repeat_counters" = $4,
				"failed_node" = $5, "error" = $6, "started_at" = $7, "finished_at" = $8
			where "run_id" = $1
			`,
			run.Id, run.Status.String(), nodeStates, counters,
			run.FailedNode, run.Error, timestamp(run.StartedAt), timestamp(run.FinishedAt),
		)
		return err
	})
}

func (m *runPG) Get(ctx context.Context, runId string) (domain.WorkflowRun, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	defer conn.Release()

	rows, err := scanner.New[runRow]().QueryAll(
		ctx, conn,
		`
		select
			"run_id", "project_id", "triggered_by", "status",
			"node_states", "repeat_counters", "failed_node", "error",
			"submitted_at", "started_at", "finished_at"
		from "workflow_run" where "run_id" = $1
		`,
		runId,
	)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	if len(rows) == 0 {
		return domain.WorkflowRun{}, kpgerr.Missing{Table: "workflow_run", Identity: runId}
	}
	return rows[0].toDomain()
}

func (m *runPG) Workflow(ctx context.Context, runId string) (domain.WorkflowDefinition, error) {
	var payload []byte
	if err := m.pool.QueryRow(
		ctx, `select "workflow" from "workflow_run" where "run_id" = $1`, runId,
	).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WorkflowDefinition{}, kpgerr.Missing{Table: "workflow_run", Identity: runId}
		}
		return domain.WorkflowDefinition{}, err
	}
	return domain.ParseWorkflow(payload)
}
