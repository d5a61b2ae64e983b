package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	kpool "github.com/opst/knitflow/pkg/conn/db/postgres/pool"
	"github.com/opst/knitflow/pkg/domain"
	domerr "github.com/opst/knitflow/pkg/domain/errors"
	modeldb "github.com/opst/knitflow/pkg/domain/model/db"
)

type modelPG struct {
	pool kpool.Pool
}

func New(pool kpool.Pool) modeldb.ModelInterface {
	return &modelPG{pool: pool}
}

func (m *modelPG) Record(ctx context.Context, runId string, nodeId string, iteration int, state domain.ModelState) error {
	return kpool.InTx(ctx, m.pool, func(tx kpool.Tx) error {
		var stored string
		err := tx.QueryRow(
			ctx,
			`
			insert into "model_state" ("run_id", "node_id", "iteration", "state")
			values ($1, $2, $3, $4)
			on conflict ("run_id", "node_id", "iteration") do update set "state" = "model_state"."state"
			returning "state"
			`,
			runId, nodeId, iteration, state.String(),
		).Scan(&stored)
		if err != nil {
			return err
		}
		if stored != state.String() {
			return fmt.Errorf(
				"%w: model state of run %s node %s (#%d)", domerr.ErrConflict, runId, nodeId, iteration,
			)
		}
		return nil
	})
}

func (m *modelPG) Current(ctx context.Context, projectId string) (domain.ModelState, error) {
	var state string
	if err := m.pool.QueryRow(
		ctx, `select "state" from "project_model" where "project_id" = $1`, projectId,
	).Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return domain.ModelState(state), nil
}

func (m *modelPG) Promote(ctx context.Context, projectId string, state domain.ModelState) error {
	_, err := m.pool.Exec(
		ctx,
		`
		insert into "project_model" ("project_id", "state") values ($1, $2)
		on conflict ("project_id") do update set "state" = excluded."state", "updated_at" = now()
		`,
		projectId, state.String(),
	)
	return err
}
