package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgtype"
	kpool "github.com/opst/knitflow/pkg/conn/db/postgres/pool"
	"github.com/opst/knitflow/pkg/conn/db/postgres/scanner"
	"github.com/opst/knitflow/pkg/domain"
	kpgerr "github.com/opst/knitflow/pkg/domain/errors/dberrors/postgres"
	jobdb "github.com/opst/knitflow/pkg/domain/job/db"
	xe "github.com/opst/knitflow/pkg/errors"
)

type jobPG struct {
	pool kpool.Pool
}

func New(pool kpool.Pool) jobdb.JobInterface {
	return &jobPG{pool: pool}
}

type payload struct {
	ProjectId       string            `json:"project_id"`
	Model           string            `json:"model"`
	ImageIds        []string          `json:"image_ids"`
	Hyperparameters map[string]string `json:"hyperparameters,omitempty"`
}

type jobRow struct {
	JobId      string
	RunId      string
	NodeId     string
	ChunkIndex int
	Attempt    int
	Kind       string
	Payload    pgtype.JSONB
	Status     string
	ResultRef  string
	Error      string
}

func (r jobRow) toDomain() (domain.Job, error) {
	kind, err := domain.AsTaskKind(r.Kind)
	if err != nil {
		return domain.Job{}, err
	}
	status, err := domain.AsJobStatus(r.Status)
	if err != nil {
		return domain.Job{}, err
	}
	p := payload{}
	if err := json.Unmarshal(r.Payload.Bytes, &p); err != nil {
		return domain.Job{}, err
	}
	return domain.Job{
		Id: r.JobId, RunId: r.RunId, NodeId: r.NodeId,
		ChunkIndex: r.ChunkIndex, Attempt: r.Attempt, Kind: kind,
		Payload: domain.JobPayload{
			ProjectId:       p.ProjectId,
			Model:           domain.ModelState(p.Model),
			ImageIds:        p.ImageIds,
			Hyperparameters: p.Hyperparameters,
		},
		Status: status, ResultRef: r.ResultRef, Error: r.Error,
	}, nil
}

const selectJob = `
select
	"job_id", "run_id", "node_id", "chunk_index", "attempt", "kind",
	"payload", "status", "result_ref", "error"
from "job"
`

func (m *jobPG) Upsert(ctx context.Context, job domain.Job) error {
	p := pgtype.JSONB{}
	if err := p.Set(payload{
		ProjectId:       job.Payload.ProjectId,
		Model:           job.Payload.Model.String(),
		ImageIds:        job.Payload.ImageIds,
		Hyperparameters: job.Payload.Hyperparameters,
	}); err != nil {
		return xe.Wrap(err)
	}

	_, err := m.pool.Exec(
		ctx,
		`
		insert into "job" (
			"job_id", "run_id", "node_id", "chunk_index", "attempt", "kind",
			"payload", "status", "result_ref", "error"
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict ("job_id") do update set
			"status" = excluded."status",
			"result_ref" = excluded."result_ref",
			"error" = excluded."error"
		`,
		job.Id, job.RunId, job.NodeId, job.ChunkIndex, job.Attempt, job.Kind.String(),
		p, job.Status.String(), job.ResultRef, job.Error,
	)
	return err
}

func (m *jobPG) Get(ctx context.Context, jobId string) (domain.Job, error) {
	rows, err := scanner.New[jobRow]().QueryAll(ctx, m.pool, selectJob+`where "job_id" = $1`, jobId)
	if err != nil {
		return domain.Job{}, err
	}
	if len(rows) == 0 {
		return domain.Job{}, kpgerr.Missing{Table: "job", Identity: jobId}
	}
	return rows[0].toDomain()
}

func (m *jobPG) Find(ctx context.Context, runId string) ([]domain.Job, error) {
	rows, err := scanner.New[jobRow]().QueryAll(
		ctx, m.pool,
		selectJob+`where "run_id" = $1 order by "node_id", "chunk_index", "attempt"`,
		runId,
	)
	if err != nil {
		return nil, err
	}
	jobs := make([]domain.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
