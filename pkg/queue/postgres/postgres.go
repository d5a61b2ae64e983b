// Package postgres is a durable job queue and result backend on PostgreSQL.
//
// Jobs wait in "job_queue" until a worker picks one with "for update skip locked".
// Workers write results into "job_result", and the engine consumes them by polling.
//
// A picked job is leased to its worker. The lease is renewed each time the worker
// checks cancellation, and a job whose lease has expired can be picked again.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	kpool "github.com/opst/knitflow/pkg/conn/db/postgres/pool"
	"github.com/opst/knitflow/pkg/conn/db/postgres/scanner"
	"github.com/opst/knitflow/pkg/ctxlog"
	"github.com/opst/knitflow/pkg/domain"
	kpgerr "github.com/opst/knitflow/pkg/domain/errors/dberrors/postgres"
	"github.com/opst/knitflow/pkg/loop"
	"github.com/opst/knitflow/pkg/loop/recurring"
	"github.com/opst/knitflow/pkg/queue"
)

const (
	statusQueued    = "queued"
	statusPicked    = "picked"
	statusDone      = "done"
	statusCancelled = "cancelled"
)

type Queue struct {
	pool  kpool.Pool
	poll  time.Duration
	lease time.Duration
	batch int
}

var (
	_ queue.Queue  = &Queue{}
	_ queue.Source = &Queue{}
)

type Option func(*Queue)

// WithPollInterval sets how long Consume waits when no results are found.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.poll = d
	}
}

// WithLease sets how long a picked job stays with its worker without renewal.
//
// 0 disables reclaiming: picked jobs are never picked again.
func WithLease(d time.Duration) Option {
	return func(q *Queue) {
		q.lease = max(0, d)
	}
}

// WithBatch sets how many results Consume delivers in one transaction.
func WithBatch(n int) Option {
	return func(q *Queue) {
		q.batch = max(1, n)
	}
}

func New(pool kpool.Pool, options ...Option) *Queue {
	q := &Queue{pool: pool, poll: time.Second, lease: 10 * time.Minute, batch: 100}
	for _, o := range options {
		o(q)
	}
	return q
}

func (q *Queue) Submit(ctx context.Context, job domain.Job) error {
	body, err := queue.EncodeJob(job)
	if err != nil {
		return err
	}
	if _, err := q.pool.Exec(
		ctx,
		`insert into "job_queue" ("job_id", "run_id", "envelope") values ($1, $2, $3)`,
		job.Id, job.RunId, body,
	); err != nil {
		return kpgerr.AsConflict(err, "job_queue", job.Id)
	}
	return nil
}

func (q *Queue) Cancel(ctx context.Context, jobId string) error {
	_, err := q.pool.Exec(
		ctx,
		`update "job_queue" set "status" = $2 where "job_id" = $1 and "status" in ($3, $4)`,
		jobId, statusCancelled, statusQueued, statusPicked,
	)
	return err
}

// Withdraw cancels a job only if no worker has picked it.
func (q *Queue) Withdraw(ctx context.Context, jobId string) (bool, error) {
	tag, err := q.pool.Exec(
		ctx,
		`update "job_queue" set "status" = $2 where "job_id" = $1 and "status" = $3`,
		jobId, statusCancelled, statusQueued,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queue) Consume(ctx context.Context, deliver func(context.Context, domain.JobResult) error) error {
	logger := ctxlog.FromContext(ctx)
	_, err := loop.Start(
		ctx, struct{}{},
		recurring.Task[struct{}](func(ctx context.Context, s struct{}) (struct{}, bool, error) {
			n, err := q.deliverBatch(ctx, deliver)
			if err != nil {
				logger.WithError(err).Warn("failed to deliver job results")
			}
			return s, 0 < n && err == nil, err
		}).Applied(recurring.Forever(q.poll)),
	)
	return err
}

type resultRow struct {
	Seq      int64
	Envelope []byte
}

// deliverBatch delivers undelivered results in order, until deliver fails.
//
// It returns the number of results marked as delivered.
func (q *Queue) deliverBatch(ctx context.Context, deliver func(context.Context, domain.JobResult) error) (int, error) {
	logger := ctxlog.FromContext(ctx)
	delivered := []int64{}
	var derr error

	err := kpool.InTx(ctx, q.pool, func(tx kpool.Tx) error {
		rows, err := scanner.New[resultRow]().QueryAll(
			ctx, tx,
			`
			select "seq", "envelope" from "job_result"
			where not "delivered"
			order by "seq"
			limit $1
			for update skip locked
			`,
			q.batch,
		)
		if err != nil {
			return err
		}

		for _, row := range rows {
			r, err := queue.DecodeResult(row.Envelope)
			if err != nil {
				logger.WithError(err).WithField("seq", row.Seq).Error("dropping undecodable result")
				delivered = append(delivered, row.Seq)
				continue
			}
			if derr = deliver(ctx, r); derr != nil {
				break
			}
			delivered = append(delivered, row.Seq)
		}

		if _, err := tx.Exec(
			ctx, `update "job_result" set "delivered" = true where "seq" = any($1)`, delivered,
		); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(delivered), derr
}

// Pick takes the oldest queued job, or a picked job whose lease has expired.
func (q *Queue) Pick(ctx context.Context) (domain.Job, bool, error) {
	var body []byte
	err := q.pool.QueryRow(
		ctx,
		`
		with "picked" as (
			select "job_id" from "job_queue"
			where "status" = $1
				or (0 < $3::float8 and "status" = $2 and "picked_at" < now() - make_interval(secs => $3::float8))
			order by "submitted_at", "job_id"
			limit 1
			for update skip locked
		)
		update "job_queue" set "status" = $2, "picked_at" = now()
		from "picked"
		where "job_queue"."job_id" = "picked"."job_id"
		returning "job_queue"."envelope"
		`,
		statusQueued, statusPicked, q.lease.Seconds(),
	).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, err
	}

	job, err := queue.DecodeJob(body)
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (q *Queue) Report(ctx context.Context, result domain.JobResult) error {
	body, err := queue.EncodeResult(result)
	if err != nil {
		return err
	}
	return kpool.InTx(ctx, q.pool, func(tx kpool.Tx) error {
		if _, err := tx.Exec(
			ctx,
			`insert into "job_result" ("job_id", "envelope") values ($1, $2)`,
			result.JobId, body,
		); err != nil {
			return err
		}
		if !result.Status.Terminal() {
			return nil
		}
		_, err := tx.Exec(
			ctx,
			`update "job_queue" set "status" = $2 where "job_id" = $1 and "status" = $3`,
			result.JobId, statusDone, statusPicked,
		)
		return err
	})
}

// Cancelled tells whether the job is cancelled, and renews its lease if it is still picked.
func (q *Queue) Cancelled(ctx context.Context, jobId string) (bool, error) {
	var status string
	if err := q.pool.QueryRow(
		ctx,
		`
		with "renewed" as (
			update "job_queue" set "picked_at" = now()
			where "job_id" = $1 and "status" = $2
		)
		select "status" from "job_queue" where "job_id" = $1
		`,
		jobId, statusPicked,
	).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, kpgerr.Missing{Table: "job_queue", Identity: jobId}
		}
		return false, err
	}
	return status == statusCancelled, nil
}
