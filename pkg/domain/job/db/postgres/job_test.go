package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opst/knitflow/pkg/conn/db/postgres/pool/testenv"
	"github.com/opst/knitflow/pkg/domain"
	domerr "github.com/opst/knitflow/pkg/domain/errors"
	kpgjob "github.com/opst/knitflow/pkg/domain/job/db/postgres"
	kpgrun "github.com/opst/knitflow/pkg/domain/run/db/postgres"
	"github.com/opst/knitflow/pkg/utils/try"
)

func TestJob(t *testing.T) {
	ctx := context.Background()
	poolBroaker := testenv.NewPoolBroaker(ctx, t)

	pool := poolBroaker.GetPool(ctx, t)
	if err := kpgrun.New(pool).Create(ctx, domain.WorkflowRun{
		Id: "run-1", ProjectId: "p", TriggeredBy: domain.ByUser, Status: domain.Running,
		SubmittedAt: time.Now(),
	}, domain.WorkflowDefinition{
		Tasks: []domain.Task{
			{Id: "train0", Kind: domain.Train, Kwargs: domain.Kwargs{Workers: 2, Subset: domain.AllImages}},
		},
	}); err != nil {
		t.Fatal(err)
	}
	testee := kpgjob.New(pool)

	job := func(id string, chunk int, attempt int) domain.Job {
		return domain.Job{
			Id: id, RunId: "run-1", NodeId: "train0", ChunkIndex: chunk, Attempt: attempt,
			Kind: domain.Train, Status: domain.Submitted,
			Payload: domain.JobPayload{
				ProjectId: "p", Model: "m0", ImageIds: []string{"a", "b"},
				Hyperparameters: map[string]string{"epochs": "3"},
			},
		}
	}

	for _, j := range []domain.Job{job("job-c", 1, 1), job("job-a", 0, 1), job("job-b", 0, 2)} {
		if err := testee.Upsert(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	done := job("job-a", 0, 1)
	done.Status = domain.JobFailed
	done.Error = "connection reset"
	if err := testee.Upsert(ctx, done); err != nil {
		t.Fatal(err)
	}

	t.Run("a job is got as upserted last", func(t *testing.T) {
		got := try.To(testee.Get(ctx, "job-a")).OrFatal(t)
		if diff := cmp.Diff(done, got); diff != "" {
			t.Errorf("(-want +got):\n%s", diff)
		}
	})

	t.Run("jobs of a run are ordered by node, chunk and attempt", func(t *testing.T) {
		got := try.To(testee.Find(ctx, "run-1")).OrFatal(t)
		ids := []string{}
		for _, j := range got {
			ids = append(ids, j.Id)
		}
		if diff := cmp.Diff([]string{"job-a", "job-b", "job-c"}, ids); diff != "" {
			t.Errorf("(-want +got):\n%s", diff)
		}
	})

	t.Run("unknown job is missing", func(t *testing.T) {
		if _, err := testee.Get(ctx, "nowhere"); !errors.Is(err, domerr.ErrMissing) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
