package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opst/knitflow/pkg/conn/db/postgres/pool/testenv"
	"github.com/opst/knitflow/pkg/domain"
	domerr "github.com/opst/knitflow/pkg/domain/errors"
	kpgmodel "github.com/opst/knitflow/pkg/domain/model/db/postgres"
	kpgrun "github.com/opst/knitflow/pkg/domain/run/db/postgres"
	"github.com/opst/knitflow/pkg/utils/try"
)

func TestModel(t *testing.T) {
	ctx := context.Background()
	poolBroaker := testenv.NewPoolBroaker(ctx, t)

	t.Run("recording the same state twice is ok, but different one is conflict", func(t *testing.T) {
		pool := poolBroaker.GetPool(ctx, t)
		if err := kpgrun.New(pool).Create(ctx, domain.WorkflowRun{
			Id: "run-1", ProjectId: "p", TriggeredBy: domain.ByAuto, Status: domain.Running,
			SubmittedAt: time.Now(),
		}, domain.WorkflowDefinition{}); err != nil {
			t.Fatal(err)
		}
		testee := kpgmodel.New(pool)

		if err := testee.Record(ctx, "run-1", "train0", 1, "m1"); err != nil {
			t.Fatal(err)
		}
		if err := testee.Record(ctx, "run-1", "train0", 1, "m1"); err != nil {
			t.Errorf("recording again: %v", err)
		}
		if err := testee.Record(ctx, "run-1", "train0", 2, "m2"); err != nil {
			t.Errorf("next iteration: %v", err)
		}
		if err := testee.Record(ctx, "run-1", "train0", 1, "other"); !errors.Is(err, domerr.ErrConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("current model is empty until promoted", func(t *testing.T) {
		pool := poolBroaker.GetPool(ctx, t)
		testee := kpgmodel.New(pool)

		if got := try.To(testee.Current(ctx, "p")).OrFatal(t); got != "" {
			t.Errorf("current = %s", got)
		}
		for _, m := range []domain.ModelState{"m1", "m2"} {
			if err := testee.Promote(ctx, "p", m); err != nil {
				t.Fatal(err)
			}
		}
		if got := try.To(testee.Current(ctx, "p")).OrFatal(t); got != "m2" {
			t.Errorf("current = %s", got)
		}
	})
}
