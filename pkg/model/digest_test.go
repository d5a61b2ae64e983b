package model_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/opst/knitflow/pkg/domain"
	"github.com/opst/knitflow/pkg/model"
)

func TestDigest_Merge(t *testing.T) {
	ctx := context.Background()
	testee := model.Digest{}

	t.Run("merging is content-addressed and ignores order", func(t *testing.T) {
		a, err := testee.Merge(ctx, "base", []domain.ModelState{"p1", "p2"})
		if err != nil {
			t.Fatal(err)
		}
		b, err := testee.Merge(ctx, "base", []domain.ModelState{"p2", "p1"})
		if err != nil {
			t.Fatal(err)
		}
		if a != b {
			t.Errorf("order matters: %s != %s", a, b)
		}
		if !strings.HasPrefix(a.String(), "sha256:") {
			t.Errorf("not a digest: %s", a)
		}

		c, _ := testee.Merge(ctx, "other-base", []domain.ModelState{"p1", "p2"})
		if a == c {
			t.Error("base is ignored")
		}
	})

	t.Run("nothing to merge is an error", func(t *testing.T) {
		if _, err := testee.Merge(ctx, "base", nil); err == nil {
			t.Error("no error")
		}
		if _, err := testee.Merge(ctx, "base", []domain.ModelState{"p1", ""}); err == nil {
			t.Error("no error for empty partial state")
		}
	})
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	job := domain.Job{
		Id: "job-1", Kind: domain.Train,
		Payload: domain.JobPayload{
			ProjectId: "p", ImageIds: []string{"a", "b"},
			Hyperparameters: map[string]string{"lr": "0.1", "epochs": "3"},
		},
	}

	t.Run("the same payload yields the same reference", func(t *testing.T) {
		r1, err := model.Run(ctx, model.Digest{}, job)
		if err != nil {
			t.Fatal(err)
		}
		other := job
		other.Id = "job-2"
		r2, _ := model.Run(ctx, model.Digest{}, other)
		if r1 != r2 {
			t.Errorf("job id matters: %s != %s", r1, r2)
		}

		infer := job
		infer.Kind = domain.Inference
		r3, _ := model.Run(ctx, model.Digest{}, infer)
		if r1 == r3 {
			t.Error("kind is ignored")
		}
	})

	t.Run("unknown kinds are refused", func(t *testing.T) {
		bad := job
		bad.Kind = "evaluate"
		_, err := model.Run(ctx, model.Digest{}, bad)
		if uerr := new(model.UnsupportedKindError); !errors.As(err, &uerr) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
