package runner_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opst/knitflow/pkg/domain"
	"github.com/opst/knitflow/pkg/model"
	"github.com/opst/knitflow/pkg/queue"
	"github.com/opst/knitflow/pkg/workers/runner"
)

type fakeSource struct {
	mu         sync.Mutex
	jobs       []domain.Job
	reports    []domain.JobResult
	cancelled  map[string]bool
	failReport int
}

func (f *fakeSource) Pick(context.Context) (domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return domain.Job{}, false, nil
	}
	j := f.jobs[0]
	f.jobs = f.jobs[1:]
	return j, true, nil
}

func (f *fakeSource) Report(_ context.Context, r domain.JobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if 0 < f.failReport {
		f.failReport--
		return errors.New("database is down")
	}
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeSource) Cancelled(_ context.Context, jobId string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[jobId], nil
}

func (f *fakeSource) cancel(jobId string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled == nil {
		f.cancelled = map[string]bool{}
	}
	f.cancelled[jobId] = true
}

func (f *fakeSource) Reports() []domain.JobResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.JobResult{}, f.reports...)
}

type fakeRunner struct {
	train func(context.Context, domain.Job) (string, error)
	infer func(context.Context, domain.Job) (string, error)
}

func (f fakeRunner) Train(ctx context.Context, job domain.Job) (string, error) {
	return f.train(ctx, job)
}

func (f fakeRunner) Infer(ctx context.Context, job domain.Job) (string, error) {
	return f.infer(ctx, job)
}

func job(id string, kind domain.TaskKind) domain.Job {
	return domain.Job{
		Id: id, RunId: "run-1", NodeId: "node-1", Attempt: 1, Kind: kind,
		Payload: domain.JobPayload{ProjectId: "p", ImageIds: []string{"img-1"}},
		Status:  domain.Submitted,
	}
}

func TestModelHandler(t *testing.T) {
	type When struct {
		runner fakeRunner
		job    domain.Job
	}

	theory := func(when When, then domain.JobResult) func(*testing.T) {
		return func(t *testing.T) {
			testee := runner.NewModelHandler(when.runner)
			actual := testee.Handle(context.Background(), when.job)
			if diff := cmp.Diff(then, actual); diff != "" {
				t.Errorf("result (-want +got):\n%s", diff)
			}
		}
	}

	t.Run("a succeeded training job reports its result", theory(
		When{
			runner: fakeRunner{train: func(context.Context, domain.Job) (string, error) { return "model-ref", nil }},
			job:    job("j1", domain.Train),
		},
		domain.JobResult{JobId: "j1", Status: domain.JobSucceeded, ResultRef: "model-ref"},
	))

	t.Run("a succeeded inference job reports its result", theory(
		When{
			runner: fakeRunner{infer: func(context.Context, domain.Job) (string, error) { return "predictions", nil }},
			job:    job("j1", domain.Inference),
		},
		domain.JobResult{JobId: "j1", Status: domain.JobSucceeded, ResultRef: "predictions"},
	))

	t.Run("a transient failure is retryable", theory(
		When{
			runner: fakeRunner{train: func(context.Context, domain.Job) (string, error) {
				return "", fmt.Errorf("%w: connection reset", model.ErrTransient)
			}},
			job: job("j1", domain.Train),
		},
		domain.JobResult{
			JobId: "j1", Status: domain.JobFailed,
			ErrorMessage: "transient failure: connection reset", Retryable: true,
		},
	))

	t.Run("an application failure is not retryable", theory(
		When{
			runner: fakeRunner{infer: func(context.Context, domain.Job) (string, error) {
				return "", errors.New("CUDA out of memory")
			}},
			job: job("j1", domain.Inference),
		},
		domain.JobResult{JobId: "j1", Status: domain.JobFailed, ErrorMessage: "CUDA out of memory"},
	))

	t.Run("a panic of the model is an application failure", theory(
		When{
			runner: fakeRunner{train: func(context.Context, domain.Job) (string, error) { panic("boom") }},
			job:    job("j1", domain.Train),
		},
		domain.JobResult{JobId: "j1", Status: domain.JobFailed, ErrorMessage: "model panicked: boom"},
	))
}

func TestWorker_Once(t *testing.T) {
	ok := runner.NewModelHandler(fakeRunner{
		train: func(_ context.Context, j domain.Job) (string, error) { return "ref-" + j.Id, nil },
	})

	t.Run("it reports running and then the result", func(t *testing.T) {
		source := &fakeSource{jobs: []domain.Job{job("j1", domain.Train)}}
		testee := runner.New(source, ok)

		picked, err := testee.Once(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !picked {
			t.Fatal("no job is picked")
		}
		expected := []domain.JobResult{
			{JobId: "j1", Status: domain.JobRunning},
			{JobId: "j1", Status: domain.JobSucceeded, ResultRef: "ref-j1"},
		}
		if diff := cmp.Diff(expected, source.Reports()); diff != "" {
			t.Errorf("reports (-want +got):\n%s", diff)
		}
	})

	t.Run("it does nothing when the queue is empty", func(t *testing.T) {
		source := &fakeSource{}
		testee := runner.New(source, ok)

		picked, err := testee.Once(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if picked || len(source.Reports()) != 0 {
			t.Errorf("picked = %v, reports = %v", picked, source.Reports())
		}
	})

	t.Run("it skips cancelled jobs", func(t *testing.T) {
		source := &fakeSource{jobs: []domain.Job{job("j1", domain.Train)}}
		source.cancel("j1")
		testee := runner.New(source, ok)

		picked, err := testee.Once(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !picked || len(source.Reports()) != 0 {
			t.Errorf("picked = %v, reports = %v", picked, source.Reports())
		}
	})

	t.Run("it stops the job cancelled while being done, and drops its result", func(t *testing.T) {
		source := &fakeSource{jobs: []domain.Job{job("j1", domain.Train)}}
		started := make(chan struct{})
		handler := queue.HandlerFunc(func(ctx context.Context, j domain.Job) domain.JobResult {
			close(started)
			<-ctx.Done()
			return domain.JobResult{JobId: j.Id, Status: domain.JobFailed, ErrorMessage: ctx.Err().Error()}
		})
		testee := runner.New(source, handler, runner.WithCancelCheckInterval(time.Millisecond))

		go func() {
			<-started
			source.cancel("j1")
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := testee.Once(ctx); err != nil {
			t.Fatal(err)
		}
		expected := []domain.JobResult{{JobId: "j1", Status: domain.JobRunning}}
		if diff := cmp.Diff(expected, source.Reports()); diff != "" {
			t.Errorf("reports (-want +got):\n%s", diff)
		}
	})

	t.Run("it retries reporting results", func(t *testing.T) {
		source := &fakeSource{jobs: []domain.Job{job("j1", domain.Train)}, failReport: 2}
		testee := runner.New(source, ok, runner.WithReportRetry(3, time.Millisecond))

		if _, err := testee.Once(context.Background()); err != nil {
			t.Fatal(err)
		}
		if got := len(source.Reports()); got != 2 {
			t.Errorf("reports: %d", got)
		}
	})

	t.Run("it gives up reporting after retries", func(t *testing.T) {
		source := &fakeSource{jobs: []domain.Job{job("j1", domain.Train)}, failReport: 10}
		testee := runner.New(source, ok, runner.WithReportRetry(2, time.Millisecond))

		_, err := testee.Once(context.Background())
		if err == nil {
			t.Fatal("no error")
		}
	})
}

func TestWorker_Run(t *testing.T) {
	source := &fakeSource{jobs: []domain.Job{job("j1", domain.Train), job("j2", domain.Train)}}
	testee := runner.New(
		source,
		runner.NewModelHandler(fakeRunner{
			train: func(_ context.Context, j domain.Job) (string, error) { return "ref-" + j.Id, nil },
		}),
		runner.WithPollInterval(time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- testee.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for len(source.Reports()) < 4 {
		select {
		case <-deadline:
			t.Fatalf("timeout: %v", source.Reports())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error: %v", err)
	}

	expected := []domain.JobResult{
		{JobId: "j1", Status: domain.JobRunning},
		{JobId: "j1", Status: domain.JobSucceeded, ResultRef: "ref-j1"},
		{JobId: "j2", Status: domain.JobRunning},
		{JobId: "j2", Status: domain.JobSucceeded, ResultRef: "ref-j2"},
	}
	if diff := cmp.Diff(expected, source.Reports()); diff != "" {
		t.Errorf("reports (-want +got):\n%s", diff)
	}
}
