package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opst/knitflow/pkg/db"
	"github.com/opst/knitflow/pkg/db/inmemory"
	"github.com/opst/knitflow/pkg/domain"
	rundb "github.com/opst/knitflow/pkg/domain/run/db"
	runmock "github.com/opst/knitflow/pkg/domain/run/db/mock"
	"github.com/opst/knitflow/pkg/engine"
	"github.com/opst/knitflow/pkg/gatekeeper"
	"github.com/opst/knitflow/pkg/model"
	"github.com/opst/knitflow/pkg/queue/memory"
	"github.com/opst/knitflow/pkg/status"
	"github.com/opst/knitflow/pkg/workers"
	"github.com/opst/knitflow/pkg/workers/runner"
)

// recorder is a model which records jobs it has done.
type recorder struct {
	mu          sync.Mutex
	jobs        []domain.Job
	inflight    int
	maxInflight int

	// if not nil, jobs wait until it is closed (or cancelled).
	gate chan struct{}

	// if not nil, a job fails with the error returned.
	fail func(domain.Job) error

	// if not nil, a job waits for the channel returned (unless it is nil) to be closed.
	hold func(domain.Job) <-chan struct{}

	// ids of jobs stopped by their contexts while held
	interrupted []string
}

func (r *recorder) do(ctx context.Context, job domain.Job, f func(context.Context, domain.Job) (string, error)) (string, error) {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.inflight++
	r.maxInflight = max(r.maxInflight, r.inflight)
	gate, fail, hold := r.gate, r.fail, r.hold
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inflight--
		r.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if hold != nil {
		if ch := hold(job); ch != nil {
			select {
			case <-ch:
			case <-ctx.Done():
				r.mu.Lock()
				r.interrupted = append(r.interrupted, job.Id)
				r.mu.Unlock()
				return "", ctx.Err()
			}
		}
	}
	if fail != nil {
		if err := fail(job); err != nil {
			return "", err
		}
	}
	return f(ctx, job)
}

func (r *recorder) Train(ctx context.Context, job domain.Job) (string, error) {
	return r.do(ctx, job, model.Digest{}.Train)
}

func (r *recorder) Infer(ctx context.Context, job domain.Job) (string, error) {
	return r.do(ctx, job, model.Digest{}.Infer)
}

func (r *recorder) Jobs() []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Job{}, r.jobs...)
}

func (r *recorder) MaxInflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInflight
}

func (r *recorder) Interrupted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.interrupted...)
}

// count returns the number of jobs done per node.
func (r *recorder) count() map[string]int {
	c := map[string]int{}
	for _, j := range r.Jobs() {
		c[j.NodeId]++
	}
	return c
}

type failingMerger struct{}

func (failingMerger) Merge(context.Context, domain.ModelState, []domain.ModelState) (domain.ModelState, error) {
	return "", errors.New("shapes mismatch")
}

type setup struct {
	limits       gatekeeper.Limits
	slots        int
	pool         workers.Pool
	maxChunkSize int
	retries      int
	merger       model.Merger
	database     func(*inmemory.Database) db.Database
	recorder     *recorder
}

type harness struct {
	engine   *engine.Engine
	db       *inmemory.Database
	recorder *recorder
}

func start(t *testing.T, s setup) harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	mem := inmemory.New()
	for i := 1; i <= 6; i++ {
		if err := mem.Images().Put(ctx, "p", fmt.Sprintf("img-%d", i), i <= 4); err != nil {
			t.Fatal(err)
		}
	}
	var database db.Database = mem
	if s.database != nil {
		database = s.database(mem)
	}
	if s.recorder == nil {
		s.recorder = &recorder{}
	}
	if s.pool == nil {
		s.pool = workers.Static(2)
	}
	if s.merger == nil {
		s.merger = model.Digest{}
	}
	if s.limits.MaxConcurrentRuns == 0 {
		s.limits.MaxConcurrentRuns = 10
	}

	q := memory.New(4, runner.NewModelHandler(s.recorder), memory.WithRedeliveryInterval(time.Millisecond))
	testee := engine.New(ctx, engine.Context{
		Queue:         q,
		Gatekeeper:    gatekeeper.New(s.limits, s.slots, nil),
		Pool:          s.pool,
		Database:      database,
		Merger:        s.merger,
		MaxChunkSize:  s.maxChunkSize,
		Retries:       s.retries,
		SubmitBackoff: time.Millisecond,
	})

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		testee.Consume(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-consumed
		testee.Wait()
	})
	return harness{engine: testee, db: mem, recorder: s.recorder}
}

func (h harness) submit(t *testing.T, def domain.WorkflowDefinition, trigger domain.Trigger) string {
	t.Helper()
	runId, err := h.engine.Submit(context.Background(), def, "p", trigger)
	if err != nil {
		t.Fatal(err)
	}
	return runId
}

func (h harness) await(t *testing.T, runId string, cond func(status.Snapshot) bool) status.Snapshot {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		s, err := h.engine.Status(context.Background(), runId)
		if err != nil {
			t.Fatal(err)
		}
		if cond(s) {
			return s
		}
		select {
		case <-deadline:
			t.Fatalf("timeout. last snapshot: %+v", s)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func terminal(s status.Snapshot) bool {
	return s.Status.Terminal()
}

func statusIs(st domain.RunStatus) func(status.Snapshot) bool {
	return func(s status.Snapshot) bool { return s.Status == st }
}

func train(id string, workers int) domain.Task {
	return domain.Task{Id: id, Kind: domain.Train, Kwargs: domain.Kwargs{Workers: workers, Subset: domain.AllImages}}
}

func infer(id string, workers int) domain.Task {
	return domain.Task{Id: id, Kind: domain.Inference, Kwargs: domain.Kwargs{Workers: workers, Subset: domain.AllImages}}
}

func explicit(t domain.Task, images ...string) domain.Task {
	t.Kwargs.Images = images
	return t
}

func TestScenario_RepeatedTrainThenInfer(t *testing.T) {
	h := start(t, setup{maxChunkSize: 2})
	images := []string{"img-1", "img-2", "img-3", "img-4"}
	def := domain.WorkflowDefinition{
		Tasks: []domain.Task{explicit(train("train0", 2), images...), explicit(infer("inference0", 2), images...)},
		Edges: []domain.Edge{{From: "train0", To: "inference0"}},
		Repeaters: []domain.Repeater{
			{Id: "repeater0", StartNode: "train0", EndNode: "inference0", NumRepetitions: 2},
		},
	}

	runId := h.submit(t, def, domain.ByUser)
	actual := h.await(t, runId, terminal)

	expected := status.Snapshot{
		Status: domain.Succeeded,
		Nodes: map[string]status.Node{
			"train0":     {State: domain.Completed, JobCount: 6},
			"inference0": {State: domain.Completed, JobCount: 6},
		},
	}
	if diff := cmp.Diff(expected, actual); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]int{"train0": 6, "inference0": 6}, h.recorder.count()); diff != "" {
		t.Errorf("jobs (-want +got):\n%s", diff)
	}

	// each pass of train0 continues from the model of the previous pass.
	inputs := map[domain.ModelState]int{}
	for _, j := range h.recorder.Jobs() {
		if j.NodeId == "train0" {
			inputs[j.Payload.Model]++
		}
	}
	if len(inputs) != 3 {
		t.Errorf("train0 should start from 3 distinct models: %v", inputs)
	}

	current, err := h.db.Models().Current(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if current == "" {
		t.Error("model is not promoted")
	}

	stored, err := h.db.Runs().Get(context.Background(), runId)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.Succeeded || stored.FinishedAt.IsZero() || stored.StartedAt.IsZero() {
		t.Errorf("stored run: %+v", stored)
	}
	if diff := cmp.Diff(map[string]int{"repeater0": 0}, stored.RepeatCounters); diff != "" {
		t.Errorf("repeat counters (-want +got):\n%s", diff)
	}
}

func TestRepeater(t *testing.T) {
	t.Run("a loop body of L tasks runs L x (R+1) times before flow goes past end_node", func(t *testing.T) {
		h := start(t, setup{})
		def := domain.WorkflowDefinition{
			Tasks: []domain.Task{train("t0", 1), infer("i0", 1), train("t1", 1), infer("after", 1)},
			Edges: []domain.Edge{{From: "t0", To: "i0"}, {From: "i0", To: "t1"}, {From: "t1", To: "after"}},
			Repeaters: []domain.Repeater{
				{Id: "r", StartNode: "t0", EndNode: "t1", NumRepetitions: 3},
			},
		}

		runId := h.submit(t, def, domain.ByUser)
		if s := h.await(t, runId, terminal); s.Status != domain.Succeeded {
			t.Fatalf("status: %+v", s)
		}

		if diff := cmp.Diff(map[string]int{"t0": 4, "i0": 4, "t1": 4, "after": 1}, h.recorder.count()); diff != "" {
			t.Errorf("jobs (-want +got):\n%s", diff)
		}
		jobs := h.recorder.Jobs()
		if last := jobs[len(jobs)-1]; last.NodeId != "after" {
			t.Errorf("last job is of %s", last.NodeId)
		}
	})

	t.Run("inner repeaters are restored on each pass of the outer one", func(t *testing.T) {
		h := start(t, setup{})
		def := domain.WorkflowDefinition{
			Tasks: []domain.Task{
				train("train0", 1), infer("infer-a", 1), infer("infer-b", 1), train("train1", 1),
			},
			Connectors: []domain.Connector{{Id: "join"}},
			Edges: []domain.Edge{
				{From: "train0", To: "infer-a"},
				{From: "train0", To: "infer-b"},
				{From: "infer-a", To: "join"},
				{From: "infer-b", To: "join"},
				{From: "join", To: "train1"},
			},
			Repeaters: []domain.Repeater{
				{Id: "outer", StartNode: "train0", EndNode: "train1", NumRepetitions: 1},
				{Id: "inner", StartNode: "infer-a", EndNode: "join", NumRepetitions: 2},
			},
		}

		runId := h.submit(t, def, domain.ByUser)
		if s := h.await(t, runId, terminal); s.Status != domain.Succeeded {
			t.Fatalf("status: %+v", s)
		}

		expected := map[string]int{"train0": 2, "infer-a": 6, "infer-b": 2, "train1": 2}
		if diff := cmp.Diff(expected, h.recorder.count()); diff != "" {
			t.Errorf("jobs (-want +got):\n%s", diff)
		}
	})
}

func TestFailure(t *testing.T) {
	def := domain.WorkflowDefinition{
		Tasks: []domain.Task{train("t0", 1), infer("i0", 2), train("t1", 1)},
		Edges: []domain.Edge{{From: "t0", To: "i0"}, {From: "i0", To: "t1"}},
	}

	t.Run("an application error fails the run fast, with the worker's message", func(t *testing.T) {
		h := start(t, setup{retries: 1, recorder: &recorder{
			fail: func(j domain.Job) error {
				if j.NodeId == "i0" && j.ChunkIndex == 0 {
					return errors.New("bad image: img-1")
				}
				return nil
			},
		}})

		runId := h.submit(t, def, domain.ByUser)
		actual := h.await(t, runId, terminal)

		if actual.Status != domain.Failed || actual.FailedNode != "i0" || actual.Error != "bad image: img-1" {
			t.Errorf("snapshot: %+v", actual)
		}
		if st := actual.Nodes["t1"].State; st != domain.Skipped {
			t.Errorf("downstream node is %s", st)
		}
		if n := actual.Nodes["i0"]; n.State != domain.NodeFailed || n.FailedJobCount != 1 || n.JobCount != 2 {
			t.Errorf("failed node: %+v", n)
		}
		if _, ok := h.recorder.count()["t1"]; ok {
			t.Error("downstream node is dispatched")
		}
	})

	t.Run("a transient error is retried once and the run can succeed", func(t *testing.T) {
		h := start(t, setup{retries: 1, recorder: &recorder{
			fail: func(j domain.Job) error {
				if j.NodeId == "t0" && j.Attempt == 1 {
					return fmt.Errorf("%w: worker evicted", model.ErrTransient)
				}
				return nil
			},
		}})

		runId := h.submit(t, def, domain.ByUser)
		actual := h.await(t, runId, terminal)

		if actual.Status != domain.Succeeded {
			t.Fatalf("snapshot: %+v", actual)
		}
		if n := actual.Nodes["t0"]; n.JobCount != 2 || n.FailedJobCount != 1 {
			t.Errorf("retried node: %+v", n)
		}
	})

	t.Run("a chunk failing twice transiently fails the node without merge", func(t *testing.T) {
		h := start(t, setup{retries: 1, merger: failingMerger{}, recorder: &recorder{
			fail: func(j domain.Job) error {
				if j.NodeId == "t0" {
					return fmt.Errorf("%w: worker evicted", model.ErrTransient)
				}
				return nil
			},
		}})

		runId := h.submit(t, def, domain.ByUser)
		actual := h.await(t, runId, terminal)

		expected := status.Snapshot{
			Status: domain.Failed,
			Nodes: map[string]status.Node{
				"t0": {State: domain.NodeFailed, JobCount: 2, FailedJobCount: 2},
				"i0": {State: domain.Skipped},
				"t1": {State: domain.Skipped},
			},
			FailedNode: "t0",
			Error:      "transient failure: worker evicted",
		}
		if diff := cmp.Diff(expected, actual); diff != "" {
			t.Errorf("snapshot (-want +got):\n%s", diff)
		}
	})

	t.Run("a merge failure fails the node", func(t *testing.T) {
		h := start(t, setup{merger: failingMerger{}})

		runId := h.submit(t, def, domain.ByUser)
		actual := h.await(t, runId, terminal)

		if actual.Status != domain.Failed || actual.FailedNode != "t0" {
			t.Errorf("snapshot: %+v", actual)
		}
		if actual.Error != "merging model states of node t0: shapes mismatch" {
			t.Errorf("error: %s", actual.Error)
		}
	})
}

func TestFailFast(t *testing.T) {
	ctx := context.Background()
	breakA := make(chan struct{})
	releaseB := make(chan struct{})
	rec := &recorder{
		hold: func(j domain.Job) <-chan struct{} {
			switch j.NodeId {
			case "a":
				return breakA
			case "b":
				return releaseB
			}
			return nil
		},
		fail: func(j domain.Job) error {
			if j.NodeId == "a" {
				return errors.New("broken image")
			}
			return nil
		},
	}
	h := start(t, setup{slots: 2, recorder: rec})
	def := domain.WorkflowDefinition{
		Tasks: []domain.Task{train("a", 1), infer("b", 1), infer("c", 1)},
		Edges: []domain.Edge{{From: "b", To: "c"}},
	}

	runId := h.submit(t, def, domain.ByUser)
	h.await(t, runId, func(s status.Snapshot) bool {
		return s.Nodes["a"].State == domain.NodeRunning && s.Nodes["b"].State == domain.NodeRunning
	})
	close(breakA)
	actual := h.await(t, runId, terminal)

	expected := status.Snapshot{
		Status: domain.Failed,
		Nodes: map[string]status.Node{
			"a": {State: domain.NodeFailed, JobCount: 1, FailedJobCount: 1},
			"b": {State: domain.NodeRunning, JobCount: 1},
			"c": {State: domain.Skipped},
		},
		FailedNode: "a",
		Error:      "broken image",
	}
	if diff := cmp.Diff(expected, actual); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}

	// b keeps its chunk slot while running. The other run waits for it.
	other := h.submit(t, domain.WorkflowDefinition{Tasks: []domain.Task{train("x", 2)}}, domain.ByUser)
	time.Sleep(50 * time.Millisecond)
	if n := h.recorder.count()["x"]; n != 0 {
		t.Errorf("jobs of the other run are dispatched before b finishes: %d", n)
	}
	if got := rec.Interrupted(); len(got) != 0 {
		t.Errorf("running jobs are interrupted by the failure: %v", got)
	}

	close(releaseB)
	if s := h.await(t, other, terminal); s.Status != domain.Succeeded {
		t.Errorf("other run: %+v", s)
	}
	if got := rec.Interrupted(); len(got) != 0 {
		t.Errorf("running jobs are interrupted by the failure: %v", got)
	}
	if _, ok := h.recorder.count()["c"]; ok {
		t.Error("a node after the failure is dispatched")
	}

	jobs, err := h.db.Jobs().Find(ctx, runId)
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range jobs {
		if j.NodeId == "b" && j.Status != domain.JobSucceeded {
			t.Errorf("job of b: %+v", j)
		}
	}
	if s := h.await(t, runId, terminal); s.Status != domain.Failed || s.Nodes["b"].State != domain.NodeRunning {
		t.Errorf("snapshot after b finished: %+v", s)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := start(t, setup{recorder: &recorder{gate: make(chan struct{})}})
	def := domain.WorkflowDefinition{
		Tasks: []domain.Task{train("t0", 1), infer("i0", 1)},
		Edges: []domain.Edge{{From: "t0", To: "i0"}},
	}

	runId := h.submit(t, def, domain.ByUser)
	h.await(t, runId, func(s status.Snapshot) bool { return s.Nodes["t0"].State == domain.NodeRunning })

	if err := h.engine.Cancel(ctx, runId); err != nil {
		t.Fatal(err)
	}
	actual := h.await(t, runId, terminal)

	expected := status.Snapshot{
		Status: domain.Cancelled,
		Nodes: map[string]status.Node{
			"t0": {State: domain.Skipped, JobCount: 1},
			"i0": {State: domain.Skipped},
		},
	}
	if diff := cmp.Diff(expected, actual); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}

	t.Run("late events for the terminated run have no effects", func(t *testing.T) {
		jobs := h.recorder.Jobs()
		if len(jobs) != 1 {
			t.Fatalf("jobs: %v", jobs)
		}
		if err := h.engine.Deliver(ctx, domain.JobResult{JobId: jobs[0].Id, Status: domain.JobSucceeded, ResultRef: "late"}); err != nil {
			t.Error(err)
		}
		if err := h.engine.Advance(ctx, runId); err != nil {
			t.Error(err)
		}
		if err := h.engine.Cancel(ctx, runId); err != nil {
			t.Error(err)
		}

		time.Sleep(20 * time.Millisecond)
		after, err := h.engine.Status(ctx, runId)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(expected, after); diff != "" {
			t.Errorf("snapshot (-want +got):\n%s", diff)
		}
		if n := len(h.recorder.Jobs()); n != 1 {
			t.Errorf("jobs after cancel: %d", n)
		}
	})
}

func TestAdmission(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	h := start(t, setup{limits: gatekeeper.Limits{MaxConcurrentRuns: 1}, recorder: &recorder{gate: gate}})
	def := domain.WorkflowDefinition{Tasks: []domain.Task{train("t0", 1)}}

	user1 := h.submit(t, def, domain.ByUser)
	user2 := h.submit(t, def, domain.ByUser)
	auto1 := h.submit(t, def, domain.ByAuto)
	auto2 := h.submit(t, def, domain.ByAuto)
	user3 := h.submit(t, def, domain.ByUser)

	h.await(t, user1, statusIs(domain.Running))
	h.await(t, auto1, statusIs(domain.Running))
	for _, queued := range []string{user2, auto2, user3} {
		if s, _ := h.engine.Status(ctx, queued); s.Status != domain.Queued {
			t.Errorf("run %s should be queued: %+v", queued, s)
		}
	}

	if err := h.engine.Cancel(ctx, user3); err != nil {
		t.Fatal(err)
	}
	if s := h.await(t, user3, terminal); s.Status != domain.Cancelled || s.Nodes["t0"].State != domain.Skipped {
		t.Errorf("cancelled queued run: %+v", s)
	}

	close(gate)
	for _, r := range []string{user1, user2, auto1, auto2} {
		if s := h.await(t, r, terminal); s.Status != domain.Succeeded {
			t.Errorf("run %s: %+v", r, s)
		}
	}
	if n := len(h.recorder.Jobs()); n != 4 {
		t.Errorf("jobs: %d", n)
	}
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("connectors pass the model of upstream training through", func(t *testing.T) {
		h := start(t, setup{})
		def := domain.WorkflowDefinition{
			Tasks:      []domain.Task{train("t0", 2), infer("i0", 1)},
			Connectors: []domain.Connector{{Id: "c"}},
			Edges:      []domain.Edge{{From: "t0", To: "c"}, {From: "c", To: "i0"}},
		}

		runId := h.submit(t, def, domain.ByUser)
		if s := h.await(t, runId, terminal); s.Status != domain.Succeeded {
			t.Fatalf("snapshot: %+v", s)
		}

		partials := []domain.ModelState{}
		var inferred domain.ModelState
		for _, j := range h.recorder.Jobs() {
			switch j.NodeId {
			case "t0":
				ref, _ := model.Digest{}.Train(ctx, j)
				partials = append(partials, domain.ModelState(ref))
			case "i0":
				inferred = j.Payload.Model
			}
		}
		merged, _ := model.Digest{}.Merge(ctx, "", partials)
		if inferred != merged {
			t.Errorf("inference starts from %s, want %s", inferred, merged)
		}
	})

	t.Run("all workers spreads a task over the live pool", func(t *testing.T) {
		h := start(t, setup{pool: workers.Static(3)})
		def := domain.WorkflowDefinition{Tasks: []domain.Task{infer("i0", domain.AllWorkers)}}

		runId := h.submit(t, def, domain.ByUser)
		if s := h.await(t, runId, terminal); s.Status != domain.Succeeded || s.Nodes["i0"].JobCount != 3 {
			t.Errorf("snapshot: %+v", s)
		}
	})

	t.Run("chunk slots bound jobs active at once across runs", func(t *testing.T) {
		h := start(t, setup{slots: 1})
		def := domain.WorkflowDefinition{Tasks: []domain.Task{train("t0", 3), infer("i0", 2)}}

		runs := []string{h.submit(t, def, domain.ByUser), h.submit(t, def, domain.ByUser)}
		for _, r := range runs {
			if s := h.await(t, r, terminal); s.Status != domain.Succeeded {
				t.Errorf("run %s: %+v", r, s)
			}
		}
		if n := h.recorder.MaxInflight(); n != 1 {
			t.Errorf("max jobs in flight: %d", n)
		}
	})

	t.Run("an invalid workflow is rejected at submit", func(t *testing.T) {
		h := start(t, setup{})
		def := domain.WorkflowDefinition{
			Tasks: []domain.Task{train("a", 1), infer("b", 1)},
			Edges: []domain.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
		}

		_, err := h.engine.Submit(ctx, def, "p", domain.ByUser)
		verr := new(domain.ValidationError)
		if !errors.As(err, &verr) || !errors.Is(err, domain.ErrCyclicWorkflow) {
			t.Errorf("unexpected error: %v", err)
		}
		if n := len(h.recorder.Jobs()); n != 0 {
			t.Errorf("jobs: %d", n)
		}
	})
}

type database struct {
	*inmemory.Database
	runs rundb.RunInterface
}

func (d database) Runs() rundb.RunInterface {
	return d.runs
}

func TestStore(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown runs are not found", func(t *testing.T) {
		h := start(t, setup{})
		if _, err := h.engine.Status(ctx, "nowhere"); !errors.Is(err, domain.ErrRunNotFound) {
			t.Errorf("Status: %v", err)
		}
		if err := h.engine.Cancel(ctx, "nowhere"); !errors.Is(err, domain.ErrRunNotFound) {
			t.Errorf("Cancel: %v", err)
		}
		if err := h.engine.Advance(ctx, "nowhere"); !errors.Is(err, domain.ErrRunNotFound) {
			t.Errorf("Advance: %v", err)
		}
		if err := h.engine.Deliver(ctx, domain.JobResult{JobId: "nowhere", Status: domain.JobSucceeded}); err != nil {
			t.Errorf("Deliver: %v", err)
		}
	})

	t.Run("runs not in memory are read from the store", func(t *testing.T) {
		h := start(t, setup{})
		run := domain.WorkflowRun{
			Id: "old-run", ProjectId: "p", TriggeredBy: domain.ByUser, Status: domain.Failed,
			NodeStates: map[string]domain.NodeState{"t0": domain.NodeFailed},
			FailedNode: "t0", Error: "out of memory",
		}
		if err := h.db.Runs().Create(ctx, run, domain.WorkflowDefinition{Tasks: []domain.Task{train("t0", 1)}}); err != nil {
			t.Fatal(err)
		}
		for _, j := range []domain.Job{
			{Id: "j1", RunId: "old-run", NodeId: "t0", Attempt: 1, Status: domain.JobFailed},
			{Id: "j2", RunId: "old-run", NodeId: "t0", Attempt: 2, Status: domain.JobFailed},
		} {
			if err := h.db.Jobs().Upsert(ctx, j); err != nil {
				t.Fatal(err)
			}
		}

		actual, err := h.engine.Status(ctx, "old-run")
		if err != nil {
			t.Fatal(err)
		}
		expected := status.Snapshot{
			Status:     domain.Failed,
			Nodes:      map[string]status.Node{"t0": {State: domain.NodeFailed, JobCount: 2, FailedJobCount: 2}},
			FailedNode: "t0",
			Error:      "out of memory",
		}
		if diff := cmp.Diff(expected, actual); diff != "" {
			t.Errorf("snapshot (-want +got):\n%s", diff)
		}
		if err := h.engine.Cancel(ctx, "old-run"); err != nil {
			t.Errorf("cancelling a stored run: %v", err)
		}
	})

	t.Run("runs go on even when the store refuses updates", func(t *testing.T) {
		runs := runmock.NewRunInterface()
		h := start(t, setup{database: func(mem *inmemory.Database) db.Database {
			runs.Impl.Create = mem.Runs().Create
			runs.Impl.Get = mem.Runs().Get
			runs.Impl.Update = func(context.Context, domain.WorkflowRun) error {
				return errors.New("database is read-only")
			}
			return database{Database: mem, runs: runs}
		}})
		def := domain.WorkflowDefinition{Tasks: []domain.Task{train("t0", 1)}}

		runId := h.submit(t, def, domain.ByUser)
		if s := h.await(t, runId, terminal); s.Status != domain.Succeeded {
			t.Errorf("snapshot: %+v", s)
		}

		last, ok := runs.Updates().Last()
		if !ok {
			t.Fatal("run is never persisted")
		}
		if last.Status != domain.Succeeded || last.Id != runId {
			t.Errorf("last update: %+v", last)
		}
		if n := runs.Calls.Create.Times(); n != 1 {
			t.Errorf("created %d times", n)
		}

		// the store has the run as queued. The latest snapshot stays in memory.
		time.Sleep(20 * time.Millisecond)
		if s, err := h.engine.Status(ctx, runId); err != nil || s.Status != domain.Succeeded {
			t.Errorf("snapshot after retired: (%+v, %v)", s, err)
		}
	})

	t.Run("snapshots of stored terminated runs are read from the store", func(t *testing.T) {
		h := start(t, setup{})
		def := domain.WorkflowDefinition{Tasks: []domain.Task{train("t0", 1)}}

		runId := h.submit(t, def, domain.ByUser)
		h.await(t, runId, terminal)

		stored, err := h.db.Runs().Get(ctx, runId)
		if err != nil {
			t.Fatal(err)
		}
		stored.Error = "rewritten in the store"
		if err := h.db.Runs().Update(ctx, stored); err != nil {
			t.Fatal(err)
		}
		actual := h.await(t, runId, func(s status.Snapshot) bool { return s.Error == stored.Error })
		expected := status.Snapshot{
			Status: domain.Succeeded,
			Nodes:  map[string]status.Node{"t0": {State: domain.Completed, JobCount: 1}},
			Error:  stored.Error,
		}
		if diff := cmp.Diff(expected, actual); diff != "" {
			t.Errorf("snapshot (-want +got):\n%s", diff)
		}
	})
}
