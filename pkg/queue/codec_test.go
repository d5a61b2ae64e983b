package queue_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opst/knitflow/pkg/domain"
	"github.com/opst/knitflow/pkg/queue"
	"github.com/vmihailenco/msgpack/v5"
)

func TestEncodeJob(t *testing.T) {
	job := domain.Job{
		Id: "job-1", RunId: "run-1", NodeId: "train0", ChunkIndex: 1, Attempt: 2,
		Kind: domain.Train, Status: domain.JobRunning, ResultRef: "ignored", Error: "ignored",
		Payload: domain.JobPayload{
			ProjectId: "p", Model: "m0", ImageIds: []string{"a", "b"},
			Hyperparameters: map[string]string{"lr": "0.01"},
		},
	}

	b, err := queue.EncodeJob(job)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("the envelope has wire field names", func(t *testing.T) {
		raw := map[string]any{}
		if err := msgpack.Unmarshal(b, &raw); err != nil {
			t.Fatal(err)
		}
		for _, key := range []string{"job_id", "node_id", "run_id", "chunk_index", "attempt", "kind", "payload"} {
			if _, ok := raw[key]; !ok {
				t.Errorf("missing key %s in %v", key, raw)
			}
		}
		for _, key := range []string{"status", "result_ref", "error"} {
			if _, ok := raw[key]; ok {
				t.Errorf("executor-owned key %s crosses the wire: %v", key, raw)
			}
		}
	})

	t.Run("decoded job is submitted, without executor-owned fields", func(t *testing.T) {
		got, err := queue.DecodeJob(b)
		if err != nil {
			t.Fatal(err)
		}
		want := job
		want.Status = domain.Submitted
		want.ResultRef = ""
		want.Error = ""
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("(-want +got):\n%s", diff)
		}
	})
}

func TestDecode_Malformed(t *testing.T) {
	unknownKind, _ := msgpack.Marshal(queue.JobEnvelope{JobId: "j", Kind: "evaluate"})
	noJobId, _ := msgpack.Marshal(queue.JobEnvelope{Kind: "train"})
	unknownStatus, _ := msgpack.Marshal(queue.ResultEnvelope{JobId: "j", Status: "lost"})

	for name, b := range map[string][]byte{
		"garbage":      []byte("\xc1 not msgpack"),
		"unknown kind": unknownKind,
		"no job id":    noJobId,
	} {
		t.Run("job: "+name, func(t *testing.T) {
			if _, err := queue.DecodeJob(b); err == nil {
				t.Error("expected error")
			}
		})
	}
	for name, b := range map[string][]byte{
		"garbage":        []byte("\xc1 not msgpack"),
		"unknown status": unknownStatus,
	} {
		t.Run("result: "+name, func(t *testing.T) {
			if _, err := queue.DecodeResult(b); err == nil {
				t.Error("expected error")
			}
		})
	}
}
