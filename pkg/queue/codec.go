package queue

import (
	"fmt"

	"github.com/opst/knitflow/pkg/domain"
	"github.com/vmihailenco/msgpack/v5"
)

// PayloadEnvelope is the wire format of domain.JobPayload.
type PayloadEnvelope struct {
	ProjectId       string            `msgpack:"project_id"`
	Model           string            `msgpack:"model"`
	ImageIds        []string          `msgpack:"image_ids"`
	Hyperparameters map[string]string `msgpack:"hyperparameters,omitempty"`
}

// JobEnvelope is the wire format of domain.Job.
type JobEnvelope struct {
	JobId      string          `msgpack:"job_id"`
	NodeId     string          `msgpack:"node_id"`
	RunId      string          `msgpack:"run_id"`
	ChunkIndex int             `msgpack:"chunk_index"`
	Attempt    int             `msgpack:"attempt"`
	Kind       string          `msgpack:"kind"`
	Payload    PayloadEnvelope `msgpack:"payload"`
}

// ResultEnvelope is the wire format of domain.JobResult.
type ResultEnvelope struct {
	JobId        string `msgpack:"job_id"`
	Status       string `msgpack:"status"`
	ResultRef    string `msgpack:"result_ref,omitempty"`
	ErrorMessage string `msgpack:"error_message,omitempty"`
	Retryable    bool   `msgpack:"retryable,omitempty"`
}

func EncodeJob(job domain.Job) ([]byte, error) {
	return msgpack.Marshal(JobEnvelope{
		JobId:      job.Id,
		NodeId:     job.NodeId,
		RunId:      job.RunId,
		ChunkIndex: job.ChunkIndex,
		Attempt:    job.Attempt,
		Kind:       job.Kind.String(),
		Payload: PayloadEnvelope{
			ProjectId:       job.Payload.ProjectId,
			Model:           job.Payload.Model.String(),
			ImageIds:        job.Payload.ImageIds,
			Hyperparameters: job.Payload.Hyperparameters,
		},
	})
}

// DecodeJob decodes a job. Decoded jobs are Submitted.
func DecodeJob(b []byte) (domain.Job, error) {
	env := JobEnvelope{}
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return domain.Job{}, fmt.Errorf("malformed job envelope: %w", err)
	}
	if env.JobId == "" {
		return domain.Job{}, fmt.Errorf("malformed job envelope: no job_id")
	}
	kind, err := domain.AsTaskKind(env.Kind)
	if err != nil {
		return domain.Job{}, fmt.Errorf("malformed job envelope: %w", err)
	}
	return domain.Job{
		Id:         env.JobId,
		RunId:      env.RunId,
		NodeId:     env.NodeId,
		ChunkIndex: env.ChunkIndex,
		Attempt:    env.Attempt,
		Kind:       kind,
		Status:     domain.Submitted,
		Payload: domain.JobPayload{
			ProjectId:       env.Payload.ProjectId,
			Model:           domain.ModelState(env.Payload.Model),
			ImageIds:        env.Payload.ImageIds,
			Hyperparameters: env.Payload.Hyperparameters,
		},
	}, nil
}

func EncodeResult(r domain.JobResult) ([]byte, error) {
	return msgpack.Marshal(ResultEnvelope{
		JobId:        r.JobId,
		Status:       r.Status.String(),
		ResultRef:    r.ResultRef,
		ErrorMessage: r.ErrorMessage,
		Retryable:    r.Retryable,
	})
}

func DecodeResult(b []byte) (domain.JobResult, error) {
	env := ResultEnvelope{}
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return domain.JobResult{}, fmt.Errorf("malformed result envelope: %w", err)
	}
	if env.JobId == "" {
		return domain.JobResult{}, fmt.Errorf("malformed result envelope: no job_id")
	}
	status, err := domain.AsJobStatus(env.Status)
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("malformed result envelope: %w", err)
	}
	return domain.JobResult{
		JobId:        env.JobId,
		Status:       status,
		ResultRef:    env.ResultRef,
		ErrorMessage: env.ErrorMessage,
		Retryable:    env.Retryable,
	}, nil
}
