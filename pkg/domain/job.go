package domain

import (
	"fmt"

	domerr "github.com/opst/knitflow/pkg/domain/errors"
)

type JobStatus string

const (
	Submitted    JobStatus = "submitted"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"

	// taken back from the queue before any worker picked it.
	JobWithdrawn JobStatus = "withdrawn"
)

func (js JobStatus) String() string {
	return string(js)
}

func (js JobStatus) Terminal() bool {
	return js == JobSucceeded || js == JobFailed || js == JobWithdrawn
}

func AsJobStatus(s string) (JobStatus, error) {
	switch s {
	case string(Submitted):
		return Submitted, nil
	case string(JobRunning):
		return JobRunning, nil
	case string(JobSucceeded):
		return JobSucceeded, nil
	case string(JobFailed):
		return JobFailed, nil
	case string(JobWithdrawn):
		return JobWithdrawn, nil
	default:
		return "", fmt.Errorf("'%s' is not JobStatus", s)
	}
}

// ModelState is a reference to model parameters.
//
// It is opaque for knitflow. Empty ModelState means "no model", that is, the model
// implementation should start from its initial parameters.
type ModelState string

func (ms ModelState) String() string {
	return string(ms)
}

// JobPayload is what a worker needs to do a job.
type JobPayload struct {
	ProjectId       string
	Model           ModelState
	ImageIds        []string
	Hyperparameters map[string]string
}

// Job is a chunk of work of a task node.
type Job struct {
	Id         string
	RunId      string
	NodeId     string
	ChunkIndex int

	// 1 for the first submission, incremented on re-submission.
	Attempt int
	Kind    TaskKind
	Payload JobPayload
	Status  JobStatus

	// reference to the output artifact. partial model state for training, prediction set for inference.
	ResultRef string

	// message from the worker when failed.
	Error string
}

// JobResult is a report from a worker.
type JobResult struct {
	JobId  string
	Status JobStatus

	// set when Status is JobSucceeded
	ResultRef string

	// set when Status is JobFailed
	ErrorMessage string

	// the failure is infrastructural, and the same job may succeed when it is tried again.
	Retryable bool
}

// JobExecutionError is a failure of a job reported by a worker.
type JobExecutionError struct {
	JobId     string
	Message   string
	Retryable bool
}

func (e *JobExecutionError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("job %s failed (transient): %s", e.JobId, e.Message)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobId, e.Message)
}

// NodeExecutionError tells a task node has failed.
type NodeExecutionError struct {
	NodeId string

	// message from the worker which failed the node, verbatim.
	Message string

	Cause error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s failed: %s", e.NodeId, e.Message)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Cause
}

// MergeError is a failure on consolidating partial model states.
type MergeError struct {
	NodeId string
	Cause  error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merging model states of node %s: %s", e.NodeId, e.Cause)
}

func (e *MergeError) Unwrap() error {
	return e.Cause
}

var ErrJobNotFound = fmt.Errorf("%w: job", domerr.ErrMissing)
