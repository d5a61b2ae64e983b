package runs

// Submitted is the response of a workflow submission.
type Submitted struct {
	RunId string `json:"run_id"`
}

// Accepted is the response of a request which is done asynchronously.
type Accepted struct {
	RunId  string `json:"run_id"`
	Status string `json:"status"`
}
