package domain

// domain package contains the Domain Models of knitflow.
//
// # Entities
//
// - workflow (`workflow.go`): a graph of Tasks (train or inference) and Connectors,
// joined by Edges and looped by Repeaters. It is submitted as JSON and validated by `domain/graph`.
//
// - run (`run.go`): an execution of a workflow in a project.
// A run is queued until the gatekeeper admits it, then the engine advances its graph
// node by node, until it succeeds, fails or is cancelled.
//
// - job (`job.go`): a chunk of a task's workload, dispatched to workers via the job queue.
// Workers report JobResult for each job.
// Training jobs produce partial ModelStates which are merged into one ModelState per task.
