package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opst/knitflow/pkg/cmp"
)

type TaskKind string

const (
	// Train a model with images, and produce a model state.
	Train TaskKind = "train"

	// Predict labels of images with a model state.
	Inference TaskKind = "inference"
)

func (k TaskKind) String() string {
	return string(k)
}

func AsTaskKind(s string) (TaskKind, error) {
	switch s {
	case string(Train):
		return Train, nil
	case string(Inference):
		return Inference, nil
	default:
		return "", fmt.Errorf(`%w: "%s"`, ErrUnknownNodeKind, s)
	}
}

// Subset selects images of a project as a workload of a task.
type Subset string

const (
	AllImages         Subset = "all"
	AnnotatedImages   Subset = "annotated"
	UnannotatedImages Subset = "unannotated"
)

func (s Subset) String() string {
	return string(s)
}

func AsSubset(s string) (Subset, error) {
	switch s {
	case string(AllImages):
		return AllImages, nil
	case string(AnnotatedImages):
		return AnnotatedImages, nil
	case string(UnannotatedImages):
		return UnannotatedImages, nil
	default:
		return "", fmt.Errorf(`%w: subset: "%s"`, ErrMissingKwarg, s)
	}
}

// AllWorkers is sentinel value for Kwargs.Workers.
//
// A task with this value is spread over workers found in the Worker Pool at dispatch time.
const AllWorkers = -1

// Node is a vertex of a workflow graph.
//
// Node is implemented only by Task and Connector.
type Node interface {
	NodeId() string

	node()
}

// Task is a node which does ML work (training or inference) on workers.
type Task struct {
	Id     string
	Kind   TaskKind
	Kwargs Kwargs
}

func (t Task) NodeId() string { return t.Id }
func (Task) node()            {}

func (t Task) Equal(o Task) bool {
	return t.Id == o.Id && t.Kind == o.Kind && t.Kwargs.Equal(o.Kwargs)
}

// Connector is a no-op node joining or splitting edges.
type Connector struct {
	Id string
}

func (c Connector) NodeId() string { return c.Id }
func (Connector) node()            {}

// Kwargs are parameters of a task.
type Kwargs struct {
	// number of workers to be used. AllWorkers means "all available".
	Workers int

	// which images of the project are the workload.
	Subset Subset

	// explicit image ids. If not empty, this overrides Subset.
	Images []string

	// per-chunk ceiling of images. 0 means "use the operator's setting".
	MaxChunkSize int

	// passed to workers as is.
	Hyperparameters map[string]string
}

func (k Kwargs) Equal(o Kwargs) bool {
	return k.Workers == o.Workers &&
		k.Subset == o.Subset &&
		cmp.SliceEq(k.Images, o.Images) &&
		k.MaxChunkSize == o.MaxChunkSize &&
		cmp.MapEq(k.Hyperparameters, o.Hyperparameters)
}

type Edge struct {
	From string
	To   string
}

// Repeater loops control flow back from EndNode to StartNode.
//
// The nodes from StartNode to EndNode (the loop body) are run NumRepetitions+1 times in total.
type Repeater struct {
	Id             string
	StartNode      string
	EndNode        string
	NumRepetitions int
}

// WorkflowDefinition is a workflow graph as submitted.
//
// It is not validated yet. To validate it, use graph.Build.
type WorkflowDefinition struct {
	Tasks      []Task
	Connectors []Connector
	Edges      []Edge
	Repeaters  []Repeater
}

// Nodes returns all nodes, tasks first and connectors then, in the order of definition.
func (wd WorkflowDefinition) Nodes() []Node {
	nodes := make([]Node, 0, len(wd.Tasks)+len(wd.Connectors))
	for _, t := range wd.Tasks {
		nodes = append(nodes, t)
	}
	for _, c := range wd.Connectors {
		nodes = append(nodes, c)
	}
	return nodes
}

// Wire representation of WorkflowDefinition.
//
// Pointer fields detect missing required kwargs.
type workflowJSON struct {
	Tasks []struct {
		Id     string `json:"id"`
		Kind   string `json:"kind"`
		Kwargs struct {
			Workers         *int              `json:"workers"`
			Subset          *string           `json:"subset"`
			Images          []string          `json:"images,omitempty"`
			MaxChunkSize    int               `json:"max_chunk_size,omitempty"`
			Hyperparameters map[string]string `json:"hyperparameters,omitempty"`
		} `json:"kwargs"`
	} `json:"tasks"`
	Connectors []struct {
		Id string `json:"id"`
	} `json:"connectors"`
	Edges []struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"edges"`
	Repeaters []struct {
		Id             string `json:"id"`
		StartNode      string `json:"start_node"`
		EndNode        string `json:"end_node"`
		NumRepetitions *int   `json:"num_repetitions"`
	} `json:"repeaters"`
}

// ParseWorkflow decodes workflow JSON.
//
// Malformed JSON or fields missing in tasks and repeaters are reported as *ValidationError.
// Graph structure is not checked here.
func ParseWorkflow(payload []byte) (WorkflowDefinition, error) {
	var w workflowJSON
	if err := json.Unmarshal(payload, &w); err != nil {
		return WorkflowDefinition{}, &ValidationError{
			Problems: []error{fmt.Errorf("%w: %w", ErrMalformedWorkflow, err)},
		}
	}

	problems := []error{}
	def := WorkflowDefinition{}
	for _, t := range w.Tasks {
		kind, err := AsTaskKind(t.Kind)
		if err != nil {
			problems = append(problems, fmt.Errorf("task %s: %w", t.Id, err))
		}
		kw := Kwargs{
			Images:          t.Kwargs.Images,
			MaxChunkSize:    t.Kwargs.MaxChunkSize,
			Hyperparameters: t.Kwargs.Hyperparameters,
		}
		if t.Kwargs.Workers == nil {
			problems = append(problems, fmt.Errorf(`task %s: %w: "workers"`, t.Id, ErrMissingKwarg))
		} else {
			kw.Workers = *t.Kwargs.Workers
		}
		if t.Kwargs.Subset == nil {
			if len(t.Kwargs.Images) == 0 {
				problems = append(problems, fmt.Errorf(`task %s: %w: "subset"`, t.Id, ErrMissingKwarg))
			}
		} else if s, err := AsSubset(*t.Kwargs.Subset); err != nil {
			problems = append(problems, fmt.Errorf("task %s: %w", t.Id, err))
		} else {
			kw.Subset = s
		}
		def.Tasks = append(def.Tasks, Task{Id: t.Id, Kind: kind, Kwargs: kw})
	}
	for _, c := range w.Connectors {
		def.Connectors = append(def.Connectors, Connector{Id: c.Id})
	}
	for _, e := range w.Edges {
		def.Edges = append(def.Edges, Edge{From: e.From, To: e.To})
	}
	for _, r := range w.Repeaters {
		rep := Repeater{Id: r.Id, StartNode: r.StartNode, EndNode: r.EndNode}
		if r.NumRepetitions == nil {
			problems = append(problems, fmt.Errorf(
				`repeater %s: %w: "num_repetitions" is missing`, r.Id, ErrUnboundedRepeater,
			))
		} else {
			rep.NumRepetitions = *r.NumRepetitions
		}
		def.Repeaters = append(def.Repeaters, rep)
	}

	if len(problems) != 0 {
		return def, &ValidationError{Problems: problems}
	}
	return def, nil
}

// MarshalJSON encodes WorkflowDefinition in the same format ParseWorkflow reads.
func (wd WorkflowDefinition) MarshalJSON() ([]byte, error) {
	type kwargs struct {
		Workers         int               `json:"workers"`
		Subset          string            `json:"subset,omitempty"`
		Images          []string          `json:"images,omitempty"`
		MaxChunkSize    int               `json:"max_chunk_size,omitempty"`
		Hyperparameters map[string]string `json:"hyperparameters,omitempty"`
	}
	type task struct {
		Id     string `json:"id"`
		Kind   string `json:"kind"`
		Kwargs kwargs `json:"kwargs"`
	}
	type node struct {
		Id string `json:"id"`
	}
	type edge struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	type repeater struct {
		Id             string `json:"id"`
		StartNode      string `json:"start_node"`
		EndNode        string `json:"end_node"`
		NumRepetitions int    `json:"num_repetitions"`
	}
	out := struct {
		Tasks      []task     `json:"tasks"`
		Connectors []node     `json:"connectors"`
		Edges      []edge     `json:"edges"`
		Repeaters  []repeater `json:"repeaters"`
	}{
		Tasks:      []task{},
		Connectors: []node{},
		Edges:      []edge{},
		Repeaters:  []repeater{},
	}
	for _, t := range wd.Tasks {
		out.Tasks = append(out.Tasks, task{
			Id: t.Id, Kind: t.Kind.String(),
			Kwargs: kwargs{
				Workers:         t.Kwargs.Workers,
				Subset:          t.Kwargs.Subset.String(),
				Images:          t.Kwargs.Images,
				MaxChunkSize:    t.Kwargs.MaxChunkSize,
				Hyperparameters: t.Kwargs.Hyperparameters,
			},
		})
	}
	for _, c := range wd.Connectors {
		out.Connectors = append(out.Connectors, node{Id: c.Id})
	}
	for _, e := range wd.Edges {
		out.Edges = append(out.Edges, edge{From: e.From, To: e.To})
	}
	for _, r := range wd.Repeaters {
		out.Repeaters = append(out.Repeaters, repeater{
			Id: r.Id, StartNode: r.StartNode, EndNode: r.EndNode, NumRepetitions: r.NumRepetitions,
		})
	}
	return json.Marshal(out)
}

var (
	ErrInvalidWorkflow = errors.New("workflow is invalid")

	// payload is not a workflow JSON
	ErrMalformedWorkflow = fmt.Errorf("%w: malformed", ErrInvalidWorkflow)

	// graph has a cycle which is not made by repeaters
	ErrCyclicWorkflow = fmt.Errorf("%w: graph has a cycle without repeater", ErrInvalidWorkflow)

	// repeater does not have bounded repetition count
	ErrUnboundedRepeater = fmt.Errorf("%w: repeater is unbounded", ErrInvalidWorkflow)

	// repeater loops a range which is not a path, or overlaps another loop partially
	ErrBadRepeater = fmt.Errorf("%w: bad repeater", ErrInvalidWorkflow)

	// edge or repeater refers a node not in the graph
	ErrUnknownNode = fmt.Errorf("%w: unknown node", ErrInvalidWorkflow)

	// node id is empty or used twice
	ErrBadNodeId = fmt.Errorf("%w: bad node id", ErrInvalidWorkflow)

	ErrUnknownNodeKind = fmt.Errorf("%w: unknown node kind", ErrInvalidWorkflow)

	// task kwargs lacks required field, or it has out-of-range value
	ErrMissingKwarg = fmt.Errorf("%w: kwargs", ErrInvalidWorkflow)
)

// ValidationError carries every problem found in a workflow.
//
// It is also ErrInvalidWorkflow.
type ValidationError struct {
	Problems []error
}

func (v *ValidationError) Error() string {
	msgs := make([]string, 0, len(v.Problems))
	for _, p := range v.Problems {
		msgs = append(msgs, p.Error())
	}
	return "workflow is invalid: " + strings.Join(msgs, "; ")
}

func (v *ValidationError) Unwrap() []error {
	return append([]error{ErrInvalidWorkflow}, v.Problems...)
}
