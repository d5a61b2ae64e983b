// Package graph validates workflow definitions and answers structural questions on them.
package graph

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"

	"github.com/opst/knitflow/pkg/domain"
)

// Graph is a validated workflow.
//
// It is immutable. Each method returns fresh slices.
type Graph struct {
	def   domain.WorkflowDefinition
	nodes map[string]domain.Node

	// node ids in definition order
	ids   []string
	index map[string]int

	// topological order of node ids, ignoring repeaters
	order []string

	preds map[string][]string
	succs map[string][]string

	loops []Loop
}

// Loop is a validated repeater with its body.
type Loop struct {
	domain.Repeater

	// nodes from StartNode to EndNode, both inclusive, in topological order.
	Body []string

	body map[string]struct{}
}

// Contains reports whether the node is in the loop body.
func (l Loop) Contains(nodeId string) bool {
	_, ok := l.body[nodeId]
	return ok
}

// Build validates the workflow definition and returns its Graph.
//
// # Returns
//
// - *Graph: validated graph. nil if error.
//
// - error: *domain.ValidationError, listing all problems found.
func Build(def domain.WorkflowDefinition) (*Graph, error) {
	g := &Graph{
		def:   def,
		nodes: map[string]domain.Node{},
		index: map[string]int{},
		preds: map[string][]string{},
		succs: map[string][]string{},
	}
	problems := []error{}

	for _, n := range def.Nodes() {
		id := n.NodeId()
		if id == "" {
			problems = append(problems, fmt.Errorf("%w: empty", domain.ErrBadNodeId))
			continue
		}
		if _, ok := g.nodes[id]; ok {
			problems = append(problems, fmt.Errorf("%w: duplicated: %s", domain.ErrBadNodeId, id))
			continue
		}
		switch node := n.(type) {
		case domain.Task:
			problems = append(problems, validateTask(node)...)
		case domain.Connector:
		default:
			problems = append(problems, fmt.Errorf("%w: node %s (%T)", domain.ErrUnknownNodeKind, id, n))
			continue
		}
		g.nodes[id] = n
		g.index[id] = len(g.ids)
		g.ids = append(g.ids, id)
	}

	for _, e := range def.Edges {
		_, fromOk := g.nodes[e.From]
		_, toOk := g.nodes[e.To]
		if !fromOk || !toOk {
			problems = append(problems, fmt.Errorf(
				"%w: edge %s -> %s", domain.ErrUnknownNode, e.From, e.To,
			))
			continue
		}
		if slices.Contains(g.succs[e.From], e.To) {
			continue
		}
		g.succs[e.From] = append(g.succs[e.From], e.To)
		g.preds[e.To] = append(g.preds[e.To], e.From)
	}
	for id := range g.nodes {
		g.sortByIndex(g.succs[id])
		g.sortByIndex(g.preds[id])
	}

	repeaters := []domain.Repeater{}
	repeaterIds := map[string]struct{}{}
	for _, r := range def.Repeaters {
		ok := true
		if r.Id == "" {
			problems = append(problems, fmt.Errorf("%w: repeater id is empty", domain.ErrBadRepeater))
			ok = false
		} else if _, dup := repeaterIds[r.Id]; dup {
			problems = append(problems, fmt.Errorf("%w: repeater id is duplicated: %s", domain.ErrBadRepeater, r.Id))
			ok = false
		}
		repeaterIds[r.Id] = struct{}{}
		if _, found := g.nodes[r.StartNode]; !found {
			problems = append(problems, fmt.Errorf(
				"%w: repeater %s: start_node %s", domain.ErrUnknownNode, r.Id, r.StartNode,
			))
			ok = false
		}
		if _, found := g.nodes[r.EndNode]; !found {
			problems = append(problems, fmt.Errorf(
				"%w: repeater %s: end_node %s", domain.ErrUnknownNode, r.Id, r.EndNode,
			))
			ok = false
		}
		if r.NumRepetitions < 0 {
			problems = append(problems, fmt.Errorf(
				"%w: repeater %s: num_repetitions = %d", domain.ErrUnboundedRepeater, r.Id, r.NumRepetitions,
			))
			ok = false
		}
		if ok {
			repeaters = append(repeaters, r)
		}
	}

	order := g.topologicalOrder()
	if len(order) != len(g.ids) {
		problems = append(problems, fmt.Errorf(
			"%w: %s", domain.ErrCyclicWorkflow, strings.Join(g.findCycle(), " -> "),
		))
		return nil, &domain.ValidationError{Problems: problems}
	}
	g.order = order

	loops, loopProblems := g.buildLoops(repeaters)
	problems = append(problems, loopProblems...)

	if len(problems) != 0 {
		return nil, &domain.ValidationError{Problems: problems}
	}
	g.loops = loops
	return g, nil
}

func validateTask(t domain.Task) []error {
	problems := []error{}
	switch t.Kind {
	case domain.Train, domain.Inference:
	default:
		problems = append(problems, fmt.Errorf(`task %s: %w: "%s"`, t.Id, domain.ErrUnknownNodeKind, t.Kind))
	}
	kw := t.Kwargs
	if kw.Workers != domain.AllWorkers && kw.Workers < 1 {
		problems = append(problems, fmt.Errorf(
			`task %s: %w: "workers" should be positive or %d, but %d`,
			t.Id, domain.ErrMissingKwarg, domain.AllWorkers, kw.Workers,
		))
	}
	if kw.Subset == "" && len(kw.Images) == 0 {
		problems = append(problems, fmt.Errorf(`task %s: %w: "subset"`, t.Id, domain.ErrMissingKwarg))
	}
	if kw.MaxChunkSize < 0 {
		problems = append(problems, fmt.Errorf(
			`task %s: %w: "max_chunk_size" should not be negative`, t.Id, domain.ErrMissingKwarg,
		))
	}
	return problems
}

func (g *Graph) sortByIndex(ids []string) {
	slices.SortFunc(ids, func(a, b string) int { return g.index[a] - g.index[b] })
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Kahn's algorithm. Ties are broken by definition order.
//
// If the result is shorter than the number of nodes, the graph has a cycle.
func (g *Graph) topologicalOrder() []string {
	indeg := map[string]int{}
	for _, id := range g.ids {
		indeg[id] = len(g.preds[id])
	}

	ready := &indexHeap{}
	for i, id := range g.ids {
		if indeg[id] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]string, 0, len(g.ids))
	for ready.Len() > 0 {
		id := g.ids[heap.Pop(ready).(int)]
		out = append(out, id)
		for _, s := range g.succs[id] {
			indeg[s]--
			if indeg[s] == 0 {
				heap.Push(ready, g.index[s])
			}
		}
	}
	return out
}

// findCycle returns one cycle as a witness, like "a -> b -> a".
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := map[string]int{}
	parent := map[string]string{}
	var cycle []string

	var dfs func(u string) bool
	dfs = func(u string) bool {
		color[u] = gray
		for _, v := range g.succs[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				path := []string{v}
				for cur := u; cur != v; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, v)
				slices.Reverse(path)
				cycle = path
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, id := range g.ids {
		if color[id] == white && dfs(id) {
			break
		}
	}
	return cycle
}

func (g *Graph) reachable(from string, next map[string][]string) map[string]struct{} {
	seen := map[string]struct{}{from: {}}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, m := range next[n] {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			stack = append(stack, m)
		}
	}
	return seen
}

// buildLoops resolves bodies of repeaters.
//
// Each pair of loops should be nested or disjoint. Loops are sorted inner-first.
func (g *Graph) buildLoops(repeaters []domain.Repeater) ([]Loop, []error) {
	problems := []error{}
	loops := []Loop{}
	for _, r := range repeaters {
		forward := g.reachable(r.StartNode, g.succs)
		if _, ok := forward[r.EndNode]; !ok {
			problems = append(problems, fmt.Errorf(
				"%w: repeater %s: end_node %s is not reachable from start_node %s",
				domain.ErrBadRepeater, r.Id, r.EndNode, r.StartNode,
			))
			continue
		}
		backward := g.reachable(r.EndNode, g.preds)

		l := Loop{Repeater: r, body: map[string]struct{}{}}
		for _, id := range g.order {
			_, f := forward[id]
			_, b := backward[id]
			if f && b {
				l.Body = append(l.Body, id)
				l.body[id] = struct{}{}
			}
		}
		loops = append(loops, l)
	}

	for i := range loops {
		for j := i + 1; j < len(loops); j++ {
			a, b := loops[i], loops[j]
			if a.StartNode == b.StartNode && a.EndNode == b.EndNode {
				problems = append(problems, fmt.Errorf(
					"%w: repeaters %s and %s loop the same range", domain.ErrBadRepeater, a.Id, b.Id,
				))
				continue
			}
			shared := 0
			for _, id := range a.Body {
				if b.Contains(id) {
					shared++
				}
			}
			if shared != 0 && shared != len(a.Body) && shared != len(b.Body) {
				problems = append(problems, fmt.Errorf(
					"%w: repeaters %s and %s overlap partially", domain.ErrBadRepeater, a.Id, b.Id,
				))
			}
		}
	}

	slices.SortStableFunc(loops, func(a, b Loop) int {
		if len(a.Body) != len(b.Body) {
			return len(a.Body) - len(b.Body)
		}
		return strings.Compare(a.Id, b.Id)
	})
	return loops, problems
}

// Definition returns the workflow definition this graph is built from.
func (g *Graph) Definition() domain.WorkflowDefinition {
	return g.def
}

// Node returns a node by id.
func (g *Graph) Node(id string) (domain.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Order returns node ids in topological order.
func (g *Graph) Order() []string {
	return slices.Clone(g.order)
}

func (g *Graph) Predecessors(id string) []string {
	return slices.Clone(g.preds[id])
}

func (g *Graph) Successors(id string) []string {
	return slices.Clone(g.succs[id])
}

// Loops returns loops, inner-first.
func (g *Graph) Loops() []Loop {
	return slices.Clone(g.loops)
}

// Tasks returns task nodes in topological order.
func (g *Graph) Tasks() []domain.Task {
	tasks := []domain.Task{}
	for _, id := range g.order {
		if t, ok := g.nodes[id].(domain.Task); ok {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// UpstreamTrainers lists training tasks upstream of the node, nearest first.
//
// It walks predecessors breadth-first and does not go beyond a training task.
func (g *Graph) UpstreamTrainers(id string) []string {
	seen := map[string]struct{}{id: {}}
	frontier := g.preds[id]
	trainers := []string{}
	for len(frontier) > 0 {
		next := []string{}
		for _, p := range frontier {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			if t, ok := g.nodes[p].(domain.Task); ok && t.Kind == domain.Train {
				trainers = append(trainers, p)
				continue
			}
			next = append(next, g.preds[p]...)
		}
		frontier = next
	}
	return trainers
}
