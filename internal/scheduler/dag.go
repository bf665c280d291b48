// Package scheduler compiles a dependency graph into an execution plan: batches of
// agents where every agent's dependencies sit in strictly earlier batches.
package scheduler

import (
	"sort"

	"github.com/gammazero/toposort"

	"github.com/aristath/agentgraph/internal/config"
)

// Edge means To depends on From.
type Edge = config.Edge

// Plan is an ordered list of batches. Agents within a batch are independent of each
// other and may run concurrently.
type Plan struct {
	Batches [][]string `json:"batches"`
	// Order is one linear topological order, for running the plan serially.
	Order []string `json:"order"`
	index map[string]int
}

func newPlan(batches [][]string, order []string) *Plan {
	p := &Plan{Batches: batches, Order: order, index: make(map[string]int)}
	for i, batch := range batches {
		for _, id := range batch {
			p.index[id] = i
		}
	}
	return p
}

// BatchIndex returns the batch containing id.
func (p *Plan) BatchIndex(id string) (int, bool) {
	i, ok := p.index[id]
	return i, ok
}

// Len returns the number of agents in the plan.
func (p *Plan) Len() int {
	return len(p.index)
}

// Nodes returns every agent in batch order.
func (p *Plan) Nodes() []string {
	out := make([]string, 0, len(p.index))
	for _, batch := range p.Batches {
		out = append(out, batch...)
	}
	return out
}

// Last returns the final batch, or nil for an empty plan.
func (p *Plan) Last() []string {
	if len(p.Batches) == 0 {
		return nil
	}
	return p.Batches[len(p.Batches)-1]
}

// Restrict returns the sub-plan containing only the kept agents, preserving batch
// order and dropping batches that become empty.
func (p *Plan) Restrict(keep map[string]bool) *Plan {
	var batches [][]string
	for _, batch := range p.Batches {
		var b []string
		for _, id := range batch {
			if keep[id] {
				b = append(b, id)
			}
		}
		if len(b) > 0 {
			batches = append(batches, b)
		}
	}
	var order []string
	for _, id := range p.Order {
		if keep[id] {
			order = append(order, id)
		}
	}
	return newPlan(batches, order)
}

// BuildPlan runs Kahn's algorithm over the graph, emitting each wave of newly
// unblocked nodes as a batch. Duplicate nodes and edges are ignored. Batch members
// are sorted so output is stable, but callers should not depend on that order.
func BuildPlan(nodes []string, edges []Edge) (*Plan, error) {
	g, err := newGraph(nodes, edges)
	if err != nil {
		return nil, err
	}

	order, err := g.order()
	if err != nil {
		return nil, err
	}
	batches, residual := g.kahn()
	if len(residual) > 0 {
		return nil, g.cycleError(residual)
	}
	return newPlan(batches, order), nil
}

// Order returns one linear topological order of the graph.
func Order(nodes []string, edges []Edge) ([]string, error) {
	g, err := newGraph(nodes, edges)
	if err != nil {
		return nil, err
	}
	return g.order()
}

func (g *graph) order() ([]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}
	var tedges []toposort.Edge
	for _, id := range g.nodes {
		if g.indegree[id] == 0 {
			// Roots need an edge from nil to be included
			tedges = append(tedges, toposort.Edge{nil, id})
		}
	}
	for _, e := range g.edges {
		tedges = append(tedges, toposort.Edge{e.From, e.To})
	}

	sorted, err := toposort.Toposort(tedges)
	if err != nil {
		_, residual := g.kahn()
		return nil, g.cycleError(residual)
	}

	order := make([]string, 0, len(g.nodes))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.nodes) {
		// Nodes only reachable through a cycle never show up in sorted
		_, residual := g.kahn()
		return nil, g.cycleError(residual)
	}
	return order, nil
}

// Downstream returns every node that transitively depends on any of roots,
// excluding the roots themselves, sorted.
func Downstream(edges []Edge, roots ...string) []string {
	dependents := make(map[string][]string)
	for _, e := range edges {
		dependents[e.From] = append(dependents[e.From], e.To)
	}

	isRoot := make(map[string]bool, len(roots))
	for _, r := range roots {
		isRoot[r] = true
	}

	seen := make(map[string]bool)
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, d := range dependents[id] {
			if seen[d] || isRoot[d] {
				continue
			}
			seen[d] = true
			queue = append(queue, d)
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type graph struct {
	nodes      []string
	edges      []Edge
	indegree   map[string]int
	dependents map[string][]string
}

func newGraph(nodes []string, edges []Edge) (*graph, error) {
	g := &graph{
		indegree:   make(map[string]int, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
	}
	for _, id := range nodes {
		if _, dup := g.indegree[id]; dup {
			continue
		}
		g.indegree[id] = 0
		g.nodes = append(g.nodes, id)
	}

	seen := make(map[Edge]bool, len(edges))
	for _, e := range edges {
		if _, ok := g.indegree[e.From]; !ok {
			return nil, &UnknownNodeError{Edge: e, Node: e.From}
		}
		if _, ok := g.indegree[e.To]; !ok {
			return nil, &UnknownNodeError{Edge: e, Node: e.To}
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		g.edges = append(g.edges, e)
	}

	for _, e := range g.edges {
		g.indegree[e.To]++
		g.dependents[e.From] = append(g.dependents[e.From], e.To)
	}
	return g, nil
}

// kahn returns the batches and any nodes left unvisited because they sit on or
// behind a cycle.
func (g *graph) kahn() ([][]string, []string) {
	indegree := make(map[string]int, len(g.indegree))
	for id, n := range g.indegree {
		indegree[id] = n
	}

	var ready []string
	for _, id := range g.nodes {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var batches [][]string
	visited := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		batches = append(batches, ready)
		visited += len(ready)

		var next []string
		for _, id := range ready {
			for _, d := range g.dependents[id] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		ready = next
	}

	if visited == len(g.nodes) {
		return batches, nil
	}
	var residual []string
	for _, id := range g.nodes {
		if indegree[id] > 0 {
			residual = append(residual, id)
		}
	}
	sort.Strings(residual)
	return batches, residual
}

// cycleError reports the residual nodes plus one cycle among them. Every residual
// node has a residual predecessor, so walking predecessors from any of them must
// revisit a node; the walk from that node back to itself is a cycle.
func (g *graph) cycleError(residual []string) *CycleError {
	if len(residual) == 0 {
		return &CycleError{}
	}
	left := make(map[string]bool, len(residual))
	for _, id := range residual {
		left[id] = true
	}
	preds := make(map[string][]string, len(residual))
	for _, e := range g.edges {
		if left[e.From] && left[e.To] {
			preds[e.To] = append(preds[e.To], e.From)
		}
	}
	for id := range preds {
		sort.Strings(preds[id])
	}

	var walk []string
	at := make(map[string]int, len(residual))
	for id := residual[0]; ; id = preds[id][0] {
		if i, seen := at[id]; seen {
			// walk[i:] runs backwards along the edges
			loop := make([]string, 0, len(walk)-i)
			for j := len(walk) - 1; j >= i; j-- {
				loop = append(loop, walk[j])
			}
			start := 0
			for j, n := range loop {
				if n < loop[start] {
					start = j
				}
			}
			cycle := append(append([]string(nil), loop[start:]...), loop[:start]...)
			cycle = append(cycle, cycle[0])
			return &CycleError{Nodes: residual, Cycle: cycle}
		}
		at[id] = len(walk)
		walk = append(walk, id)
	}
}
