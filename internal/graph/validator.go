// Package graph validates agent dependency graphs before anything is scheduled.
// Graphs are plain id strings and adjacency maps; no pointer-linked nodes.
package graph

import (
	"github.com/aristath/agentgraph/internal/config"
)

// Validate checks that giving agentID the proposed dependency set keeps the agent
// graph acyclic and free of dangling references. Other agents are traversed through
// their stored dependencies. A self-reference is reported as the cycle [A A].
func Validate(agentID string, newDependencies []string, allAgents map[string]config.Agent) error {
	for _, dep := range newDependencies {
		if dep == agentID {
			return &CycleError{Path: []string{agentID, agentID}}
		}
		if _, ok := allAgents[dep]; !ok {
			return &DanglingDependencyError{AgentID: agentID, Dependency: dep}
		}
	}

	deps := func(id string) []string {
		if id == agentID {
			return newDependencies
		}
		return allAgents[id].Dependencies
	}

	d := newDFS(deps, func(id string) bool {
		_, ok := allAgents[id]
		return ok || id == agentID
	})
	return d.visit(agentID)
}

// ValidateGraph checks a playbook-level graph: every node is a known agent of the
// expected class, every edge endpoint is a node, and the edges are acyclic.
func ValidateGraph(g config.DependencyGraph, expected config.AgentClass, allAgents map[string]config.Agent) error {
	nodes := make(map[string]bool, len(g.Nodes))
	for _, id := range g.Nodes {
		agent, ok := allAgents[id]
		if !ok {
			return &DanglingDependencyError{Dependency: id}
		}
		if agent.Class != expected {
			return &ClassMismatchError{AgentID: id, Expected: expected, Actual: agent.Class}
		}
		nodes[id] = true
	}

	deps := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		if !nodes[e.From] {
			return &UnknownEdgeError{Edge: e, Node: e.From}
		}
		if !nodes[e.To] {
			return &UnknownEdgeError{Edge: e, Node: e.To}
		}
		if e.From == e.To {
			return &CycleError{Path: []string{e.From, e.From}}
		}
		deps[e.To] = append(deps[e.To], e.From)
	}

	d := newDFS(func(id string) []string { return deps[id] }, func(id string) bool { return nodes[id] })
	for _, id := range g.Nodes {
		if err := d.visit(id); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveGraph returns the playbook graph with edges derived from each node's
// declared dependencies added to the explicit edges. Duplicates are dropped.
func EffectiveGraph(pb config.Playbook, allAgents map[string]config.Agent) config.DependencyGraph {
	seen := make(map[config.Edge]bool)
	out := config.DependencyGraph{Nodes: append([]string(nil), pb.Graph.Nodes...)}
	add := func(e config.Edge) {
		if !seen[e] {
			seen[e] = true
			out.Edges = append(out.Edges, e)
		}
	}
	for _, e := range pb.Graph.Edges {
		add(e)
	}
	for _, id := range pb.Graph.Nodes {
		for _, dep := range allAgents[id].Dependencies {
			add(config.Edge{From: dep, To: id})
		}
	}
	return out
}

// dfs is a depth-first cycle finder with visited and recursion-stack sets.
type dfs struct {
	deps    func(string) []string
	known   func(string) bool
	visited map[string]bool
	onStack map[string]bool
	stack   []string
}

func newDFS(deps func(string) []string, known func(string) bool) *dfs {
	return &dfs{
		deps:    deps,
		known:   known,
		visited: make(map[string]bool),
		onStack: make(map[string]bool),
	}
}

func (d *dfs) visit(id string) error {
	if d.visited[id] {
		return nil
	}
	d.visited[id] = true
	d.onStack[id] = true
	d.stack = append(d.stack, id)

	for _, dep := range d.deps(id) {
		if !d.known(dep) {
			return &DanglingDependencyError{AgentID: id, Dependency: dep}
		}
		if d.onStack[dep] {
			return &CycleError{Path: d.cyclePath(dep)}
		}
		if err := d.visit(dep); err != nil {
			return err
		}
	}

	d.stack = d.stack[:len(d.stack)-1]
	d.onStack[id] = false
	return nil
}

// cyclePath returns the stack slice starting at dep, closed with dep again.
func (d *dfs) cyclePath(dep string) []string {
	start := 0
	for i, id := range d.stack {
		if id == dep {
			start = i
			break
		}
	}
	path := append([]string(nil), d.stack[start:]...)
	return append(path, dep)
}
