package graph

import (
	"sort"

	"github.com/aristath/agentgraph/internal/config"
)

// VisualNode is one agent in a dependency visualization.
type VisualNode struct {
	ID      string            `json:"id"`
	Class   config.AgentClass `json:"class,omitempty"`
	Root    bool              `json:"root,omitempty"`
	Missing bool              `json:"missing,omitempty"` // Referenced but not defined
}

// VisualEdge points from a dependency to the agent that consumes it.
type VisualEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Visualization is the dependency closure of one agent, for display.
type Visualization struct {
	Nodes []VisualNode `json:"nodes"`
	Edges []VisualEdge `json:"edges"`
}

// BuildVisualization walks agentID's dependencies transitively. It has no side
// effects, marks referenced-but-missing agents instead of failing, and terminates
// on cyclic definitions.
func BuildVisualization(agentID string, allAgents map[string]config.Agent) Visualization {
	var vis Visualization
	seen := map[string]bool{agentID: true}
	queue := []string{agentID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		agent, ok := allAgents[id]
		vis.Nodes = append(vis.Nodes, VisualNode{
			ID:      id,
			Class:   agent.Class,
			Root:    id == agentID,
			Missing: !ok,
		})
		if !ok {
			continue
		}

		for _, dep := range agent.Dependencies {
			vis.Edges = append(vis.Edges, VisualEdge{From: dep, To: id})
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	sort.Slice(vis.Nodes, func(i, j int) bool { return vis.Nodes[i].ID < vis.Nodes[j].ID })
	sort.Slice(vis.Edges, func(i, j int) bool {
		if vis.Edges[i].From != vis.Edges[j].From {
			return vis.Edges[i].From < vis.Edges[j].From
		}
		return vis.Edges[i].To < vis.Edges[j].To
	})
	return vis
}
