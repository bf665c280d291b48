package scheduler

import (
	"fmt"
	"strings"
)

// CycleError lists every node that could not be scheduled because it lies on, or
// depends on, a cycle. Cycle is one such cycle as a closed path, first node repeated
// at the end.
type CycleError struct {
	Nodes []string
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("graph contains a cycle (%s); unschedulable nodes: %s",
		strings.Join(e.Cycle, " -> "), strings.Join(e.Nodes, ", "))
}

// UnknownNodeError reports an edge endpoint missing from the node set.
type UnknownNodeError struct {
	Edge Edge
	Node string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("edge %s -> %s references unknown node %q", e.Edge.From, e.Edge.To, e.Node)
}
