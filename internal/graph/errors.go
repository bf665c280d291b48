package graph

import (
	"fmt"
	"strings"

	"github.com/aristath/agentgraph/internal/config"
)

// CycleError reports a dependency cycle as the concrete path that closes it,
// e.g. [A B A]. A self-reference is the path [A A].
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// DanglingDependencyError reports a dependency on an agent that does not exist.
type DanglingDependencyError struct {
	AgentID    string
	Dependency string
}

func (e *DanglingDependencyError) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("graph references unknown agent %q", e.Dependency)
	}
	return fmt.Sprintf("agent %q depends on unknown agent %q", e.AgentID, e.Dependency)
}

// ClassMismatchError reports an agent whose class differs from the playbook's.
type ClassMismatchError struct {
	AgentID  string
	Expected config.AgentClass
	Actual   config.AgentClass
}

func (e *ClassMismatchError) Error() string {
	return fmt.Sprintf("agent %q has class %q, playbook expects %q", e.AgentID, e.Actual, e.Expected)
}

// UnknownEdgeError reports a graph edge whose endpoint is not a graph node.
type UnknownEdgeError struct {
	Edge config.Edge
	Node string
}

func (e *UnknownEdgeError) Error() string {
	return fmt.Sprintf("edge %s -> %s references %q, which is not a graph node", e.Edge.From, e.Edge.To, e.Node)
}
