// Package models defines the core domain models for the content-generation
// workflow engine: workflow graphs, executions, node tasks, queue jobs and
// webhook events.
package models

import (
	"fmt"
	"time"
)

// Workflow is a directed graph of typed content-generation nodes. Nodes
// declare their upstream dependencies explicitly; there is no implicit
// ordering beyond the declared edges.
type Workflow struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"        validate:"required,min=3"`
	Nodes     []*WorkflowNode `json:"nodes"       validate:"required,min=1,dive"`
	Variables map[string]any  `json:"variables,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// WorkflowNode is one node instance in a workflow graph.
type WorkflowNode struct {
	ID        string         `json:"id"         validate:"required"`
	Type      string         `json:"type"       validate:"required"`
	Config    map[string]any `json:"config,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`

	// Optional nodes are skipped rather than failing the whole execution
	// when an upstream dependency fails; downstream nodes then see a null
	// placeholder for this node's output.
	Optional bool `json:"optional,omitempty"`
}

// NodeByID returns the node with the given graph-local identifier.
func (w *Workflow) NodeByID(id string) (*WorkflowNode, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}

	return nil, false
}

// Validate checks structural graph invariants: every declared dependency
// must reference an existing node, node ids must be unique, and the graph
// must be acyclic.
func (w *Workflow) Validate() error {
	seen := make(map[string]*WorkflowNode, len(w.Nodes))

	for _, n := range w.Nodes {
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}

		seen[n.ID] = n
	}

	for _, n := range w.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("node %q depends on unknown node %q", n.ID, dep)
			}
		}
	}

	// Kahn's algorithm; leftover nodes mean a cycle.
	indegree := make(map[string]int, len(w.Nodes))
	for _, n := range w.Nodes {
		indegree[n.ID] = len(n.DependsOn)
	}

	queue := make([]string, 0, len(w.Nodes))

	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++

		for _, n := range w.Nodes {
			for _, dep := range n.DependsOn {
				if dep != id {
					continue
				}

				indegree[n.ID]--
				if indegree[n.ID] == 0 {
					queue = append(queue, n.ID)
				}
			}
		}
	}

	if visited != len(w.Nodes) {
		return fmt.Errorf("workflow %q contains a dependency cycle", w.ID)
	}

	return nil
}

// RootNodes returns the nodes with no upstream dependencies.
func (w *Workflow) RootNodes() []*WorkflowNode {
	var roots []*WorkflowNode

	for _, n := range w.Nodes {
		if len(n.DependsOn) == 0 {
			roots = append(roots, n)
		}
	}

	return roots
}

// Downstream returns the nodes that declare nodeID as a dependency.
func (w *Workflow) Downstream(nodeID string) []*WorkflowNode {
	var out []*WorkflowNode

	for _, n := range w.Nodes {
		for _, dep := range n.DependsOn {
			if dep == nodeID {
				out = append(out, n)

				break
			}
		}
	}

	return out
}
