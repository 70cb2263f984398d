// Package graph provides directed acyclic graph utilities for dependency
// management: cycle detection and topological sorting over a definition's
// dependsOn edges.
package graph

import (
	"fmt"

	"eve.evalgo.org/workflow"
)

// ValidateDAG checks that the graph induced by edges over ids has no cycle,
// per the invariant in spec §3 ("the graph induced by dependsOn is a DAG").
// Uses depth-first search with a recursion stack, the same strategy the
// pre-existing repository-backed cycle check fell back to when no native
// graph-database cycle detection was available.
func ValidateDAG(ids []string, edges []workflow.Edge) error {
	deps := make(map[string][]string, len(ids))
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	for _, e := range edges {
		deps[e.From] = append(deps[e.From], e.To)
	}

	visited := make(map[string]bool, len(ids))
	stack := make(map[string]bool, len(ids))

	var visit func(id string) error
	visit = func(id string) error {
		visited[id] = true
		stack[id] = true
		for _, dep := range deps[id] {
			if !known[dep] {
				return fmt.Errorf("dependsOn references unknown node %q", dep)
			}
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			} else if stack[dep] {
				return fmt.Errorf("circular dependency detected: %s -> %s", id, dep)
			}
		}
		stack[id] = false
		return nil
	}

	for _, id := range ids {
		if !visited[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateDefinition flattens a workflow.Definition (including inline
// Parallel/Loop children) and validates the resulting graph.
func ValidateDefinition(def *workflow.Definition) error {
	ids, edges, err := workflow.Flatten(def)
	if err != nil {
		return err
	}
	return ValidateDAG(ids, edges)
}

// ExecutionOrder returns ids in a topologically sorted order using Kahn's
// algorithm: nodes with no remaining dependencies first. Ties broken by the
// order ids were supplied in, matching the scheduler's "definition order"
// tie-break (§4.6).
func ExecutionOrder(ids []string, edges []workflow.Edge) ([]string, error) {
	dependents := make(map[string][]string, len(ids))
	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}
	for _, e := range edges {
		dependents[e.To] = append(dependents[e.To], e.From)
		inDegree[e.From]++
	}

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]string, 0, len(ids))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(ids) {
		return nil, fmt.Errorf("circular dependency detected in node graph")
	}
	return result, nil
}

// Depth returns, for every id, its longest dependency-chain depth (a node
// with no dependencies has depth 0). Used by the scheduler's ready-queue
// priority (§4.6: "lower dependsOn depth first").
func Depth(ids []string, edges []workflow.Edge) (map[string]int, error) {
	order, err := ExecutionOrder(ids, edges)
	if err != nil {
		return nil, err
	}
	deps := make(map[string][]string, len(ids))
	for _, e := range edges {
		deps[e.From] = append(deps[e.From], e.To)
	}

	depth := make(map[string]int, len(ids))
	for _, id := range order {
		d := 0
		for _, dep := range deps[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
	}
	return depth, nil
}
