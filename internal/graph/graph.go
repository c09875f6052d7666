// Package graph maintains the dependency DAG between work items: acyclicity
// validation at enqueue time, readiness recomputation when a predecessor
// finishes, and poisoning propagation when one fails or is cancelled.
package graph

import (
	"errors"
	"fmt"

	"workd/internal/work"
)

var (
	// ErrCycleDetected indicates the dependency graph contains a cycle.
	ErrCycleDetected = errors.New("graph: cycle detected")
	// ErrMissingDependency indicates an edge references an unknown item.
	ErrMissingDependency = errors.New("graph: missing dependency")
)

// Validate checks that items plus edges form a DAG with no dangling
// references. Kahn's algorithm: if the topological order does not cover every
// node, a cycle exists.
func Validate(items []*work.Item, edges []work.Edge) error {
	ids := make(map[string]struct{}, len(items))
	for _, it := range items {
		ids[it.ID] = struct{}{}
	}

	indegree := make(map[string]int, len(items))
	successors := make(map[string][]string, len(items))
	for id := range ids {
		indegree[id] = 0
	}
	for _, e := range edges {
		if _, ok := ids[e.From]; !ok {
			return fmt.Errorf("%w: %s depends on %s", ErrMissingDependency, e.To, e.From)
		}
		if _, ok := ids[e.To]; !ok {
			return fmt.Errorf("%w: %s depends on %s", ErrMissingDependency, e.To, e.From)
		}
		successors[e.From] = append(successors[e.From], e.To)
		indegree[e.To]++
	}

	queue := make([]string, 0, len(items))
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
		for _, succ := range successors[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited != len(items) {
		return ErrCycleDetected
	}
	return nil
}
