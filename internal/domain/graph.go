package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidateGraph checks that every dependency refers to a node of the graph
// and that the graph is acyclic. graph maps each node to its dependencies.
func ValidateGraph(graph map[uuid.UUID][]uuid.UUID) error {
	indegree := make(map[uuid.UUID]int, len(graph))
	dependents := make(map[uuid.UUID][]uuid.UUID, len(graph))

	for id, deps := range graph {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range deps {
			if _, ok := graph[dep]; !ok {
				return fmt.Errorf("%w: job %s depends on unknown job %s", ErrInvalidGraph, id, dep)
			}
			if dep == id {
				return fmt.Errorf("%w: job %s depends on itself", ErrInvalidGraph, id)
			}
		}
		for dep := range NewIDSet(deps...) {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]uuid.UUID, 0, len(graph))
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(graph) {
		return fmt.Errorf("%w: dependency cycle detected", ErrInvalidGraph)
	}
	return nil
}
