// Package dag orders build stages. Each stage is a node; an edge from A to B
// means stage A must be built before stage B.
package dag

import (
	"fmt"
	"strings"
)

type (
	// CycleError indicates that the graph contains a cycle, preventing topological ordering.
	CycleError[K comparable] struct {
		// Cycle contains the nodes left unordered, which include at least one cycle.
		Cycle []K
	}

	// Graph is a directed graph with deterministic iteration order.
	Graph[K comparable] struct {
		// adjacency maps each node to the nodes that depend on it.
		adjacency map[K][]K
		// deps maps each node to the nodes it depends on.
		deps map[K][]K
		// nodes tracks insertion order.
		nodes   []K
		nodeSet map[K]bool
	}
)

func (e *CycleError[K]) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, n := range e.Cycle {
		parts[i] = fmt.Sprint(n)
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(parts, " -> "))
}

// New creates an empty Graph.
func New[K comparable]() *Graph[K] {
	return &Graph[K]{
		adjacency: make(map[K][]K),
		deps:      make(map[K][]K),
		nodeSet:   make(map[K]bool),
	}
}

// AddNode adds a node to the graph. If the node already exists, this is a no-op.
func (g *Graph[K]) AddNode(n K) {
	if g.nodeSet[n] {
		return
	}
	g.nodeSet[n] = true
	g.nodes = append(g.nodes, n)
}

// AddEdge records that from must be built before to. Both nodes are added
// if missing; duplicate edges are ignored.
func (g *Graph[K]) AddEdge(from, to K) {
	g.AddNode(from)
	g.AddNode(to)
	for _, existing := range g.adjacency[from] {
		if existing == to {
			return
		}
	}
	g.adjacency[from] = append(g.adjacency[from], to)
	g.deps[to] = append(g.deps[to], from)
}

// Has reports whether n is a node of the graph.
func (g *Graph[K]) Has(n K) bool {
	return g.nodeSet[n]
}

// Nodes returns all nodes in insertion order.
func (g *Graph[K]) Nodes() []K {
	return append([]K(nil), g.nodes...)
}

// Dependencies returns the direct dependencies of n.
func (g *Graph[K]) Dependencies(n K) []K {
	return append([]K(nil), g.deps[n]...)
}

// Subgraph returns the graph restricted to roots and everything they
// transitively depend on.
func (g *Graph[K]) Subgraph(roots ...K) *Graph[K] {
	keep := make(map[K]bool)
	stack := append([]K(nil), roots...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if keep[n] || !g.nodeSet[n] {
			continue
		}
		keep[n] = true
		stack = append(stack, g.deps[n]...)
	}

	sub := New[K]()
	for _, n := range g.nodes {
		if !keep[n] {
			continue
		}
		sub.AddNode(n)
		for _, dep := range g.deps[n] {
			sub.AddEdge(dep, n)
		}
	}
	return sub
}

// TopologicalSort returns a valid build order using Kahn's algorithm.
// Returns CycleError if the graph contains a cycle.
// Nodes at the same topological level appear in insertion order.
func (g *Graph[K]) TopologicalSort() ([]K, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[K]int, len(g.nodes))
	for _, node := range g.nodes {
		inDegree[node] = len(g.deps[node])
	}

	queue := make([]K, 0)
	for _, node := range g.nodes {
		if inDegree[node] == 0 {
			queue = append(queue, node)
		}
	}

	var result []K
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)

		for _, neighbor := range g.adjacency[node] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if len(result) != len(g.nodes) {
		var cycleNodes []K
		for _, node := range g.nodes {
			if inDegree[node] > 0 {
				cycleNodes = append(cycleNodes, node)
			}
		}
		return nil, &CycleError[K]{Cycle: cycleNodes}
	}

	return result, nil
}
