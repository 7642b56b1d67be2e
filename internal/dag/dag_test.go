package dag

import (
	"errors"
	"slices"
	"testing"
)

func TestTopologicalSortEmpty(t *testing.T) {
	order, err := New[int]().TopologicalSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order != nil {
		t.Errorf("expected nil, got %v", order)
	}
}

func TestTopologicalSortChain(t *testing.T) {
	g := New[string]()
	g.AddEdge("base", "build")
	g.AddEdge("build", "final")

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"base", "build", "final"}; !slices.Equal(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
}

func TestTopologicalSortDiamond(t *testing.T) {
	g := New[int]()
	g.AddEdge(0, 1)
	g.AddEdge(0, 2)
	g.AddEdge(1, 3)
	g.AddEdge(2, 3)
	g.AddEdge(2, 3)

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []int{0, 1, 2, 3}; !slices.Equal(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
	if deps := g.Dependencies(3); !slices.Equal(deps, []int{1, 2}) {
		t.Errorf("Dependencies(3) = %v", deps)
	}
}

func TestTopologicalSortCycle(t *testing.T) {
	g := New[string]()
	g.AddNode("independent")
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("c", "a")

	_, err := g.TopologicalSort()
	var cycle *CycleError[string]
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if !slices.Equal(cycle.Cycle, []string{"a", "b", "c"}) {
		t.Errorf("unexpected cycle nodes %v", cycle.Cycle)
	}
	if err.Error() != "dependency cycle detected: a -> b -> c" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestSubgraph(t *testing.T) {
	g := New[int]()
	for i := range 5 {
		g.AddNode(i)
	}
	g.AddEdge(0, 2)
	g.AddEdge(1, 3)
	g.AddEdge(2, 4)

	sub := g.Subgraph(4)
	if got := sub.Nodes(); !slices.Equal(got, []int{0, 2, 4}) {
		t.Errorf("Subgraph(4) nodes = %v", got)
	}
	if sub.Has(1) || sub.Has(3) {
		t.Error("subgraph contains unrelated stages")
	}

	order, err := sub.TopologicalSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(order, []int{0, 2, 4}) {
		t.Errorf("order = %v", order)
	}

	if empty := g.Subgraph(42); len(empty.Nodes()) != 0 {
		t.Errorf("unknown root produced nodes %v", empty.Nodes())
	}
}
