package graph_test

import (
	"testing"

	"gaffer/internal/graph"
)

func chain(edges ...[2]string) graph.Adjacency {
	adj := graph.Adjacency{}
	for _, e := range edges {
		adj.Add(e[0], e[1])
	}
	return adj
}

func TestReachable(t *testing.T) {
	adj := chain([2]string{"a", "b"}, [2]string{"b", "c"}, [2]string{"c", "d"})
	if !graph.Reachable(adj, "a", "d") {
		t.Fatalf("expected a -> d reachable")
	}
	if graph.Reachable(adj, "d", "a") {
		t.Fatalf("edges are directed; d -> a must not be reachable")
	}
	if !graph.Reachable(adj, "a", "a") {
		t.Fatalf("a node reaches itself")
	}
}

func TestWouldCycle(t *testing.T) {
	adj := chain([2]string{"a", "b"}, [2]string{"b", "c"})
	if graph.WouldCycle(adj, "a", "c") {
		t.Fatalf("a -> c closes no cycle")
	}
	if !graph.WouldCycle(adj, "c", "a") {
		t.Fatalf("c -> a closes the cycle a -> b -> c -> a")
	}
	if !graph.WouldCycle(adj, "a", "a") {
		t.Fatalf("self edge is a cycle")
	}
}

func TestWouldCycleDiamond(t *testing.T) {
	// a depends on b and c, both depend on d
	adj := chain([2]string{"a", "b"}, [2]string{"a", "c"}, [2]string{"b", "d"}, [2]string{"c", "d"})
	if graph.WouldCycle(adj, "b", "c") {
		t.Fatalf("cross edge in a diamond is acyclic")
	}
	if !graph.WouldCycle(adj, "d", "a") {
		t.Fatalf("d -> a closes a cycle through either branch")
	}
}

func TestDependents(t *testing.T) {
	adj := chain([2]string{"a", "c"}, [2]string{"b", "c"}, [2]string{"c", "d"})
	got := graph.Dependents(adj, "c")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("dependents of c = %v, want [a b]", got)
	}
	if deps := graph.Dependents(adj, "a"); len(deps) != 0 {
		t.Fatalf("nothing depends on a, got %v", deps)
	}
}
