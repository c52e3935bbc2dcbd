// Package graph holds the dependency-graph primitives shared by tasks and
// projects: adjacency keyed by stable identifiers, reachability, and
// dependent lookup. Edges are "depends on" edges; there are no embedded
// references, so traversal is always by id.
package graph

import "sort"

// Adjacency maps a node id to the ids it depends on.
type Adjacency map[string][]string

// Add records a dependency edge from subject to target.
func (a Adjacency) Add(subject, target string) {
	a[subject] = append(a[subject], target)
}

// Reachable reports whether target can be reached from start by following
// dependency edges.
func Reachable(adj Adjacency, start, target string) bool {
	if start == target {
		return true
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[n] {
			if next == target {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// WouldCycle reports whether inserting subject -> target would close a
// cycle, i.e. subject is already reachable from target through existing
// edges. Self-edges always cycle.
func WouldCycle(adj Adjacency, subject, target string) bool {
	if subject == target {
		return true
	}
	return Reachable(adj, target, subject)
}

// Dependents returns the ids that directly depend on target, sorted for
// deterministic output.
func Dependents(adj Adjacency, target string) []string {
	var out []string
	for n, deps := range adj {
		for _, d := range deps {
			if d == target {
				out = append(out, n)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
