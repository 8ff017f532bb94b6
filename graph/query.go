package graph

import (
	"fmt"
	"slices"

	"github.com/albertocavalcante/go-bzlconfig/config"
	"github.com/albertocavalcante/go-bzlconfig/label"
)

// Get returns the node for a label, or nil if not found.
func (g *Graph) Get(l label.Label) *Node {
	return g.Targets[l]
}

// Contains returns true if the graph contains the given target.
func (g *Graph) Contains(l label.Label) bool {
	_, ok := g.Targets[l]
	return ok
}

// DirectDeps returns the direct dependencies of a target.
func (g *Graph) DirectDeps(l label.Label) []label.Label {
	if node := g.Targets[l]; node != nil {
		return node.Dependencies
	}
	return nil
}

// DirectDependents returns targets that directly depend on the given target.
func (g *Graph) DirectDependents(l label.Label) []label.Label {
	if node := g.Targets[l]; node != nil {
		return node.Dependents
	}
	return nil
}

// TransitiveDeps returns all transitive dependencies of a target.
// The result is in breadth-first order.
func (g *Graph) TransitiveDeps(l label.Label) []label.Label {
	return g.walk(l, func(n *Node) []label.Label { return n.Dependencies })
}

// TransitiveDependents returns all targets that transitively depend on the
// given target, closest dependents first.
func (g *Graph) TransitiveDependents(l label.Label) []label.Label {
	return g.walk(l, func(n *Node) []label.Label { return n.Dependents })
}

func (g *Graph) walk(start label.Label, next func(*Node) []label.Label) []label.Label {
	result := make([]label.Label, 0)
	visited := map[label.Label]bool{start: true}
	queue := []label.Label{start}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		node := g.Targets[current]
		if node == nil {
			continue
		}
		for _, dep := range next(node) {
			if !visited[dep] {
				visited[dep] = true
				result = append(result, dep)
				queue = append(queue, dep)
			}
		}
	}
	return result
}

// TransitiveFragments returns the union of fragments declared by l and
// everything it depends on.
func (g *Graph) TransitiveFragments(l label.Label) config.FragmentSet {
	var set config.FragmentSet
	if node := g.Targets[l]; node != nil {
		set = set.Union(node.Fragments)
	}
	for _, dep := range g.TransitiveDeps(l) {
		if node := g.Targets[dep]; node != nil {
			set = set.Union(node.Fragments)
		}
	}
	return set
}

// Path finds the shortest dependency path from one target to another.
// Returns nil if no path exists.
func (g *Graph) Path(from, to label.Label) []label.Label {
	if from == to {
		return []label.Label{from}
	}

	type queueItem struct {
		l    label.Label
		path []label.Label
	}

	visited := map[label.Label]bool{from: true}
	queue := []queueItem{{l: from, path: []label.Label{from}}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		node := g.Targets[current.l]
		if node == nil {
			continue
		}
		for _, dep := range node.Dependencies {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			path := append(slices.Clone(current.path), dep)
			if dep == to {
				return path
			}
			queue = append(queue, queueItem{l: dep, path: path})
		}
	}
	return nil
}

// AllPaths finds all dependency paths from one target to another.
// This can be expensive for large graphs with many paths.
func (g *Graph) AllPaths(from, to label.Label) [][]label.Label {
	var result [][]label.Label
	g.findAllPaths(from, to, []label.Label{from}, make(map[label.Label]bool), &result)
	return result
}

func (g *Graph) findAllPaths(current, target label.Label, path []label.Label, visited map[label.Label]bool, result *[][]label.Label) {
	if current == target {
		*result = append(*result, slices.Clone(path))
		return
	}

	visited[current] = true
	defer func() { visited[current] = false }()

	node := g.Targets[current]
	if node == nil {
		return
	}
	for _, dep := range node.Dependencies {
		if !visited[dep] {
			g.findAllPaths(dep, target, append(path, dep), visited, result)
		}
	}
}

// FragmentSources returns the targets that declare kind themselves, sorted.
func (g *Graph) FragmentSources(kind config.FragmentKind) []label.Label {
	var out []label.Label
	for l, node := range g.Targets {
		if node.Fragments.Contains(kind) {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, label.Compare)
	return out
}

// WhyFragment returns every dependency chain from root to a target that
// declares kind. It explains why a trimmed configuration of root keeps the
// options of that fragment.
func (g *Graph) WhyFragment(root label.Label, kind config.FragmentKind) ([]DependencyChain, error) {
	if !g.Contains(root) {
		return nil, fmt.Errorf("target %s not found in graph", root)
	}
	var chains []DependencyChain
	for _, src := range g.FragmentSources(kind) {
		for _, p := range g.AllPaths(root, src) {
			chains = append(chains, DependencyChain{Path: p})
		}
	}
	return chains, nil
}

// Stats returns statistics about the graph.
func (g *Graph) Stats() Stats {
	stats := Stats{
		TotalTargets:  len(g.Targets),
		RootTargets:   len(g.Roots),
		LoadingErrors: len(g.Errors),
	}
	for _, node := range g.Targets {
		if node.Configurable {
			stats.Configurable++
		}
	}
	stats.MaxDepth = g.calculateMaxDepth()
	return stats
}

func (g *Graph) calculateMaxDepth() int {
	depths := make(map[label.Label]int)
	onPath := make(map[label.Label]bool)
	var maxDepth int

	var dfs func(l label.Label, depth int)
	dfs = func(l label.Label, depth int) {
		// A node already on the current path closes a cycle.
		if onPath[l] {
			return
		}
		if existing, ok := depths[l]; ok && existing >= depth {
			return
		}
		depths[l] = depth
		maxDepth = max(maxDepth, depth)

		node := g.Targets[l]
		if node == nil {
			return
		}
		onPath[l] = true
		for _, dep := range node.Dependencies {
			dfs(dep, depth+1)
		}
		delete(onPath, l)
	}

	for _, r := range g.Roots {
		dfs(r, 0)
	}
	return maxDepth
}

// Leaves returns all targets with no dependencies, sorted.
func (g *Graph) Leaves() []label.Label {
	var leaves []label.Label
	for l, node := range g.Targets {
		if len(node.Dependencies) == 0 {
			leaves = append(leaves, l)
		}
	}
	slices.SortFunc(leaves, label.Compare)
	return leaves
}

// HasCycles returns true if the graph contains cycles.
func (g *Graph) HasCycles() bool {
	return len(g.FindCycles()) > 0
}

// FindCycles returns all cycles in the graph.
func (g *Graph) FindCycles() [][]label.Label {
	var cycles [][]label.Label
	visited := make(map[label.Label]bool)
	recStack := make(map[label.Label]bool)
	path := make([]label.Label, 0)

	var findCycles func(l label.Label)
	findCycles = func(l label.Label) {
		visited[l] = true
		recStack[l] = true
		path = append(path, l)

		if node := g.Targets[l]; node != nil {
			for _, dep := range node.Dependencies {
				if !visited[dep] {
					findCycles(dep)
				} else if recStack[dep] {
					if start := slices.Index(path, dep); start >= 0 {
						cycles = append(cycles, slices.Clone(path[start:]))
					}
				}
			}
		}

		path = path[:len(path)-1]
		recStack[l] = false
	}

	for _, l := range g.sortedLabels() {
		if !visited[l] {
			findCycles(l)
		}
	}
	return cycles
}

func (g *Graph) sortedLabels() []label.Label {
	keys := make([]label.Label, 0, len(g.Targets))
	for l := range g.Targets {
		keys = append(keys, l)
	}
	slices.SortFunc(keys, label.Compare)
	return keys
}
