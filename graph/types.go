package graph

import (
	"strings"

	"github.com/albertocavalcante/go-bzlconfig/config"
	"github.com/albertocavalcante/go-bzlconfig/label"
	"github.com/albertocavalcante/go-bzlconfig/target"
)

// Graph represents the dependency graph of a set of loaded targets.
// It supports bidirectional traversal (dependencies and dependents).
type Graph struct {
	// Roots are the targets the graph was built from, in request order.
	Roots []label.Label

	// Targets contains all nodes in the graph, keyed by label.
	Targets map[label.Label]*Node

	// Errors records labels that were referenced but failed to load.
	Errors map[label.Label]error
}

// Node represents a target in the dependency graph.
type Node struct {
	Label label.Label
	Kind  string

	// Dependencies are the direct dependencies in declaration order,
	// followed by test_suite members.
	Dependencies []label.Label

	// Dependents are targets that directly depend on this one (reverse edges).
	Dependents []label.Label

	// Fragments are the fragments the target declares itself.
	Fragments config.FragmentSet

	// Transition is the name of the transition attached to the target.
	Transition string

	// IsRoot is true if the target was requested directly.
	IsRoot bool

	// Configurable is false for input files and package groups.
	Configurable bool
}

func newNode(t *target.Target) *Node {
	deps := make([]label.Label, 0, len(t.Deps)+len(t.Tests))
	deps = append(deps, t.Deps...)
	deps = append(deps, t.Tests...)
	return &Node{
		Label:        t.Label,
		Kind:         t.Kind,
		Dependencies: deps,
		Fragments:    t.Fragments,
		Transition:   t.Transition,
		Configurable: t.IsConfigurable(),
	}
}

// DependencyChain represents a path of dependencies from a root to a target.
type DependencyChain struct {
	Path []label.Label
}

// String returns a human-readable representation of the chain.
func (c DependencyChain) String() string {
	parts := make([]string, len(c.Path))
	for i, l := range c.Path {
		parts[i] = l.String()
	}
	return strings.Join(parts, " -> ")
}

// Stats provides statistics about the graph.
type Stats struct {
	// TotalTargets is the total number of targets in the graph.
	TotalTargets int

	// RootTargets is the number of requested targets.
	RootTargets int

	// Configurable is the number of targets analyzed under a configuration.
	Configurable int

	// LoadingErrors is the number of labels that failed to load.
	LoadingErrors int

	// MaxDepth is the maximum depth of the dependency tree.
	MaxDepth int
}

// Build constructs a Graph from loaded targets. Dependencies on labels that
// are not among targets are kept as dangling edges.
func Build(roots []label.Label, targets []*target.Target) *Graph {
	g := &Graph{
		Roots:   append([]label.Label(nil), roots...),
		Targets: make(map[label.Label]*Node, len(targets)),
		Errors:  make(map[label.Label]error),
	}

	for _, t := range targets {
		if _, dup := g.Targets[t.Label]; dup {
			continue
		}
		g.Targets[t.Label] = newNode(t)
	}
	for _, r := range g.Roots {
		if n := g.Targets[r]; n != nil {
			n.IsRoot = true
		}
	}

	// Build reverse edges in a deterministic order.
	for _, key := range g.sortedLabels() {
		for _, dep := range g.Targets[key].Dependencies {
			if depNode, ok := g.Targets[dep]; ok {
				depNode.Dependents = append(depNode.Dependents, key)
			}
		}
	}
	return g
}
