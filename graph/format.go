package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/albertocavalcante/go-bzlconfig/label"
)

const separatorWidth = 60 // Width of separator lines in text output

// TargetInfo represents a target in the flat JSON output.
type TargetInfo struct {
	Label        string   `json:"label"`
	Kind         string   `json:"kind"`
	Fragments    []string `json:"fragments,omitempty"`
	Transition   string   `json:"transition,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	RequiredBy   []string `json:"required_by,omitempty"`
	Root         bool     `json:"root,omitempty"`
}

// ToTargetList outputs a flat list of targets sorted by label.
func (g *Graph) ToTargetList() []TargetInfo {
	out := make([]TargetInfo, 0, len(g.Targets))
	for _, l := range g.sortedLabels() {
		node := g.Targets[l]
		info := TargetInfo{
			Label:      l.String(),
			Kind:       node.Kind,
			Transition: node.Transition,
			Root:       node.IsRoot,
		}
		for _, f := range node.Fragments {
			info.Fragments = append(info.Fragments, string(f))
		}
		for _, d := range node.Dependencies {
			info.Dependencies = append(info.Dependencies, d.String())
		}
		for _, d := range node.Dependents {
			info.RequiredBy = append(info.RequiredBy, d.String())
		}
		out = append(out, info)
	}
	return out
}

// ToJSON outputs the flat target list as indented JSON.
func (g *Graph) ToJSON() ([]byte, error) {
	return json.MarshalIndent(g.ToTargetList(), "", "  ")
}

// ToDOT outputs the graph in Graphviz DOT format.
func (g *Graph) ToDOT() string {
	var buf bytes.Buffer

	buf.WriteString("digraph dependencies {\n")
	buf.WriteString("  rankdir=LR;\n")
	buf.WriteString("  node [shape=box];\n\n")

	labels := g.sortedLabels()
	for _, l := range labels {
		node := g.Targets[l]
		attrs := fmt.Sprintf(`label="%s\n%s"`, l.String(), node.Kind) //nolint:gocritic // DOT format requires this quote style
		if node.IsRoot {
			attrs += ", style=bold"
		}
		if !node.Configurable {
			attrs += ", style=dashed"
		}
		fmt.Fprintf(&buf, "  %q [%s];\n", l.String(), attrs)
	}

	buf.WriteString("\n")

	for _, l := range labels {
		for _, dep := range g.Targets[l].Dependencies {
			fmt.Fprintf(&buf, "  %q -> %q;\n", l.String(), dep.String())
		}
	}

	buf.WriteString("}\n")
	return buf.String()
}

// ToText outputs a human-readable text representation of the graph.
func (g *Graph) ToText() string {
	var buf bytes.Buffer

	roots := make([]string, len(g.Roots))
	for i, r := range g.Roots {
		roots[i] = r.String()
	}
	fmt.Fprintf(&buf, "Target Graph (roots: %s)\n", strings.Join(roots, ", "))
	buf.WriteString(strings.Repeat("=", separatorWidth) + "\n\n")

	stats := g.Stats()
	fmt.Fprintf(&buf, "Total targets: %d\n", stats.TotalTargets)
	fmt.Fprintf(&buf, "Configurable targets: %d\n", stats.Configurable)
	fmt.Fprintf(&buf, "Max depth: %d\n", stats.MaxDepth)
	if stats.LoadingErrors > 0 {
		fmt.Fprintf(&buf, "Loading errors: %d\n", stats.LoadingErrors)
	}
	buf.WriteString("\n")

	buf.WriteString("Dependency Tree:\n")
	visited := make(map[label.Label]bool)
	for _, r := range g.Roots {
		buf.WriteString(r.String())
		g.printNode(&buf, r, "", visited)
	}
	return buf.String()
}

// printNode finishes the line of l and prints its children below it.
func (g *Graph) printNode(buf *bytes.Buffer, l label.Label, prefix string, visited map[label.Label]bool) {
	node := g.Targets[l]
	switch {
	case node == nil:
		buf.WriteString(" (not loaded)\n")
		return
	case visited[l]:
		buf.WriteString(" (circular)\n")
		return
	case len(node.Fragments) > 0:
		fmt.Fprintf(buf, " [%s]", node.Fragments)
	}
	buf.WriteString("\n")

	visited[l] = true
	defer func() { visited[l] = false }()

	for i, dep := range node.Dependencies {
		connector, indent := "├── ", "│   "
		if i == len(node.Dependencies)-1 {
			connector, indent = "└── ", "    "
		}
		buf.WriteString(prefix + connector + dep.String())
		g.printNode(buf, dep, prefix+indent, visited)
	}
}
