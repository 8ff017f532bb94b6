// Package graph provides a dependency graph of loaded targets and query
// capabilities over it.
//
// The graph answers the questions that come up when a configuration looks
// larger than expected:
//
//   - Which targets does a target depend on, directly or transitively
//   - Which dependency path leads from one target to another
//   - Which targets pull a given configuration fragment into a closure
//
// # Building a Graph
//
// A Graph is usually built by the workspace loader:
//
//	g, _ := ws.Graph(ctx, ev, label.MustParse("//app:bin"))
//
// or directly from loaded targets:
//
//	g := graph.Build(roots, targets)
//
// # Querying the Graph
//
//	deps := g.TransitiveDeps(l)
//	path := g.Path(from, to)
//	chains := g.WhyFragment(root, "cpp")
//
// # Output Formats
//
//	jsonBytes, _ := g.ToJSON()
//	dotString := g.ToDOT()
//	textString := g.ToText()
package graph
