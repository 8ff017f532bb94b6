// Package hcltransition loads user-defined transitions from HCL.
//
//	transition "android_split" {
//	  inputs      = ["//command_line_option:cpu"]
//	  outputs     = ["//command_line_option:cpu", "//flags:abi"]
//	  deprecation = "use fat_apk_cpu instead"
//
//	  branch "arm64" {
//	    set = { "//command_line_option:cpu" = "arm64", "//flags:abi" = "v8" }
//	  }
//	  branch "x86" {
//	    set = { "//command_line_option:cpu" = "x86_64", "//flags:abi" = settings["//command_line_option:cpu"] }
//	  }
//	}
//
// A transition has either a single "set" attribute or one or more "branch"
// blocks; the latter makes it a split transition. Expressions can read the
// declared inputs through the "settings" object and call upper, lower,
// format, concat and join.
package hcltransition

import (
	"fmt"
	"os"
	"slices"

	"github.com/albertocavalcante/go-bzlconfig/events"
	"github.com/albertocavalcante/go-bzlconfig/label"
	"github.com/albertocavalcante/go-bzlconfig/transition"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

type fileRoot struct {
	Transitions []*transitionBlock `hcl:"transition,block"`
}

type transitionBlock struct {
	Name        string         `hcl:"name,label"`
	Inputs      []string       `hcl:"inputs,optional"`
	Outputs     []string       `hcl:"outputs"`
	Deprecation string         `hcl:"deprecation,optional"`
	Set         hcl.Expression `hcl:"set,optional"`
	Branches    []*branchBlock `hcl:"branch,block"`
}

type branchBlock struct {
	Name string         `hcl:"name,label"`
	Set  hcl.Expression `hcl:"set"`
}

var functions = map[string]function.Function{
	"upper":  stdlib.UpperFunc,
	"lower":  stdlib.LowerFunc,
	"format": stdlib.FormatFunc,
	"concat": stdlib.ConcatFunc,
	"join":   stdlib.JoinFunc,
}

// LoadFile reads transitions from an HCL file.
func LoadFile(path string) (map[string]*transition.UserDefined, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(src, path)
}

// Parse reads transitions from HCL source. filename is used in diagnostics.
func Parse(src []byte, filename string) (map[string]*transition.UserDefined, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	out := make(map[string]*transition.UserDefined, len(root.Transitions))
	for _, b := range root.Transitions {
		if _, dup := out[b.Name]; dup {
			return nil, fmt.Errorf("%s: transition %q declared twice", filename, b.Name)
		}
		if _, builtin := transition.Builtin(b.Name); builtin {
			return nil, fmt.Errorf("%s: transition %q shadows a built-in transition", filename, b.Name)
		}
		t, err := translate(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		out[b.Name] = t
	}
	return out, nil
}

func translate(b *transitionBlock) (*transition.UserDefined, error) {
	inputs, err := parseLabels(b.Inputs)
	if err != nil {
		return nil, fmt.Errorf("transition %q: inputs: %w", b.Name, err)
	}
	outputs, err := parseLabels(b.Outputs)
	if err != nil {
		return nil, fmt.Errorf("transition %q: outputs: %w", b.Name, err)
	}

	hasSet := isExprDefined(b.Set)
	switch {
	case hasSet && len(b.Branches) > 0:
		return nil, fmt.Errorf("transition %q: set and branch blocks are mutually exclusive", b.Name)
	case !hasSet && len(b.Branches) == 0:
		return nil, fmt.Errorf("transition %q: needs a set attribute or at least one branch block", b.Name)
	}

	var branches []*branchBlock
	if hasSet {
		branches = []*branchBlock{{Set: b.Set}}
	} else {
		seen := make(map[string]bool)
		for _, br := range b.Branches {
			if seen[br.Name] {
				return nil, fmt.Errorf("transition %q: branch %q declared twice", b.Name, br.Name)
			}
			seen[br.Name] = true
		}
		branches = b.Branches
	}

	name, deprecation := b.Name, b.Deprecation
	impl := func(in map[label.Label]cty.Value, h events.Handler) ([]transition.Branch, error) {
		if deprecation != "" {
			h.Handle(events.Warningf("transition %s is deprecated: %s", name, deprecation))
		}
		ctx := evalContext(in)
		out := make([]transition.Branch, 0, len(branches))
		for _, br := range branches {
			values, err := evalSet(br.Set, ctx)
			if err != nil {
				return nil, err
			}
			out = append(out, transition.Branch{Name: br.Name, Values: values})
		}
		return out, nil
	}

	return transition.NewUserDefined(b.Name, inputs, outputs, !hasSet, impl)
}

func parseLabels(raw []string) ([]label.Label, error) {
	labels := make([]label.Label, 0, len(raw))
	for _, s := range raw {
		l, err := label.Parse(s)
		if err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, nil
}

func evalContext(in map[label.Label]cty.Value) *hcl.EvalContext {
	attrs := make(map[string]cty.Value, len(in))
	for l, v := range in {
		attrs[l.String()] = v
	}
	settings := cty.EmptyObjectVal
	if len(attrs) > 0 {
		settings = cty.ObjectVal(attrs)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"settings": settings},
		Functions: functions,
	}
}

func evalSet(expr hcl.Expression, ctx *hcl.EvalContext) (map[label.Label]cty.Value, error) {
	v, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return nil, diags
	}
	if v.IsNull() || !v.IsWhollyKnown() {
		return nil, fmt.Errorf("%s: set must be a known object", expr.Range())
	}
	if t := v.Type(); !t.IsObjectType() && !t.IsMapType() {
		return nil, fmt.Errorf("%s: set must be an object, got %s", expr.Range(), t.FriendlyName())
	}

	values := make(map[label.Label]cty.Value, v.LengthInt())
	for it := v.ElementIterator(); it.Next(); {
		k, ev := it.Element()
		l, err := label.Parse(k.AsString())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", expr.Range(), err)
		}
		values[l] = ev
	}
	return values, nil
}

// isExprDefined reports whether an optional attribute was present in the
// source. Omitted attributes decode to zero-width placeholder expressions.
func isExprDefined(expr hcl.Expression) bool {
	if expr == nil {
		return false
	}
	r := expr.Range()
	return r.End.Byte > r.Start.Byte
}

// Names returns the transition names in sorted order.
func Names(ts map[string]*transition.UserDefined) []string {
	names := make([]string, 0, len(ts))
	for n := range ts {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
