// Package options models typed build options and the diffs between them.
//
// Native options are declared in a Schema; each has a cty type, a default and
// a group that names the configuration fragment owning it. User-defined build
// settings are keyed by label and carried alongside native options.
//
// BuildOptions values are immutable: every mutating method returns a copy.
package options

import (
	"fmt"
	"slices"
	"strings"

	"github.com/albertocavalcante/go-bzlconfig/label"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// NativePackage is the pseudo-package under which native options are addressable
// as build settings, e.g. "//command_line_option:cpu".
var NativePackage = label.MustPackageID("", "command_line_option")

// NativeLabel returns the label under which a native option is addressed.
func NativeLabel(name string) label.Label {
	l, err := NativePackage.Label(name)
	if err != nil {
		panic(err)
	}
	return l
}

// NativeName returns the option name for a native option label.
func NativeName(l label.Label) (string, bool) {
	if l.Package() != NativePackage {
		return "", false
	}
	return l.Name(), true
}

// Definition describes a single native build option.
type Definition struct {
	Name    string
	Group   string
	Type    cty.Type
	Default cty.Value

	// Allowed restricts string options to a fixed set of values. Empty means any.
	Allowed []string
	Help    string
}

// CheckValue reports whether v is acceptable for this option.
func (d Definition) CheckValue(v cty.Value) error {
	if len(d.Allowed) == 0 || v.IsNull() || !v.Type().Equals(cty.String) {
		return nil
	}
	if !slices.Contains(d.Allowed, v.AsString()) {
		return fmt.Errorf("invalid value %q for option %s (allowed: %s)",
			v.AsString(), d.Name, strings.Join(d.Allowed, ", "))
	}
	return nil
}

// Schema is the set of known native options.
type Schema struct {
	defs  map[string]Definition
	names []string
}

// NewSchema validates the definitions and builds a Schema.
func NewSchema(defs ...Definition) (*Schema, error) {
	s := &Schema{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("option definition has no name")
		}
		if _, dup := s.defs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate option %q", d.Name)
		}
		if d.Group == "" {
			return nil, fmt.Errorf("option %q has no group", d.Name)
		}
		def, err := convert.Convert(d.Default, d.Type)
		if err != nil {
			return nil, fmt.Errorf("option %q: default: %w", d.Name, err)
		}
		if err := d.CheckValue(def); err != nil {
			return nil, fmt.Errorf("option %q: default: %w", d.Name, err)
		}
		d.Default = def
		s.defs[d.Name] = d
		s.names = append(s.names, d.Name)
	}
	slices.Sort(s.names)
	return s, nil
}

// MustSchema is like NewSchema but panics on error.
func MustSchema(defs ...Definition) *Schema {
	s, err := NewSchema(defs...)
	if err != nil {
		panic(err)
	}
	return s
}

// Lookup returns the definition for name.
func (s *Schema) Lookup(name string) (Definition, bool) {
	d, ok := s.defs[name]
	return d, ok
}

// Names returns all option names in sorted order.
func (s *Schema) Names() []string {
	return slices.Clone(s.names)
}

// Groups returns the distinct option groups in sorted order.
func (s *Schema) Groups() []string {
	var groups []string
	for _, n := range s.names {
		g := s.defs[n].Group
		if !slices.Contains(groups, g) {
			groups = append(groups, g)
		}
	}
	slices.Sort(groups)
	return groups
}

// Defaults returns the baseline options: every option at its default, no settings.
func (s *Schema) Defaults() *BuildOptions {
	values := make(map[string]cty.Value, len(s.defs))
	for name, d := range s.defs {
		values[name] = d.Default
	}
	return &BuildOptions{schema: s, values: values}
}
