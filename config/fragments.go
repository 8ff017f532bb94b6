package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/albertocavalcante/go-bzlconfig/options"
)

// FragmentKind names a configuration fragment, a group of related options
// that a target may or may not need.
type FragmentKind string

// FragmentSet is a sorted, duplicate-free set of fragment kinds.
type FragmentSet []FragmentKind

// NewFragmentSet builds a set from kinds in any order.
func NewFragmentSet(kinds ...FragmentKind) FragmentSet {
	s := slices.Clone(kinds)
	slices.Sort(s)
	return slices.Compact(s)
}

// ParseFragmentSet parses the String form of a set.
func ParseFragmentSet(s string) FragmentSet {
	if s == "" {
		return nil
	}
	var kinds []FragmentKind
	for _, k := range strings.Split(s, ",") {
		kinds = append(kinds, FragmentKind(k))
	}
	return NewFragmentSet(kinds...)
}

// String returns the comma-joined kinds.
func (s FragmentSet) String() string {
	parts := make([]string, len(s))
	for i, k := range s {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

// Contains reports whether k is in the set.
func (s FragmentSet) Contains(k FragmentKind) bool {
	_, ok := slices.BinarySearch(s, k)
	return ok
}

// Union returns the kinds in either set.
func (s FragmentSet) Union(other FragmentSet) FragmentSet {
	return NewFragmentSet(append(slices.Clone(s), other...)...)
}

// Intersect returns the kinds in both sets.
func (s FragmentSet) Intersect(other FragmentSet) FragmentSet {
	var out FragmentSet
	for _, k := range s {
		if other.Contains(k) {
			out = append(out, k)
		}
	}
	return out
}

// IsSubsetOf reports whether every kind of s is in other.
func (s FragmentSet) IsSubsetOf(other FragmentSet) bool {
	for _, k := range s {
		if !other.Contains(k) {
			return false
		}
	}
	return true
}

// Equal reports whether both sets hold the same kinds.
func (s FragmentSet) Equal(other FragmentSet) bool {
	return slices.Equal(s, other)
}

// FragmentDef declares a fragment: the option groups it reads and optional
// validation hooks.
type FragmentDef struct {
	Kind         FragmentKind
	OptionGroups []string

	// Validate returns user-facing problems with the options. They are
	// reported as error events and make top-level resolution fail.
	Validate func(*options.BuildOptions) []string

	// Check rejects options the fragment cannot be built from at all.
	Check func(*options.BuildOptions) error
}

// Registry is the universe of known fragments over an option schema.
type Registry struct {
	schema   *options.Schema
	defaults *options.BuildOptions
	defs     map[FragmentKind]FragmentDef
	universe FragmentSet
}

// NewRegistry validates the fragment definitions against schema.
func NewRegistry(schema *options.Schema, defs ...FragmentDef) (*Registry, error) {
	groups := schema.Groups()
	r := &Registry{
		schema:   schema,
		defaults: schema.Defaults(),
		defs:     make(map[FragmentKind]FragmentDef, len(defs)),
	}
	for _, d := range defs {
		if d.Kind == "" || strings.Contains(string(d.Kind), ",") {
			return nil, fmt.Errorf("invalid fragment kind %q", d.Kind)
		}
		if _, dup := r.defs[d.Kind]; dup {
			return nil, fmt.Errorf("duplicate fragment %q", d.Kind)
		}
		for _, g := range d.OptionGroups {
			if !slices.Contains(groups, g) {
				return nil, fmt.Errorf("fragment %q: unknown option group %q", d.Kind, g)
			}
		}
		r.defs[d.Kind] = d
		r.universe = append(r.universe, d.Kind)
	}
	r.universe = NewFragmentSet(r.universe...)
	return r, nil
}

// Schema returns the option schema.
func (r *Registry) Schema() *options.Schema {
	return r.schema
}

// Defaults returns the shared baseline every configuration key is diffed against.
func (r *Registry) Defaults() *options.BuildOptions {
	return r.defaults
}

// AllFragments returns the fragment universe.
func (r *Registry) AllFragments() FragmentSet {
	return slices.Clone(r.universe)
}

// Lookup returns the definition of kind.
func (r *Registry) Lookup(kind FragmentKind) (FragmentDef, bool) {
	d, ok := r.defs[kind]
	return d, ok
}

// Known returns the kinds of set that belong to the universe.
func (r *Registry) Known(set FragmentSet) FragmentSet {
	return set.Intersect(r.universe)
}

// RequiredGroups returns the option groups a configuration with the given
// fragments carries: the core group plus every group the fragments declare.
func (r *Registry) RequiredGroups(set FragmentSet) []string {
	groups := []string{options.CoreGroup}
	for _, k := range set {
		groups = append(groups, r.defs[k].OptionGroups...)
	}
	slices.Sort(groups)
	return slices.Compact(groups)
}

// TrimOptions resets options not needed by the fragments in set.
func (r *Registry) TrimOptions(opts *options.BuildOptions, set FragmentSet) *options.BuildOptions {
	return opts.Trim(r.RequiredGroups(set))
}
