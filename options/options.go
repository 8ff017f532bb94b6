package options

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/albertocavalcante/go-bzlconfig/label"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// BuildOptions is an immutable set of native option values plus user-defined
// build setting values.
type BuildOptions struct {
	schema   *Schema
	values   map[string]cty.Value
	settings map[label.Label]cty.Value
}

// Schema returns the schema these options conform to.
func (o *BuildOptions) Schema() *Schema {
	return o.schema
}

// Get returns the value of a native option.
func (o *BuildOptions) Get(name string) (cty.Value, bool) {
	v, ok := o.values[name]
	return v, ok
}

// String returns a string option, or "" if it is unset or not a string.
func (o *BuildOptions) String(name string) string {
	v, ok := o.values[name]
	if !ok || v.IsNull() || !v.Type().Equals(cty.String) {
		return ""
	}
	return v.AsString()
}

// Bool returns a bool option, or false if it is unset or not a bool.
func (o *BuildOptions) Bool(name string) bool {
	v, ok := o.values[name]
	if !ok || v.IsNull() || !v.Type().Equals(cty.Bool) {
		return false
	}
	return v.True()
}

// With returns a copy with the native option set to v, converted to the option's type.
func (o *BuildOptions) With(name string, v cty.Value) (*BuildOptions, error) {
	d, ok := o.schema.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown option %q", name)
	}
	if v.IsNull() {
		return nil, fmt.Errorf("option %q: value is null", name)
	}
	cv, err := convert.Convert(v, d.Type)
	if err != nil {
		return nil, fmt.Errorf("option %q: %w", name, err)
	}
	c := o.clone()
	c.values[name] = cv
	return c, nil
}

// WithString is like With but parses raw according to the option's type.
// List options take a comma-separated list.
func (o *BuildOptions) WithString(name, raw string) (*BuildOptions, error) {
	d, ok := o.schema.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown option %q", name)
	}
	v, err := ParseValue(d.Type, raw)
	if err != nil {
		return nil, fmt.Errorf("option %q: %w", name, err)
	}
	return o.With(name, v)
}

// Setting returns the value of a user-defined build setting.
func (o *BuildOptions) Setting(l label.Label) (cty.Value, bool) {
	v, ok := o.settings[l]
	return v, ok
}

// Settings returns the labels of all user-defined settings in sorted order.
func (o *BuildOptions) Settings() []label.Label {
	return slices.SortedFunc(maps.Keys(o.settings), label.Compare)
}

// HasSettings reports whether any user-defined setting is present.
func (o *BuildOptions) HasSettings() bool {
	return len(o.settings) > 0
}

// WithSetting returns a copy with the user-defined setting l set to v.
func (o *BuildOptions) WithSetting(l label.Label, v cty.Value) (*BuildOptions, error) {
	if _, native := NativeName(l); native {
		return nil, fmt.Errorf("%s is a native option, not a build setting", l)
	}
	if v.IsNull() || !v.IsWhollyKnown() {
		return nil, fmt.Errorf("build setting %s: value must be known and non-null", l)
	}
	c := o.clone()
	c.settings[l] = v
	return c, nil
}

// WithoutSetting returns a copy without the user-defined setting l.
func (o *BuildOptions) WithoutSetting(l label.Label) *BuildOptions {
	if _, ok := o.settings[l]; !ok {
		return o
	}
	c := o.clone()
	delete(c.settings, l)
	return c
}

// Trim resets every native option outside groups to its default.
// User-defined settings are kept.
func (o *BuildOptions) Trim(groups []string) *BuildOptions {
	c := o.clone()
	for name, d := range o.schema.defs {
		if !slices.Contains(groups, d.Group) {
			c.values[name] = d.Default
		}
	}
	return c
}

// Equal reports whether both option sets hold the same values.
func (o *BuildOptions) Equal(other *BuildOptions) bool {
	if o == other {
		return true
	}
	if o == nil || other == nil {
		return false
	}
	eq := func(a, b cty.Value) bool { return a.RawEquals(b) }
	return maps.EqualFunc(o.values, other.values, eq) && maps.EqualFunc(o.settings, other.settings, eq)
}

func (o *BuildOptions) clone() *BuildOptions {
	c := &BuildOptions{
		schema:   o.schema,
		values:   maps.Clone(o.values),
		settings: maps.Clone(o.settings),
	}
	if c.settings == nil {
		c.settings = make(map[label.Label]cty.Value)
	}
	return c
}

// ParseValue parses raw into a value of type t.
func ParseValue(t cty.Type, raw string) (cty.Value, error) {
	if t.IsListType() || t.IsSetType() {
		var elems []cty.Value
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				elems = append(elems, cty.StringVal(part))
			}
		}
		if len(elems) == 0 {
			return convert.Convert(cty.ListValEmpty(cty.String), t)
		}
		return convert.Convert(cty.ListVal(elems), t)
	}
	return convert.Convert(cty.StringVal(raw), t)
}

// FormatValue renders v the way it would be written on a command line.
func FormatValue(v cty.Value) string {
	switch {
	case v.IsNull():
		return "None"
	case !v.IsKnown():
		return "?"
	}
	t := v.Type()
	switch {
	case t.Equals(cty.String):
		return v.AsString()
	case t.Equals(cty.Bool):
		if v.True() {
			return "true"
		}
		return "false"
	case t.Equals(cty.Number):
		return v.AsBigFloat().Text('f', -1)
	case t.IsListType() || t.IsSetType() || t.IsTupleType():
		var parts []string
		for _, e := range v.AsValueSlice() {
			parts = append(parts, FormatValue(e))
		}
		return strings.Join(parts, ",")
	}
	return v.GoString()
}
