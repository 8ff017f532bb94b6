// Package transition models configuration transitions and applies them.
//
// A Transition is one of Identity, Host, Null or *UserDefined. Apply is the
// single place that dispatches on the variant.
package transition

import (
	"errors"
	"fmt"
	"slices"

	"github.com/albertocavalcante/go-bzlconfig/events"
	"github.com/albertocavalcante/go-bzlconfig/label"
	"github.com/albertocavalcante/go-bzlconfig/options"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// ErrTransition is matched by every transition Error.
var ErrTransition = errors.New("transition failed")

// Error reports a transition whose evaluation failed.
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transition %s: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrTransition
}

// Transition maps one configuration's options to one or more child options.
type Transition interface {
	Name() string
	isTransition()
}

// Identity keeps the options unchanged.
type Identity struct{}

// Host switches to the host configuration.
type Host struct{}

// Null marks an edge whose configuration is already fixed; nothing is recomputed.
type Null struct{}

func (Identity) Name() string { return "target" }
func (Host) Name() string     { return "host" }
func (Null) Name() string     { return "null" }

func (Identity) isTransition() {}
func (Host) isTransition()     {}
func (Null) isTransition()     {}

// Branch is one output of a user-defined transition.
type Branch struct {
	Name   string
	Values map[label.Label]cty.Value
}

// Func implements a user-defined transition. It receives the values of the
// declared inputs and returns one branch per output configuration. Events sent
// to h are delivered only if the transition as a whole succeeds.
type Func func(inputs map[label.Label]cty.Value, h events.Handler) ([]Branch, error)

// UserDefined is a transition declared outside the engine, reading and
// writing native options and user-defined build settings by label.
type UserDefined struct {
	name    string
	inputs  []label.Label
	outputs []label.Label
	split   bool
	impl    Func
}

// NewUserDefined declares a transition. A split transition may return more
// than one branch.
func NewUserDefined(name string, inputs, outputs []label.Label, split bool, impl Func) (*UserDefined, error) {
	if name == "" {
		return nil, errors.New("transition name cannot be empty")
	}
	if impl == nil {
		return nil, fmt.Errorf("transition %s: no implementation", name)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("transition %s: no outputs declared", name)
	}
	for _, list := range [][]label.Label{inputs, outputs} {
		sorted := slices.SortedFunc(slices.Values(list), label.Compare)
		if len(slices.Compact(sorted)) != len(list) {
			return nil, fmt.Errorf("transition %s: duplicate label in inputs or outputs", name)
		}
	}
	return &UserDefined{
		name:    name,
		inputs:  slices.Clone(inputs),
		outputs: slices.Clone(outputs),
		split:   split,
		impl:    impl,
	}, nil
}

func (t *UserDefined) Name() string { return t.name }
func (*UserDefined) isTransition()  {}

// Inputs returns the settings the transition reads.
func (t *UserDefined) Inputs() []label.Label { return slices.Clone(t.inputs) }

// Outputs returns the settings the transition writes.
func (t *UserDefined) Outputs() []label.Label { return slices.Clone(t.outputs) }

// IsSplit reports whether the transition may produce several configurations.
func (t *UserDefined) IsSplit() bool { return t.split }

// SettingInfo describes a user-defined build setting.
type SettingInfo struct {
	Type    cty.Type
	Default cty.Value
}

// Inputs carries what a user-defined transition needs besides the source options.
type Inputs struct {
	// Defaults holds default values for input settings absent from the options.
	Defaults map[label.Label]cty.Value

	// OutputSettings describes every user-defined setting the transition writes.
	OutputSettings map[label.Label]SettingInfo
}

// Builtin returns the built-in transition with the given name.
func Builtin(name string) (Transition, bool) {
	switch name {
	case "", "target", "identity":
		return Identity{}, true
	case "host", "exec":
		return Host{}, true
	case "null", "none":
		return Null{}, true
	}
	return nil, false
}

// Kind classifies t for reporting.
func Kind(t Transition) string {
	switch t := t.(type) {
	case Identity:
		return "identity"
	case Host:
		return "host"
	case Null:
		return "null"
	case *UserDefined:
		if t.split {
			return "split"
		}
		return "user_defined"
	}
	return "unknown"
}

// Apply applies t to from. It returns the resulting options in branch order,
// and the events the transition emitted; the caller decides when to replay them.
func Apply(from *options.BuildOptions, t Transition, in Inputs) ([]*options.BuildOptions, []events.Event, error) {
	switch t := t.(type) {
	case Null, Identity:
		return []*options.BuildOptions{from}, nil, nil
	case Host:
		opts, err := HostOptions(from)
		if err != nil {
			return nil, nil, &Error{Name: t.Name(), Err: err}
		}
		return []*options.BuildOptions{opts}, nil, nil
	case *UserDefined:
		return applyUserDefined(from, t, in)
	case nil:
		return nil, nil, &Error{Name: "<nil>", Err: errors.New("no transition")}
	default:
		return nil, nil, &Error{Name: t.Name(), Err: fmt.Errorf("unsupported transition type %T", t)}
	}
}

// HostOptions derives host options: the host CPU and compilation mode become
// the target ones and is_host is set.
func HostOptions(from *options.BuildOptions) (*options.BuildOptions, error) {
	hostCPU, _ := from.Get(options.HostCPU)
	hostMode, _ := from.Get(options.HostCompilationMode)
	opts, err := from.With(options.CPU, hostCPU)
	if err != nil {
		return nil, err
	}
	if opts, err = opts.With(options.CompilationMode, hostMode); err != nil {
		return nil, err
	}
	return opts.With(options.IsHost, cty.True)
}

func applyUserDefined(from *options.BuildOptions, t *UserDefined, in Inputs) ([]*options.BuildOptions, []events.Event, error) {
	fail := func(err error) ([]*options.BuildOptions, []events.Event, error) {
		return nil, nil, &Error{Name: t.name, Err: err}
	}

	values := make(map[label.Label]cty.Value, len(t.inputs))
	for _, l := range t.inputs {
		v, err := inputValue(from, l, in)
		if err != nil {
			return fail(err)
		}
		values[l] = v
	}

	var store events.Store
	branches, err := t.impl(values, &store)
	if err != nil {
		return fail(err)
	}
	switch {
	case len(branches) == 0:
		return fail(errors.New("returned no configurations"))
	case len(branches) > 1 && !t.split:
		return fail(fmt.Errorf("returned %d configurations but is not a split transition", len(branches)))
	}

	results := make([]*options.BuildOptions, 0, len(branches))
	for _, b := range branches {
		opts, err := applyBranch(from, t, b, in)
		if err != nil {
			if b.Name != "" {
				err = fmt.Errorf("branch %q: %w", b.Name, err)
			}
			return fail(err)
		}
		results = append(results, opts)
	}
	return results, store.Events(), nil
}

func inputValue(from *options.BuildOptions, l label.Label, in Inputs) (cty.Value, error) {
	if name, ok := options.NativeName(l); ok {
		v, ok := from.Get(name)
		if !ok {
			return cty.NilVal, fmt.Errorf("unknown native option %s", l)
		}
		return v, nil
	}
	if v, ok := from.Setting(l); ok {
		return v, nil
	}
	if v, ok := in.Defaults[l]; ok {
		return v, nil
	}
	return cty.NilVal, fmt.Errorf("no value or default for input %s", l)
}

func applyBranch(from *options.BuildOptions, t *UserDefined, b Branch, in Inputs) (*options.BuildOptions, error) {
	for l := range b.Values {
		if !slices.Contains(t.outputs, l) {
			return nil, fmt.Errorf("output %s was not declared", l)
		}
	}

	opts := from
	for _, l := range t.outputs {
		v, ok := b.Values[l]
		if !ok {
			return nil, fmt.Errorf("declared output %s was not set", l)
		}
		if name, native := options.NativeName(l); native {
			next, err := opts.With(name, v)
			if err != nil {
				return nil, err
			}
			opts = next
			continue
		}

		info, ok := in.OutputSettings[l]
		if !ok {
			return nil, fmt.Errorf("output %s is not a build setting", l)
		}
		cv, err := convert.Convert(v, info.Type)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", l, err)
		}
		// A setting at its default is the same configuration as the setting unset.
		if !info.Default.IsNull() && cv.RawEquals(info.Default) {
			opts = opts.WithoutSetting(l)
			continue
		}
		if opts, err = opts.WithSetting(l, cv); err != nil {
			return nil, err
		}
	}
	return opts, nil
}
