package options

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/albertocavalcante/go-bzlconfig/label"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Diff is the difference of a BuildOptions from a baseline.
type Diff struct {
	// Options holds native options whose value differs from the baseline.
	Options map[string]cty.Value

	// Settings holds user-defined settings added or changed relative to the baseline.
	Settings map[label.Label]cty.Value

	// Removed lists user-defined settings present in the baseline but not in the options.
	Removed []label.Label
}

// IsEmpty reports whether the diff changes nothing.
func (d Diff) IsEmpty() bool {
	return len(d.Options) == 0 && len(d.Settings) == 0 && len(d.Removed) == 0
}

// DiffFor computes the diff that turns base into o.
func DiffFor(base, o *BuildOptions) Diff {
	var d Diff
	for name, v := range o.values {
		if bv, ok := base.values[name]; ok && bv.RawEquals(v) {
			continue
		}
		if d.Options == nil {
			d.Options = make(map[string]cty.Value)
		}
		d.Options[name] = v
	}
	for l, v := range o.settings {
		if bv, ok := base.settings[l]; ok && bv.RawEquals(v) {
			continue
		}
		if d.Settings == nil {
			d.Settings = make(map[label.Label]cty.Value)
		}
		d.Settings[l] = v
	}
	for l := range base.settings {
		if _, ok := o.settings[l]; !ok {
			d.Removed = append(d.Removed, l)
		}
	}
	slices.SortFunc(d.Removed, label.Compare)
	return d
}

// ApplyDiff returns o with d applied.
func (o *BuildOptions) ApplyDiff(d Diff) (*BuildOptions, error) {
	c := o.clone()
	for name, v := range d.Options {
		next, err := c.With(name, v)
		if err != nil {
			return nil, err
		}
		c = next
	}
	for l, v := range d.Settings {
		next, err := c.WithSetting(l, v)
		if err != nil {
			return nil, err
		}
		c = next
	}
	for _, l := range d.Removed {
		c = c.WithoutSetting(l)
	}
	return c, nil
}

type diffEntry struct {
	Name    string          `json:"name"`
	Setting bool            `json:"setting,omitempty"`
	Removed bool            `json:"removed,omitempty"`
	Type    json.RawMessage `json:"type,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// Encode returns the canonical encoding of d. Equal diffs encode identically;
// the empty diff encodes as "".
func (d Diff) Encode() (string, error) {
	if d.IsEmpty() {
		return "", nil
	}

	var entries []diffEntry
	for _, name := range slices.Sorted(maps.Keys(d.Options)) {
		e, err := encodeEntry(name, d.Options[name])
		if err != nil {
			return "", fmt.Errorf("option %q: %w", name, err)
		}
		entries = append(entries, e)
	}
	for _, l := range slices.SortedFunc(maps.Keys(d.Settings), label.Compare) {
		e, err := encodeEntry(l.String(), d.Settings[l])
		if err != nil {
			return "", fmt.Errorf("build setting %s: %w", l, err)
		}
		e.Setting = true
		entries = append(entries, e)
	}
	for _, l := range d.Removed {
		entries = append(entries, diffEntry{Name: l.String(), Setting: true, Removed: true})
	}

	b, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeEntry(name string, v cty.Value) (diffEntry, error) {
	t, err := ctyjson.MarshalType(v.Type())
	if err != nil {
		return diffEntry{}, err
	}
	val, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return diffEntry{}, err
	}
	return diffEntry{Name: name, Type: t, Value: val}, nil
}

// DecodeDiff parses a diff produced by Diff.Encode.
func DecodeDiff(s string) (Diff, error) {
	var d Diff
	if s == "" {
		return d, nil
	}

	var entries []diffEntry
	if err := json.Unmarshal([]byte(s), &entries); err != nil {
		return Diff{}, fmt.Errorf("decode options diff: %w", err)
	}
	for _, e := range entries {
		if e.Removed {
			l, err := label.Parse(e.Name)
			if err != nil {
				return Diff{}, fmt.Errorf("decode options diff: %w", err)
			}
			d.Removed = append(d.Removed, l)
			continue
		}

		t, err := ctyjson.UnmarshalType(e.Type)
		if err != nil {
			return Diff{}, fmt.Errorf("decode options diff: %s: %w", e.Name, err)
		}
		v, err := ctyjson.Unmarshal(e.Value, t)
		if err != nil {
			return Diff{}, fmt.Errorf("decode options diff: %s: %w", e.Name, err)
		}

		if !e.Setting {
			if d.Options == nil {
				d.Options = make(map[string]cty.Value)
			}
			d.Options[e.Name] = v
			continue
		}
		l, err := label.Parse(e.Name)
		if err != nil {
			return Diff{}, fmt.Errorf("decode options diff: %w", err)
		}
		if d.Settings == nil {
			d.Settings = make(map[label.Label]cty.Value)
		}
		d.Settings[l] = v
	}
	return d, nil
}
