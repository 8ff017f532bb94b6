package gobzlconfig

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/albertocavalcante/go-bzlconfig/config"
	"github.com/albertocavalcante/go-bzlconfig/eval"
	"github.com/albertocavalcante/go-bzlconfig/label"
	"github.com/albertocavalcante/go-bzlconfig/options"
	"github.com/albertocavalcante/go-bzlconfig/target"
	"github.com/albertocavalcante/go-bzlconfig/transition"
	"github.com/zclconf/go-cty/cty"
)

// PrepareFunctionName is the substrate function resolving top-level
// configurations.
const PrepareFunctionName eval.FunctionName = "PREPARE_ANALYSIS"

// Request describes one resolution: the requested targets and the option
// values they are built with.
type Request struct {
	// Labels are the requested targets, in request order.
	Labels []label.Label

	// Options is applied to the registry defaults to form the base options.
	Options options.Diff

	// MultiCPU requests one target configuration per CPU. Empty means a
	// single configuration using the cpu option of the base options.
	MultiCPU []string
}

// Key returns the substrate key for r. Requests that differ only in the
// order or duplication of MultiCPU values share a key.
func (r Request) Key() (PrepareKey, error) {
	diff, err := r.Options.Encode()
	if err != nil {
		return PrepareKey{}, fmt.Errorf("encode options: %w", err)
	}
	labels := make([]string, len(r.Labels))
	for i, l := range r.Labels {
		labels[i] = l.String()
	}
	for _, cpu := range r.MultiCPU {
		if cpu == "" || strings.Contains(cpu, ",") {
			return PrepareKey{}, fmt.Errorf("invalid cpu %q", cpu)
		}
	}
	return PrepareKey{
		labels:   strings.Join(labels, "\n"),
		options:  diff,
		multiCPU: strings.Join(sortedCPUs(r.MultiCPU), ","),
	}, nil
}

func sortedCPUs(cpus []string) []string {
	s := slices.Clone(cpus)
	slices.Sort(s)
	return slices.Compact(s)
}

// PrepareKey is the comparable, canonical form of a Request.
type PrepareKey struct {
	labels   string
	options  string
	multiCPU string
}

var _ eval.Key = PrepareKey{}

func (PrepareKey) Function() eval.FunctionName { return PrepareFunctionName }

func (k PrepareKey) String() string {
	return strings.ReplaceAll(k.labels, "\n", ",") + "|" + k.options + "|" + k.multiCPU
}

// Request decodes the key back into a request.
func (k PrepareKey) Request() (Request, error) {
	var req Request
	if k.labels != "" {
		for _, s := range strings.Split(k.labels, "\n") {
			l, err := label.Parse(s)
			if err != nil {
				return Request{}, err
			}
			req.Labels = append(req.Labels, l)
		}
	}
	diff, err := options.DecodeDiff(k.options)
	if err != nil {
		return Request{}, err
	}
	req.Options = diff
	if k.multiCPU != "" {
		req.MultiCPU = strings.Split(k.multiCPU, ",")
	}
	return req, nil
}

// ConfiguredTargetKey is a target paired with the configuration it is
// analyzed in.
type ConfiguredTargetKey struct {
	Label         label.Label
	Configuration config.Key
}

func (k ConfiguredTargetKey) String() string {
	return k.Label.String() + " (" + k.Configuration.Short() + ")"
}

// Result is the outcome of a resolution.
type Result struct {
	HostConfiguration    config.Key
	TargetConfigurations []config.Key

	// TopLevelTargets are the resolved nodes in first-insertion order.
	TopLevelTargets []ConfiguredTargetKey

	// LoadingErrors holds requested labels that could not be expanded and
	// targets whose fragment requirements could not be computed. The latter
	// keep their top-level configuration; analysis reports the error.
	LoadingErrors map[label.Label]error

	// TransitionErrors holds targets whose transition failed when transition
	// errors are deferred, and targets whose transitioned configurations were
	// all invalid. They keep their top-level configuration.
	TransitionErrors map[label.Label]error
}

// Labels returns the distinct labels of the top-level targets in order.
func (r *Result) Labels() []label.Label {
	var out []label.Label
	for _, k := range r.TopLevelTargets {
		if !slices.Contains(out, k.Label) {
			out = append(out, k.Label)
		}
	}
	return out
}

// ConfigurationsOf returns the configurations l resolved to, in order.
func (r *Result) ConfigurationsOf(l label.Label) []config.Key {
	var out []config.Key
	for _, k := range r.TopLevelTargets {
		if k.Label == l {
			out = append(out, k.Configuration)
		}
	}
	return out
}

// TargetAndConfiguration pairs a loaded target with a configuration.
// Identity is (label, configuration key); the target pointer is not compared.
type TargetAndConfiguration struct {
	Target        *target.Target
	Configuration *config.Configuration
}

func (n TargetAndConfiguration) key() ConfiguredTargetKey {
	return ConfiguredTargetKey{Label: n.Target.Label, Configuration: n.Configuration.Key()}
}

// nodeSet is an insertion-ordered set of nodes deduplicated by key.
type nodeSet struct {
	nodes []TargetAndConfiguration
	index map[ConfiguredTargetKey]int
}

func newNodeSet() *nodeSet {
	return &nodeSet{index: make(map[ConfiguredTargetKey]int)}
}

// add inserts n unless an equal node is present. It reports whether n was added.
func (s *nodeSet) add(n TargetAndConfiguration) bool {
	k := n.key()
	if _, ok := s.index[k]; ok {
		return false
	}
	s.index[k] = len(s.nodes)
	s.nodes = append(s.nodes, n)
	return true
}

func (s *nodeSet) len() int { return len(s.nodes) }

func (s *nodeSet) keys() []ConfiguredTargetKey {
	out := make([]ConfiguredTargetKey, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = n.key()
	}
	return out
}

// Dependency is a top-level edge: the label to configure and how.
// An edge with an explicit Configuration is not transitioned.
type Dependency struct {
	Label         label.Label
	Transition    transition.Transition
	Configuration *config.Key
}

// Stage is a step of resolution.
type Stage int

const (
	StageStart Stage = iota
	StageValidatingOptions
	StageExpandingTargets
	StageBuildingNodes
	StageResolvingTransitions
	StageDone
)

var stageNames = [...]string{
	StageStart:                "START",
	StageValidatingOptions:    "VALIDATING_OPTIONS",
	StageExpandingTargets:     "EXPANDING_TARGETS",
	StageBuildingNodes:        "BUILDING_NODES",
	StageResolvingTransitions: "RESOLVING_TRANSITIONS",
	StageDone:                 "DONE",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// ParseOptions parses command-line style option flags into a diff against
// the defaults of schema: "--name=value", "--name" (true) and "--noname"
// (false) for native options, and "--//pkg:setting=value" for user-defined
// build settings, whose values are strings.
func ParseOptions(schema *options.Schema, flags ...string) (options.Diff, error) {
	base := schema.Defaults()
	opts := base
	for _, f := range flags {
		raw, ok := strings.CutPrefix(f, "--")
		if !ok {
			return options.Diff{}, fmt.Errorf("invalid flag %q: must start with --", f)
		}
		name, value, hasValue := strings.Cut(raw, "=")

		var err error
		switch {
		case strings.HasPrefix(name, "//") || strings.HasPrefix(name, "@"):
			var l label.Label
			if l, err = label.Parse(name); err == nil {
				if n, native := options.NativeName(l); native {
					opts, err = opts.WithString(n, value)
				} else {
					opts, err = opts.WithSetting(l, cty.StringVal(value))
				}
			}
		case hasValue:
			opts, err = opts.WithString(name, value)
		default:
			opts, err = boolFlag(opts, schema, name)
		}
		if err != nil {
			return options.Diff{}, fmt.Errorf("flag %s: %w", f, err)
		}
	}
	return options.DiffFor(base, opts), nil
}

func boolFlag(opts *options.BuildOptions, schema *options.Schema, name string) (*options.BuildOptions, error) {
	if _, ok := schema.Lookup(name); ok {
		return opts.WithString(name, "true")
	}
	if n, ok := strings.CutPrefix(name, "no"); ok {
		if _, ok := schema.Lookup(n); ok {
			return opts.WithString(n, "false")
		}
	}
	return nil, errors.New("unknown option")
}
