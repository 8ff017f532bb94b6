package gobzlconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/albertocavalcante/go-bzlconfig/config"
	"github.com/albertocavalcante/go-bzlconfig/eval"
	"github.com/albertocavalcante/go-bzlconfig/events"
	"github.com/albertocavalcante/go-bzlconfig/label"
	"github.com/albertocavalcante/go-bzlconfig/options"
	"github.com/albertocavalcante/go-bzlconfig/target"
	"github.com/albertocavalcante/go-bzlconfig/transition"
	"github.com/zclconf/go-cty/cty"
)

func l(s string) label.Label { return label.MustParse(s) }

var (
	cpuLabel  = options.NativeLabel(options.CPU)
	modeLabel = label.MustParse("//flags:mode")
)

func testRegistry(t *testing.T) *config.Registry {
	t.Helper()
	schema := options.MustSchema(append(options.CoreDefinitions(),
		options.Definition{Name: "copt", Group: "cpp", Type: cty.String, Default: cty.StringVal("")},
		options.Definition{Name: "javacopt", Group: "java", Type: cty.String, Default: cty.StringVal("")},
	)...)
	reg, err := config.NewRegistry(schema,
		config.FragmentDef{Kind: "cpp", OptionGroups: []string{"cpp"},
			Validate: func(o *options.BuildOptions) []string {
				if cpu := o.String(options.CPU); strings.HasPrefix(cpu, "bad") {
					return []string{fmt.Sprintf("cpu %s is not supported", cpu)}
				}
				return nil
			},
		},
		config.FragmentDef{Kind: "java", OptionGroups: []string{"java"},
			Check: func(o *options.BuildOptions) error {
				if o.String(options.CPU) == "crash" {
					return errors.New("no java runtime for cpu crash")
				}
				return nil
			},
		},
		config.FragmentDef{Kind: "platform"},
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg
}

func testPackages(t *testing.T) []*target.Package {
	t.Helper()
	cpp := config.NewFragmentSet("cpp")
	pkgs := map[string][]*target.Target{
		"app": {
			{Label: l("//app:bin"), Kind: "cc_binary", Fragments: cpp, Deps: []label.Label{l("//lib:java")}},
			{Label: l("//app:tool"), Kind: "cc_binary", Fragments: cpp, Transition: "host"},
			{Label: l("//app:data.txt"), Kind: target.KindInputFile},
			{Label: l("//app:fat"), Kind: "cc_binary", Fragments: cpp, Transition: "fat"},
			{Label: l("//app:same"), Kind: "cc_binary", Fragments: cpp, Transition: "same"},
			{Label: l("//app:tests"), Kind: target.KindTestSuite, Tests: []label.Label{l("//app:bin"), l("//app:t1")}},
			{Label: l("//app:t1"), Kind: "cc_test", Fragments: cpp},
			{Label: l("//app:nested"), Kind: target.KindTestSuite, Tests: []label.Label{l("//app:tests"), l("//app:nested"), l("//app:missing")}},
			{Label: l("//app:broken"), Kind: "cc_binary", Transition: "nope"},
			{Label: l("//app:failing"), Kind: "cc_binary", Transition: "boom"},
			{Label: l("//app:flagged"), Kind: "cc_binary", Fragments: cpp, Transition: "set_mode"},
			{Label: l("//app:unknown_output"), Kind: "cc_binary", Transition: "set_missing"},
			{Label: l("//app:crasher"), Kind: "cc_binary", Fragments: cpp, Transition: "to_crash"},
		},
		"lib": {
			{Label: l("//lib:java"), Kind: "java_library", Fragments: config.NewFragmentSet("java")},
			{Label: l("//lib:broken_dep"), Kind: "java_library", Deps: []label.Label{l("//nope:x")}},
		},
		"flags": {
			{Label: modeLabel, Kind: "string_flag", Setting: &target.BuildSetting{
				Label: modeLabel, Type: cty.String, Default: cty.StringVal("a"), Flag: true,
			}},
			{Label: l("//flags:internal"), Kind: "string_setting", Setting: &target.BuildSetting{
				Label: l("//flags:internal"), Type: cty.String, Default: cty.StringVal("x"),
			}},
		},
	}

	var out []*target.Package
	for _, id := range []string{"app", "lib", "flags"} {
		p := target.NewPackage(label.MustPackageID("", id))
		for _, tg := range pkgs[id] {
			if err := p.Add(tg); err != nil {
				t.Fatalf("Add(%s) error = %v", tg.Label, err)
			}
		}
		out = append(out, p)
	}
	return out
}

func cpuBranch(cpu string) transition.Branch {
	return transition.Branch{Name: cpu, Values: map[label.Label]cty.Value{cpuLabel: cty.StringVal(cpu)}}
}

func testTransitions(t *testing.T) map[string]transition.Transition {
	t.Helper()
	mustUD := func(name string, inputs, outputs []label.Label, split bool, impl transition.Func) transition.Transition {
		tr, err := transition.NewUserDefined(name, inputs, outputs, split, impl)
		if err != nil {
			t.Fatalf("NewUserDefined(%s) error = %v", name, err)
		}
		return tr
	}
	return map[string]transition.Transition{
		"fat": mustUD("fat", nil, []label.Label{cpuLabel}, true,
			func(_ map[label.Label]cty.Value, h events.Handler) ([]transition.Branch, error) {
				h.Handle(events.Warningf("building a fat binary"))
				return []transition.Branch{cpuBranch("arm"), cpuBranch("x86")}, nil
			}),
		"same": mustUD("same", []label.Label{cpuLabel}, []label.Label{cpuLabel}, true,
			func(in map[label.Label]cty.Value, _ events.Handler) ([]transition.Branch, error) {
				cpu := in[cpuLabel].AsString()
				return []transition.Branch{cpuBranch(cpu), cpuBranch(cpu)}, nil
			}),
		"boom": mustUD("boom", nil, []label.Label{cpuLabel}, false,
			func(map[label.Label]cty.Value, events.Handler) ([]transition.Branch, error) {
				return nil, errors.New("boom")
			}),
		"set_mode": mustUD("set_mode", []label.Label{modeLabel}, []label.Label{modeLabel}, false,
			func(in map[label.Label]cty.Value, _ events.Handler) ([]transition.Branch, error) {
				v := cty.StringVal(in[modeLabel].AsString() + "-x")
				return []transition.Branch{{Values: map[label.Label]cty.Value{modeLabel: v}}}, nil
			}),
		"to_crash": mustUD("to_crash", nil, []label.Label{cpuLabel}, false,
			func(map[label.Label]cty.Value, events.Handler) ([]transition.Branch, error) {
				return []transition.Branch{cpuBranch("crash")}, nil
			}),
		"set_missing": mustUD("set_missing", nil, []label.Label{l("//flags:missing")}, false,
			func(map[label.Label]cty.Value, events.Handler) ([]transition.Branch, error) {
				return []transition.Branch{{Values: map[label.Label]cty.Value{l("//flags:missing"): cty.True}}}, nil
			}),
	}
}

// fixture is a resolver over the test packages with an evaluator driving it.
type fixture struct {
	reg    *config.Registry
	r      *Resolver
	ev     *eval.Evaluator
	events *events.Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := testRegistry(t)
	r, err := NewResolver(reg, append([]Option{WithRuleTransitions(testTransitions(t))}, opts...)...)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	loading := target.Functions()
	loading[target.PackageFunctionName] = target.StaticPackages(testPackages(t)...)

	store := &events.Store{}
	ev, err := NewEvaluator(r, loading, eval.WithParallelism(1), eval.WithEventHandler(store))
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}
	return &fixture{reg: reg, r: r, ev: ev, events: store}
}

func (f *fixture) resolve(t *testing.T, req Request) (*Result, error) {
	t.Helper()
	return Resolve(context.Background(), f.ev, req)
}

func (f *fixture) mustResolve(t *testing.T, req Request) *Result {
	t.Helper()
	res, err := f.resolve(t, req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return res
}

// key returns the key of opts with fragments, relative to the registry defaults.
func (f *fixture) key(t *testing.T, opts *options.BuildOptions, fragments config.FragmentSet) config.Key {
	t.Helper()
	k, err := config.KeyFor(f.reg.Defaults(), opts, fragments)
	if err != nil {
		t.Fatalf("KeyFor() error = %v", err)
	}
	return k
}

// universeKey returns the key of the defaults changed by the given native
// option values, carrying every fragment.
func (f *fixture) universeKey(t *testing.T, kv ...string) config.Key {
	t.Helper()
	return f.key(t, f.with(t, f.reg.Defaults(), kv...), f.reg.AllFragments())
}

func (f *fixture) with(t *testing.T, opts *options.BuildOptions, kv ...string) *options.BuildOptions {
	t.Helper()
	for i := 0; i+1 < len(kv); i += 2 {
		var err error
		if opts, err = opts.WithString(kv[i], kv[i+1]); err != nil {
			t.Fatalf("WithString(%s) error = %v", kv[i], err)
		}
	}
	return opts
}

func (f *fixture) request(t *testing.T, labels []string, flags ...string) Request {
	t.Helper()
	diff, err := ParseOptions(f.reg.Schema(), flags...)
	if err != nil {
		t.Fatalf("ParseOptions() error = %v", err)
	}
	req := Request{Options: diff}
	for _, s := range labels {
		req.Labels = append(req.Labels, l(s))
	}
	return req
}

// drive runs Prepare against a memory environment, computing the values it
// reports missing with the evaluator, until it stops suspending. It returns
// the outcome and the environment of the last attempt.
func (f *fixture) drive(t *testing.T, req Request) (eval.Result[*Result], *eval.MemoryEnvironment) {
	t.Helper()
	ctx := context.Background()
	env := eval.NewMemoryEnvironment()
	for attempt := 1; attempt <= 20; attempt++ {
		env.Reset()
		res := f.r.Prepare(ctx, env, req)
		if !res.IsSuspended() {
			return res, env
		}
		if n := len(env.Events()); n != 0 {
			t.Fatalf("attempt %d suspended after delivering %d events", attempt, n)
		}
		missing := env.Missing()
		if len(missing) == 0 {
			t.Fatalf("attempt %d suspended without missing values", attempt)
		}
		_, _ = f.ev.Evaluate(ctx, missing...)
		for _, k := range missing {
			v := f.ev.Lookup(k)
			if err := v.Err(); err != nil {
				env.SetError(k, err)
				continue
			}
			env.Set(k, v.Value())
		}
	}
	t.Fatal("resolution did not complete")
	return eval.Result[*Result]{}, nil
}

func nodes(pairs ...any) []ConfiguredTargetKey {
	out := make([]ConfiguredTargetKey, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, ConfiguredTargetKey{Label: l(pairs[i].(string)), Configuration: pairs[i+1].(config.Key)})
	}
	return out
}
