package gobzlconfig

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/albertocavalcante/go-bzlconfig/config"
	"github.com/albertocavalcante/go-bzlconfig/eval"
	"github.com/albertocavalcante/go-bzlconfig/events"
	"github.com/albertocavalcante/go-bzlconfig/label"
	"github.com/albertocavalcante/go-bzlconfig/options"
	"github.com/albertocavalcante/go-bzlconfig/target"
	"github.com/albertocavalcante/go-bzlconfig/transition"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestPrepareDefaults(t *testing.T) {
	f := newFixture(t)
	res := f.mustResolve(t, f.request(t, []string{"//app:bin"}))

	k0 := f.universeKey(t)
	host := f.universeKey(t, options.CompilationMode, "opt", options.IsHost, "true")

	assert.Equal(t, host, res.HostConfiguration)
	assert.Equal(t, []config.Key{k0}, res.TargetConfigurations)
	if diff := cmp.Diff(nodes("//app:bin", k0), res.TopLevelTargets); diff != "" {
		t.Errorf("TopLevelTargets mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, res.LoadingErrors)
	assert.Empty(t, res.TransitionErrors)
}

func TestPrepareIdempotent(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, []string{"//app:fat", "//app:tests"}, "--compilation_mode=dbg")

	first := f.mustResolve(t, req)
	second := f.mustResolve(t, req)
	if diff := cmp.Diff(first.TopLevelTargets, second.TopLevelTargets); diff != "" {
		t.Errorf("second resolution differs (-first +second):\n%s", diff)
	}

	// A fresh resolver over the same inputs agrees.
	other := newFixture(t).mustResolve(t, req)
	if diff := cmp.Diff(first.TopLevelTargets, other.TopLevelTargets); diff != "" {
		t.Errorf("fresh resolution differs (-first +fresh):\n%s", diff)
	}
}

func TestPrepareDeduplicates(t *testing.T) {
	f := newFixture(t)
	res := f.mustResolve(t, f.request(t, []string{"//app:bin", "//app:tests", "//app:bin"}))

	k0 := f.universeKey(t)
	if diff := cmp.Diff(nodes("//app:bin", k0, "//app:t1", k0), res.TopLevelTargets); diff != "" {
		t.Errorf("TopLevelTargets mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []label.Label{l("//app:bin"), l("//app:t1")}, res.Labels())
}

func TestPrepareTestSuites(t *testing.T) {
	f := newFixture(t)
	res := f.mustResolve(t, f.request(t, []string{"//app:nested"}))

	k0 := f.universeKey(t)
	if diff := cmp.Diff(nodes("//app:bin", k0, "//app:t1", k0), res.TopLevelTargets); diff != "" {
		t.Errorf("TopLevelTargets mismatch (-want +got):\n%s", diff)
	}
	require.Contains(t, res.LoadingErrors, l("//app:missing"))
	assert.True(t, target.IsLoadingError(res.LoadingErrors[l("//app:missing")]))
}

func TestPrepareLoadingErrors(t *testing.T) {
	f := newFixture(t)
	res := f.mustResolve(t, f.request(t, []string{"//app:bin", "//app:missing", "//nope:x"}))

	if diff := cmp.Diff(nodes("//app:bin", f.universeKey(t)), res.TopLevelTargets); diff != "" {
		t.Errorf("TopLevelTargets mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, res.LoadingErrors, 2)
	for _, s := range []string{"//app:missing", "//nope:x"} {
		assert.True(t, target.IsLoadingError(res.LoadingErrors[l(s)]), "LoadingErrors[%s]", s)
	}

	var warned []label.Label
	for _, e := range f.events.Events() {
		if e.Kind == events.Warning {
			warned = append(warned, e.Label)
		}
	}
	assert.Equal(t, []label.Label{l("//app:missing"), l("//nope:x")}, warned)
}

func TestPrepareNullTransition(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, []string{"//app:data.txt"}, "--configs_mode=on")

	res, env := f.drive(t, req)
	require.NoError(t, res.Err())

	top := res.Value().TargetConfigurations[0]
	if diff := cmp.Diff(nodes("//app:data.txt", top), res.Value().TopLevelTargets); diff != "" {
		t.Errorf("TopLevelTargets mismatch (-want +got):\n%s", diff)
	}
	for _, k := range env.Requests() {
		switch k.(type) {
		case target.TransitiveKey, target.BuildSettingKey:
			t.Errorf("non-configurable target should not be queried, requested %v", k)
		}
	}
}

func TestPrepareHostTransition(t *testing.T) {
	f := newFixture(t)
	res := f.mustResolve(t, f.request(t, []string{"//app:tool"}))

	assert.Equal(t, []config.Key{res.HostConfiguration}, res.ConfigurationsOf(l("//app:tool")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.r.metrics.transitions.WithLabelValues("host")))
}

func TestPrepareNoDistinctHost(t *testing.T) {
	f := newFixture(t)
	res := f.mustResolve(t, f.request(t, []string{"//app:bin"}, "--nodistinct_host_configuration"))
	assert.Equal(t, res.TargetConfigurations[0], res.HostConfiguration)
}

func TestPrepareSplitTransition(t *testing.T) {
	f := newFixture(t)
	res := f.mustResolve(t, f.request(t, []string{"//app:fat"}))

	want := nodes(
		"//app:fat", f.universeKey(t, options.CPU, "arm"),
		"//app:fat", f.universeKey(t, options.CPU, "x86"),
	)
	if diff := cmp.Diff(want, res.TopLevelTargets); diff != "" {
		t.Errorf("TopLevelTargets mismatch (-want +got):\n%s", diff)
	}

	evs := f.events.Events()
	require.Len(t, evs, 1, "transition events should be delivered once")
	assert.Equal(t, "building a fat binary", evs[0].Message)
	assert.Equal(t, l("//app:fat"), evs[0].Label)

	// Memoized: resolving again delivers nothing new.
	f.mustResolve(t, f.request(t, []string{"//app:fat"}))
	assert.Equal(t, 1, f.events.Len())
}

func TestPrepareSplitCoinciding(t *testing.T) {
	f := newFixture(t)
	res := f.mustResolve(t, f.request(t, []string{"//app:same"}))
	if diff := cmp.Diff(nodes("//app:same", f.universeKey(t)), res.TopLevelTargets); diff != "" {
		t.Errorf("TopLevelTargets mismatch (-want +got):\n%s", diff)
	}
}

func TestPrepareMultiCPU(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, []string{"//app:bin", "//app:t1"})
	req.MultiCPU = []string{"x86", "arm", "x86"}
	res := f.mustResolve(t, req)

	arm := f.universeKey(t, options.CPU, "arm")
	x86 := f.universeKey(t, options.CPU, "x86")
	assert.Equal(t, []config.Key{arm, x86}, res.TargetConfigurations)

	// Nodes keep the order they were built in: target-major.
	want := nodes(
		"//app:bin", arm,
		"//app:bin", x86,
		"//app:t1", arm,
		"//app:t1", x86,
	)
	if diff := cmp.Diff(want, res.TopLevelTargets); diff != "" {
		t.Errorf("TopLevelTargets mismatch (-want +got):\n%s", diff)
	}
}

func TestPrepareTrimming(t *testing.T) {
	f := newFixture(t)
	flags := []string{"--configs_mode=on", "--copt=-O2", "--javacopt=-g"}
	res := f.mustResolve(t, f.request(t, []string{"//app:bin", "//app:t1", "//lib:broken_dep"}, flags...))

	base := f.with(t, f.reg.Defaults(), options.ConfigsMode, "on", "copt", "-O2", "javacopt", "-g")
	top := f.key(t, base, f.reg.AllFragments())
	assert.Equal(t, []config.Key{top}, res.TargetConfigurations)

	cppJava := config.NewFragmentSet("cpp", "java")
	cpp := config.NewFragmentSet("cpp")
	want := nodes(
		"//app:bin", f.key(t, base, cppJava),
		"//app:t1", f.key(t, f.reg.TrimOptions(base, cpp), cpp),
		"//lib:broken_dep", top,
	)
	if diff := cmp.Diff(want, res.TopLevelTargets); diff != "" {
		t.Errorf("TopLevelTargets mismatch (-want +got):\n%s", diff)
	}
	assert.NotEqual(t, want[0].Configuration, want[1].Configuration)
	assert.True(t, target.IsLoadingError(res.LoadingErrors[l("//lib:broken_dep")]))

	// Untrimmed, every target keeps the full configuration.
	res = f.mustResolve(t, f.request(t, []string{"//app:bin", "//app:t1"}, "--copt=-O2", "--javacopt=-g"))
	full := res.TargetConfigurations[0]
	if diff := cmp.Diff(nodes("//app:bin", full, "//app:t1", full), res.TopLevelTargets); diff != "" {
		t.Errorf("untrimmed TopLevelTargets mismatch (-want +got):\n%s", diff)
	}
}

func TestPrepareBuildSettings(t *testing.T) {
	f := newFixture(t)

	withMode := func(v string) *options.BuildOptions {
		o, err := f.reg.Defaults().WithSetting(modeLabel, cty.StringVal(v))
		require.NoError(t, err)
		return o
	}
	universe := f.reg.AllFragments()

	t.Run("command line", func(t *testing.T) {
		res := f.mustResolve(t, f.request(t, []string{"//app:bin"}, "--//flags:mode=b"))
		assert.Equal(t, []config.Key{f.key(t, withMode("b"), universe)}, res.TargetConfigurations)
	})

	t.Run("default value is dropped", func(t *testing.T) {
		res := f.mustResolve(t, f.request(t, []string{"//app:bin"}, "--//flags:mode=a"))
		assert.Equal(t, []config.Key{f.universeKey(t)}, res.TargetConfigurations)
	})

	t.Run("transition reads default", func(t *testing.T) {
		res := f.mustResolve(t, f.request(t, []string{"//app:flagged"}))
		assert.Equal(t, []config.Key{f.key(t, withMode("a-x"), universe)}, res.ConfigurationsOf(l("//app:flagged")))
	})

	t.Run("transition reads command line", func(t *testing.T) {
		res := f.mustResolve(t, f.request(t, []string{"//app:flagged"}, "--//flags:mode=b"))
		assert.Equal(t, []config.Key{f.key(t, withMode("b-x"), universe)}, res.ConfigurationsOf(l("//app:flagged")))
	})

	for _, flag := range []string{"--//flags:internal=z", "--//flags:nope=1"} {
		t.Run(flag, func(t *testing.T) {
			_, err := f.resolve(t, f.request(t, []string{"//app:bin"}, flag))
			assert.ErrorIs(t, err, ErrInvalidOptions)
		})
	}
}

func TestPrepareInvalidOptions(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, []string{"//app:bin"})
	req.MultiCPU = []string{"k8", "bad2", "bad1"}

	_, err := f.resolve(t, req)
	require.ErrorIs(t, err, ErrInvalidOptions)

	var invalid *InvalidOptionsError
	require.ErrorAs(t, err, &invalid)
	want := []config.Key{f.universeKey(t, options.CPU, "bad1"), f.universeKey(t, options.CPU, "bad2")}
	assert.Equal(t, want, invalid.Configurations)
	assert.Contains(t, err.Error(), "cpu bad1 is not supported")
	assert.Contains(t, err.Error(), "cpu bad2 is not supported")

	var errs int
	for _, e := range f.events.Events() {
		if e.Kind == events.Error {
			errs++
		}
	}
	assert.Equal(t, 2, errs, "validation errors should be reported as events")
}

func TestPrepareInvalidConfiguration(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, []string{"//app:bin"})
	req.MultiCPU = []string{"crash"}

	_, err := f.resolve(t, req)
	require.ErrorIs(t, err, ErrInvalidOptions)
	var ice *config.InvalidConfigurationError
	assert.ErrorAs(t, err, &ice)
}

func TestPrepareHostFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolve(t, f.request(t, []string{"//app:bin"}, "--host_cpu=crash"))
	require.ErrorIs(t, err, ErrHostConfiguration)
	assert.NotErrorIs(t, err, ErrInvalidOptions)
	var hce *HostConfigurationError
	assert.ErrorAs(t, err, &hce)
}

func TestPrepareTransitionErrors(t *testing.T) {
	labels := []string{"//app:bin", "//app:broken", "//app:failing", "//app:unknown_output"}

	t.Run("fatal", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.resolve(t, f.request(t, labels))
		require.ErrorIs(t, err, transition.ErrTransition)
		for _, s := range labels[1:] {
			assert.Contains(t, err.Error(), s)
		}
		assert.NotContains(t, err.Error(), "//app:bin:")
	})

	t.Run("deferred", func(t *testing.T) {
		f := newFixture(t, WithDeferredTransitionErrors())
		res := f.mustResolve(t, f.request(t, labels))

		k0 := f.universeKey(t)
		want := nodes("//app:bin", k0, "//app:broken", k0, "//app:failing", k0, "//app:unknown_output", k0)
		if diff := cmp.Diff(want, res.TopLevelTargets); diff != "" {
			t.Errorf("TopLevelTargets mismatch (-want +got):\n%s", diff)
		}
		require.Len(t, res.TransitionErrors, 3)
		for _, s := range labels[1:] {
			assert.ErrorIs(t, res.TransitionErrors[l(s)], transition.ErrTransition, s)
		}
	})
}

func TestPrepareTransitionToInvalidConfiguration(t *testing.T) {
	f := newFixture(t, WithMetricsRegisterer(prometheus.NewRegistry()))
	res := f.mustResolve(t, f.request(t, []string{"//app:crasher", "//app:flagged"}))

	k0 := f.universeKey(t)
	require.Len(t, res.TopLevelTargets, 2)
	assert.Equal(t, nodes("//app:crasher", k0)[0], res.TopLevelTargets[0])
	assert.NotEqual(t, k0, res.TopLevelTargets[1].Configuration)

	var ice *config.InvalidConfigurationError
	assert.ErrorAs(t, res.TransitionErrors[l("//app:crasher")], &ice)
	assert.NotContains(t, res.TransitionErrors, l("//app:flagged"))

	// Only the transition that produced a configuration is counted.
	assert.Equal(t, 1.0, testutil.ToFloat64(f.r.metrics.transitions.WithLabelValues("user_defined")))
}

func TestPrepareFragmentLookupFailure(t *testing.T) {
	reg := testRegistry(t)
	r, err := NewResolver(reg, WithRuleTransitions(testTransitions(t)))
	require.NoError(t, err)
	loading := target.Functions()
	loading[target.PackageFunctionName] = target.StaticPackages(testPackages(t)...)
	loading[target.TransitiveFunctionName] = eval.FunctionFunc(func(context.Context, eval.Key, eval.Environment) eval.Result[eval.Value] {
		return eval.Fail[eval.Value](errors.New("fragment index unavailable"))
	})
	ev, err := NewEvaluator(r, loading, eval.WithParallelism(1))
	require.NoError(t, err)

	diff, err := ParseOptions(reg.Schema(), "--configs_mode=on")
	require.NoError(t, err)
	_, err = Resolve(context.Background(), ev, Request{Labels: []label.Label{l("//app:bin")}, Options: diff})
	require.ErrorContains(t, err, "fragment index unavailable")
	assert.ErrorContains(t, err, "//app:bin")
	assert.False(t, target.IsLoadingError(err), "error = %v", err)
}

func TestPrepareSuspension(t *testing.T) {
	requests := map[string]func(f *fixture) Request{
		"defaults": func(f *fixture) Request { return f.request(t, []string{"//app:bin", "//app:tool"}) },
		"trimmed": func(f *fixture) Request {
			return f.request(t, []string{"//app:nested", "//lib:broken_dep"}, "--configs_mode=on")
		},
		"split": func(f *fixture) Request {
			req := f.request(t, []string{"//app:fat", "//app:flagged"}, "--//flags:mode=b")
			req.MultiCPU = []string{"k8", "arm"}
			return req
		},
	}
	for name, mk := range requests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			req := mk(f)

			driven, env := f.drive(t, req)
			require.NoError(t, driven.Err())

			want := f.mustResolve(t, req)
			if diff := cmp.Diff(want.TopLevelTargets, driven.Value().TopLevelTargets); diff != "" {
				t.Errorf("driven resolution differs (-evaluator +driven):\n%s", diff)
			}
			assert.Equal(t, want.HostConfiguration, driven.Value().HostConfiguration)
			assert.Equal(t, want.TargetConfigurations, driven.Value().TargetConfigurations)
			assert.Equal(t, len(env.Events()), f.events.Len(), "both runs should deliver the same events")
		})
	}
}

func TestPrepareFirstAttemptSuspends(t *testing.T) {
	f := newFixture(t)
	env := eval.NewMemoryEnvironment()
	res := f.r.Prepare(context.Background(), env, f.request(t, []string{"//app:bin", "//app:tool"}))

	require.True(t, res.IsSuspended())
	missing := env.Missing()
	// Host and target configurations and both targets in one batch.
	assert.Len(t, missing, 4)
	assert.Empty(t, env.Events())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.r.metrics.suspensions.WithLabelValues(StageValidatingOptions.String())))
}

func TestPrepareCanceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env := eval.NewMemoryEnvironment()
	res := f.r.Prepare(ctx, env, f.request(t, []string{"//app:bin"}))
	require.ErrorIs(t, res.Err(), context.Canceled)
	assert.Empty(t, env.Requests())

	_, err := Resolve(ctx, f.ev, f.request(t, []string{"//app:bin"}))
	assert.True(t, errors.Is(err, context.Canceled), "Resolve() error = %v", err)
}

func TestPrepareMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, WithMetricsRegisterer(reg))

	f.mustResolve(t, f.request(t, []string{"//app:fat", "//app:data.txt"}))
	_, err := f.resolve(t, f.request(t, []string{"//app:broken"}))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.r.metrics.prepares.WithLabelValues(outcomeReady)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.r.metrics.prepares.WithLabelValues(outcomeFailed)))
	assert.Greater(t, testutil.ToFloat64(f.r.metrics.prepares.WithLabelValues(outcomeSuspended)), 0.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.r.metrics.transitions.WithLabelValues("split")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.r.metrics.transitions.WithLabelValues("null")))

	// A second resolver on the same registry shares the collectors.
	r2, err := NewResolver(f.reg, WithMetricsRegisterer(reg))
	require.NoError(t, err)
	assert.Same(t, f.r.metrics.prepares, r2.metrics.prepares)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.True(t, slices.Contains(names, "bzlconfig_prepare_total"), "gathered %s", strings.Join(names, ","))
}
