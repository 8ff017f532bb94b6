package gobzlconfig

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/albertocavalcante/go-bzlconfig/eval"
	"github.com/albertocavalcante/go-bzlconfig/target"
	"github.com/albertocavalcante/go-bzlconfig/transition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResolverErrors(t *testing.T) {
	reg := testRegistry(t)
	ident := transition.Identity{}

	tests := []struct {
		name string
		opts []Option
	}{
		{"shadows built-in", []Option{WithRuleTransitions(map[string]transition.Transition{"host": ident})}},
		{"shadows empty name", []Option{WithRuleTransitions(map[string]transition.Transition{"": ident})}},
		{"nil transition", []Option{WithRuleTransitions(map[string]transition.Transition{"x": nil})}},
		{"registered twice", []Option{
			WithRuleTransitions(map[string]transition.Transition{"x": ident}),
			WithRuleTransitions(map[string]transition.Transition{"x": ident}),
		}},
		{"negative cache size", []Option{WithConfigCacheSize(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(reg, tt.opts...)
			assert.Error(t, err)
		})
	}

	_, err := NewResolver(nil)
	assert.Error(t, err)
}

func TestNewResolverOptions(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	f := newFixture(t, WithLogger(logger), WithConfigCacheSize(8))
	assert.Same(t, f.reg, f.r.Registry())
	assert.Equal(t, 8, f.r.cfg.configCacheSize)

	f.mustResolve(t, f.request(t, []string{"//app:bin"}))
	out := buf.String()
	assert.Contains(t, out, "stage=RESOLVING_TRANSITIONS")
	assert.Contains(t, out, "resolution suspended")
}

func TestTransitionFor(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		target *target.Target
		want   string
	}{
		{&target.Target{Kind: target.KindInputFile, Transition: "host"}, "null"},
		{&target.Target{Kind: target.KindPackageGroup}, "null"},
		{&target.Target{Kind: "cc_binary"}, "identity"},
		{&target.Target{Kind: "cc_binary", Transition: "exec"}, "host"},
		{&target.Target{Kind: "cc_binary", Transition: "none"}, "null"},
		{&target.Target{Kind: "cc_binary", Transition: "fat"}, "split"},
		{&target.Target{Kind: "cc_binary", Transition: "set_mode"}, "user_defined"},
	}
	for _, tt := range tests {
		t.Run(tt.target.Kind+"/"+tt.target.Transition, func(t *testing.T) {
			tr, err := f.r.transitionFor(tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, transition.Kind(tr))
		})
	}

	_, err := f.r.transitionFor(&target.Target{Kind: "cc_binary", Transition: "nope"})
	assert.ErrorIs(t, err, transition.ErrTransition)
}

func TestResolverFunctions(t *testing.T) {
	f := newFixture(t)
	fns := f.r.Functions()
	assert.Len(t, fns, 2)
	assert.Same(t, f.r, fns[PrepareFunctionName])

	// Registering the resolver twice is rejected.
	_, err := NewEvaluator(f.r, f.r.Functions())
	assert.Error(t, err)
}

func TestResolverCompute(t *testing.T) {
	f := newFixture(t)
	env := eval.NewMemoryEnvironment()

	res := f.r.Compute(context.Background(), target.Key{Label: l("//app:bin")}, env)
	assert.Error(t, res.Err())

	key, err := f.request(t, []string{"//app:bin"}).Key()
	require.NoError(t, err)
	res = f.r.Compute(context.Background(), key, env)
	assert.True(t, res.IsSuspended())
}
