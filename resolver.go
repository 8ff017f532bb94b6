package gobzlconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/albertocavalcante/go-bzlconfig/config"
	"github.com/albertocavalcante/go-bzlconfig/eval"
	"github.com/albertocavalcante/go-bzlconfig/target"
	"github.com/albertocavalcante/go-bzlconfig/transition"
)

// Resolver derives the configurations top-level targets are analyzed in.
//
// Resolution runs inside an evaluation substrate: every value it needs
// (configurations, targets, fragment requirements, build settings) is
// requested from an eval.Environment in batches, and resolution suspends as a
// whole whenever one of them is not available yet. The caller retries the
// whole request once the missing values are computed; eval.Evaluator does
// this automatically.
//
// Resolution proceeds in stages:
//  1. Validating options: the host and target configurations are built from
//     the request and the target configurations are validated.
//  2. Expanding targets: requested labels are loaded and test suites are
//     replaced by their tests.
//  3. Building nodes: every target is paired with every target configuration.
//  4. Resolving transitions: each node's transition is applied and the
//     resulting configurations are trimmed to the fragments the target needs.
//
// A Resolver is safe for concurrent use.
type Resolver struct {
	registry *config.Registry
	cfg      *resolverConfig
	log      *slog.Logger
	metrics  *metrics
	configs  *config.Function
}

var _ eval.Function = (*Resolver)(nil)

// NewResolver creates a resolver over the fragments and options of registry.
func NewResolver(registry *config.Registry, opts ...Option) (*Resolver, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	cfg, err := newResolverConfig(opts...)
	if err != nil {
		return nil, err
	}
	configs, err := config.NewFunction(registry, cfg.configCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create configuration function: %w", err)
	}
	return &Resolver{
		registry: registry,
		cfg:      cfg,
		log:      cfg.log(),
		metrics:  newMetrics(cfg.registerer),
		configs:  configs,
	}, nil
}

// Registry returns the fragment registry the resolver was created with.
func (r *Resolver) Registry() *config.Registry {
	return r.registry
}

// Functions returns the substrate functions the resolver provides: the
// resolution function itself and the configuration function. Loading
// functions (packages, targets, build settings) come from elsewhere, see
// workspace.Workspace.Functions.
func (r *Resolver) Functions() map[eval.FunctionName]eval.Function {
	return map[eval.FunctionName]eval.Function{
		PrepareFunctionName: r,
		config.FunctionName: r.configs,
	}
}

// Compute implements eval.Function for PrepareKey.
func (r *Resolver) Compute(ctx context.Context, key eval.Key, env eval.Environment) eval.Result[eval.Value] {
	k, ok := key.(PrepareKey)
	if !ok {
		return eval.Fail[eval.Value](fmt.Errorf("unexpected key type %T", key))
	}
	req, err := k.Request()
	if err != nil {
		return eval.Fail[eval.Value](fmt.Errorf("decode request: %w", err))
	}
	res := r.Prepare(ctx, env, req)
	switch {
	case res.IsSuspended():
		return eval.Suspend[eval.Value]()
	case res.Err() != nil:
		return eval.Fail[eval.Value](res.Err())
	}
	return eval.Ready[eval.Value](res.Value())
}

// transitionFor returns the transition a target is configured through at
// the top level.
func (r *Resolver) transitionFor(t *target.Target) (transition.Transition, error) {
	if !t.IsConfigurable() {
		return transition.Null{}, nil
	}
	if tr, ok := r.cfg.ruleTransitions[t.Transition]; ok {
		return tr, nil
	}
	if tr, ok := transition.Builtin(t.Transition); ok {
		return tr, nil
	}
	return nil, &transition.Error{Name: t.Transition, Err: errors.New("no such transition")}
}
