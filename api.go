// Package gobzlconfig resolves the configurations Bazel-style top-level
// targets are analyzed in.
//
// Given the requested labels and the command-line options, resolution
// derives the host configuration, one target configuration per requested
// CPU, and for every requested target the configurations it is analyzed in
// after its transition is applied and its options are trimmed to the
// configuration fragments it needs.
//
// # Overview
//
// The module is organized around an evaluation substrate (package eval):
//
//   - label, options, config: labels, typed build options and configurations
//   - transition: built-in and user-defined transitions, with an HCL front end
//   - target, workspace: loaded targets, from BUILD files on an fs.FS
//   - graph: dependency graph queries over loaded targets
//   - Resolver: the resolution function itself
//
// # Quick Start
//
//	ws := workspace.New(os.DirFS("."), workspace.WithRuleFragments(ruleFragments))
//	r, err := gobzlconfig.NewResolver(registry)
//	ev, err := gobzlconfig.NewEvaluator(r, ws.Functions())
//
//	diff, err := gobzlconfig.ParseOptions(registry.Schema(), "--cpu=arm64", "--compilation_mode=opt")
//	result, err := gobzlconfig.Resolve(ctx, ev, gobzlconfig.Request{
//	    Labels:  []label.Label{label.MustParse("//app:bin")},
//	    Options: diff,
//	})
//
// # Suspension
//
// Resolver.Prepare can also be driven directly against any eval.Environment.
// It returns eval.Suspend when a value it needs is not computed yet; the
// caller computes the missing values and calls Prepare again.
//
// # Thread Safety
//
// All public types in this package are safe for concurrent use.
package gobzlconfig

import (
	"context"
	"fmt"

	"github.com/albertocavalcante/go-bzlconfig/eval"
)

// NewEvaluator creates an evaluator serving the functions of r together with
// the loading functions, typically workspace.Workspace.Functions.
func NewEvaluator(r *Resolver, loading map[eval.FunctionName]eval.Function, opts ...eval.Option) (*eval.Evaluator, error) {
	opts = append([]eval.Option{eval.WithFunctions(r.Functions()), eval.WithFunctions(loading)}, opts...)
	return eval.NewEvaluator(opts...)
}

// Resolve computes req through ev, which must serve the resolver and
// loading functions. Errors are returned as the resolver produced them, so
// errors.As works for *InvalidOptionsError and the other typed errors.
func Resolve(ctx context.Context, ev *eval.Evaluator, req Request) (*Result, error) {
	key, err := req.Key()
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if _, err := ev.Evaluate(ctx, key); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if res := ev.Lookup(key); res.Err() != nil {
			return nil, res.Err()
		}
		return nil, err
	}
	res := eval.As[*Result](ev.Lookup(key))
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res.Value(), nil
}
