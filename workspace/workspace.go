// Package workspace loads packages from BUILD files and serves them to the
// evaluator as the package function.
//
// Only the subset of BUILD syntax that matters for configuration is read:
// rule names and kinds, dependency attributes, declared fragments, the cfg
// transition, test_suite members, package groups, exported files and the
// standard build setting rules. Macros and load statements are ignored.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"

	"github.com/albertocavalcante/go-bzlconfig/config"
	"github.com/albertocavalcante/go-bzlconfig/eval"
	"github.com/albertocavalcante/go-bzlconfig/graph"
	"github.com/albertocavalcante/go-bzlconfig/label"
	"github.com/albertocavalcante/go-bzlconfig/target"
	"github.com/bazelbuild/buildtools/build"
)

// BuildFileNames are the file names recognized as BUILD files, in order of
// preference.
var BuildFileNames = []string{"BUILD.bazel", "BUILD"}

// Workspace loads packages from a directory tree.
type Workspace struct {
	fsys          fs.FS
	ruleFragments map[string]config.FragmentSet
	logger        *slog.Logger
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithRuleFragments sets fragments implied by rule kinds, in addition to
// the fragments attribute of each rule.
func WithRuleFragments(m map[string]config.FragmentSet) Option {
	return func(w *Workspace) {
		for kind, set := range m {
			w.ruleFragments[kind] = set
		}
	}
}

// WithLogger sets a structured logger for loading diagnostics.
// If not set, logging is disabled.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workspace) {
		w.logger = l
	}
}

// New creates a Workspace over fsys. Package "a/b" of the main repository is
// read from "a/b/BUILD.bazel"; packages of repository "r" live under
// "external/r".
func New(fsys fs.FS, opts ...Option) *Workspace {
	w := &Workspace{
		fsys:          fsys,
		ruleFragments: make(map[string]config.FragmentSet),
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.New(slog.DiscardHandler)
	}
	return w
}

// Open creates a Workspace rooted at dir on the local disk.
func Open(dir string, opts ...Option) *Workspace {
	return New(os.DirFS(dir), opts...)
}

func packageDir(id label.PackageID) string {
	if id.Repo() != "" {
		return path.Join("external", id.Repo(), id.Path())
	}
	if id.Path() == "" {
		return "."
	}
	return id.Path()
}

// LoadPackage reads and parses the BUILD file of id. Every failure is a
// *target.NoSuchPackageError.
func (w *Workspace) LoadPackage(id label.PackageID) (*target.Package, error) {
	dir := packageDir(id)
	for _, name := range BuildFileNames {
		file := path.Join(dir, name)
		data, err := fs.ReadFile(w.fsys, file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &target.NoSuchPackageError{ID: id, Err: err}
		}
		pkg, err := w.parse(id, file, data)
		if err != nil {
			return nil, &target.NoSuchPackageError{ID: id, Err: err}
		}
		w.logger.Debug("loaded package", "package", id.String(), "file", file, "targets", len(pkg.Targets()))
		return pkg, nil
	}
	return nil, &target.NoSuchPackageError{
		ID:  id,
		Err: fmt.Errorf("BUILD file not found in directory '%s': %w", dir, fs.ErrNotExist),
	}
}

func (w *Workspace) parse(id label.PackageID, file string, data []byte) (*target.Package, error) {
	f, err := build.ParseBuild(file, data)
	if err != nil {
		return nil, err
	}
	p := &parser{
		ws:       w,
		file:     file,
		pkg:      target.NewPackage(id),
		implicit: make(map[string]bool),
	}
	for _, stmt := range f.Stmt {
		call, ok := stmt.(*build.CallExpr)
		if !ok {
			continue
		}
		if err := p.call(call); err != nil {
			return nil, err
		}
	}
	if err := p.addImplicitInputs(); err != nil {
		return nil, err
	}
	return p.pkg, nil
}

// PackageFunction returns the substrate function that loads packages.
func (w *Workspace) PackageFunction() eval.Function {
	return eval.FunctionFunc(func(_ context.Context, key eval.Key, _ eval.Environment) eval.Result[eval.Value] {
		pkg, err := w.LoadPackage(key.(target.PackageKey).ID)
		if err != nil {
			return eval.Fail[eval.Value](err)
		}
		return eval.Ready[eval.Value](pkg)
	})
}

// Functions returns every loading function: the package function of w plus
// the generic target functions.
func (w *Workspace) Functions() map[eval.FunctionName]eval.Function {
	fns := target.Functions()
	fns[target.PackageFunctionName] = w.PackageFunction()
	return fns
}

// Graph loads the transitive closure of roots through ev and returns its
// dependency graph. Labels that fail to load are recorded in Graph.Errors.
// ev must have been created with the functions of w.
func (w *Workspace) Graph(ctx context.Context, ev *eval.Evaluator, roots ...label.Label) (*graph.Graph, error) {
	var (
		targets []*target.Target
		errs    = make(map[label.Label]error)
		seen    = make(map[label.Label]bool)
		queue   []label.Label
	)
	for _, r := range roots {
		if !seen[r] {
			seen[r] = true
			queue = append(queue, r)
		}
	}

	for len(queue) > 0 {
		keys := make([]eval.Key, len(queue))
		for i, l := range queue {
			keys[i] = target.Key{Label: l}
		}
		values, err := ev.Evaluate(ctx, keys...)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			w.logger.Debug("some targets failed to load", "error", err)
		}

		var next []label.Label
		for _, k := range keys {
			l := k.(target.Key).Label
			v, ok := values[k]
			if !ok {
				errs[l] = ev.Lookup(k).Err()
				continue
			}
			t := v.(*target.Target)
			targets = append(targets, t)
			for _, dep := range append(append([]label.Label{}, t.Deps...), t.Tests...) {
				if !seen[dep] {
					seen[dep] = true
					next = append(next, dep)
				}
			}
		}
		queue = next
	}

	g := graph.Build(roots, targets)
	for l, err := range errs {
		g.Errors[l] = err
	}
	return g, nil
}
