package workspace

import (
	"fmt"
	"slices"
	"strings"

	"github.com/albertocavalcante/go-bzlconfig/config"
	"github.com/albertocavalcante/go-bzlconfig/internal/buildutil"
	"github.com/albertocavalcante/go-bzlconfig/label"
	"github.com/albertocavalcante/go-bzlconfig/target"
	"github.com/bazelbuild/buildtools/build"
	"github.com/zclconf/go-cty/cty"
)

// settingTypes maps the prefix of a build setting rule kind to the type of
// its value.
var settingTypes = map[string]cty.Type{
	"string":      cty.String,
	"bool":        cty.Bool,
	"int":         cty.Number,
	"string_list": cty.List(cty.String),
}

// settingKind reports whether kind declares a build setting, its value type,
// and whether it is settable on the command line.
func settingKind(kind string) (t cty.Type, flag, ok bool) {
	if prefix, found := strings.CutSuffix(kind, "_flag"); found {
		t, ok = settingTypes[prefix]
		return t, true, ok
	}
	if prefix, found := strings.CutSuffix(kind, "_setting"); found {
		t, ok = settingTypes[prefix]
		return t, false, ok
	}
	return cty.NilType, false, false
}

// parser accumulates the targets of one BUILD file.
type parser struct {
	ws   *Workspace
	file string
	pkg  *target.Package

	// implicit holds same-package file names referenced from srcs or data.
	implicit      map[string]bool
	implicitOrder []string
}

func (p *parser) errorf(call *build.CallExpr, format string, args ...any) error {
	start, _ := call.Span()
	return fmt.Errorf("%s:%d: %s", p.file, start.Line, fmt.Sprintf(format, args...))
}

func (p *parser) call(call *build.CallExpr) error {
	kind := buildutil.FuncName(call)
	switch kind {
	case "":
		return nil
	case "exports_files":
		for _, name := range buildutil.PositionalStringList(call, 0) {
			if err := p.addInputFile(call, name); err != nil {
				return err
			}
		}
		return nil
	}

	name := buildutil.String(call, "name")
	if name == "" {
		// package(), licenses() and other calls without a name declare no target.
		if buildutil.HasAttr(call, "name") {
			return p.errorf(call, "%s: name must be a non-empty string", kind)
		}
		return nil
	}
	l, err := p.pkg.ID.Label(name)
	if err != nil {
		return p.errorf(call, "%v", err)
	}

	t := &target.Target{Label: l, Kind: kind}
	if typ, flag, ok := settingKind(kind); ok {
		t.Setting, err = p.setting(call, l, typ, flag)
	} else {
		err = p.rule(call, t)
	}
	if err != nil {
		return err
	}
	if err := p.pkg.Add(t); err != nil {
		return p.errorf(call, "%v", err)
	}
	return nil
}

func (p *parser) rule(call *build.CallExpr, t *target.Target) error {
	switch t.Kind {
	case target.KindPackageGroup:
		return nil
	case target.KindTestSuite:
		tests, err := p.labels(call, "tests")
		t.Tests = tests
		return err
	}

	var deps []label.Label
	for _, attr := range []string{"srcs", "data", "deps"} {
		ls, err := p.labels(call, attr)
		if err != nil {
			return err
		}
		for _, l := range ls {
			if attr != "deps" && l.Package() == p.pkg.ID {
				p.noteImplicit(l.Name())
			}
			if !slices.Contains(deps, l) {
				deps = append(deps, l)
			}
		}
	}
	t.Deps = deps

	var kinds []config.FragmentKind
	for _, f := range buildutil.StringList(call, "fragments") {
		kinds = append(kinds, config.FragmentKind(f))
	}
	t.Fragments = config.NewFragmentSet(kinds...).Union(p.ws.ruleFragments[t.Kind])
	t.Transition = buildutil.String(call, "cfg")
	return nil
}

func (p *parser) setting(call *build.CallExpr, l label.Label, typ cty.Type, flag bool) (*target.BuildSetting, error) {
	expr, ok := buildutil.Attr(call, "build_setting_default")
	if !ok {
		return nil, p.errorf(call, "%s: missing build_setting_default", l)
	}
	v, err := buildutil.Value(expr, typ)
	if err != nil {
		return nil, p.errorf(call, "%s: build_setting_default: %v", l, err)
	}
	return &target.BuildSetting{Label: l, Type: typ, Default: v, Flag: flag}, nil
}

func (p *parser) labels(call *build.CallExpr, attr string) ([]label.Label, error) {
	raw := buildutil.StringList(call, attr)
	out := make([]label.Label, 0, len(raw))
	for _, s := range raw {
		l, err := label.ParseRelative(s, p.pkg.ID)
		if err != nil {
			return nil, p.errorf(call, "attribute %s: %v", attr, err)
		}
		out = append(out, l)
	}
	return out, nil
}

func (p *parser) addInputFile(call *build.CallExpr, name string) error {
	l, err := p.pkg.ID.Label(name)
	if err != nil {
		return p.errorf(call, "%v", err)
	}
	if _, err := p.pkg.Target(name); err == nil {
		return nil
	}
	return p.pkg.Add(&target.Target{Label: l, Kind: target.KindInputFile})
}

func (p *parser) noteImplicit(name string) {
	if !p.implicit[name] {
		p.implicit[name] = true
		p.implicitOrder = append(p.implicitOrder, name)
	}
}

// addImplicitInputs declares an input file for every referenced file that
// no rule of the package declares.
func (p *parser) addImplicitInputs() error {
	for _, name := range p.implicitOrder {
		if _, err := p.pkg.Target(name); err == nil {
			continue
		}
		l, err := p.pkg.ID.Label(name)
		if err != nil {
			return err
		}
		if err := p.pkg.Add(&target.Target{Label: l, Kind: target.KindInputFile}); err != nil {
			return err
		}
	}
	return nil
}
