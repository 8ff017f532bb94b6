package gobzlconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/albertocavalcante/go-bzlconfig/config"
	"github.com/albertocavalcante/go-bzlconfig/eval"
	"github.com/albertocavalcante/go-bzlconfig/events"
	"github.com/albertocavalcante/go-bzlconfig/label"
	"github.com/albertocavalcante/go-bzlconfig/options"
	"github.com/albertocavalcante/go-bzlconfig/target"
	"github.com/albertocavalcante/go-bzlconfig/transition"
	"github.com/hashicorp/go-multierror"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Prepare resolves req against env. It returns Suspend when a value it
// needs is not available yet; a later call starts over and relies on env to
// have kept what was already computed.
//
// Diagnostics are delivered to env.Listener() once, when Prepare completes
// or fails; a suspended attempt delivers nothing.
func (r *Resolver) Prepare(ctx context.Context, env eval.Environment, req Request) eval.Result[*Result] {
	p := &preparation{
		r:       r,
		env:     env,
		req:     req,
		log:     r.log,
		applied: make(map[string]int),
		result: &Result{
			LoadingErrors:    make(map[label.Label]error),
			TransitionErrors: make(map[label.Label]error),
		},
	}
	res := p.run(ctx)
	switch {
	case res.IsSuspended():
		r.metrics.prepares.WithLabelValues(outcomeSuspended).Inc()
		r.metrics.suspensions.WithLabelValues(p.stage.String()).Inc()
		p.log.Debug("resolution suspended", "stage", p.stage.String())
	case res.Err() != nil:
		r.metrics.prepares.WithLabelValues(outcomeFailed).Inc()
		p.log.Debug("resolution failed", "stage", p.stage.String(), "error", res.Err())
	default:
		r.metrics.prepares.WithLabelValues(outcomeReady).Inc()
	}
	return res
}

// preparation is the state of one Prepare call.
type preparation struct {
	r     *Resolver
	env   eval.Environment
	req   Request
	log   *slog.Logger
	stage Stage

	// events are delivered when the preparation completes or fails.
	events events.Store

	// transitionErrs aggregates fatal transition failures.
	transitionErrs *multierror.Error

	// applied counts successful transitions by kind.
	applied map[string]int

	result *Result
}

func (p *preparation) enter(s Stage, attrs ...any) {
	p.stage = s
	p.log.Debug("resolution stage", append([]any{"stage", s.String()}, attrs...)...)
}

// halt turns a stage that did not complete into the outcome of the preparation.
func halt[T any](p *preparation, r eval.Result[T]) eval.Result[*Result] {
	if r.IsSuspended() {
		return eval.Suspend[*Result]()
	}
	err := r.Err()
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		p.events.ReplayTo(p.env.Listener())
	}
	return eval.Fail[*Result](err)
}

func (p *preparation) run(ctx context.Context) eval.Result[*Result] {
	p.enter(StageStart, "labels", len(p.req.Labels), "multi_cpu", len(p.req.MultiCPU))
	if err := ctx.Err(); err != nil {
		return eval.Fail[*Result](err)
	}

	p.enter(StageValidatingOptions)
	tl := p.topLevelConfigurations()
	if !tl.IsReady() {
		return halt(p, tl)
	}
	if err := ctx.Err(); err != nil {
		return eval.Fail[*Result](err)
	}

	p.enter(StageExpandingTargets, "configurations", len(tl.Value().targets))
	targets := p.expandTargets(tl.Value().loaded)
	if !targets.IsReady() {
		return halt(p, targets)
	}
	if err := ctx.Err(); err != nil {
		return eval.Fail[*Result](err)
	}

	p.enter(StageBuildingNodes, "targets", len(targets.Value()))
	nodes := buildNodes(targets.Value(), tl.Value().targets)

	p.enter(StageResolvingTransitions, "nodes", nodes.len())
	resolved := p.resolveTransitions(nodes)
	if !resolved.IsReady() {
		return halt(p, resolved)
	}
	if err := ctx.Err(); err != nil {
		return eval.Fail[*Result](err)
	}

	p.enter(StageDone, "nodes", resolved.Value().len())
	p.result.TopLevelTargets = resolved.Value().keys()
	for kind, n := range p.applied {
		p.r.metrics.transitions.WithLabelValues(kind).Add(float64(n))
	}
	p.events.ReplayTo(p.env.Listener())
	return eval.Ready(p.result)
}

// topLevel holds what validation produced for the later stages.
type topLevel struct {
	host    *config.Configuration
	targets []*config.Configuration

	// loaded holds the requested labels, fetched in the same batch as the
	// configurations.
	loaded map[label.Label]eval.Result[*target.Target]
}

// topLevelConfigurations builds and validates the host and target
// configurations. Top-level configurations carry every known fragment.
func (p *preparation) topLevelConfigurations() eval.Result[*topLevel] {
	reg := p.r.registry
	base, err := reg.Defaults().ApplyDiff(p.req.Options)
	if err != nil {
		return eval.Fail[*topLevel](&InvalidOptionsError{Err: err})
	}
	normalized := p.normalizeSettings(base)
	if normalized.IsSuspended() {
		return eval.Suspend[*topLevel]()
	}
	if err := normalized.Err(); err != nil {
		return eval.Fail[*topLevel](err)
	}
	base = normalized.Value()

	targetOpts, err := topLevelOptions(base, p.req.MultiCPU)
	if err != nil {
		return eval.Fail[*topLevel](&InvalidOptionsError{Err: err})
	}
	hostOpts := base
	if base.Bool(options.DistinctHostConfiguration) {
		if hostOpts, err = transition.HostOptions(base); err != nil {
			return eval.Fail[*topLevel](&HostConfigurationError{Err: err})
		}
	}

	universe := reg.AllFragments()
	hostKey, err := config.KeyFor(reg.Defaults(), hostOpts, universe)
	if err != nil {
		return eval.Fail[*topLevel](&HostConfigurationError{Err: err})
	}
	targetKeys := make([]config.Key, len(targetOpts))
	for i, o := range targetOpts {
		if targetKeys[i], err = config.KeyFor(reg.Defaults(), o, universe); err != nil {
			return eval.Fail[*topLevel](&InvalidOptionsError{Err: err})
		}
	}
	p.result.HostConfiguration = hostKey
	p.result.TargetConfigurations = targetKeys

	keys := []eval.Key{hostKey}
	for _, k := range targetKeys {
		keys = append(keys, k)
	}
	for _, l := range p.req.Labels {
		keys = append(keys, target.Key{Label: l})
	}
	vals := p.env.GetValues(keys)

	// The host configuration fails resolution on its own.
	host := eval.As[*config.Configuration](vals[hostKey])
	if err := host.Err(); err != nil {
		return eval.Fail[*topLevel](&HostConfigurationError{Err: err})
	}
	if p.env.ValuesMissing() {
		return eval.Suspend[*topLevel]()
	}

	tl := &topLevel{host: host.Value(), loaded: make(map[label.Label]eval.Result[*target.Target])}
	var (
		errs    *multierror.Error
		invalid []config.Key
	)
	for _, k := range targetKeys {
		c := eval.As[*config.Configuration](vals[k])
		if err := c.Err(); err != nil {
			errs = multierror.Append(errs, err)
			invalid = append(invalid, k)
			continue
		}
		var store events.Store
		sensing := events.NewErrorSensing(&store)
		c.Value().ReportInvalidOptions(sensing)
		if sensing.HasErrors() {
			var msgs []string
			for _, e := range store.Events() {
				if e.Kind == events.Error {
					msgs = append(msgs, e.Message)
				}
			}
			errs = multierror.Append(errs, fmt.Errorf("configuration %s: %s", c.Value(), strings.Join(msgs, "; ")))
			invalid = append(invalid, k)
		}
		store.ReplayTo(&p.events)
		tl.targets = append(tl.targets, c.Value())
	}
	if errs != nil {
		return eval.Fail[*topLevel](&InvalidOptionsError{Configurations: invalid, Err: errs})
	}

	for _, l := range p.req.Labels {
		tl.loaded[l] = eval.As[*target.Target](vals[target.Key{Label: l}])
	}
	return eval.Ready(tl)
}

// normalizeSettings converts user-defined settings given as strings to the
// type of their build setting and drops settings set to their default, so
// that equivalent requests share configurations.
func (p *preparation) normalizeSettings(base *options.BuildOptions) eval.Result[*options.BuildOptions] {
	settings := base.Settings()
	if len(settings) == 0 {
		return eval.Ready(base)
	}
	keys := make([]eval.Key, len(settings))
	for i, l := range settings {
		keys[i] = target.BuildSettingKey{Label: l}
	}
	vals := p.env.GetValues(keys)
	if p.env.ValuesMissing() {
		return eval.Suspend[*options.BuildOptions]()
	}

	var errs *multierror.Error
	opts := base
	for _, l := range settings {
		r := eval.As[*target.BuildSetting](vals[target.BuildSettingKey{Label: l}])
		if err := r.Err(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", l, err))
			continue
		}
		s := r.Value()
		if !s.Flag {
			errs = multierror.Append(errs, fmt.Errorf("%s: build setting cannot be set on the command line", l))
			continue
		}
		v, _ := base.Setting(l)
		cv, err := settingValue(v, s.Type)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", l, err))
			continue
		}
		if cv.RawEquals(s.Default) {
			opts = opts.WithoutSetting(l)
			continue
		}
		if opts, err = opts.WithSetting(l, cv); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		return eval.Fail[*options.BuildOptions](&InvalidOptionsError{Err: errs})
	}
	return eval.Ready(opts)
}

func settingValue(v cty.Value, t cty.Type) (cty.Value, error) {
	if v.Type().Equals(cty.String) {
		return options.ParseValue(t, v.AsString())
	}
	return convert.Convert(v, t)
}

// topLevelOptions returns one option set per requested CPU, or base alone.
func topLevelOptions(base *options.BuildOptions, multiCPU []string) ([]*options.BuildOptions, error) {
	if len(multiCPU) == 0 {
		return []*options.BuildOptions{base}, nil
	}
	cpus := sortedCPUs(multiCPU)
	out := make([]*options.BuildOptions, 0, len(cpus))
	for _, cpu := range cpus {
		o, err := base.WithString(options.CPU, cpu)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// expandTargets loads the requested labels and replaces test suites by their
// tests. Labels that fail to load are skipped with a warning.
func (p *preparation) expandTargets(loaded map[label.Label]eval.Result[*target.Target]) eval.Result[[]*target.Target] {
	for {
		x := &expansion{loaded: loaded, requested: make(map[label.Label]bool)}
		x.walk(p.req.Labels, nil)
		if len(x.missing) == 0 {
			for _, l := range x.failed {
				err := x.errs[l]
				p.result.LoadingErrors[l] = err
				e := events.Warningf("skipping target: %v", err)
				e.Label = l
				p.events.Handle(e)
			}
			return eval.Ready(x.targets)
		}

		vals := p.env.GetValues(x.missing)
		if p.env.ValuesMissing() {
			return eval.Suspend[[]*target.Target]()
		}
		for k, v := range vals {
			loaded[k.(target.Key).Label] = eval.As[*target.Target](v)
		}
	}
}

// expansion is one pass of test suite expansion over the loaded targets.
type expansion struct {
	loaded    map[label.Label]eval.Result[*target.Target]
	targets   []*target.Target
	failed    []label.Label
	errs      map[label.Label]error
	missing   []eval.Key
	requested map[label.Label]bool
}

func (x *expansion) walk(labels []label.Label, suites []label.Label) {
	for _, l := range labels {
		r, ok := x.loaded[l]
		if !ok {
			if !x.requested[l] {
				x.requested[l] = true
				x.missing = append(x.missing, target.Key{Label: l})
			}
			continue
		}
		if err := r.Err(); err != nil {
			if x.errs == nil {
				x.errs = make(map[label.Label]error)
			}
			if _, seen := x.errs[l]; !seen {
				x.errs[l] = err
				x.failed = append(x.failed, l)
			}
			continue
		}
		t := r.Value()
		if !t.IsTestSuite() {
			x.targets = append(x.targets, t)
			continue
		}
		if slices.Contains(suites, l) {
			continue
		}
		x.walk(t.Tests, append(slices.Clip(suites), l))
	}
}

// buildNodes pairs every target with every configuration.
func buildNodes(targets []*target.Target, configs []*config.Configuration) *nodeSet {
	nodes := newNodeSet()
	for _, t := range targets {
		for _, c := range configs {
			nodes.add(TargetAndConfiguration{Target: t, Configuration: c})
		}
	}
	return nodes
}

// edge is the top-level dependency of one node and what resolving it produced.
type edge struct {
	node TargetAndConfiguration
	dep  Dependency

	// skip excludes the edge from resolution; the node keeps its configuration.
	skip bool

	trimmed   bool
	fragments config.FragmentSet
	keys      []config.Key
	events    []events.Event
	resolved  []TargetAndConfiguration
}

func (e *edge) needsResolution() bool {
	if e.skip || e.dep.Configuration != nil {
		return false
	}
	_, null := e.dep.Transition.(transition.Null)
	return !null
}

// transitionFailed records a failing transition: fatal unless transition
// errors are deferred.
func (p *preparation) transitionFailed(l label.Label, err error) {
	if p.r.cfg.deferTransitions {
		p.result.TransitionErrors[l] = err
		return
	}
	p.transitionErrs = multierror.Append(p.transitionErrs, fmt.Errorf("%s: %w", l, err))
}

// resolveTransitions applies each node's transition and returns the resulting
// nodes in the order of the nodes they replace. Lookups are batched by source
// configuration. Nodes whose resolution could not be determined keep their
// configuration.
func (p *preparation) resolveTransitions(nodes *nodeSet) eval.Result[*nodeSet] {
	reg := p.r.registry

	var (
		order  []config.Key
		groups = make(map[config.Key][]*edge)
		all    []*edge
		byNode = make([]*edge, 0, nodes.len())
	)
	for _, n := range nodes.nodes {
		e := &edge{node: n, dep: Dependency{Label: n.Target.Label}}
		byNode = append(byNode, e)
		tr, err := p.r.transitionFor(n.Target)
		switch {
		case err != nil:
			p.transitionFailed(n.Target.Label, err)
			e.skip = true
		case !n.Target.IsConfigurable():
			k := n.Configuration.Key()
			e.dep.Transition, e.dep.Configuration = tr, &k
		default:
			e.dep.Transition = tr
		}

		src := n.Configuration.Key()
		if _, ok := groups[src]; !ok {
			order = append(order, src)
		}
		groups[src] = append(groups[src], e)
	}
	for _, src := range order {
		all = append(all, groups[src]...)
	}

	// Fragment requirements and build settings, in one batch.
	var (
		keys []eval.Key
		seen = make(map[eval.Key]bool)
	)
	request := func(k eval.Key) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, e := range all {
		if !e.needsResolution() {
			continue
		}
		from := e.node.Configuration.Options()
		e.trimmed = from.String(options.ConfigsMode) == options.ConfigsModeOn
		if e.trimmed {
			request(target.TransitiveKey{Label: e.dep.Label})
		}
		if ud, ok := e.dep.Transition.(*transition.UserDefined); ok {
			for _, l := range settingInputs(ud, from) {
				request(target.BuildSettingKey{Label: l})
			}
			for _, l := range settingOutputs(ud) {
				request(target.BuildSettingKey{Label: l})
			}
		}
	}
	vals := p.env.GetValues(keys)
	if p.env.ValuesMissing() {
		return eval.Suspend[*nodeSet]()
	}

	for _, e := range all {
		if !e.needsResolution() {
			continue
		}
		l := e.dep.Label
		from := e.node.Configuration.Options()
		if e.trimmed {
			tv := eval.As[*target.TransitiveValue](vals[target.TransitiveKey{Label: l}])
			if err := tv.Err(); err != nil {
				if !target.IsLoadingError(err) {
					return eval.Fail[*nodeSet](fmt.Errorf("%s: required fragments: %w", l, err))
				}
				// Reported again when the target is analyzed.
				p.result.LoadingErrors[l] = err
				e.skip = true
				continue
			}
			e.fragments = reg.Known(tv.Value().Fragments)
		} else {
			e.fragments = reg.AllFragments()
		}

		in, err := transitionInputs(e.dep.Transition, from, vals)
		if err != nil {
			p.transitionFailed(l, &transition.Error{Name: e.dep.Transition.Name(), Err: err})
			e.skip = true
			continue
		}
		outs, evs, err := transition.Apply(from, e.dep.Transition, in)
		if err != nil {
			p.transitionFailed(l, err)
			e.skip = true
			continue
		}
		for _, o := range outs {
			if e.trimmed {
				o = reg.TrimOptions(o, e.fragments)
			}
			k, err := config.KeyFor(reg.Defaults(), o, e.fragments)
			if err != nil {
				p.transitionFailed(l, &transition.Error{Name: e.dep.Transition.Name(), Err: err})
				e.skip = true
				break
			}
			e.keys = append(e.keys, k)
		}
		if !e.skip {
			e.events = evs
		}
	}
	if err := p.transitionErrs.ErrorOrNil(); err != nil {
		return eval.Fail[*nodeSet](err)
	}

	// Configurations, in one batch.
	keys = keys[:0]
	for _, e := range all {
		if e.skip {
			continue
		}
		for _, k := range e.keys {
			request(k)
		}
	}
	vals = p.env.GetValues(keys)
	if p.env.ValuesMissing() {
		return eval.Suspend[*nodeSet]()
	}

	out := newNodeSet()
	for _, e := range byNode {
		if e.needsResolution() {
			var errs *multierror.Error
			for _, k := range e.keys {
				c := eval.As[*config.Configuration](vals[k])
				if err := c.Err(); err != nil {
					errs = multierror.Append(errs, err)
					continue
				}
				e.resolved = append(e.resolved, TargetAndConfiguration{Target: e.node.Target, Configuration: c.Value()})
			}
			if len(e.resolved) > 0 {
				p.applied[transition.Kind(e.dep.Transition)]++
			}
			for _, ev := range e.events {
				if ev.Label.IsEmpty() {
					ev.Label = e.dep.Label
				}
				p.events.Handle(ev)
			}
			if len(e.resolved) == 0 && errs != nil {
				p.result.TransitionErrors[e.dep.Label] = errs.ErrorOrNil()
			}
		}

		if len(e.resolved) == 0 {
			out.add(e.node)
			continue
		}
		for _, n := range e.resolved {
			out.add(n)
		}
	}
	return eval.Ready(out)
}

// settingInputs returns the user-defined settings t reads that from does
// not set; their defaults are needed.
func settingInputs(t *transition.UserDefined, from *options.BuildOptions) []label.Label {
	var out []label.Label
	for _, l := range t.Inputs() {
		if _, native := options.NativeName(l); native {
			continue
		}
		if _, set := from.Setting(l); set {
			continue
		}
		out = append(out, l)
	}
	return out
}

// settingOutputs returns the user-defined settings t writes.
func settingOutputs(t *transition.UserDefined) []label.Label {
	var out []label.Label
	for _, l := range t.Outputs() {
		if _, native := options.NativeName(l); !native {
			out = append(out, l)
		}
	}
	return out
}

func transitionInputs(tr transition.Transition, from *options.BuildOptions, vals map[eval.Key]eval.Result[eval.Value]) (transition.Inputs, error) {
	t, ok := tr.(*transition.UserDefined)
	if !ok {
		return transition.Inputs{}, nil
	}
	in := transition.Inputs{
		Defaults:       make(map[label.Label]cty.Value),
		OutputSettings: make(map[label.Label]transition.SettingInfo),
	}
	for _, l := range settingInputs(t, from) {
		s := eval.As[*target.BuildSetting](vals[target.BuildSettingKey{Label: l}])
		if err := s.Err(); err != nil {
			return in, fmt.Errorf("input %s: %w", l, err)
		}
		in.Defaults[l] = s.Value().Default
	}
	for _, l := range settingOutputs(t) {
		s := eval.As[*target.BuildSetting](vals[target.BuildSettingKey{Label: l}])
		if err := s.Err(); err != nil {
			return in, fmt.Errorf("output %s: %w", l, err)
		}
		in.OutputSettings[l] = s.Value().Info()
	}
	return in, nil
}
