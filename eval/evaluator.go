package eval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/albertocavalcante/go-bzlconfig/events"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Evaluator is an in-memory, memoizing substrate. It computes keys by calling
// their functions, restarting a function from scratch each time it suspends,
// after computing the values it reported missing.
//
// Completed values (and failures) are memoized until invalidated. Concurrent
// requests for the same key share one computation. Missing dependencies of a
// single computation are evaluated in parallel, bounded by WithParallelism.
//
// Cycles are detected along the chain of keys that led to a computation.
// A cycle whose edges are discovered concurrently by sibling dependencies of
// the same key is not detected and blocks; use WithParallelism(1) when the
// functions may form such cycles.
type Evaluator struct {
	cfg     *evaluatorConfig
	log     *slog.Logger
	metrics *metrics

	mu     sync.RWMutex
	done   map[string]*entry
	rdeps  map[string]map[string]struct{}
	flight singleflight.Group
}

type entry struct {
	key   Key
	value Value
	err   error
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts ...Option) (*Evaluator, error) {
	cfg, err := newEvaluatorConfig(opts...)
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cfg:     cfg,
		log:     cfg.logger,
		metrics: newMetrics(cfg.registerer),
		done:    make(map[string]*entry),
		rdeps:   make(map[string]map[string]struct{}),
	}, nil
}

// Evaluate computes every key and returns their values. Failures of
// individual keys are aggregated into the returned error; values of keys that
// succeeded are still returned. Cancellation of ctx aborts evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, keys ...Key) (map[Key]Value, error) {
	type outcome struct {
		value Value
		err   error
	}
	outcomes := make([]outcome, len(keys))

	var g errgroup.Group
	g.SetLimit(e.cfg.parallelism)
	for i, k := range keys {
		g.Go(func() error {
			v, err := e.evaluate(ctx, k, nil)
			outcomes[i] = outcome{v, err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	values := make(map[Key]Value, len(keys))
	var errs *multierror.Error
	for i, k := range keys {
		if outcomes[i].err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", k, outcomes[i].err))
			continue
		}
		values[k] = outcomes[i].value
	}
	return values, errs.ErrorOrNil()
}

// Lookup returns the memoized result for key, or Suspend if it has not been computed.
func (e *Evaluator) Lookup(key Key) Result[Value] {
	en, ok := e.lookup(keyID(key))
	if !ok {
		return Suspend[Value]()
	}
	if en.err != nil {
		return Fail[Value](en.err)
	}
	return Ready(en.value)
}

// Inject sets the value of key directly, invalidating everything that depended
// on its previous value.
func (e *Evaluator) Inject(key Key, v Value) {
	e.Invalidate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done[keyID(key)] = &entry{key: key, value: v}
}

// Invalidate drops the memoized results of keys and of everything that
// transitively depended on them. It returns the number of dropped results.
func (e *Evaluator) Invalidate(keys ...Key) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	queue := make([]string, 0, len(keys))
	for _, k := range keys {
		queue = append(queue, keyID(k))
	}
	seen := make(map[string]bool)
	n := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := e.done[id]; ok {
			delete(e.done, id)
			n++
		}
		for parent := range e.rdeps[id] {
			queue = append(queue, parent)
		}
		delete(e.rdeps, id)
	}
	return n
}

// Len returns the number of memoized results.
func (e *Evaluator) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.done)
}

func (e *Evaluator) lookup(id string) (*entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.done[id]
	return en, ok
}

func (e *Evaluator) complete(id string, en *entry, deps map[string]struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done[id] = en
	for dep := range deps {
		if e.rdeps[dep] == nil {
			e.rdeps[dep] = make(map[string]struct{})
		}
		e.rdeps[dep][id] = struct{}{}
	}
}

func (e *Evaluator) evaluate(ctx context.Context, key Key, path []string) (Value, error) {
	id := keyID(key)
	if i := slices.Index(path, id); i >= 0 {
		return nil, &CycleError{Path: append(slices.Clone(path[i:]), id)}
	}
	if en, ok := e.lookup(id); ok {
		return en.value, en.err
	}

	fn, ok := e.cfg.functions[key.Function()]
	if !ok {
		err := fmt.Errorf("%s: %w", key.Function(), ErrNoFunction)
		e.complete(id, &entry{key: key, err: err}, nil)
		return nil, err
	}

	path = append(slices.Clip(path), id)
	v, err, _ := e.flight.Do(id, func() (any, error) {
		if en, ok := e.lookup(id); ok {
			return en.value, en.err
		}
		return e.compute(ctx, key, fn, path)
	})
	return v, err
}

func (e *Evaluator) compute(ctx context.Context, key Key, fn Function, path []string) (Value, error) {
	id := keyID(key)
	name := string(key.Function())
	deps := make(map[string]struct{})
	local := make(map[string]error)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		env := &attemptEnv{ev: e, deps: deps, local: local, missingIDs: make(map[string]struct{})}
		e.metrics.computations.WithLabelValues(name).Inc()
		res := fn.Compute(ctx, key, env)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !res.IsSuspended() {
			env.store.ReplayTo(e.cfg.handler)
			e.complete(id, &entry{key: key, value: res.Value(), err: res.Err()}, deps)
			return res.Value(), res.Err()
		}

		if len(env.missing) == 0 {
			err := fmt.Errorf("%s: %w", key, ErrNoProgress)
			e.complete(id, &entry{key: key, err: err}, deps)
			return nil, err
		}

		e.metrics.restarts.WithLabelValues(name).Inc()
		e.log.Debug("restarting computation",
			"key", key.String(),
			"attempt", attempt,
			"missing", len(env.missing))

		var (
			g  errgroup.Group
			mu sync.Mutex
		)
		g.SetLimit(e.cfg.parallelism)
		for _, m := range env.missing {
			g.Go(func() error {
				_, err := e.evaluate(ctx, m, path)
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				// Failures that were not memoized (cycles through this
				// computation) are remembered for the next attempt.
				if mid := keyID(m); err != nil {
					if _, ok := e.lookup(mid); !ok {
						mu.Lock()
						local[mid] = err
						mu.Unlock()
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
}

// attemptEnv is the Environment for one attempt of one computation.
type attemptEnv struct {
	ev    *Evaluator
	deps  map[string]struct{}
	local map[string]error

	mu         sync.Mutex
	missing    []Key
	missingIDs map[string]struct{}
	store      events.Store
}

var _ Environment = (*attemptEnv)(nil)

func (a *attemptEnv) GetValue(key Key) Result[Value] {
	id := keyID(key)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.deps[id] = struct{}{}

	if err, ok := a.local[id]; ok {
		return Fail[Value](err)
	}
	if en, ok := a.ev.lookup(id); ok {
		if en.err != nil {
			return Fail[Value](en.err)
		}
		return Ready(en.value)
	}
	if _, ok := a.ev.cfg.functions[key.Function()]; !ok {
		return Fail[Value](fmt.Errorf("%s: %w", key.Function(), ErrNoFunction))
	}
	if _, dup := a.missingIDs[id]; !dup {
		a.missingIDs[id] = struct{}{}
		a.missing = append(a.missing, key)
	}
	return Suspend[Value]()
}

func (a *attemptEnv) GetValues(keys []Key) map[Key]Result[Value] {
	out := make(map[Key]Result[Value], len(keys))
	for _, k := range keys {
		out[k] = a.GetValue(k)
	}
	return out
}

func (a *attemptEnv) ValuesMissing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.missing) > 0
}

func (a *attemptEnv) Listener() events.Handler {
	return &a.store
}

