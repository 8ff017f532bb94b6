package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/albertocavalcante/go-bzlconfig/eval"
	"github.com/albertocavalcante/go-bzlconfig/events"
	"github.com/albertocavalcante/go-bzlconfig/options"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidConfiguration is matched by every InvalidConfigurationError.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// InvalidConfigurationError reports a key that cannot be materialized.
type InvalidConfigurationError struct {
	Key Key
	Err error
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %v", e.Key.Short(), e.Err)
}

func (e *InvalidConfigurationError) Unwrap() error {
	return e.Err
}

func (e *InvalidConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// Configuration is a materialized build configuration.
type Configuration struct {
	key       Key
	options   *options.BuildOptions
	fragments FragmentSet
	registry  *Registry
}

// Key returns the key this configuration was built from.
func (c *Configuration) Key() Key {
	return c.key
}

// Options returns the configuration's build options.
func (c *Configuration) Options() *options.BuildOptions {
	return c.options
}

// Fragments returns the fragments the configuration carries.
func (c *Configuration) Fragments() FragmentSet {
	return c.fragments
}

// IsHost reports whether this is a host configuration.
func (c *Configuration) IsHost() bool {
	return c.options.Bool(options.IsHost)
}

// Mnemonic names the configuration the way output directories are named:
// "<cpu>-<compilation_mode>", suffixed with "-ST-<hash>" when user-defined
// build settings are present.
func (c *Configuration) Mnemonic() string {
	m := c.options.String(options.CPU) + "-" + c.options.String(options.CompilationMode)
	if !c.options.HasSettings() {
		return m
	}
	h := sha256.New()
	for _, l := range c.options.Settings() {
		v, _ := c.options.Setting(l)
		fmt.Fprintf(h, "%s=%s;", l, options.FormatValue(v))
	}
	return m + "-ST-" + hex.EncodeToString(h.Sum(nil))[:12]
}

func (c *Configuration) String() string {
	return c.Mnemonic() + " (" + c.key.Short() + ")"
}

// ReportInvalidOptions emits an Error event for every problem found in the
// options this configuration carries. It returns the number of problems.
func (c *Configuration) ReportInvalidOptions(h events.Handler) int {
	n := 0
	schema := c.registry.Schema()
	groups := c.registry.RequiredGroups(c.fragments)
	for _, name := range schema.Names() {
		def, _ := schema.Lookup(name)
		if !slices.Contains(groups, def.Group) {
			continue
		}
		v, _ := c.options.Get(name)
		if err := def.CheckValue(v); err != nil {
			h.Handle(events.Errorf("%v", err))
			n++
		}
	}
	for _, k := range c.fragments {
		def, _ := c.registry.Lookup(k)
		if def.Validate == nil {
			continue
		}
		for _, msg := range def.Validate(c.options) {
			h.Handle(events.Errorf("%s", msg))
			n++
		}
	}
	return n
}

// Function materializes configurations from keys. Materialized
// configurations are interned in an LRU cache, so equal keys yield the same
// *Configuration while cached.
type Function struct {
	registry *Registry
	cache    *lru.Cache[Key, *Configuration]
}

var _ eval.Function = (*Function)(nil)

// DefaultCacheSize is the number of configurations a Function keeps interned.
const DefaultCacheSize = 256

// NewFunction creates a configuration function over registry.
func NewFunction(registry *Registry, cacheSize int) (*Function, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[Key, *Configuration](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Function{registry: registry, cache: cache}, nil
}

// Compute implements eval.Function.
func (f *Function) Compute(_ context.Context, key eval.Key, _ eval.Environment) eval.Result[eval.Value] {
	k, ok := key.(Key)
	if !ok {
		return eval.Fail[eval.Value](fmt.Errorf("config: unexpected key type %T", key))
	}
	c, err := f.Materialize(k)
	if err != nil {
		return eval.Fail[eval.Value](err)
	}
	return eval.Ready[eval.Value](c)
}

// Materialize builds the configuration for k.
func (f *Function) Materialize(k Key) (*Configuration, error) {
	if c, ok := f.cache.Get(k); ok {
		return c, nil
	}

	fail := func(err error) (*Configuration, error) {
		return nil, &InvalidConfigurationError{Key: k, Err: err}
	}

	fragments := k.Fragments()
	if !fragments.IsSubsetOf(f.registry.universe) {
		return fail(fmt.Errorf("unknown fragments in [%s]", fragments))
	}
	diff, err := k.Diff()
	if err != nil {
		return fail(err)
	}
	opts, err := f.registry.Defaults().ApplyDiff(diff)
	if err != nil {
		return fail(err)
	}
	for _, kind := range fragments {
		def, _ := f.registry.Lookup(kind)
		if def.Check == nil {
			continue
		}
		if err := def.Check(opts); err != nil {
			return fail(fmt.Errorf("fragment %s: %w", kind, err))
		}
	}

	c := &Configuration{key: k, options: opts, fragments: fragments, registry: f.registry}
	f.cache.Add(k, c)
	return c, nil
}

// Get requests the configuration for key from env.
func Get(env eval.Environment, key Key) eval.Result[*Configuration] {
	return eval.As[*Configuration](env.GetValue(key))
}
