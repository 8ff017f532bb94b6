package gobzlconfig

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/albertocavalcante/go-bzlconfig/config"
	"github.com/albertocavalcante/go-bzlconfig/transition"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Resolver.
type Option func(*resolverConfig) error

// resolverConfig holds all resolver configuration.
type resolverConfig struct {
	ruleTransitions  map[string]transition.Transition
	registerer       prometheus.Registerer
	deferTransitions bool
	configCacheSize  int

	// logger is the structured logger for debug output.
	// If nil, logging is disabled (silent mode).
	logger *slog.Logger
}

// WithRuleTransitions makes transitions available to targets by name. A
// target whose cfg attribute names one of them is configured through it.
// Names may not shadow the built-in transitions.
func WithRuleTransitions(ts map[string]transition.Transition) Option {
	return func(c *resolverConfig) error {
		for name, t := range ts {
			if _, builtin := transition.Builtin(name); builtin {
				return fmt.Errorf("transition %q shadows a built-in transition", name)
			}
			if t == nil {
				return fmt.Errorf("transition %q is nil", name)
			}
			if _, dup := c.ruleTransitions[name]; dup {
				return fmt.Errorf("transition %q registered twice", name)
			}
			c.ruleTransitions[name] = t
		}
		return nil
	}
}

// WithDeferredTransitionErrors makes a failing transition non-fatal: the
// affected target keeps its top-level configuration and the error is
// recorded in Result.TransitionErrors.
func WithDeferredTransitionErrors() Option {
	return func(c *resolverConfig) error {
		c.deferTransitions = true
		return nil
	}
}

// WithConfigCacheSize sets how many materialized configurations are interned.
func WithConfigCacheSize(n int) Option {
	return func(c *resolverConfig) error {
		c.configCacheSize = n
		return nil
	}
}

// WithMetricsRegisterer registers resolution metrics with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *resolverConfig) error {
		c.registerer = reg
		return nil
	}
}

// WithLogger sets a structured logger for resolution diagnostics.
// If not set, logging is disabled (silent mode).
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "bzlconfig")
//	r, err := gobzlconfig.NewResolver(registry, gobzlconfig.WithLogger(logger))
func WithLogger(l *slog.Logger) Option {
	return func(c *resolverConfig) error {
		c.logger = l
		return nil
	}
}

// validate checks the configuration for logical consistency.
func (c *resolverConfig) validate() error {
	if c.configCacheSize < 0 {
		return errors.New("config cache size must not be negative")
	}
	return nil
}

// log returns the configured logger, or a no-op logger if none was set.
func (c *resolverConfig) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.New(slog.DiscardHandler)
}

// newResolverConfig applies opts and validates the result.
func newResolverConfig(opts ...Option) (*resolverConfig, error) {
	c := &resolverConfig{
		ruleTransitions: make(map[string]transition.Transition),
		configCacheSize: config.DefaultCacheSize,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}
