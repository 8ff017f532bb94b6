package eval

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/albertocavalcante/go-bzlconfig/events"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures an Evaluator.
type Option func(*evaluatorConfig) error

type evaluatorConfig struct {
	functions   map[FunctionName]Function
	handler     events.Handler
	logger      *slog.Logger
	parallelism int
	registerer  prometheus.Registerer
}

// WithFunctions registers functions by name. Registering a name twice is an error.
func WithFunctions(fns map[FunctionName]Function) Option {
	return func(c *evaluatorConfig) error {
		for name, fn := range fns {
			if _, dup := c.functions[name]; dup {
				return fmt.Errorf("function %s registered twice", name)
			}
			if fn == nil {
				return fmt.Errorf("function %s is nil", name)
			}
			c.functions[name] = fn
		}
		return nil
	}
}

// WithEventHandler sets where completed computations replay their events.
func WithEventHandler(h events.Handler) Option {
	return func(c *evaluatorConfig) error {
		c.handler = h
		return nil
	}
}

// WithLogger sets a structured logger for evaluator diagnostics.
// If not set, logging is disabled.
func WithLogger(l *slog.Logger) Option {
	return func(c *evaluatorConfig) error {
		c.logger = l
		return nil
	}
}

// WithParallelism bounds how many missing dependencies of one computation are
// evaluated concurrently. Defaults to GOMAXPROCS.
func WithParallelism(n int) Option {
	return func(c *evaluatorConfig) error {
		c.parallelism = n
		return nil
	}
}

// WithMetricsRegisterer registers evaluator metrics with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *evaluatorConfig) error {
		c.registerer = reg
		return nil
	}
}

func (c *evaluatorConfig) validate() error {
	if c.parallelism < 0 {
		return errors.New("parallelism must not be negative")
	}
	return nil
}

func newEvaluatorConfig(opts ...Option) (*evaluatorConfig, error) {
	c := &evaluatorConfig{functions: make(map[FunctionName]Function)}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.parallelism == 0 {
		c.parallelism = runtime.GOMAXPROCS(0)
	}
	if c.handler == nil {
		c.handler = events.Discard
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c, nil
}
