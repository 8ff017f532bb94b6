package eval

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	computations *prometheus.CounterVec
	restarts     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		computations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bzlconfig_eval_computations_total",
				Help: "Number of function invocations by function, including restarts.",
			},
			[]string{"function"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bzlconfig_eval_restarts_total",
				Help: "Number of times a function suspended and was restarted.",
			},
			[]string{"function"},
		),
	}
	if reg != nil {
		m.computations = registerCounterVec(reg, m.computations)
		m.restarts = registerCounterVec(reg, m.restarts)
	}
	return m
}

// registerCounterVec registers c, reusing an identical collector that is
// already registered so several evaluators can share one registry.
func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}
