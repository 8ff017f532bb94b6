package gobzlconfig

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Prepare outcomes.
const (
	outcomeReady     = "ready"
	outcomeSuspended = "suspended"
	outcomeFailed    = "failed"
)

type metrics struct {
	prepares    *prometheus.CounterVec
	suspensions *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		prepares: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bzlconfig_prepare_total",
				Help: "Number of resolution attempts by outcome.",
			},
			[]string{"outcome"},
		),
		suspensions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bzlconfig_prepare_suspensions_total",
				Help: "Number of resolution attempts that suspended, by stage.",
			},
			[]string{"stage"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bzlconfig_transitions_applied_total",
				Help: "Number of top-level transitions applied by completed resolutions, by kind.",
			},
			[]string{"kind"},
		),
	}
	if reg != nil {
		m.prepares = registerCounterVec(reg, m.prepares)
		m.suspensions = registerCounterVec(reg, m.suspensions)
		m.transitions = registerCounterVec(reg, m.transitions)
	}
	return m
}

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
