// Package metrics exports status bar internals in the Prometheus text format.
// A Metrics value is a statusbar.Observer; install it with
// statusbar.WithObserver and serve Handler on the metrics address.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/command"
)

const namespace = "twig"

// Metrics holds the collectors and the registry they are registered on.
type Metrics struct {
	registry *prometheus.Registry

	applied     *prometheus.CounterVec
	suppressed  *prometheus.CounterVec
	superseded  *prometheus.CounterVec
	overflows   *prometheus.CounterVec
	subscribers prometheus.Gauge
	commands    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	restarts    *prometheus.CounterVec
	violations  *prometheus.CounterVec
	state       *prometheus.GaugeVec
}

// New creates a Metrics with its own registry. Go runtime and process
// collectors are included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_applied_total",
			Help:      "Adapter messages that changed the state tree.",
		}, []string{"adapter"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_suppressed_total",
			Help:      "Adapter messages that matched the current value.",
		}, []string{"adapter"}),
		superseded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_superseded_total",
			Help:      "Adapter messages discarded because a newer write exists.",
		}, []string{"adapter"}),
		overflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_overflows_total",
			Help:      "Subscriber mailbox overflows that forced a resync.",
		}, []string{"subscriber"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Active subscribers.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Resolved commands by adapter and status.",
		}, []string{"adapter", "status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_transitions_total",
			Help:      "Adapter lifecycle transitions.",
		}, []string{"adapter", "from", "to"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_restarts_total",
			Help:      "Adapter sessions started after the first.",
		}, []string{"adapter"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_violations_total",
			Help:      "Protocol violations reported by adapters.",
		}, []string{"adapter"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "adapter_state",
			Help:      "1 for the adapter's current lifecycle state, 0 otherwise.",
		}, []string{"adapter", "state"}),
	}
	m.registry.MustRegister(
		m.applied, m.suppressed, m.superseded,
		m.overflows, m.subscribers,
		m.commands,
		m.transitions, m.restarts, m.violations, m.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Applied(adapter string)    { m.applied.WithLabelValues(adapter).Inc() }
func (m *Metrics) Suppressed(adapter string) { m.suppressed.WithLabelValues(adapter).Inc() }
func (m *Metrics) Superseded(adapter string) { m.superseded.WithLabelValues(adapter).Inc() }

func (m *Metrics) MailboxOverflow(subscriber string) {
	m.overflows.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) Subscribers(n int) { m.subscribers.Set(float64(n)) }

// Outcome counts a resolved command. Commands rejected before routing have
// no adapter and are counted under "none".
func (m *Metrics) Outcome(adapter string, o command.Outcome) {
	if adapter == "" {
		adapter = "none"
	}
	m.commands.WithLabelValues(adapter, o.Status.String()).Inc()
}

// Transition counts the transition and moves the adapter's state gauge.
func (m *Metrics) Transition(adapter string, from, to adapters.State) {
	m.transitions.WithLabelValues(adapter, from.String(), to.String()).Inc()
	for _, s := range []adapters.State{adapters.Connecting, adapters.Live, adapters.Degraded, adapters.Failed} {
		v := 0.0
		if s == to {
			v = 1
		}
		m.state.WithLabelValues(adapter, s.String()).Set(v)
	}
}

func (m *Metrics) Restart(adapter string)   { m.restarts.WithLabelValues(adapter).Inc() }
func (m *Metrics) Violation(adapter string) { m.violations.WithLabelValues(adapter).Inc() }
