package reconcile

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts reconciliation activity on a caller-supplied registry.
type Metrics struct {
	Polls        prometheus.Counter
	PollFailures prometheus.Counter
	Events       *prometheus.CounterVec
	Conflicts    prometheus.Counter
}

// NewMetrics registers the reconciliation collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "passd",
			Subsystem: "reconcile",
			Name:      "polls_total",
			Help:      "Successful store polls.",
		}),
		PollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "passd",
			Subsystem: "reconcile",
			Name:      "poll_failures_total",
			Help:      "Failed store polls.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "passd",
			Subsystem: "reconcile",
			Name:      "events_total",
			Help:      "Transition events emitted, by kind.",
		}, []string{"kind"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "passd",
			Subsystem: "reconcile",
			Name:      "write_conflicts_total",
			Help:      "Conditional writes that lost their race.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Polls, m.PollFailures, m.Events, m.Conflicts)
	}
	return m
}

func (m *Metrics) poll(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Polls.Inc()
	} else {
		m.PollFailures.Inc()
	}
}

func (m *Metrics) event(kind string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind).Inc()
}

// Conflict records one lost conditional write.
func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}
