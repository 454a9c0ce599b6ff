package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cory-johannsen/botswarm/internal/events"
	"github.com/cory-johannsen/botswarm/internal/session"
)

const namespace = "botswarm"

// Metrics is an events.Sink that exports session activity as Prometheus
// series.
type Metrics struct {
	transitions *prometheus.CounterVec
	sessions    *prometheus.GaugeVec
	operations  *prometheus.CounterVec
	errors      *prometheus.CounterVec
	registerer  prometheus.Registerer
}

// NewMetrics creates the collectors and registers them with reg.
//
// Precondition: reg must be non-nil.
// Postcondition: Returns a Metrics sink or an error if any collector is
// already registered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session lifecycle transitions by target state and failure reason.",
		}, []string{"state", "reason"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions currently in each non-terminal lifecycle state.",
		}, []string{"state"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Operations exchanged with the target by direction and kind.",
		}, []string{"direction", "kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Session errors by reason.",
		}, []string{"reason"}),
		registerer: reg,
	}
	for _, c := range []prometheus.Collector{m.transitions, m.sessions, m.operations, m.errors} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	for _, s := range session.States {
		if !s.Terminal() {
			m.sessions.WithLabelValues(s.String())
		}
	}
	return m, nil
}

// ObserveDropped exports the count reported by dropped, typically
// (*events.Dispatcher).Dropped.
func (m *Metrics) ObserveDropped(dropped func() uint64) error {
	c := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped because the dispatcher buffer was full.",
	}, func() float64 { return float64(dropped()) })
	if err := m.registerer.Register(c); err != nil {
		return fmt.Errorf("registering dropped events counter: %w", err)
	}
	return nil
}

// Record implements events.Sink.
func (m *Metrics) Record(e events.Event) {
	switch e.Type {
	case events.TypeStateChanged:
		m.transitions.WithLabelValues(e.To, e.Reason).Inc()
		if e.From != "" && !terminal(e.From) {
			m.sessions.WithLabelValues(e.From).Dec()
		}
		if !terminal(e.To) {
			m.sessions.WithLabelValues(e.To).Inc()
		}
	case events.TypeOperationSent:
		m.operations.WithLabelValues("sent", e.Kind.String()).Inc()
	case events.TypeOperationReceived:
		m.operations.WithLabelValues("received", e.Kind.String()).Inc()
	case events.TypeError:
		m.errors.WithLabelValues(e.Reason).Inc()
	}
}

func terminal(state string) bool {
	return state == session.StateClosed.String() || state == session.StateFailed.String()
}

// Handler serves the series gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
