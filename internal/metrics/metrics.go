// Package metrics holds the Prometheus collectors of the fulfillment services. A nil
// *Metrics is valid and records nothing, so components can be built without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Reservations      *prometheus.CounterVec
	ReservationsMoved *prometheus.CounterVec
	SweepFailures     prometheus.Counter
	SweepDuration     prometheus.Histogram
	Orders            *prometheus.CounterVec
	PaymentCallbacks  *prometheus.CounterVec
	Messages          *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "reservation_requests_total",
			Help:      "Reserve calls by outcome.",
		}, []string{"outcome"}),
		ReservationsMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "reservation_transitions_total",
			Help:      "Stock reservations moved out of PENDING, by target status.",
		}, []string{"status"}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "sweep_failures_total",
			Help:      "Reservations the expiry sweep failed to process.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fulfillment",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one expiry sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "orders_total",
			Help:      "Order operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		PaymentCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "payment_callbacks_total",
			Help:      "Gateway callbacks by outcome.",
		}, []string{"outcome"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "messages_consumed_total",
			Help:      "Consumed messages by topic and outcome.",
		}, []string{"topic", "outcome"}),
	}
	reg.MustRegister(m.Reservations, m.ReservationsMoved, m.SweepFailures, m.SweepDuration,
		m.Orders, m.PaymentCallbacks, m.Messages)
	return m
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Reservation(outcome string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReservationsMoved.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) SweepFailed() {
	if m == nil {
		return
	}
	m.SweepFailures.Inc()
}

func (m *Metrics) ObserveSweep(seconds float64) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(seconds)
}

func (m *Metrics) Order(op, outcome string) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) Callback(outcome string) {
	if m == nil {
		return
	}
	m.PaymentCallbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Message(topic, outcome string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(topic, outcome).Inc()
}
