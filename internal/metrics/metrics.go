package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters the reconciliation core reports on.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	WebhookEvents   *prometheus.CounterVec   // {outcome}
	SweepRecords    *prometheus.CounterVec   // {sweep,outcome}
	StockMovements  *prometheus.CounterVec   // {kind}
	GatewayRequests *prometheus.CounterVec   // {op,outcome}
	GatewayLatency  *prometheus.HistogramVec // {op}
	Transitions     *prometheus.CounterVec   // {from,to,outcome}
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound gateway notifications by processing outcome.",
		}, []string{"outcome"}),
		SweepRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sweep_records_total",
			Help: "Records visited by the expiration sweeps.",
		}, []string{"sweep", "outcome"}),
		StockMovements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_movements_total",
			Help: "Reservation ledger operations that changed stock or reservation state.",
		}, []string{"kind"}),
		GatewayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Calls to the external payment gateway.",
		}, []string{"op", "outcome"}),
		GatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Latency of payment gateway calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "Payment status transitions attempted by the reconciliation engine.",
		}, []string{"from", "to", "outcome"}),
	}
}

func (m *Metrics) Webhook(outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Sweep(sweep, outcome string) {
	if m == nil {
		return
	}
	m.SweepRecords.WithLabelValues(sweep, outcome).Inc()
}

func (m *Metrics) Stock(kind string) {
	if m == nil {
		return
	}
	m.StockMovements.WithLabelValues(kind).Inc()
}

func (m *Metrics) Gateway(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(op, outcome).Inc()
	m.GatewayLatency.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) Transition(from, to, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to, outcome).Inc()
}
