package notify

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the notification collectors. Labels stay low-cardinality:
// type is lounge_queue|sq_queue|test and outcome a fixed set.
type Metrics struct {
	dispatches *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	expired    prometheus.Counter
	polls      *prometheus.CounterVec
	fanout     *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg; a nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mkhub_notify_dispatches_total",
			Help: "Notification window evaluations by type and outcome.",
		}, []string{"type", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mkhub_push_deliveries_total",
			Help: "Push deliveries by type and result.",
		}, []string{"type", "result"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mkhub_push_subscriptions_expired_total",
			Help: "Subscriptions deactivated after a 404/410 from the push service.",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mkhub_notify_polls_total",
			Help: "Poll ticks by status.",
		}, []string{"status"}),
		fanout: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mkhub_push_fanout_seconds",
			Help:    "Duration of one fan-out.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.dispatches, m.deliveries, m.expired, m.polls, m.fanout)
	}
	return m
}
