package sockrpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "sockrpc"

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	pending      prometheus.Gauge
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	unmatched    prometheus.Counter
	malformed    prometheus.Counter
	lost         prometheus.Counter
	reconnects   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_calls",
			Help:      "Calls waiting for a reply",
		}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_total",
			Help:      "Settled calls by event and outcome",
		}, []string{"event", "outcome"}),
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "call_duration_seconds",
			Help:      "Time from registration to settlement",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
		unmatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unmatched_replies_total",
			Help:      "Replies whose id matched no pending call",
		}),
		malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped because they could not be decoded",
		}),
		lost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connection_lost_total",
			Help:      "Sessions that ended while the dispatcher was running",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Successful reconnects",
		}),
	}
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) observeCall(event string, outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(event, outcome.String()).Inc()
	m.callDuration.WithLabelValues(event).Observe(elapsed.Seconds())
}

func (m *Metrics) unmatchedReply() {
	if m == nil {
		return
	}
	m.unmatched.Inc()
}

func (m *Metrics) malformedFrame() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) connectionLost() {
	if m == nil {
		return
	}
	m.lost.Inc()
}

func (m *Metrics) reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
