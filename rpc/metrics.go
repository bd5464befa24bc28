package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK           = "ok"
	outcomeHandlerError = "handler_error"
	outcomeCancelled    = "cancelled"
	outcomeTimedOut     = "timed_out"
	outcomeClosed       = "session_closed"
	outcomeUnavailable  = "broker_unavailable"
	outcomePublishError = "publish_error"
	outcomeRejected     = "rejected"
	outcomeRequeued     = "requeued"
)

// Metrics collects client and server counters. A nil *Metrics records
// nothing.
type Metrics struct {
	calls           *prometheus.CounterVec
	pending         prometheus.Gauge
	unmatched       prometheus.Counter
	requests        *prometheus.CounterVec
	handlerDuration prometheus.Histogram
	inFlight        prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Calls resolved, by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "pending_calls",
			Help:      "Calls waiting for a reply.",
		}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "unmatched_responses_total",
			Help:      "Replies discarded because no call was pending for their correlation id.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests processed, by outcome.",
		}, []string{"outcome"}),
		handlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "in_flight_requests",
			Help:      "Requests delivered and not yet settled.",
		}),
	}
}

// MustRegister registers all collectors with reg.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.calls, m.pending, m.unmatched, m.requests, m.handlerDuration, m.inFlight)
}

func (m *Metrics) callResolved(outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) unmatchedResponse() {
	if m == nil {
		return
	}
	m.unmatched.Inc()
}

func (m *Metrics) requestSettled(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) handlerFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.Observe(d.Seconds())
}

func (m *Metrics) setInFlight(n int64) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}
