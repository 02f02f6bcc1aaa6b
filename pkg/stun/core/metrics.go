package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the transaction engine. All methods are nil-safe
// so an unconfigured engine pays nothing.
type Metrics struct {
	outstandingRequests prometheus.Gauge
	requestsSent        prometheus.Counter
	retransmissions     prometheus.Counter
	timeouts            prometheus.Counter
	roundTripTime       prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outstandingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stun",
			Subsystem: "transactions",
			Name:      "outstanding_requests",
			Help:      "Number of requests currently awaiting a response.",
		}),
		requestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stun",
			Subsystem: "transactions",
			Name:      "requests_sent_total",
			Help:      "Total request datagrams handed to the transport.",
		}),
		retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stun",
			Subsystem: "transactions",
			Name:      "retransmissions_total",
			Help:      "Request datagrams that were retransmissions.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stun",
			Subsystem: "transactions",
			Name:      "timeouts_total",
			Help:      "Transactions abandoned by the retransmission policy.",
		}),
		roundTripTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stun",
			Subsystem: "transactions",
			Name:      "round_trip_seconds",
			Help:      "Round-trip time of first-attempt responses.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	reg.MustRegister(
		m.outstandingRequests,
		m.requestsSent,
		m.retransmissions,
		m.timeouts,
		m.roundTripTime,
	)
	return m
}

func (m *Metrics) requestSent(retransmission bool) {
	if m == nil {
		return
	}
	m.requestsSent.Inc()
	if retransmission {
		m.retransmissions.Inc()
	}
}

func (m *Metrics) setOutstanding(count int) {
	if m == nil {
		return
	}
	m.outstandingRequests.Set(float64(count))
}

func (m *Metrics) timedOut() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

func (m *Metrics) observeRtt(rtt time.Duration) {
	if m == nil {
		return
	}
	m.roundTripTime.Observe(rtt.Seconds())
}
