// Package qmetrics exposes the load generator's counters over Prometheus,
// the domain-stack complement to internal/qstats' in-process accounting
// (spec.md's final report uses qstats directly; this package is for anyone
// who wants to scrape the same numbers while a run is in progress).
package qmetrics

import (
	"fmt"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dnsqperf"

// Metrics holds every Prometheus collector the engine reports through, named
// and labeled the way the teacher's internal/dnsserver/prometheus package
// names its forward-request metrics.
type Metrics struct {
	queriesSentTotal      prometheus.Counter
	queriesCompletedTotal *prometheus.CounterVec
	queriesTimedOutTotal  prometheus.Counter
	queriesDroppedTotal   *prometheus.CounterVec
	latencySeconds        prometheus.Histogram
	tcpHandshakeSeconds   prometheus.Histogram
	tlsHandshakeSeconds   prometheus.Histogram
}

// New creates and registers every collector against reg. As long as this
// function registers Prometheus collectors, it must be called at most once
// per registerer, matching the teacher's
// NewForwardMetricsListener/NewRateLimitMetricsListener convention.
func New(reg prometheus.Registerer) (m *Metrics, err error) {
	const (
		queriesSentTotal      = "queries_sent_total"
		queriesCompletedTotal = "queries_completed_total"
		queriesTimedOutTotal  = "queries_timed_out_total"
		queriesDroppedTotal   = "queries_dropped_total"
		latencySeconds        = "latency_seconds"
		tcpHandshakeSeconds   = "tcp_handshake_seconds"
		tlsHandshakeSeconds   = "tls_handshake_seconds"
	)

	m = &Metrics{
		queriesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      queriesSentTotal,
			Namespace: namespace,
			Help:      "The number of DNS queries sent.",
		}),

		queriesCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      queriesCompletedTotal,
			Namespace: namespace,
			Help:      "The number of DNS responses matched to an outstanding query, by RCODE.",
		}, []string{"rcode"}),

		queriesTimedOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      queriesTimedOutTotal,
			Namespace: namespace,
			Help:      "The number of outstanding queries reclaimed by timeout.",
		}),

		queriesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      queriesDroppedTotal,
			Namespace: namespace,
			Help:      "The number of queries dropped without completing, by reason.",
		}, []string{"reason"}),

		latencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:      latencySeconds,
			Namespace: namespace,
			Help:      "Query round-trip latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),

		tcpHandshakeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:      tcpHandshakeSeconds,
			Namespace: namespace,
			Help:      "TCP connect-to-writable duration.",
			Buckets:   prometheus.DefBuckets,
		}),

		tlsHandshakeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:      tlsHandshakeSeconds,
			Namespace: namespace,
			Help:      "TLS handshake duration, measured after the TCP handshake completes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	collectors := container.KeyValues[string, prometheus.Collector]{
		{Key: queriesSentTotal, Value: m.queriesSentTotal},
		{Key: queriesCompletedTotal, Value: m.queriesCompletedTotal},
		{Key: queriesTimedOutTotal, Value: m.queriesTimedOutTotal},
		{Key: queriesDroppedTotal, Value: m.queriesDroppedTotal},
		{Key: latencySeconds, Value: m.latencySeconds},
		{Key: tcpHandshakeSeconds, Value: m.tcpHandshakeSeconds},
		{Key: tlsHandshakeSeconds, Value: m.tlsHandshakeSeconds},
	}

	var errs []error
	for _, c := range collectors {
		if rerr := reg.Register(c.Value); rerr != nil {
			errs = append(errs, fmt.Errorf("registering metric %q: %w", c.Key, rerr))
		}
	}

	if err = errors.Join(errs...); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordSent increments the sent-queries counter. A nil *Metrics is a no-op,
// so callers that hold an optional metrics hook (package shard) don't need
// to guard every call site.
func (m *Metrics) RecordSent() {
	if m == nil {
		return
	}

	m.queriesSentTotal.Inc()
}

// RecordCompleted increments the completed-queries counter for rcode and
// observes latencySeconds in the latency histogram.
func (m *Metrics) RecordCompleted(rcode string, latencySeconds float64) {
	if m == nil {
		return
	}

	m.queriesCompletedTotal.WithLabelValues(rcode).Inc()
	m.latencySeconds.Observe(latencySeconds)
}

// RecordTimedOut increments the timed-out-queries counter.
func (m *Metrics) RecordTimedOut() {
	if m == nil {
		return
	}

	m.queriesTimedOutTotal.Inc()
}

// RecordDropped increments the dropped-queries counter for reason, one of
// "malformed", "stale", "short", or "send_fatal".
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}

	m.queriesDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordHandshake observes a closed TCP socket's handshake durations. A zero
// duration (UDP, or TLS disabled) is not observed.
func (m *Metrics) RecordHandshake(tcpSeconds, tlsSeconds float64) {
	if m == nil {
		return
	}

	if tcpSeconds > 0 {
		m.tcpHandshakeSeconds.Observe(tcpSeconds)
	}

	if tlsSeconds > 0 {
		m.tlsHandshakeSeconds.Observe(tlsSeconds)
	}
}
