package qmetrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dnsqperf/dnsqperf/internal/qmetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_registersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := qmetrics.New(reg)
	require.NoError(t, err)

	m.RecordSent()
	m.RecordSent()
	m.RecordCompleted("NOERROR", 0.001)
	m.RecordTimedOut()
	m.RecordDropped("malformed")
	m.RecordHandshake(0.01, 0.02)
	m.RecordHandshake(0, 0)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)

	names := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	assert.True(t, names["dnsqperf_queries_sent_total"])
	assert.True(t, names["dnsqperf_queries_completed_total"])
	assert.True(t, names["dnsqperf_queries_timed_out_total"])
	assert.True(t, names["dnsqperf_queries_dropped_total"])
	assert.True(t, names["dnsqperf_latency_seconds"])
	assert.True(t, names["dnsqperf_tcp_handshake_seconds"])
	assert.True(t, names["dnsqperf_tls_handshake_seconds"])
}

func TestMetrics_nilIsNoop(t *testing.T) {
	var m *qmetrics.Metrics

	assert.NotPanics(t, func() {
		m.RecordSent()
		m.RecordCompleted("NOERROR", 0.001)
		m.RecordTimedOut()
		m.RecordDropped("stale")
		m.RecordHandshake(0.01, 0.02)
	})
}

func TestNew_doubleRegisterFails(t *testing.T) {
	reg := prometheus.NewRegistry()

	_, err := qmetrics.New(reg)
	require.NoError(t, err)

	_, err = qmetrics.New(reg)
	assert.Error(t, err)
}

func TestHandlerFor_servesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := qmetrics.New(reg)
	require.NoError(t, err)

	m.RecordSent()

	srv := httptest.NewServer(qmetrics.HandlerFor(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
