package qstats_test

import (
	"testing"

	"github.com/dnsqperf/dnsqperf/internal/qstats"
	"github.com/stretchr/testify/assert"
)

func TestStats_latencyBounds(t *testing.T) {
	var s qstats.Stats

	s.RecordCompleted(10, 0, 32)
	s.RecordCompleted(30, 0, 32)
	s.RecordCompleted(20, 3, 32)

	avg := s.LatencyAvg()
	assert.GreaterOrEqual(t, avg, s.LatencyMin)
	assert.LessOrEqual(t, avg, s.LatencyMax)
	assert.Equal(t, uint64(1), s.RcodeCounts[3])
	assert.Equal(t, float64(10), s.LatencyMin)
	assert.Equal(t, float64(30), s.LatencyMax)
}

func TestStats_accountedTotal(t *testing.T) {
	var s qstats.Stats

	s.RecordSent(32)
	s.RecordSent(32)
	s.RecordSent(32)
	s.RecordSent(32)

	s.RecordCompleted(5, 0, 32)
	s.RecordTimedOut()
	s.RecordInterrupted(1)
	s.RecordMalformedInput()

	assert.Equal(t, uint64(4), s.NumSent)
	assert.Equal(t, s.NumSent, s.AccountedTotal())
}

func TestStats_merge(t *testing.T) {
	var a, b qstats.Stats

	a.RecordCompleted(10, 0, 10)
	b.RecordCompleted(100, 2, 10)

	a.Merge(&b)

	assert.Equal(t, uint64(2), a.NumCompleted)
	assert.Equal(t, float64(10), a.LatencyMin)
	assert.Equal(t, float64(100), a.LatencyMax)
	assert.Equal(t, uint64(1), a.RcodeCounts[2])
}
