// Package qstats holds the per-shard counters spec.md §3 names under
// "Shard statistics", plus the aggregation used to produce the final,
// process-wide report.
package qstats

import "math"

// Stats is one shard's accumulated counters. The caller (package shard)
// serializes access with its own mutex, the same convention
// internal/slottable.SlotTable follows.
type Stats struct {
	NumSent        uint64
	NumCompleted   uint64
	NumTimedOut    uint64
	NumInterrupted uint64
	NumTCPConns    uint64

	DroppedMalformed uint64
	DroppedStale     uint64
	DroppedShort     uint64
	DroppedSendFatal uint64

	RcodeCounts [16]uint64

	TotalRequestSize  uint64
	TotalResponseSize uint64

	LatencySum   float64
	LatencySumSq float64
	LatencyMin   float64
	LatencyMax   float64
	latencyInit  bool

	CumulativeTCPHandshake int64
	CumulativeTLSHandshake int64
}

// RecordSent accounts for one query successfully handed to the socket,
// sizeBytes being the on-wire length including any TCP length prefix.
func (s *Stats) RecordSent(sizeBytes int) {
	s.NumSent++
	s.TotalRequestSize += uint64(sizeBytes)
}

// RecordCompleted accounts for one matched response. latencyMicros is
// now-send_time per spec.md §4.4; rcode is the low 4 bits of the response's
// second wire word.
func (s *Stats) RecordCompleted(latencyMicros float64, rcode int, sizeBytes int) {
	s.NumCompleted++
	s.TotalResponseSize += uint64(sizeBytes)

	if rcode >= 0 && rcode < len(s.RcodeCounts) {
		s.RcodeCounts[rcode]++
	}

	s.LatencySum += latencyMicros
	s.LatencySumSq += latencyMicros * latencyMicros

	if !s.latencyInit {
		s.LatencyMin, s.LatencyMax = latencyMicros, latencyMicros
		s.latencyInit = true

		return
	}

	if latencyMicros < s.LatencyMin {
		s.LatencyMin = latencyMicros
	}

	if latencyMicros > s.LatencyMax {
		s.LatencyMax = latencyMicros
	}
}

// RecordTimedOut accounts for one slot reclaimed by SlotTable.ExpireOlderThan.
func (s *Stats) RecordTimedOut() { s.NumTimedOut++ }

// RecordInterrupted accounts for n slots drained by SlotTable.CancelAll on
// shutdown.
func (s *Stats) RecordInterrupted(n int) { s.NumInterrupted += uint64(n) }

// RecordTCPConn accounts for one TCP (or TCP-over-TLS) socket opened.
func (s *Stats) RecordTCPConn() { s.NumTCPConns++ }

// RecordMalformedInput accounts for one input record wire.Context.BuildRequest
// rejected before a slot was ever sent on the wire.
func (s *Stats) RecordMalformedInput() { s.DroppedMalformed++ }

// RecordStaleResponse accounts for one response SlotTable.Complete rejected
// as Unexpected.
func (s *Stats) RecordStaleResponse() { s.DroppedStale++ }

// RecordShortResponse accounts for one response shorter than the 4 bytes
// needed to read a DNS ID and RCODE.
func (s *Stats) RecordShortResponse() { s.DroppedShort++ }

// RecordSendFatal accounts for one query abandoned after a non-transient
// socket write error, per spec.md §7's PerSocketFatal kind.
func (s *Stats) RecordSendFatal() { s.DroppedSendFatal++ }

// AddHandshakeTimes folds a closed socket's handshake accumulators into the
// shard total, per spec.md §3's process-wide Times.
func (s *Stats) AddHandshakeTimes(tcpHS, tlsHS int64) {
	s.CumulativeTCPHandshake += tcpHS
	s.CumulativeTLSHandshake += tlsHS
}

// AccountedTotal implements invariant 3 from spec.md §8: every sent query is
// classified exactly once.
func (s *Stats) AccountedTotal() (n uint64) {
	return s.NumCompleted + s.NumTimedOut + s.NumInterrupted +
		s.DroppedMalformed + s.DroppedStale + s.DroppedSendFatal
}

// Merge folds another shard's stats into s, used by the orchestrator to
// produce the final, process-wide report.
func (s *Stats) Merge(other *Stats) {
	s.NumSent += other.NumSent
	s.NumCompleted += other.NumCompleted
	s.NumTimedOut += other.NumTimedOut
	s.NumInterrupted += other.NumInterrupted
	s.NumTCPConns += other.NumTCPConns
	s.DroppedMalformed += other.DroppedMalformed
	s.DroppedStale += other.DroppedStale
	s.DroppedShort += other.DroppedShort
	s.DroppedSendFatal += other.DroppedSendFatal
	s.TotalRequestSize += other.TotalRequestSize
	s.TotalResponseSize += other.TotalResponseSize
	s.LatencySum += other.LatencySum
	s.LatencySumSq += other.LatencySumSq
	s.CumulativeTCPHandshake += other.CumulativeTCPHandshake
	s.CumulativeTLSHandshake += other.CumulativeTLSHandshake

	for i := range s.RcodeCounts {
		s.RcodeCounts[i] += other.RcodeCounts[i]
	}

	if !other.latencyInit {
		return
	}

	if !s.latencyInit {
		s.LatencyMin, s.LatencyMax = other.LatencyMin, other.LatencyMax
		s.latencyInit = true

		return
	}

	if other.LatencyMin < s.LatencyMin {
		s.LatencyMin = other.LatencyMin
	}

	if other.LatencyMax > s.LatencyMax {
		s.LatencyMax = other.LatencyMax
	}
}

// LatencyAvg returns LatencySum/NumCompleted, or 0 when no response has
// completed yet.
func (s *Stats) LatencyAvg() (avg float64) {
	if s.NumCompleted == 0 {
		return 0
	}

	return s.LatencySum / float64(s.NumCompleted)
}

// LatencyStdDev returns the population standard deviation of completed
// latencies.
func (s *Stats) LatencyStdDev() (dev float64) {
	if s.NumCompleted == 0 {
		return 0
	}

	n := float64(s.NumCompleted)
	mean := s.LatencySum / n
	variance := s.LatencySumSq/n - mean*mean

	if variance < 0 {
		variance = 0
	}

	return math.Sqrt(variance)
}
