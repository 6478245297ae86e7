// Package receiver implements the per-shard receive loop (spec.md §4.4) and
// the TCP socket selector it shares with package sender (spec.md §4.5).
package receiver

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dnsqperf/dnsqperf/internal/clock"
	"github.com/dnsqperf/dnsqperf/internal/errcoll"
	"github.com/dnsqperf/dnsqperf/internal/osreadiness"
	"github.com/dnsqperf/dnsqperf/internal/shard"
	"github.com/dnsqperf/dnsqperf/internal/slottable"
	"github.com/dnsqperf/dnsqperf/internal/sockslot"
	"github.com/dnsqperf/dnsqperf/internal/wire"
)

// rcodeNames is the shared RCODE-to-string table used to label the optional
// Prometheus completed-queries counter.
var rcodeNames = wire.RcodeStrings()

// RecvBatchSize bounds how many responses one receiver iteration drains
// before yielding, per spec.md §4.4.
const RecvBatchSize = 16

// TimeoutCheckTime bounds how long the receiver's idle wait blocks before
// re-checking timeouts and the termination condition, per spec.md §4.4.
const TimeoutCheckTime = 100 * time.Millisecond

// minResponseLen is the number of leading bytes the receiver inspects: a
// 16-bit transaction ID followed by a 16-bit flags/rcode word.
const minResponseLen = 4

// SelectSocket implements spec.md §4.5: starting from ts.CurrentSock, sweep
// at most one full round looking for a socket that is, or can be made,
// Ready. Must be called with ts.Mu held.
func SelectSocket(ts *shard.ThreadShard, now int64) (idx int, ok bool) {
	n := len(ts.Sockets)

	for i := 0; i < n; i++ {
		cur := (ts.CurrentSock + i) % n
		sock := ts.Sockets[cur]

		switch sock.SendState {
		case sockslot.SendClosed, sockslot.SendTCPSentMax:
			continue

		case sockslot.SendSending:
			res, err := sock.RetryStaged()
			if err != nil {
				ts.LogDebug("socket %d: retry staged write: %v", cur, err)

				continue
			}

			if res != sockslot.ResultOK {
				continue
			}

			ts.CurrentSock = (cur + 1) % n

			return cur, true

		case sockslot.SendTCPHandshake, sockslot.SendTLSHandshake:
			res, err := sock.AdvanceHandshake(now)
			if err != nil {
				ts.LogDebug("socket %d: handshake: %v", cur, err)

				continue
			}

			if res != sockslot.ResultOK {
				continue
			}

			fallthrough

		case sockslot.SendReady:
			ts.CurrentSock = (cur + 1) % n

			return cur, true
		}
	}

	return 0, false
}

// Run is one shard's receive loop. interrupted is shared process-wide state,
// flipped to 1 by the orchestrator on SIGINT, at the run deadline, or when
// its context is cancelled.
func Run(ctx context.Context, ts *shard.ThreadShard, interrupted *int32) {
	for {
		if done := tick(ctx, ts, interrupted); done {
			return
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// tick runs one receiver iteration and reports whether the loop should now
// exit.
func tick(ctx context.Context, ts *shard.ThreadShard, interrupted *int32) (exit bool) {
	now := ts.Cfg.Clock.NowMicro()
	timeoutMicros := int64(ts.Cfg.Timeout / time.Microsecond)

	ts.Mu.Lock()

	ts.Table.ExpireOlderThan(now, timeoutMicros, func(id uint16, ref slottable.SocketRef) {
		ts.Stats.RecordTimedOut()
		ts.Cfg.Metrics.RecordTimedOut()
		releaseInFlight(ts, ref)
		ts.LogDebug("query %d timed out", id)
	})

	if atomic.LoadInt32(interrupted) != 0 {
		ts.Table.CancelAll(func(id uint16, ref slottable.SocketRef) {
			ts.Stats.RecordInterrupted(1)
			releaseInFlight(ts, ref)
		})
		ts.Cond.Broadcast()
		ts.Mu.Unlock()

		return true
	}

	if ts.DoneSending && ts.Table.NumOutstanding() == 0 {
		ts.Mu.Unlock()

		return true
	}

	received := drainBatch(ctx, ts)

	rotateExhaustedSockets(ctx, ts)

	ts.Mu.Unlock()

	if received < RecvBatchSize {
		idleWait(ts)
	}

	return false
}

// drainBatch attempts up to RecvBatchSize reads, round-robin starting at
// ts.LastSocket, skipping sockets that are closed, mid-handshake, or that
// have already been tried (and found empty) this batch. Must be called with
// ts.Mu held.
func drainBatch(ctx context.Context, ts *shard.ThreadShard) (received int) {
	n := len(ts.Sockets)
	tried := make([]bool, n)
	exhausted := 0

	for received < RecvBatchSize && exhausted < n {
		idx := ts.LastSocket % n
		ts.LastSocket = (ts.LastSocket + 1) % n

		sock := ts.Sockets[idx]

		if tried[idx] {
			continue
		}

		if sock.RecvState == sockslot.RecvClosed || sock.RecvState == sockslot.RecvHandshake {
			tried[idx] = true
			exhausted++

			continue
		}

		frame, res, err := sock.RecvFrame()
		if err != nil {
			// PerSocketFatal (spec.md §7): RecvFrame only returns a non-nil
			// err for a non-transient failure, isWouldBlock having already
			// been filtered into a ResultWouldBlock/ResultPending with a nil
			// err — so every one of these is worth reporting to ErrColl, not
			// just the debug log.
			errcoll.Collectf(ctx, ts.Cfg.ErrColl, "socket %d: recv: %w", idx, err)
			tried[idx] = true
			exhausted++

			continue
		}

		if res != sockslot.ResultOK {
			tried[idx] = true
			exhausted++

			continue
		}

		processResponse(ts, idx, frame)
		received++
	}

	return received
}

// processResponse matches a response to its slot and updates statistics.
// Must be called with ts.Mu held.
func processResponse(ts *shard.ThreadShard, sockIdx int, frame []byte) {
	sock := ts.Sockets[sockIdx]

	if len(frame) < minResponseLen {
		ts.Stats.RecordShortResponse()
		ts.Cfg.Metrics.RecordDropped("short")
		ts.LogDebug("socket %d: short response (%d bytes)", sockIdx, len(frame))

		return
	}

	qid := uint16(frame[0])<<8 | uint16(frame[1])
	rcode := int(frame[2])<<8 | int(frame[3])
	rcode &= 0x0F

	ref := slottable.SocketRef{Index: sockIdx, Generation: sock.Generation()}
	note := ts.Table.Note(qid)

	sendTime, err := ts.Table.Complete(qid, ref, clock.Forever)
	if err != nil {
		ts.Stats.RecordStaleResponse()
		ts.Cfg.Metrics.RecordDropped("stale")
		ts.LogDebug("socket %d: unexpected response id %d: %v", sockIdx, qid, err)

		return
	}

	sock.NumInFlight--

	now := ts.Cfg.Clock.NowMicro()
	latency := float64(now - sendTime)

	ts.Stats.RecordCompleted(latency, rcode, len(frame))
	ts.Cfg.Metrics.RecordCompleted(rcodeNames[rcode], latency/1e6)
	ts.Cond.Broadcast()

	if ts.Cfg.Verbose {
		ts.LogDebug("%s: %s (%s)", note, rcodeNames[rcode], time.Duration(now-sendTime)*time.Microsecond)
	}

	sock.MarkSentMax()
}

// rotateExhaustedSockets closes and reopens every TCP socket that has used
// its query budget and has nothing left in flight, per spec.md §4.4's TCP
// rotation rule. Must be called with ts.Mu held.
func rotateExhaustedSockets(ctx context.Context, ts *shard.ThreadShard) {
	for i, sock := range ts.Sockets {
		if !sock.NeedsRotation() {
			continue
		}

		tcpHS, tlsHS := sock.Close()
		ts.RecordHandshake(tcpHS, tlsHS)

		now := ts.Cfg.Clock.NowMicro()
		if err := sock.Open(true, now); err != nil {
			// PerSocketFatal: the socket stays closed and is simply skipped
			// by SelectSocket/drainBatch from now on (spec.md §7 permits
			// this), but it's still worth reporting.
			errcoll.Collectf(ctx, ts.Cfg.ErrColl, "socket %d: reopen: %w", i, err)

			continue
		}

		ts.Stats.RecordTCPConn()
	}
}

// idleWait blocks until a socket is readable, the shard is woken, or
// TimeoutCheckTime elapses.
func idleWait(ts *shard.ThreadShard) {
	ts.Mu.Lock()
	fds, _ := ts.SocketFDs()
	ts.Mu.Unlock()

	_, err := osreadiness.WaitAnyReadable(fds, ts.WakeFD(), TimeoutCheckTime)
	if err != nil {
		ts.LogDebug("idle wait: %v", err)
	}

	ts.DrainWake()
}

func releaseInFlight(ts *shard.ThreadShard, ref slottable.SocketRef) {
	if ref.Index < 0 || ref.Index >= len(ts.Sockets) {
		return
	}

	ts.Sockets[ref.Index].NumInFlight--
}
