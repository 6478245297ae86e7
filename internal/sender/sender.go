// Package sender implements the per-shard send loop, spec.md §4.3: reads
// input records, builds wire requests, allocates a query slot, selects a
// socket, and writes, subject to rate and concurrency limits.
package sender

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/dnsqperf/dnsqperf/internal/clock"
	"github.com/dnsqperf/dnsqperf/internal/datafile"
	"github.com/dnsqperf/dnsqperf/internal/errcoll"
	"github.com/dnsqperf/dnsqperf/internal/receiver"
	"github.com/dnsqperf/dnsqperf/internal/shard"
	"github.com/dnsqperf/dnsqperf/internal/slottable"
	"github.com/dnsqperf/dnsqperf/internal/sockslot"
)

// noSocketBackoff is how long the sender sleeps after a full sweep of
// SelectSocket finds nothing sendable, so a saturated shard doesn't spin.
const noSocketBackoff = time.Millisecond

// Run is one shard's send loop. startTime is the process-wide start_time
// (microseconds, same clock as ts.Cfg.Clock), used for rate-limit pacing.
func Run(ctx context.Context, ts *shard.ThreadShard, interrupted *int32, startTime int64) {
	for {
		if atomic.LoadInt32(interrupted) != 0 || ctx.Err() != nil {
			break
		}

		now := ts.Cfg.Clock.NowMicro()
		if ts.StopTime != clock.Forever && now >= ts.StopTime {
			break
		}

		if pace(ts, now, startTime) {
			continue
		}

		if !step(ctx, ts, now) {
			break
		}
	}

	finish(ts)
}

// pace applies anti-burst pacing and rate limiting (spec.md §4.3 steps 1-2).
// It returns true when the caller should restart the loop without sending.
func pace(ts *shard.ThreadShard, now, startTime int64) (restart bool) {
	ts.Mu.Lock()
	numSent := ts.Stats.NumSent
	numCompleted := ts.Stats.NumCompleted
	ts.Mu.Unlock()

	if numSent < uint64(ts.Cfg.MaxOutstanding) && numSent%2 == 1 && numCompleted == 0 {
		time.Sleep(time.Millisecond)
	}

	if ts.Cfg.MaxQPS > 0 {
		ideal := int64(float64(numSent) * 1e6 / ts.Cfg.MaxQPS)
		elapsed := now - startTime

		if ideal > elapsed {
			time.Sleep(time.Duration(ideal-elapsed) * time.Microsecond)

			return true
		}
	}

	return false
}

// step performs one send attempt: concurrency gate, socket selection, slot
// reservation, request construction, framing, and the timestamped send. It
// returns false when the loop should exit: the deadline passed while waiting
// on the concurrency gate, or [sendOne] reached the end of input.
func step(ctx context.Context, ts *shard.ThreadShard, now int64) (proceed bool) {
	ts.Mu.Lock()

	if ts.Table.NumOutstanding() >= ts.Cfg.MaxOutstanding {
		ok := ts.WaitOutstanding(ts.StopTime)
		ts.Mu.Unlock()

		return ok
	}

	idx, ok := receiver.SelectSocket(ts, now)
	if !ok {
		ts.Mu.Unlock()
		time.Sleep(noSocketBackoff)

		return true
	}

	id, err := ts.Table.Reserve(clock.Forever)
	if err != nil {
		// Every socket is Ready but every slot is outstanding: the
		// concurrency gate above already caps this below 65536, so this is
		// unreachable in practice; treat it like "nothing to do yet".
		ts.Mu.Unlock()
		time.Sleep(noSocketBackoff)

		return true
	}

	sock := ts.Sockets[idx]
	ref := slottable.SocketRef{Index: idx, Generation: sock.Generation()}
	ts.Table.Commit(id, clock.Forever, ref, "")

	ts.Mu.Unlock()

	return sendOne(ctx, ts, sock, ref, idx, id)
}

// sendOne reads the next input record, builds and frames a request, and
// writes it to sock. On any failure prior to the write, the slot reserved
// by the caller is released. It returns false only on end-of-input (or an
// unreadable data file), telling the caller to stop the send loop entirely —
// mirroring the reference implementation's do_send, which breaks out of its
// loop the moment perf_datafile_next stops returning ISC_R_SUCCESS, rather
// than spinning a reserve/release cycle against an exhausted file forever.
func sendOne(
	ctx context.Context,
	ts *shard.ThreadShard,
	sock *sockslot.Socket,
	ref slottable.SocketRef,
	idx int,
	id uint16,
) (proceed bool) {
	record, status, err := ts.Cfg.DataFile.Next(ts.Cfg.IsUpdate)
	if err != nil || status != datafile.StatusOK {
		ts.Mu.Lock()
		ts.Table.Release(id)
		ts.Mu.Unlock()

		return false
	}

	payload, err := ts.Wire.BuildRequest(record, id, ts.Cfg.EDNS, ts.Cfg.DNSSEC, ts.Cfg.TSIGKey)
	if err != nil {
		ts.Mu.Lock()
		ts.Table.Release(id)
		ts.Stats.RecordMalformedInput()
		ts.Cfg.Metrics.RecordDropped("malformed")
		ts.Mu.Unlock()
		ts.LogDebug("socket %d: %v", idx, err)

		return true
	}

	framed := payload
	if ts.Cfg.Network != sockslot.NetworkUDP {
		framed = make([]byte, 2+len(payload))
		binary.BigEndian.PutUint16(framed, uint16(len(payload)))
		copy(framed[2:], payload)
	}

	note := ""
	if ts.Cfg.Verbose {
		note = record
	}

	ts.Mu.Lock()
	defer ts.Mu.Unlock()

	sendTime := ts.Cfg.Clock.NowMicro()
	ts.Table.Commit(id, sendTime, ref, note)
	ts.Stats.RecordSent(len(framed))
	ts.Cfg.Metrics.RecordSent()
	sock.NumInFlight++

	res, err := sock.Send(framed)
	if err != nil {
		ts.Table.Release(id)
		sock.NumInFlight--
		ts.Stats.RecordSendFatal()
		ts.Cfg.Metrics.RecordDropped("send_fatal")

		// PerSocketFatal (spec.md §7): a non-transient write error. The
		// socket itself is left as-is; it will fail SelectSocket's future
		// handshake/retry checks and eventually get skipped or rotated.
		errcoll.Collectf(ctx, ts.Cfg.ErrColl, "socket %d: send: %w", idx, err)

		return true
	}

	if res == sockslot.ResultWouldBlock {
		// The payload is staged on the socket; it stays outstanding and a
		// future SelectSocket call retries it.
		return true
	}

	// Mirror original_source/dnsperf.c:705-712's send_msg: the TcpSentMax
	// transition happens synchronously with the send that crosses max_tcp_q,
	// not only once a response lands — otherwise a slow server lets the
	// sender keep piling queries onto the same connection indefinitely.
	sock.MarkSentMax()

	if ts.Cfg.Verbose {
		ts.LogDebug("sent id=%d %s", id, record)
	}

	return true
}

// finish marks the shard done sending and wakes its receiver so a blocked
// idle wait re-checks the termination condition.
func finish(ts *shard.ThreadShard) {
	ts.Mu.Lock()
	ts.DoneSending = true
	ts.DoneSendTime = ts.Cfg.Clock.NowMicro()
	ts.Cond.Broadcast()
	ts.Mu.Unlock()

	ts.Wake()
}
