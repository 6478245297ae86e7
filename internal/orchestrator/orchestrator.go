// Package orchestrator implements [Orchestrator], spec.md §4.6: divides the
// process-wide budget across shards, spawns their sender/receiver goroutines
// behind a shared start gate, runs them to a common stop deadline or
// interrupt, and aggregates their statistics.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"crypto/tls"

	"github.com/AdguardTeam/golibs/log"
	"github.com/dnsqperf/dnsqperf/internal/clock"
	"github.com/dnsqperf/dnsqperf/internal/datafile"
	"github.com/dnsqperf/dnsqperf/internal/errcoll"
	"github.com/dnsqperf/dnsqperf/internal/qmetrics"
	"github.com/dnsqperf/dnsqperf/internal/qstats"
	"github.com/dnsqperf/dnsqperf/internal/receiver"
	"github.com/dnsqperf/dnsqperf/internal/sender"
	"github.com/dnsqperf/dnsqperf/internal/shard"
	"github.com/dnsqperf/dnsqperf/internal/sockslot"
	"github.com/dnsqperf/dnsqperf/internal/wire"
)

// maxOutstandingCap and maxSocketsCap are the per-shard ceilings spec.md
// §4.6 names: a DNS transaction ID is 16 bits, so no shard can usefully
// track more than 65536 outstanding queries, and 256 sockets per shard is
// the teacher-adjacent practical ceiling on local ports/fds per thread.
const (
	maxOutstandingCap = 65536
	maxSocketsCap     = 256
)

// Config is the process-wide budget and transport configuration the
// orchestrator divides across threads.
type Config struct {
	Threads int
	Clients int
	MaxQPS  float64

	MaxOutstanding int
	Timeout        time.Duration
	RunTime        time.Duration // 0 means unlimited; bounded only by interrupt or input exhaustion.

	Network   sockslot.Network
	Server    net.Addr
	LocalIP   net.IP
	BasePort  int
	BufSize   int
	TLSConfig *tls.Config
	MaxTCPQ   uint32

	EDNS     bool
	DNSSEC   bool
	TSIGKey  *wire.TSIGKey
	IsUpdate bool
	Verbose  bool

	DataFilePath string
	MaxRuns      uint32

	Clock   clock.Clock
	ErrColl errcoll.Interface
	Metrics *qmetrics.Metrics
}

// Orchestrator owns every shard for one run and the aggregate statistics
// produced once all shards finish.
type Orchestrator struct {
	cfg Config

	shards    []*shard.ThreadShard
	dataFiles []*datafile.DataFile
	gate      *shard.StartGate

	interrupted int32

	startTime int64
	stopTime  int64
}

// New validates cfg, applies spec.md §4.6's clamps, and opens one DataFile
// per shard (each a fresh, independent reader over the same path, since the
// file reader must be safe only for single-consumer access).
func New(cfg Config) (o *Orchestrator, err error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = 1
	}

	if cfg.Clients > 0 && threads > cfg.Clients {
		threads = cfg.Clients
	}

	if cfg.MaxQPS > 0 && threads > int(cfg.MaxQPS) {
		threads = int(cfg.MaxQPS)
	}

	if threads <= 0 {
		threads = 1
	}

	o = &Orchestrator{
		cfg:  cfg,
		gate: shard.NewStartGate(),
	}
	o.cfg.Threads = threads

	socketCounts := divideEven(cfg.Clients, threads, 1)
	outstandingCounts := divideEven(cfg.MaxOutstanding, threads, 1)
	qpsShares := divideEvenFloat(cfg.MaxQPS, threads)

	o.shards = make([]*shard.ThreadShard, threads)
	o.dataFiles = make([]*datafile.DataFile, threads)

	for i := 0; i < threads; i++ {
		numSockets := clampInt(socketCounts[i], 1, maxSocketsCap)
		maxOutstanding := clampInt(outstandingCounts[i], 1, maxOutstandingCap)

		df, derr := datafile.Open(cfg.DataFilePath)
		if derr != nil {
			o.closeDataFiles()

			return nil, fmt.Errorf("orchestrator: data file: %w", derr)
		}
		df.SetMaxRuns(cfg.MaxRuns)
		o.dataFiles[i] = df

		ts, serr := shard.New(shard.Config{
			ID:             i,
			NumSockets:     numSockets,
			Network:        cfg.Network,
			Server:         cfg.Server,
			LocalIP:        cfg.LocalIP,
			BasePort:       cfg.BasePort,
			BufSize:        cfg.BufSize,
			TLSConfig:      cfg.TLSConfig,
			MaxTCPQ:        cfg.MaxTCPQ,
			MaxOutstanding: maxOutstanding,
			MaxQPS:         qpsShares[i],
			Timeout:        cfg.Timeout,
			EDNS:           cfg.EDNS,
			DNSSEC:         cfg.DNSSEC,
			TSIGKey:        cfg.TSIGKey,
			IsUpdate:       cfg.IsUpdate,
			Verbose:        cfg.Verbose,
			DataFile:       df,
			Clock:          cfg.Clock,
			ErrColl:        cfg.ErrColl,
			Metrics:        cfg.Metrics,
		})
		if serr != nil {
			o.closeDataFiles()

			return nil, fmt.Errorf("orchestrator: %w", serr)
		}

		o.shards[i] = ts
	}

	return o, nil
}

// NumShards returns the thread count after New's clamping, mainly useful
// for tests asserting on the clamp behavior itself.
func (o *Orchestrator) NumShards() (n int) { return len(o.shards) }

// Shards returns every shard, letting a caller (cmd/dnsqperf) drive an
// [reporter.IntervalReporter] alongside Run without this package needing to
// know about reporting itself.
func (o *Orchestrator) Shards() (shards []*shard.ThreadShard) { return o.shards }

// Interrupt sets the process-wide interrupted flag every shard's
// sender/receiver loop checks, and wakes every shard's receiver so a
// parked idle wait notices promptly. Safe to call from a signal handler.
func (o *Orchestrator) Interrupt() {
	atomic.StoreInt32(&o.interrupted, 1)

	for _, ts := range o.shards {
		ts.Wake()
	}
}

// Run opens every shard's sockets, raises the start gate so all shards
// begin at the same start_time, runs every shard's sender and receiver to
// completion (stop deadline, interrupt, or input exhaustion), and returns
// the aggregated statistics.
func (o *Orchestrator) Run(ctx context.Context) (agg *qstats.Stats, err error) {
	o.startTime = o.cfg.Clock.NowMicro()

	if o.cfg.RunTime > 0 {
		o.stopTime = o.startTime + int64(o.cfg.RunTime/time.Microsecond)
	} else {
		o.stopTime = clock.Forever
	}

	for i, ts := range o.shards {
		if oerr := ts.Open(); oerr != nil {
			return nil, fmt.Errorf("orchestrator: shard %d: %w", i, oerr)
		}

		ts.StopTime = o.stopTime
	}

	var wg sync.WaitGroup
	wg.Add(2 * len(o.shards))

	for _, ts := range o.shards {
		ts := ts

		go func() {
			defer wg.Done()
			defer log.OnPanic(fmt.Sprintf("shard %d sender", ts.Cfg.ID))

			o.gate.Wait()
			sender.Run(ctx, ts, &o.interrupted, o.startTime)
		}()

		go func() {
			defer wg.Done()
			defer log.OnPanic(fmt.Sprintf("shard %d receiver", ts.Cfg.ID))

			o.gate.Wait()
			receiver.Run(ctx, ts, &o.interrupted)
		}()
	}

	o.gate.Release()
	log.Info("orchestrator: %d shard(s) started", len(o.shards))

	deadlineDone := o.watchDeadline(ctx)
	defer deadlineDone()

	wg.Wait()

	return o.collect(), nil
}

// watchDeadline arms a timer that interrupts every shard once stop_time
// passes or ctx is canceled, mirroring spec.md §4.6's
// "main_pipe | intr_pipe, timeout stop_time-start_time" wait. It returns a
// cleanup func that must be called once Run's wait group is satisfied.
func (o *Orchestrator) watchDeadline(ctx context.Context) (stop func()) {
	done := make(chan struct{})

	var timerC <-chan time.Time
	var timer *time.Timer

	if o.stopTime != clock.Forever {
		timer = time.NewTimer(time.Duration(o.stopTime-o.startTime) * time.Microsecond)
		timerC = timer.C
	}

	go func() {
		select {
		case <-timerC:
			o.Interrupt()
		case <-ctx.Done():
			o.Interrupt()
		case <-done:
		}
	}()

	return func() {
		close(done)

		if timer != nil {
			timer.Stop()
		}
	}
}

// collect closes every shard (folding handshake totals), merges every
// shard's statistics into one aggregate, and closes the data files.
func (o *Orchestrator) collect() (agg *qstats.Stats) {
	agg = &qstats.Stats{}

	for _, ts := range o.shards {
		ts.Close()

		ts.Mu.Lock()
		agg.Merge(&ts.Stats)
		ts.Mu.Unlock()
	}

	o.closeDataFiles()

	return agg
}

func (o *Orchestrator) closeDataFiles() {
	for _, df := range o.dataFiles {
		if df != nil {
			_ = df.Close()
		}
	}
}

// divideEven splits total as evenly as possible across n buckets, giving
// the first total%n buckets one extra unit, per spec.md §4.6's "near-even
// division". minPerBucket is substituted for any resulting zero share so
// every shard still gets at least one socket/slot even when total < n.
func divideEven(total, n, minPerBucket int) (shares []int) {
	shares = make([]int, n)
	if n == 0 {
		return shares
	}

	base, rem := total/n, total%n

	for i := range shares {
		shares[i] = base
		if i < rem {
			shares[i]++
		}

		if shares[i] < minPerBucket {
			shares[i] = minPerBucket
		}
	}

	return shares
}

// divideEvenFloat splits a float64 budget evenly across n shards. A zero
// total (unset max_qps) divides to zero in every share, which package
// sender treats as "no rate limit".
func divideEvenFloat(total float64, n int) (shares []float64) {
	shares = make([]float64, n)
	if n == 0 || total <= 0 {
		return shares
	}

	per := total / float64(n)
	for i := range shares {
		shares[i] = per
	}

	return shares
}

func clampInt(v, lo, hi int) (out int) {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
