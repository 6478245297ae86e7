// Command dnsqperf issues DNS queries against a server at a configured rate
// and concurrency and reports aggregate latency and completion statistics.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/dnsqperf/dnsqperf/internal/clock"
	"github.com/dnsqperf/dnsqperf/internal/config"
	"github.com/dnsqperf/dnsqperf/internal/errcoll"
	"github.com/dnsqperf/dnsqperf/internal/orchestrator"
	"github.com/dnsqperf/dnsqperf/internal/qmetrics"
	"github.com/dnsqperf/dnsqperf/internal/qstats"
	"github.com/dnsqperf/dnsqperf/internal/reporter"
	"github.com/dnsqperf/dnsqperf/internal/sockslot"
	"github.com/dnsqperf/dnsqperf/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// Exit status constants, matching the teacher's internal/cmd/signal.go.
const (
	statusSuccess = 0
	statusError   = 1
)

func main() {
	os.Exit(run())
}

func run() (status int) {
	log.SetOutput(os.Stdout)

	cfg, err := config.ParseFlags("dnsqperf", os.Args[1:])
	if err != nil {
		log.Error("parsing flags: %s", err)

		return statusError
	}

	err = cfg.ApplyEnv()
	if err != nil {
		log.Error("applying environment: %s", err)

		return statusError
	}

	if cfg.Debug {
		log.SetLevel(log.DEBUG)
	}

	err = cfg.Validate()
	if err != nil {
		log.Error("invalid configuration: %s", err)

		return statusError
	}

	errColl := errcoll.NewWriterErrorCollector(os.Stderr)

	o, metricsListener, err := buildOrchestrator(cfg, errColl)
	if err != nil {
		errcoll.Collectf(context.Background(), errColl, "%w", err)

		return statusError
	}

	if metricsListener != nil {
		serr := metricsListener.Start(context.Background())
		if serr != nil {
			log.Error("starting metrics listener: %s", serr)

			return statusError
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM)

	go func() {
		defer log.OnPanic("signal handler")

		sig, ok := <-sigCh
		if !ok {
			return
		}

		log.Info("dnsqperf: received signal %q, interrupting", sig)
		o.Interrupt()
	}()

	reportCtx, stopReporting := context.WithCancel(context.Background())

	if cfg.StatsInterval > 0 {
		r := reporter.New(o.Shards(), cfg.StatsInterval, clock.System{}, os.Stdout)
		go r.Run(reportCtx, clock.System{}.NowMicro())
	}

	log.Info("dnsqperf: %d thread(s), %s %s", o.NumShards(), cfg.Network, cfg.Server)

	agg, err := o.Run(context.Background())
	stopReporting()
	close(sigCh)

	if err != nil {
		errcoll.Collectf(context.Background(), errColl, "run failed: %w", err)

		return statusError
	}

	if metricsListener != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = metricsListener.Shutdown(ctx)
	}

	printReport(os.Stdout, agg)

	return statusSuccess
}

// buildOrchestrator resolves cfg into an [orchestrator.Orchestrator] and,
// when cfg.MetricsAddr is set, a [qmetrics.Listener] bound to a fresh
// registry. errColl is threaded down into every shard as the GlobalFatal/
// PerSocketFatal reporting sink (spec.md §7).
func buildOrchestrator(cfg *config.Config, errColl errcoll.Interface) (
	o *orchestrator.Orchestrator,
	metricsListener *qmetrics.Listener,
	err error,
) {
	network, server, err := resolveServer(cfg.Network, cfg.Server)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving server address: %w", err)
	}

	var localIP net.IP
	if cfg.LocalAddr != "" {
		localIP = net.ParseIP(cfg.LocalAddr)
		if localIP == nil {
			return nil, nil, fmt.Errorf("local address %q: not a valid IP", cfg.LocalAddr)
		}
	}

	var tsigKey *wire.TSIGKey
	if cfg.TSIGKey != "" {
		key, terr := wire.ParseTSIGKey(cfg.TSIGKey)
		if terr != nil {
			return nil, nil, fmt.Errorf("parsing tsig key: %w", terr)
		}

		tsigKey = &key
	}

	var tlsConfig *tls.Config
	if network == sockslot.NetworkTCPTLS {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		}
	}

	var metrics *qmetrics.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()

		metrics, err = qmetrics.New(reg)
		if err != nil {
			return nil, nil, fmt.Errorf("building metrics: %w", err)
		}

		metricsListener = qmetrics.NewListener(cfg.MetricsAddr, qmetrics.HandlerFor(reg))
	}

	o, err = orchestrator.New(orchestrator.Config{
		Threads:        cfg.Threads,
		Clients:        cfg.Clients,
		MaxQPS:         cfg.MaxQPS,
		MaxOutstanding: cfg.MaxOutstanding,
		Timeout:        cfg.Timeout,
		RunTime:        cfg.RunTime,
		Network:        network,
		Server:         server,
		LocalIP:        localIP,
		BasePort:       cfg.LocalPort,
		BufSize:        cfg.BufSize,
		TLSConfig:      tlsConfig,
		MaxTCPQ:        cfg.MaxTCPQueries,
		EDNS:           cfg.EDNS,
		DNSSEC:         cfg.DNSSEC,
		TSIGKey:        tsigKey,
		IsUpdate:       cfg.IsUpdate,
		Verbose:        cfg.Verbose,
		DataFilePath:   cfg.DataFilePath,
		MaxRuns:        cfg.MaxRuns,
		ErrColl:        errColl,
		Metrics:        metrics,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("building orchestrator: %w", err)
	}

	return o, metricsListener, nil
}

// resolveServer parses addr ("host" or "host:port") into a [net.Addr] of the
// kind netw names.
func resolveServer(netw config.Network, addr string) (network sockslot.Network, server net.Addr, err error) {
	switch netw {
	case config.NetworkTCP:
		network = sockslot.NetworkTCP
	case config.NetworkTCPTLS:
		network = sockslot.NetworkTCPTLS
	default:
		network = sockslot.NetworkUDP
	}

	hostport := withDefaultPort(addr, network)

	if network == sockslot.NetworkUDP {
		udpAddr, rerr := net.ResolveUDPAddr("udp", hostport)
		if rerr != nil {
			return 0, nil, rerr
		}

		return network, udpAddr, nil
	}

	tcpAddr, rerr := net.ResolveTCPAddr("tcp", hostport)
	if rerr != nil {
		return 0, nil, rerr
	}

	return network, tcpAddr, nil
}

// withDefaultPort appends dnsperf's default server port (53 plain, 853
// TCP/TLS) when addr has none, mirroring original_source/dnsperf.c's
// DEFAULT_SERVER_PORT/DEFAULT_TLS_SERVER_PORT fallback.
func withDefaultPort(addr string, network sockslot.Network) (out string) {
	_, _, err := net.SplitHostPort(addr)
	if err == nil {
		return addr
	}

	port := "53"
	if network == sockslot.NetworkTCPTLS {
		port = "853"
	}

	return net.JoinHostPort(addr, port)
}

// printReport prints the final statistics block, mirroring dnsperf's own
// summary output (SPEC_FULL.md §9 item 7): queries sent/completed/timed out,
// per-RCODE counts, latency avg/stddev, and handshake totals.
func printReport(w *os.File, agg *qstats.Stats) {
	fmt.Fprintf(w, "\nStatistics:\n\n")
	fmt.Fprintf(w, "  Queries sent:         %d\n", agg.NumSent)
	fmt.Fprintf(w, "  Queries completed:    %d\n", agg.NumCompleted)
	fmt.Fprintf(w, "  Queries timed out:    %d\n", agg.NumTimedOut)
	fmt.Fprintf(w, "  Queries interrupted:  %d\n", agg.NumInterrupted)
	fmt.Fprintf(w, "  TCP connections:      %d\n", agg.NumTCPConns)
	fmt.Fprintf(w, "  Malformed input:      %d\n", agg.DroppedMalformed)
	fmt.Fprintf(w, "  Stale responses:      %d\n", agg.DroppedStale)
	fmt.Fprintf(w, "  Short responses:      %d\n", agg.DroppedShort)
	fmt.Fprintf(w, "  Send failures:        %d\n", agg.DroppedSendFatal)

	rcodeNames := wire.RcodeStrings()
	for i, n := range agg.RcodeCounts {
		if n == 0 {
			continue
		}

		fmt.Fprintf(w, "  Responses %-9s %d\n", rcodeNames[i]+":", n)
	}

	fmt.Fprintf(w, "  Average latency (us): %.3f\n", agg.LatencyAvg())
	fmt.Fprintf(w, "  Latency stddev (us):  %.3f\n", agg.LatencyStdDev())
	fmt.Fprintf(w, "  TCP handshake total (us): %d\n", agg.CumulativeTCPHandshake)
	fmt.Fprintf(w, "  TLS handshake total (us): %d\n", agg.CumulativeTLSHandshake)
}
