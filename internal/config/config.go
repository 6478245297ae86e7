// Package config assembles [Config] from command-line flags and environment
// overrides, the ambient configuration surface spec.md §1 names as an
// external collaborator without specifying a concrete form.
package config

import (
	"flag"
	"fmt"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/caarlos0/env/v7"
)

// Network names the wire-level transport, mirroring dnsperf's -z/-L flags.
type Network string

// Network values.
const (
	NetworkUDP    Network = "udp"
	NetworkTCP    Network = "tcp"
	NetworkTCPTLS Network = "tls"
)

// Config is the fully resolved, validated configuration for one run.
type Config struct {
	// Server is the "host[:port]" endpoint to query, -s/-p.
	Server string

	// LocalAddr is the source address to bind client sockets to, -a. Empty
	// lets the kernel choose.
	LocalAddr string

	// LocalPort is the base source port, -x. 0 lets the kernel choose.
	LocalPort int

	// Network selects UDP, TCP, or TCP-over-TLS (-z/-L).
	Network Network

	// DataFilePath is the input file, -d. "-" reads stdin.
	DataFilePath string

	// Clients is the number of simulated clients (sockets), -c.
	Clients int

	// Threads is the number of sender/receiver shard pairs, -T.
	Threads int

	// MaxRuns bounds how many times the input file is replayed, -n. 0 is
	// unlimited.
	MaxRuns uint32

	// RunTime bounds the run's wall-clock duration, -l. 0 is unlimited
	// (bounded only by interrupt or input exhaustion).
	RunTime time.Duration

	// BufSize is the socket send/receive buffer size in bytes, -b (dnsperf's
	// -b is given in kilobytes; ParseFlags converts on the way in from flags).
	BufSize int

	// Timeout is the per-query completion deadline, -t.
	Timeout time.Duration

	// MaxOutstanding is the process-wide outstanding-query ceiling, -q.
	MaxOutstanding int

	// MaxQPS limits the process-wide send rate, -Q. 0 is unlimited.
	MaxQPS float64

	// MaxTCPQueries caps queries sent per TCP connection before it is
	// rotated, -Z. 0 is unlimited.
	MaxTCPQueries uint32

	// StatsInterval is how often [reporter.IntervalReporter] prints a QPS
	// snapshot, -S. 0 disables interval reporting.
	StatsInterval time.Duration

	// EDNS enables EDNS0 on every request, -e.
	EDNS bool

	// DNSSEC sets the DNSSEC OK bit (implies EDNS), -D.
	DNSSEC bool

	// TSIGKey is a "[alg:]name:secret" string, -y. Empty disables signing.
	TSIGKey string

	// IsUpdate sends dynamic DNS updates instead of queries, -u.
	IsUpdate bool

	// Verbose logs every completed query, -v.
	Verbose bool

	// Debug raises the log level to debug, -g.
	Debug bool

	// MetricsAddr, when non-empty, starts a Prometheus /metrics listener on
	// this address (not part of the original dnsperf flag set; see
	// SPEC_FULL.md's domain stack).
	MetricsAddr string
}

// ParseFlags populates a [Config] with defaults from a stdlib [flag.FlagSet]
// over args, following the original dnsperf flag letters (original_source/
// dnsperf.c's perf_opt_add calls) rather than inventing new long names.
func ParseFlags(progName string, args []string) (cfg *Config, err error) {
	fs := flag.NewFlagSet(progName, flag.ContinueOnError)

	cfg = &Config{}

	var (
		server        = fs.String("s", "127.0.0.1", "the server to query")
		port          = fs.Int("p", 0, "the port on which to query the server")
		localAddr     = fs.String("a", "", "the local address from which to send queries")
		localPort     = fs.Int("x", 0, "the local port from which to send queries")
		dataFile      = fs.String("d", "-", "the input data file")
		clients       = fs.Int("c", 1, "the number of clients to act as")
		threads       = fs.Int("T", 1, "the number of threads to run")
		maxRuns       = fs.Uint("n", 0, "run through input at most N times (0 = unlimited)")
		timeLimit     = fs.Duration("l", 0, "run for at most this long (0 = unlimited)")
		bufSizeKB     = fs.Int("b", 0, "socket send/receive buffer size in kilobytes")
		timeout       = fs.Duration("t", 5*time.Second, "the timeout for query completion")
		edns          = fs.Bool("e", false, "enable EDNS0")
		dnssec        = fs.Bool("D", false, "set the DNSSEC OK bit (implies EDNS0)")
		tsig          = fs.String("y", "", "the TSIG algorithm, name and secret ([alg:]name:secret)")
		maxOutstnd    = fs.Uint("q", 100, "the maximum number of queries outstanding")
		maxQPS        = fs.Float64("Q", 0, "limit the number of queries per second (0 = unlimited)")
		statsInterval = fs.Duration("S", 0, "print qps statistics on this interval (0 = disabled)")
		update        = fs.Bool("u", false, "send dynamic updates instead of queries")
		verbose       = fs.Bool("v", false, "report each completed query")
		useTCP        = fs.Bool("z", false, "use TCP")
		useTCPTLS     = fs.Bool("L", false, "use TCP/TLS")
		debug         = fs.Bool("g", false, "report debug level info")
		maxTCPQ       = fs.Uint("Z", 0, "max queries sent on a single TCP connection (0 = unlimited)")
		metricsAddr   = fs.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	)

	err = fs.Parse(args)
	if err != nil {
		return nil, fmt.Errorf("config: parsing flags: %w", err)
	}

	network := NetworkUDP
	switch {
	case *useTCPTLS:
		network = NetworkTCPTLS
	case *useTCP:
		network = NetworkTCP
	}

	serverAddr := *server
	if *port > 0 {
		serverAddr = net.JoinHostPort(*server, fmt.Sprintf("%d", *port))
	}

	cfg = &Config{
		Server:         serverAddr,
		LocalAddr:      *localAddr,
		LocalPort:      *localPort,
		Network:        network,
		DataFilePath:   *dataFile,
		Clients:        *clients,
		Threads:        *threads,
		MaxRuns:        uint32(*maxRuns),
		RunTime:        *timeLimit,
		BufSize:        *bufSizeKB * 1024,
		Timeout:        *timeout,
		MaxOutstanding: int(*maxOutstnd),
		MaxQPS:         *maxQPS,
		MaxTCPQueries:  uint32(*maxTCPQ),
		StatsInterval:  *statsInterval,
		EDNS:           *edns,
		DNSSEC:         *dnssec,
		TSIGKey:        *tsig,
		IsUpdate:       *update,
		Verbose:        *verbose,
		Debug:          *debug,
		MetricsAddr:    *metricsAddr,
	}

	return cfg, nil
}

// environment holds the subset of [Config] that may also be overridden from
// the process environment, following the teacher's env.Parse convention for
// containerized test harnesses.
type environment struct {
	Server        string `env:"DNSQPERF_SERVER"`
	DataFilePath  string `env:"DNSQPERF_DATAFILE"`
	MetricsAddr   string `env:"DNSQPERF_METRICS_ADDR"`
	MaxOutstnd    int    `env:"DNSQPERF_MAX_OUTSTANDING"`
	StatsInterval int    `env:"DNSQPERF_STATS_INTERVAL_SECONDS"`
}

// ApplyEnv overlays environment variable overrides onto cfg. Only non-empty/
// non-zero environment values take effect, matching the teacher's pattern of
// env vars layered on top of already-parsed defaults rather than replacing
// them wholesale.
func (cfg *Config) ApplyEnv() (err error) {
	envs := &environment{}

	err = env.Parse(envs)
	if err != nil {
		return fmt.Errorf("config: parsing environment: %w", err)
	}

	if envs.Server != "" {
		cfg.Server = envs.Server
	}

	if envs.DataFilePath != "" {
		cfg.DataFilePath = envs.DataFilePath
	}

	if envs.MetricsAddr != "" {
		cfg.MetricsAddr = envs.MetricsAddr
	}

	if envs.MaxOutstnd > 0 {
		cfg.MaxOutstanding = envs.MaxOutstnd
	}

	if envs.StatsInterval > 0 {
		cfg.StatsInterval = time.Duration(envs.StatsInterval) * time.Second
	}

	return nil
}

// Validate reports the first invalid field found, using the teacher's
// newNotPositiveError/newNegativeError helper shape from internal/cmd/error.go.
func (cfg *Config) Validate() (err error) {
	switch {
	case cfg.Server == "":
		return errors.Error("config: server: must not be empty")
	case cfg.DataFilePath == "":
		return errors.Error("config: datafile: must not be empty")
	case cfg.Clients <= 0:
		return newNotPositiveError("clients", cfg.Clients)
	case cfg.Threads <= 0:
		return newNotPositiveError("threads", cfg.Threads)
	case cfg.MaxOutstanding <= 0:
		return newNotPositiveError("max_outstanding", cfg.MaxOutstanding)
	case cfg.Timeout <= 0:
		return newNotPositiveError("timeout", cfg.Timeout)
	case cfg.MaxQPS < 0:
		return newNegativeError("max_qps", cfg.MaxQPS)
	case cfg.RunTime < 0:
		return newNegativeError("timelimit", cfg.RunTime)
	case cfg.StatsInterval < 0:
		return newNegativeError("stats_interval", cfg.StatsInterval)
	case cfg.BufSize < 0:
		return newNegativeError("buffer_size", cfg.BufSize)
	default:
		return nil
	}
}

// newNotPositiveError returns an error about a value that must be positive
// but isn't, prop naming the offending field.
func newNotPositiveError[T int | time.Duration](prop string, v T) (err error) {
	return fmt.Errorf("%s: must be positive: got %v", prop, v)
}

// newNegativeError returns an error about a value that must be non-negative
// but isn't, prop naming the offending field.
func newNegativeError[T int | float64 | time.Duration](prop string, v T) (err error) {
	return fmt.Errorf("%s: must not be negative: got %v", prop, v)
}
