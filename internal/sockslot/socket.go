// Package sockslot implements [Socket], the per-connection I/O endpoint used
// by a shard's sender and receiver, and its SendState/RecvState machines
// across UDP, TCP, and TCP-over-TLS.
//
// The non-blocking behavior spec.md describes in terms of EAGAIN/EWOULDBLOCK
// and OS-level readiness primitives (explicitly out of the core's scope, see
// spec.md §1) is implemented here on top of [net.Conn] deadlines: every Read
// or Write is preceded by a deadline [probeWindow] in the future, so a call
// with data or buffer space ready completes, and one without fails with a
// timeout error shortly after the window, which this package reports as
// would-block. This keeps one goroutine per shard driving many sockets, as spec.md's
// concurrency model requires, without needing raw non-blocking file
// descriptors.
//
// TCP/TLS framing uses a per-socket byte accumulator rather than an
// OS-reported "readable count" probe — the streaming-accumulator alternative
// spec.md's design notes explicitly allow in place of the reference
// implementation's read-when-whole-frame-available behavior.
package sockslot

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/dnsqperf/dnsqperf/internal/osreadiness"
	"github.com/miekg/dns"
)

// MaxPacketSize bounds the staging buffer and the TCP/TLS read accumulator.
const MaxPacketSize = dns.MaxMsgSize

// Result is the outcome of a non-blocking socket operation.
type Result int

// Result values.
const (
	ResultOK Result = iota
	ResultWouldBlock
	ResultPending
	ResultFatal
)

// ErrClosed is returned by operations attempted on a closed socket.
const ErrClosed errors.Error = "socket is closed"

// Identity names a socket within its shard.
type Identity struct {
	ShardID    int
	Index      int
	PortOffset int
}

// Config configures how a [Socket] dials and re-dials the server.
type Config struct {
	Network     Network
	Server      net.Addr
	LocalIP     net.IP
	LocalPort   int // base port; 0 means let the kernel choose.
	BufSize     int
	TLSConfig   *tls.Config
	MaxTCPQ     uint32 // 0 = unlimited queries per TCP connection.
	DialTimeout time.Duration
}

// Socket is a per-connection I/O endpoint: one open file descriptor (or a
// closed sentinel), an optional TLS session, and the two small state
// machines that track it.
type Socket struct {
	Identity

	cfg Config

	conn    net.Conn
	tlsConn *tls.Conn

	// generation increments every reopen, so a stale response matched by ID
	// against a since-replaced connection can be told apart; consumed by
	// package slottable's [slottable.SocketRef].
	generation uint32

	SendState SendState
	RecvState RecvState

	// staged holds a write that previously returned WouldBlock and must be
	// retried before any new write on this socket.
	staged []byte

	// readAcc accumulates inbound TCP/TLS bytes across non-blocking Read
	// calls until a full length-prefixed frame is available.
	readAcc []byte
	wantLen int // 0 means "expect the 2-byte length prefix next".

	NumSent     uint64
	NumRecv     uint64
	NumInFlight int

	ConStart         int64
	TCPHandshakeDone int64
	TLSHandshakeDone int64
}

// New returns a closed [Socket] with the given identity and dial
// configuration. Call [Socket.Open] before using it.
func New(id Identity, cfg Config) (s *Socket) {
	return &Socket{
		Identity:  id,
		cfg:       cfg,
		SendState: SendClosed,
		RecvState: RecvClosed,
	}
}

// Generation returns the socket's current connection generation, which
// increments every time [Socket.Open] is called with reopen true.
func (s *Socket) Generation() uint32 { return s.generation }

// FD returns the raw file descriptor behind the socket's connection, for use
// with package osreadiness's poll-based waits. It returns an error once the
// socket is closed or if the underlying conn has no fd (never true for the
// TCP/UDP conns this package opens).
func (s *Socket) FD() (fd int, err error) {
	if s.conn == nil {
		return -1, ErrClosed
	}

	sc, ok := s.conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("connection exposes no file descriptor")
	}

	return osreadiness.FD(sc)
}

// Open creates the underlying connection: a connected UDP socket, or a TCP
// connection from a blocking dial (see [dialNonBlocking]), optionally wrapped
// for TLS by [Socket.AdvanceHandshake]. reopen must be true for every call after the first
// on this socket, in which case the local port is left ephemeral rather
// than re-derived from PortOffset, since the prior port may still be in
// TIME_WAIT.
func (s *Socket) Open(reopen bool, now int64) (err error) {
	portOffset := s.PortOffset
	if reopen {
		portOffset = -1
		s.generation++
	}

	network := "udp"
	if s.cfg.Network.IsStream() {
		network = "tcp"
	}

	conn, err := dialNonBlocking(network, s.cfg, portOffset)
	if err != nil {
		return fmt.Errorf("opening socket %d/%d: %w", s.ShardID, s.Index, err)
	}

	s.conn = conn
	s.staged = nil
	s.readAcc = s.readAcc[:0]
	s.wantLen = 0
	s.NumSent, s.NumRecv, s.NumInFlight = 0, 0, 0
	s.ConStart = now

	switch s.cfg.Network {
	case NetworkUDP:
		s.SendState, s.RecvState = SendReady, RecvReady
	case NetworkTCP:
		s.SendState, s.RecvState = SendTCPHandshake, RecvHandshake
	case NetworkTCPTLS:
		s.SendState, s.RecvState = SendTCPHandshake, RecvHandshake
	}

	return nil
}

// AdvanceHandshake drives TCP-connect and TLS-handshake completion. It is a
// no-op (returning [ResultOK]) once the socket reached SendReady/RecvReady.
func (s *Socket) AdvanceHandshake(now int64) (res Result, err error) {
	switch s.SendState {
	case SendTCPHandshake:
		return s.advanceTCPHandshake(now)
	case SendTLSHandshake:
		return s.advanceTLSHandshake(now)
	default:
		return ResultOK, nil
	}
}

func (s *Socket) advanceTCPHandshake(now int64) (res Result, err error) {
	writable, err := connWritable(s.conn)
	if err != nil {
		return ResultFatal, err
	}

	if !writable {
		return ResultPending, nil
	}

	s.TCPHandshakeDone = now

	if s.cfg.Network == NetworkTCPTLS {
		s.SendState = SendTLSHandshake
		s.tlsConn = tls.Client(s.conn, s.cfg.TLSConfig)

		return s.advanceTLSHandshake(now)
	}

	s.SendState, s.RecvState = SendReady, RecvReady

	return ResultOK, nil
}

func (s *Socket) advanceTLSHandshake(now int64) (res Result, err error) {
	_ = s.tlsConn.SetDeadline(time.Now())

	err = s.tlsConn.Handshake()
	if err == nil {
		s.TLSHandshakeDone = now
		s.SendState, s.RecvState = SendReady, RecvReady

		return ResultOK, nil
	}

	if isWouldBlock(err) {
		return ResultPending, nil
	}

	// A fatal TLS handshake error: the spec permits either aborting the run
	// or marking the socket Closed and continuing. We choose the latter, so
	// a single misbehaving connection attempt does not take down an entire
	// load test; the caller logs the error, and socket selection skips the
	// Closed socket from then on.
	s.SendState, s.RecvState = SendClosed, RecvClosed

	return ResultFatal, fmt.Errorf("tls handshake: %w", err)
}

// Send writes bytes to the socket. For TCP/TLS the caller must have already
// prepended the 2-byte big-endian length prefix. On [ResultWouldBlock], the
// payload is staged and [Socket.RetryStaged] must be called before any other
// write on this socket.
func (s *Socket) Send(payload []byte) (res Result, err error) {
	if s.SendState == SendSending {
		return ResultWouldBlock, nil
	}

	return s.rawSend(payload)
}

func (s *Socket) rawSend(payload []byte) (res Result, err error) {
	w := s.writer()
	if w == nil {
		return ResultFatal, ErrClosed
	}

	deadlineW(w)
	n, err := w.Write(payload)
	if err == nil {
		s.NumSent++

		return ResultOK, nil
	}

	if isWouldBlock(err) {
		remaining := payload[n:]
		s.staged = append(s.staged[:0], remaining...)
		s.SendState = SendSending

		return ResultWouldBlock, nil
	}

	return ResultFatal, fmt.Errorf("writing: %w", err)
}

// RetryStaged retries a previously staged write. It must be called whenever
// SendState is SendSending before attempting a new Send.
func (s *Socket) RetryStaged() (res Result, err error) {
	if s.SendState != SendSending {
		return ResultOK, nil
	}

	res, err = s.rawSend(s.staged)
	if res == ResultOK {
		s.SendState = SendReady
	}

	return res, err
}

// MarkSentMax transitions the socket to SendTCPSentMax once num_sent reaches
// the configured per-connection query budget.
func (s *Socket) MarkSentMax() {
	if s.cfg.MaxTCPQ > 0 && s.NumSent >= uint64(s.cfg.MaxTCPQ) {
		s.SendState = SendTCPSentMax
	}
}

// NeedsRotation reports whether this TCP socket has used its query budget
// and has no in-flight queries left, meaning the receiver should close and
// reopen it.
func (s *Socket) NeedsRotation() bool {
	return s.SendState == SendTCPSentMax && s.NumInFlight == 0
}

// RecvFrame attempts to read one complete message. For UDP this is a single
// datagram read. For TCP/TLS it drives the two-phase length-prefix state
// machine described in spec.md §4.2, buffering partial reads across calls.
func (s *Socket) RecvFrame() (frame []byte, res Result, err error) {
	if !s.cfg.Network.IsStream() {
		return s.recvDatagram()
	}

	return s.recvStreamFrame()
}

func (s *Socket) recvDatagram() (frame []byte, res Result, err error) {
	r := s.reader()
	if r == nil {
		return nil, ResultFatal, ErrClosed
	}

	buf := make([]byte, MaxPacketSize)
	deadlineR(r)
	n, err := r.Read(buf)
	if err != nil {
		if isWouldBlock(err) {
			return nil, ResultWouldBlock, nil
		}

		return nil, ResultFatal, fmt.Errorf("udp read: %w", err)
	}

	s.NumRecv++

	return buf[:n], ResultOK, nil
}

// recvStreamFrame extracts one complete length-prefixed frame from readAcc,
// topping the accumulator up with a single non-blocking Read per call when
// it doesn't yet hold enough bytes. A frame that spans more than one Read is
// therefore reassembled across multiple RecvFrame calls rather than within
// one, which is what lets the caller's event loop keep servicing other
// sockets in between.
func (s *Socket) recvStreamFrame() (frame []byte, res Result, err error) {
	s.RecvState = RecvReading

	if s.wantLen == 0 && len(s.readAcc) >= 2 {
		s.wantLen = int(binary.BigEndian.Uint16(s.readAcc[:2]))
		s.readAcc = s.readAcc[2:]
	}

	if s.wantLen > 0 && len(s.readAcc) >= s.wantLen {
		frame = append([]byte(nil), s.readAcc[:s.wantLen]...)
		s.readAcc = s.readAcc[s.wantLen:]
		s.wantLen = 0
		s.RecvState = RecvReady
		s.NumRecv++

		return frame, ResultOK, nil
	}

	r := s.reader()
	if r == nil {
		return nil, ResultFatal, ErrClosed
	}

	var buf [4096]byte
	deadlineR(r)
	n, rerr := r.Read(buf[:])
	if n > 0 {
		s.readAcc = append(s.readAcc, buf[:n]...)

		return s.recvStreamFrame()
	}

	if rerr != nil {
		if isWouldBlock(rerr) {
			return nil, ResultWouldBlock, nil
		}

		return nil, ResultFatal, fmt.Errorf("tcp read: %w", rerr)
	}

	return nil, ResultWouldBlock, nil
}

// Close shuts down the TLS session (if any) and the underlying connection,
// accumulating handshake-time totals into the returned values so the caller
// (package shard) can fold them into the process-wide Times.
func (s *Socket) Close() (tcpHS, tlsHS int64) {
	if s.tlsConn != nil {
		_ = s.tlsConn.Close()
		s.tlsConn = nil
	} else if s.conn != nil {
		_ = s.conn.Close()
	}

	s.conn = nil
	s.SendState, s.RecvState = SendClosed, RecvClosed

	if s.TCPHandshakeDone != 0 {
		tcpHS = s.TCPHandshakeDone - s.ConStart
	}

	if s.TLSHandshakeDone != 0 {
		tlsHS = s.TLSHandshakeDone - s.TCPHandshakeDone
	}

	return tcpHS, tlsHS
}

type streamWriter interface {
	Write([]byte) (int, error)
	SetWriteDeadline(time.Time) error
}

type streamReader interface {
	Read([]byte) (int, error)
	SetReadDeadline(time.Time) error
}

func (s *Socket) writer() streamWriter {
	if s.tlsConn != nil {
		return s.tlsConn
	}

	if s.conn == nil {
		return nil
	}

	return s.conn
}

func (s *Socket) reader() streamReader {
	if s.tlsConn != nil {
		return s.tlsConn
	}

	if s.conn == nil {
		return nil
	}

	return s.conn
}

// probeWindow is how far in the future deadlineW and deadlineR set the
// deadline. A deadline of time.Now() itself is already expired when the call
// starts, so every Read and Write would fail with a timeout even when the
// socket is ready.
const probeWindow = 100 * time.Microsecond

// deadlineW and deadlineR arm the short deadline that bounds how long the
// next Write/Read can block, per the package doc.
func deadlineW(w streamWriter) { _ = w.SetWriteDeadline(time.Now().Add(probeWindow)) }
func deadlineR(r streamReader) { _ = r.SetReadDeadline(time.Now().Add(probeWindow)) }

func connWritable(conn net.Conn) (ok bool, err error) {
	deadlineW(conn)

	// A zero-byte write surfaces connection-refused/reset errors without
	// consuming application data. The dial has already completed the TCP
	// connect, so zero-byte writes succeed at once.
	_, err = conn.Write(nil)
	if err == nil {
		return true, nil
	}

	if isWouldBlock(err) {
		return false, nil
	}

	return false, err
}

func isWouldBlock(err error) bool {
	ne, ok := err.(net.Error)

	return ok && ne.Timeout()
}

// dialNonBlocking opens the transport connection for network ("udp" or
// "tcp"). The TCP connect itself is a regular blocking dial bounded by
// cfg.DialTimeout: Go exposes no portable async-connect primitive, so the
// handshake state machine ([SendTCPHandshake]) only has real work left to do
// for the TLS layer above it, which is driven non-blockingly via deadlines in
// [Socket.advanceTLSHandshake].
func dialNonBlocking(network string, cfg Config, portOffset int) (conn net.Conn, err error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	done := make(chan struct{})
	var dialed net.Conn
	var dialErr error

	go func() {
		defer close(done)

		dialed, dialErr = osreadiness.OpenSocket(
			network, cfg.Server, cfg.LocalIP, cfg.LocalPort, portOffset, cfg.BufSize,
		)
	}()

	select {
	case <-done:
		return dialed, dialErr
	case <-time.After(timeout):
		return nil, fmt.Errorf("dial %s %s: %w", network, cfg.Server, errors.Error("timed out"))
	}
}
