//go:build unix

// Package osreadiness implements the OS-level readiness primitives spec.md
// names as external collaborators: polling a set of file descriptors for
// readability with a timeout, and opening a client socket bound to a
// port-offset-derived local address.
//
// It is built on [golang.org/x/sys/unix], the same package the teacher uses
// for socket options in internal/dnsserver/netext.
package osreadiness

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// WaitAnyReadable blocks until one of fds is readable, wakeFD (typically the
// read end of an interrupt self-pipe) is readable, or timeout elapses.  It
// returns the index into fds of the first ready descriptor, or -1 if wakeFD
// fired or the call timed out.
func WaitAnyReadable(fds []int, wakeFD int, timeout time.Duration) (readyIdx int, err error) {
	pollFDs := make([]unix.PollFd, 0, len(fds)+1)
	for _, fd := range fds {
		pollFDs = append(pollFDs, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	wakeAt := len(pollFDs)
	if wakeFD >= 0 {
		pollFDs = append(pollFDs, unix.PollFd{Fd: int32(wakeFD), Events: unix.POLLIN})
	}

	n, err := unix.Poll(pollFDs, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return -1, nil
		}

		return -1, fmt.Errorf("poll: %w", err)
	}

	if n == 0 {
		return -1, nil
	}

	for i, pfd := range pollFDs {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}

		if i == wakeAt {
			return -1, nil
		}

		return i, nil
	}

	return -1, nil
}

// WaitReadable is [WaitAnyReadable] specialized to a single descriptor.
func WaitReadable(fd, interruptFD int, timeout time.Duration) (ready bool, err error) {
	idx, err := WaitAnyReadable([]int{fd}, interruptFD, timeout)

	return idx == 0, err
}

// WaitWritable blocks until fd is writable or timeout elapses.
func WaitWritable(fd int, timeout time.Duration) (ready bool, err error) {
	pollFDs := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}

	n, err := unix.Poll(pollFDs, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}

		return false, fmt.Errorf("poll: %w", err)
	}

	return n > 0 && pollFDs[0].Revents&unix.POLLOUT != 0, nil
}

// FD extracts the raw file descriptor backing a [net.Conn] that supports
// [syscall.Conn], for use with [WaitAnyReadable]/[WaitReadable]. The caller
// must keep conn alive for as long as it uses the returned fd — the runtime
// does not duplicate it.
func FD(conn syscall.Conn) (fd int, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("getting raw conn: %w", err)
	}

	cerr := raw.Control(func(rawFD uintptr) {
		fd = int(rawFD)
	})
	if cerr != nil {
		return -1, fmt.Errorf("control: %w", cerr)
	}

	return fd, nil
}

// Pipe creates a non-blocking self-pipe, returned as (readFD, writeFD), used
// to wake up a blocked poll when the orchestrator wants a shard to
// re-evaluate its stop condition (interrupt, end of test).
func Pipe() (readFD, writeFD int, err error) {
	var fds [2]int
	err = unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		return -1, -1, fmt.Errorf("pipe2: %w", err)
	}

	return fds[0], fds[1], nil
}

// WakeOnce writes a single byte to the write end of a self-pipe created by
// [Pipe]. It is safe to call more than once.
func WakeOnce(writeFD int) {
	var b [1]byte
	_, _ = unix.Write(writeFD, b[:])
}

// DrainWake reads and discards any bytes buffered on the read end of a
// self-pipe created by [Pipe].
func DrainWake(readFD int) {
	var b [64]byte
	for {
		n, err := unix.Read(readFD, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// OpenSocket creates a UDP or TCP socket dialing server, optionally bound to
// a local port of basePort+portOffset (the kernel chooses an ephemeral port
// when basePort is 0, and no local address is bound when portOffset is
// negative), with the given socket buffer size. network is "udp" or "tcp";
// for "tcp" the connect is a blocking dial that returns once the TCP
// handshake is done.
func OpenSocket(
	network string,
	server net.Addr,
	localIP net.IP,
	basePort, portOffset, bufSize int,
) (conn net.Conn, err error) {
	var local net.Addr
	if portOffset >= 0 {
		port := 0
		if basePort > 0 {
			port = basePort + portOffset
		}

		switch network {
		case "udp":
			local = &net.UDPAddr{IP: localIP, Port: port}
		default:
			local = &net.TCPAddr{IP: localIP, Port: port}
		}
	}

	d := net.Dialer{}
	if local != nil {
		switch la := local.(type) {
		case *net.UDPAddr:
			d.LocalAddr = la
		case *net.TCPAddr:
			d.LocalAddr = la
		}
	}

	conn, err = d.Dial(network, server.String())
	if err != nil {
		return nil, fmt.Errorf("dialing %s %s: %w", network, server, err)
	}

	if bufSize > 0 {
		setBufSize(conn, bufSize)
	}

	return conn, nil
}

// setBufSize best-effort sets SO_SNDBUF/SO_RCVBUF on conn. Errors are not
// fatal: a smaller kernel buffer only affects burst tolerance, not
// correctness.
func setBufSize(conn net.Conn, size int) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return
	}

	fd, err := FD(sc)
	if err != nil {
		return
	}

	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size)
}
