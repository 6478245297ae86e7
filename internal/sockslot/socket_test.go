package sockslot_test

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/dnsqperf/dnsqperf/internal/sockslot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocket_udpRoundTrip(t *testing.T) {
	srv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer srv.Close()

	sock := sockslot.New(sockslot.Identity{Index: 0}, sockslot.Config{
		Network: sockslot.NetworkUDP,
		Server:  srv.LocalAddr(),
		LocalIP: net.IPv4(127, 0, 0, 1),
	})

	require.NoError(t, sock.Open(false, 1))
	assert.Equal(t, sockslot.SendReady, sock.SendState)
	assert.Equal(t, sockslot.RecvReady, sock.RecvState)

	res, err := sock.Send([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, sockslot.ResultOK, res)

	buf := make([]byte, 64)
	n, peer, err := srv.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = srv.WriteToUDP([]byte("pong"), peer)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		frame, res, err := sock.RecvFrame()
		if err != nil || res != sockslot.ResultOK {
			return false
		}

		return string(frame) == "pong"
	}, time.Second, time.Millisecond)

	tcpHS, tlsHS := sock.Close()
	assert.Zero(t, tcpHS)
	assert.Zero(t, tlsHS)
	assert.Equal(t, sockslot.SendClosed, sock.SendState)
}

func TestSocket_tcpFramedRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, aerr := ln.Accept()
		if aerr == nil {
			accepted <- conn
		}
	}()

	sock := sockslot.New(sockslot.Identity{Index: 1}, sockslot.Config{
		Network: sockslot.NetworkTCP,
		Server:  ln.Addr(),
		LocalIP: net.IPv4(127, 0, 0, 1),
	})

	require.NoError(t, sock.Open(false, 1))

	var srvConn net.Conn
	select {
	case srvConn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted")
	}
	defer srvConn.Close()

	require.Eventually(t, func() bool {
		res, err := sock.AdvanceHandshake(2)
		require.NoError(t, err)

		return res == sockslot.ResultOK
	}, time.Second, time.Millisecond)
	assert.Equal(t, sockslot.SendReady, sock.SendState)

	frame := make([]byte, 2+len("hello"))
	binary.BigEndian.PutUint16(frame, uint16(len("hello")))
	copy(frame[2:], "hello")

	res, err := sock.Send(frame)
	require.NoError(t, err)
	assert.Equal(t, sockslot.ResultOK, res)

	buf := make([]byte, len(frame))
	_, err = readFull(srvConn, buf)
	require.NoError(t, err)
	assert.Equal(t, frame, buf)

	// Reply in two writes, split mid-payload, to exercise cross-call
	// reassembly in recvStreamFrame.
	reply := make([]byte, 2+len("world"))
	binary.BigEndian.PutUint16(reply, uint16(len("world")))
	copy(reply[2:], "world")

	_, err = srvConn.Write(reply[:3])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, res, err := sock.RecvFrame()
		require.NoError(t, err)

		return res == sockslot.ResultWouldBlock
	}, time.Second, time.Millisecond)

	_, err = srvConn.Write(reply[3:])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, res, err := sock.RecvFrame()
		if err != nil || res != sockslot.ResultOK {
			return false
		}

		return string(out) == "world"
	}, time.Second, time.Millisecond)
}

func TestSocket_maxTCPQueries(t *testing.T) {
	sock := sockslot.New(sockslot.Identity{}, sockslot.Config{
		Network: sockslot.NetworkTCP,
		MaxTCPQ: 2,
	})

	sock.NumSent = 2
	sock.MarkSentMax()
	assert.Equal(t, sockslot.SendTCPSentMax, sock.SendState)
	assert.True(t, sock.NeedsRotation())

	sock.NumInFlight = 1
	assert.False(t, sock.NeedsRotation())
}

func readFull(conn net.Conn, buf []byte) (n int, err error) {
	for n < len(buf) {
		var m int
		m, err = conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}

	return n, nil
}
