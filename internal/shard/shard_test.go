package shard_test

import (
	"net"
	"testing"

	"github.com/dnsqperf/dnsqperf/internal/clock"
	"github.com/dnsqperf/dnsqperf/internal/shard"
	"github.com/dnsqperf/dnsqperf/internal/sockslot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadShard_openAndClose(t *testing.T) {
	srv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer srv.Close()

	ts, err := shard.New(shard.Config{
		ID:             0,
		NumSockets:     4,
		Network:        sockslot.NetworkUDP,
		Server:         srv.LocalAddr(),
		LocalIP:        net.IPv4(127, 0, 0, 1),
		MaxOutstanding: 16,
		Clock:          clock.System{},
	})
	require.NoError(t, err)

	require.NoError(t, ts.Open())
	assert.Len(t, ts.Sockets, 4)

	for _, sock := range ts.Sockets {
		assert.Equal(t, sockslot.SendReady, sock.SendState)
	}

	ts.Close()
	for _, sock := range ts.Sockets {
		assert.Equal(t, sockslot.SendClosed, sock.SendState)
	}
}

func TestStartGate_releaseUnblocksAll(t *testing.T) {
	gate := shard.NewStartGate()

	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() {
			gate.Wait()
			done <- struct{}{}
		}()
	}

	gate.Release()

	for i := 0; i < 3; i++ {
		<-done
	}
}
