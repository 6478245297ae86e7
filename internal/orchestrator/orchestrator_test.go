package orchestrator_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dnsqperf/dnsqperf/internal/orchestrator"
	"github.com/dnsqperf/dnsqperf/internal/sockslot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runUDPEcho(t *testing.T) (addr net.Addr, stop func()) {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	done := make(chan struct{})

	go func() {
		buf := make([]byte, 2048)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))

			n, peer, rerr := conn.ReadFromUDP(buf)
			select {
			case <-done:
				return
			default:
			}

			if rerr != nil {
				continue
			}
			if n < 2 {
				continue
			}

			reply := []byte{buf[0], buf[1], 0x81, 0x80}
			_, _ = conn.WriteToUDP(reply, peer)
		}
	}()

	return conn.LocalAddr(), func() {
		close(done)
		conn.Close()
	}
}

func writeRecords(t *testing.T, n int) (path string) {
	t.Helper()

	path = filepath.Join(t.TempDir(), "records.txt")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	for i := 0; i < n; i++ {
		_, err = f.WriteString("example.com A\n")
		require.NoError(t, err)
	}

	return path
}

func TestOrchestrator_udpHappyPath(t *testing.T) {
	addr, stop := runUDPEcho(t)
	defer stop()

	path := writeRecords(t, 20)

	o, err := orchestrator.New(orchestrator.Config{
		Threads:        2,
		Clients:        4,
		MaxOutstanding: 8,
		Timeout:        2 * time.Second,
		RunTime:        3 * time.Second,
		Network:        sockslot.NetworkUDP,
		Server:         addr,
		LocalIP:        net.IPv4(127, 0, 0, 1),
		DataFilePath:   path,
		MaxRuns:        1,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agg, err := o.Run(ctx)
	require.NoError(t, err)

	// Each of the 2 shards reads its own independent copy of the 20-line
	// file to completion (spec.md §6.2: the file reader is single-consumer,
	// not a work queue partitioned across shards), so the aggregate sees
	// every line sent once per shard.
	const wantPerShard = 20
	wantTotal := uint64(o.NumShards() * wantPerShard)

	assert.Equal(t, wantTotal, agg.NumSent)
	assert.Equal(t, wantTotal, agg.NumCompleted)
	assert.Equal(t, uint64(0), agg.NumTimedOut)
	assert.Equal(t, wantTotal, agg.RcodeCounts[0])
}

func TestOrchestrator_interrupt(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	path := writeRecords(t, 1000)

	o, err := orchestrator.New(orchestrator.Config{
		Threads:        1,
		Clients:        1,
		MaxOutstanding: 4,
		Timeout:        5 * time.Second,
		RunTime:        0,
		Network:        sockslot.NetworkUDP,
		Server:         conn.LocalAddr(),
		LocalIP:        net.IPv4(127, 0, 0, 1),
		DataFilePath:   path,
	})
	require.NoError(t, err)

	done := make(chan struct{})

	go func() {
		defer close(done)

		_, _ = o.Run(context.Background())
	}()

	time.Sleep(100 * time.Millisecond)
	o.Interrupt()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop on interrupt")
	}
}

func TestDivideClampsThreads(t *testing.T) {
	path := writeRecords(t, 1)

	o, err := orchestrator.New(orchestrator.Config{
		Threads:        8,
		Clients:        2,
		MaxOutstanding: 4,
		Timeout:        time.Second,
		Network:        sockslot.NetworkUDP,
		Server:         &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9},
		LocalIP:        net.IPv4(127, 0, 0, 1),
		DataFilePath:   path,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, o.NumShards())
}
