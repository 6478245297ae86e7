package reporter_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dnsqperf/dnsqperf/internal/clock"
	"github.com/dnsqperf/dnsqperf/internal/reporter"
	"github.com/dnsqperf/dnsqperf/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances by a fixed step every call, giving deterministic
// interval arithmetic without a real sleep.
type fakeClock struct {
	now int64
}

func (c *fakeClock) NowMicro() (now int64) {
	c.now += int64(10 * time.Millisecond / time.Microsecond)

	return c.now
}

func TestIntervalReporter_printsOneLinePerTick(t *testing.T) {
	ts := &shard.ThreadShard{}
	ts.Stats.NumCompleted = 5

	var buf bytes.Buffer
	clk := &fakeClock{}

	r := reporter.New([]*shard.ThreadShard{ts}, 5*time.Millisecond, clk, &buf)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	r.Run(ctx, 0)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)

	for _, line := range lines {
		assert.Contains(t, line, ":")
	}
}

func TestIntervalReporter_zeroIntervalNoop(t *testing.T) {
	ts := &shard.ThreadShard{}

	var buf bytes.Buffer

	r := reporter.New([]*shard.ThreadShard{ts}, 0, clock.System{}, &buf)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	r.Run(ctx, 0)

	assert.Empty(t, buf.String())
}
