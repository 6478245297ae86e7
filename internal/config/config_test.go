package config_test

import (
	"testing"
	"time"

	"github.com/dnsqperf/dnsqperf/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags_defaults(t *testing.T) {
	cfg, err := config.ParseFlags("dnsqperf", []string{"-s", "127.0.0.1", "-d", "-"})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server)
	assert.Equal(t, config.NetworkUDP, cfg.Network)
	assert.Equal(t, 1, cfg.Clients)
	assert.Equal(t, 1, cfg.Threads)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.NoError(t, cfg.Validate())
}

func TestParseFlags_tcpTLSAndPort(t *testing.T) {
	cfg, err := config.ParseFlags("dnsqperf", []string{
		"-s", "example.com",
		"-p", "8853",
		"-L",
		"-c", "10",
		"-T", "4",
		"-q", "500",
	})
	require.NoError(t, err)

	assert.Equal(t, "example.com:8853", cfg.Server)
	assert.Equal(t, config.NetworkTCPTLS, cfg.Network)
	assert.Equal(t, 10, cfg.Clients)
	assert.Equal(t, 4, cfg.Threads)
	assert.Equal(t, 500, cfg.MaxOutstanding)
}

func TestParseFlags_tcpOnly(t *testing.T) {
	cfg, err := config.ParseFlags("dnsqperf", []string{"-z"})
	require.NoError(t, err)

	assert.Equal(t, config.NetworkTCP, cfg.Network)
}

func TestValidate_rejectsNonPositive(t *testing.T) {
	cfg, err := config.ParseFlags("dnsqperf", []string{"-c", "0"})
	require.NoError(t, err)

	assert.Error(t, cfg.Validate())
}

func TestValidate_rejectsEmptyServer(t *testing.T) {
	cfg, err := config.ParseFlags("dnsqperf", []string{"-s", ""})
	require.NoError(t, err)

	assert.Error(t, cfg.Validate())
}

func TestApplyEnv_overridesServerAndMetricsAddr(t *testing.T) {
	t.Setenv("DNSQPERF_SERVER", "10.0.0.1")
	t.Setenv("DNSQPERF_METRICS_ADDR", ":9153")

	cfg, err := config.ParseFlags("dnsqperf", nil)
	require.NoError(t, err)

	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "10.0.0.1", cfg.Server)
	assert.Equal(t, ":9153", cfg.MetricsAddr)
}
