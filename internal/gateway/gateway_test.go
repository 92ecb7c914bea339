package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"edgeproxy/internal/config"
	"edgeproxy/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(target string) *config.Config {
	cfg := config.Default()
	cfg.Environment = config.EnvTest
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Admin.Addr = "127.0.0.1:0"
	cfg.Database.Enabled = false
	cfg.Trust.PublicIPFile = ""
	cfg.Trust.WatchFile = false
	cfg.Edge.Secret = "edge-secret"
	cfg.Routing.DefaultTarget = target
	return cfg
}

func TestGateway_PassThroughWithoutDatabase(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "hello from upstream")
	}))
	defer upstream.Close()

	g, err := New(context.Background(), testConfig(upstream.URL), quietLogger())
	require.NoError(t, err)
	assert.True(t, g.Degraded())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool {
		return g.Edge().Addr() != "127.0.0.1:0" && g.Admin().Addr() != "127.0.0.1:0"
	}, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest("GET", "http://"+g.Edge().Addr()+"/", nil)
	require.NoError(t, err)
	req.Header.Set("CF-Connecting-IP", "203.0.113.50")
	req.Header.Set("X-Origin-Verify", "edge-secret")
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello from upstream", string(body))

	resp, err = http.Get("http://" + g.Admin().Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = http.Get("http://" + g.Admin().Addr() + "/metrics")
	require.NoError(t, err)
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(metricsBody), "edgeproxy_requests_total")

	cancel()
	require.NoError(t, <-done)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	assert.NoError(t, g.Shutdown(shutdownCtx))
	assert.NoError(t, g.Shutdown(shutdownCtx), "shutdown is idempotent")
}

func TestGateway_UnreachableDatabaseDegrades(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Database.Enabled = true
	cfg.Database.URL = "postgres://edgeproxy:x@127.0.0.1:1/edgeproxy?sslmode=disable&connect_timeout=1"

	g, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	assert.True(t, g.Degraded())
	assert.NoError(t, g.Shutdown(context.Background()))
}

func TestGateway_AdminDisabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Admin.Enabled = false

	g, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	assert.Nil(t, g.Admin())
	assert.NoError(t, g.Shutdown(context.Background()))
}

func TestGateway_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad trusted network", func(c *config.Config) { c.Trust.TrustedNetworks = []string{"not-a-cidr"} }},
		{"bad edge CIDR", func(c *config.Config) { c.Edge.CIDRs = []string{"10.0.0.0/99"} }},
		{"bad default target", func(c *config.Config) { c.Routing.DefaultTarget = "ftp://nope" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://127.0.0.1:1")
			tt.mutate(cfg)

			_, err := New(context.Background(), cfg, quietLogger())
			assert.Error(t, err)
		})
	}
}

func TestPoolConfig(t *testing.T) {
	cfg := poolConfig("events", config.QueueConfig{})
	assert.Equal(t, worker.DefaultPoolConfig("events"), cfg)

	cfg = poolConfig("events", config.QueueConfig{Size: 16, Workers: 2, Overflow: config.OverflowBlock, JobTimeout: time.Second})
	assert.Equal(t, 16, cfg.QueueSize)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, worker.Block, cfg.Overflow)
	assert.Equal(t, time.Second, cfg.JobTimeout)
}
