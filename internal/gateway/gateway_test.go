package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/dev-gateway/internal/config"
)

func TestListenWithFallback_SkipsOccupiedPort(t *testing.T) {
	// Occupy an ephemeral port, then ask the gateway for that exact port.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	cfg := config.Default()
	cfg.Upstreams.Backend = "http://localhost:9901"
	cfg.Server.Port = port
	cfg.Server.PortFallback = 5

	g, err := New(cfg)
	require.NoError(t, err)

	ln, err := g.listenWithFallback()
	require.NoError(t, err)
	defer ln.Close()

	bound := ln.Addr().(*net.TCPAddr).Port
	assert.Greater(t, bound, port)
	assert.LessOrEqual(t, bound, port+5)
}

func TestListenWithFallback_ExhaustedRange(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	cfg := config.Default()
	cfg.Upstreams.Backend = "http://localhost:9901"
	cfg.Server.Port = port
	cfg.Server.PortFallback = 0

	g, err := New(cfg)
	require.NoError(t, err)

	_, err = g.listenWithFallback()
	assert.Error(t, err)
}

func TestShutdown_IdempotentAndSafeBeforeStart(t *testing.T) {
	cfg := config.Default()
	cfg.Upstreams.Backend = "http://localhost:9901"

	g, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, g.Shutdown(ctx))
	assert.NoError(t, g.Shutdown(ctx))
}

func TestNew_RejectsMalformedUpstreams(t *testing.T) {
	cfg := config.Default()
	cfg.Upstreams.Backend = "http://local host:9901"

	_, err := New(cfg)
	assert.Error(t, err)
}
