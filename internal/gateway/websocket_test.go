package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/dev-gateway/internal/config"
)

func TestWebsocketRequested(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.False(t, websocketRequested(r))

	r.Header.Set("Upgrade", "websocket")
	assert.True(t, websocketRequested(r))

	r.Header.Set("Upgrade", "WebSocket")
	assert.True(t, websocketRequested(r))
}

func TestBackendWSURL(t *testing.T) {
	cfg := config.Default()
	cfg.Upstreams.Backend = "http://backend:8000"
	g, err := New(cfg)
	require.NoError(t, err)

	u, err := g.backendWSURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://backend:8000/websocket", u)

	cfg.Upstreams.Backend = "https://backend.example"
	g, err = New(cfg)
	require.NoError(t, err)
	u, err = g.backendWSURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://backend.example/websocket", u)
}

func TestWebSocket_RelayEchoes(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/websocket" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, append([]byte("echo: "), data...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(backend.Close)

	cfg := config.Default()
	cfg.Upstreams.Backend = backend.URL
	require.NoError(t, cfg.Validate())
	g, err := New(cfg)
	require.NoError(t, err)

	gw := httptest.NewServer(g.Handler())
	t.Cleanup(gw.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http") + "/ws"
	client, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer client.CloseNow()

	require.NoError(t, client.Write(ctx, websocket.MessageText, []byte("ping")))
	typ, data, err := client.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, "echo: ping", string(data))
}

func TestWebSocket_UpgradeOnAPIPathRejected(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(backend.Close)

	cfg := config.Default()
	cfg.Upstreams.Backend = backend.URL
	require.NoError(t, cfg.Validate())
	g, err := New(cfg)
	require.NoError(t, err)

	gw := httptest.NewServer(g.Handler())
	t.Cleanup(gw.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http") + "/api/chat"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

func TestWebSocket_BackendUnreachableRejectsUpgrade(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	backend.Close()

	cfg := config.Default()
	cfg.Upstreams.Backend = backend.URL
	require.NoError(t, cfg.Validate())
	g, err := New(cfg)
	require.NoError(t, err)

	gw := httptest.NewServer(g.Handler())
	t.Cleanup(gw.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http") + "/ws"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}
