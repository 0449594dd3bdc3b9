// Package gateway implements the development reverse proxy that sits between
// the browser chat UI, the web framework's dev server, and the agent backend.
//
// DESIGN: One process, one listener. Paths outside the API prefix proxy
// transparently to the dev server; generation routes under the prefix are
// re-shaped for the backend and their responses re-framed for the UI;
// everything else under the prefix passes through after allow-list
// validation. The WebSocket proxy path relays frames to the backend's fixed
// socket endpoint.
//
// FILES:
//   - gateway.go:     Gateway struct, lifecycle, proxies
//   - handler.go:     Dispatch, payload handling, workflow init gating
//   - routes.go:      Path classification
//   - validate.go:    SSRF path validation
//   - payload.go:     Backend payload builders
//   - stream.go:      Streaming re-framers
//   - processors.go:  Non-streaming response processors
//   - inittracker.go: Idempotent per-conversation init tracking
//   - websocket.go:   WebSocket relay
//   - middleware.go:  Logging, recovery, CORS
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentchat/dev-gateway/internal/config"
	"github.com/agentchat/dev-gateway/internal/monitoring"
)

// Gateway is the dev proxy server.
type Gateway struct {
	config       *config.Config
	routes       *Classifier
	devProxy     *httputil.ReverseProxy
	backendProxy *httputil.ReverseProxy
	httpClient   *http.Client
	initTracker  *InitTracker
	metrics      *monitoring.MetricsCollector
	tokens       *monitoring.TokenCounter

	httpServer   *http.Server
	boundAddr    string
	startedAt    time.Time
	shutdownOnce sync.Once
}

// New creates a Gateway from a validated configuration.
func New(cfg *config.Config) (*Gateway, error) {
	devURL, err := url.Parse(cfg.Upstreams.DevServer)
	if err != nil {
		return nil, fmt.Errorf("invalid dev server url: %w", err)
	}
	backendURL, err := url.Parse(cfg.Upstreams.Backend)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}

	g := &Gateway{
		config: cfg,
		routes: newClassifier(cfg),
		// No overall timeout: streaming responses stay open as long as the
		// backend keeps generating. The request context handles cancellation.
		httpClient:  &http.Client{},
		initTracker: NewInitTracker(),
		metrics:     monitoring.NewMetricsCollector(),
		tokens:      monitoring.NewTokenCounter(),
	}

	g.devProxy = httputil.NewSingleHostReverseProxy(devURL)
	g.devProxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("dev server proxy error")
		g.writeError(w, "dev server unavailable", http.StatusBadGateway)
	}

	g.backendProxy = httputil.NewSingleHostReverseProxy(backendURL)
	baseDirector := g.backendProxy.Director
	g.backendProxy.Director = func(r *http.Request) {
		// Strip the public API prefix so the backend sees its own paths.
		r.URL.Path = strings.TrimPrefix(r.URL.Path, cfg.Proxy.APIPrefix)
		baseDirector(r)
		r.Host = backendURL.Host
	}
	g.backendProxy.FlushInterval = -1 // flush immediately for streamed bodies
	g.backendProxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("backend proxy error")
		g.writeError(w, "backend unavailable", http.StatusBadGateway)
	}

	return g, nil
}

// Handler returns the full middleware-wrapped HTTP handler.
func (g *Gateway) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(g.handleRequest)
	h = g.corsMiddleware(h)
	h = g.loggingMiddleware(h)
	h = g.panicRecovery(h)
	return h
}

// Addr returns the bound listen address, valid after Start.
func (g *Gateway) Addr() string {
	return g.boundAddr
}

// Start binds the listener and serves until Shutdown. If the preferred port
// is taken, successive ports are tried up to the configured fallback count.
func (g *Gateway) Start() error {
	ln, err := g.listenWithFallback()
	if err != nil {
		return err
	}
	g.boundAddr = ln.Addr().String()
	g.startedAt = time.Now()

	g.httpServer = &http.Server{
		Handler: g.Handler(),
		// Zero timeouts: streaming responses and relayed sockets are
		// long-lived by design.
	}

	log.Info().
		Str("addr", g.boundAddr).
		Str("backend", g.config.Upstreams.Backend).
		Str("dev_server", g.config.Upstreams.DevServer).
		Msg("gateway listening")

	if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// listenWithFallback tries the preferred port first, then walks forward when
// it is already taken. Dev machines routinely have the previous run, or the
// dev server itself, squatting on the port.
func (g *Gateway) listenWithFallback() (net.Listener, error) {
	port := g.config.Server.Port
	for i := 0; i <= g.config.Server.PortFallback; i++ {
		addr := fmt.Sprintf(":%d", port+i)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				log.Warn().
					Int("preferred", port).
					Int("bound", port+i).
					Msg("preferred port in use, bound fallback port")
			}
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
	}
	return nil, fmt.Errorf("no free port in range %d-%d", port, port+g.config.Server.PortFallback)
}

// Shutdown gracefully stops the server. Safe to call more than once; the
// context bounds how long in-flight requests may linger.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.shutdownOnce.Do(func() {
		if g.httpServer == nil {
			return
		}
		log.Info().Msg("shutting down gateway")
		err = g.httpServer.Shutdown(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("graceful shutdown incomplete, closing")
			err = g.httpServer.Close()
		}
	})
	return err
}
