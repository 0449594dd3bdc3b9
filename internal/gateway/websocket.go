// WebSocket relay between the browser and the agent backend.
//
// DESIGN: Upgrades on the configured WebSocket proxy path are terminated
// here and re-dialed against the backend's fixed WebSocket path, with the
// requested subprotocols and session headers forwarded. Frames are relayed
// in both directions without inspection. Upgrades on any other path belong
// to the dev server proxy, which speaks the upgrade natively.
package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/agentchat/dev-gateway/internal/utils"
)

// websocketRequested reports whether the request asks for a WebSocket
// upgrade.
func websocketRequested(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// writeRawForbidden rejects an upgrade before the handshake completes. The
// connection is hijacked so the client sees a bare 403 and an immediate
// close instead of a half-finished upgrade.
func writeRawForbidden(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	defer func() { _ = conn.Close() }()
	_, _ = conn.Write([]byte("HTTP/1.1 403 Forbidden\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"))
}

// backendWSURL derives the backend WebSocket URL from the configured HTTP
// base URL.
func (g *Gateway) backendWSURL() (string, error) {
	u, err := url.Parse(g.config.Upstreams.Backend)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = g.config.Proxy.BackendWS
	u.RawQuery = ""
	return u.String(), nil
}

// requestedSubprotocols parses the client's Sec-WebSocket-Protocol header.
func requestedSubprotocols(r *http.Request) []string {
	var protos []string
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protos = append(protos, p)
			}
		}
	}
	return protos
}

// handleUpgrade terminates a client WebSocket on the proxy path and relays
// frames to and from the backend.
func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if err := g.routes.ValidateUpgradePath(r.URL.RequestURI()); err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("rejected websocket upgrade path")
		writeRawForbidden(w)
		return
	}

	target, err := g.backendWSURL()
	if err != nil {
		log.Error().Err(err).Msg("failed to derive backend websocket url")
		writeRawForbidden(w)
		return
	}

	// Session headers the backend needs to associate the socket with the
	// browser session.
	dialHeader := http.Header{}
	for _, h := range []string{"Origin", "Cookie", "Authorization", HeaderConversationID} {
		if v := r.Header.Get(h); v != "" {
			dialHeader.Set(h, v)
		}
	}
	log.Debug().
		Str("cookie", utils.MaskValue(r.Header.Get("Cookie"))).
		Str("authorization", utils.MaskValue(r.Header.Get("Authorization"))).
		Msg("forwarding session headers on websocket dial")

	protos := requestedSubprotocols(r)

	backend, _, err := websocket.Dial(r.Context(), target, &websocket.DialOptions{
		HTTPHeader:   dialHeader,
		Subprotocols: protos,
	})
	if err != nil {
		log.Error().Err(err).Str("target", target).Msg("failed to dial backend websocket")
		writeRawForbidden(w)
		return
	}

	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: protos,
		// The HTTP CORS layer already gates origins; the dev setup often runs
		// the page and the gateway on different localhost ports.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to accept client websocket")
		_ = backend.Close(websocket.StatusInternalError, "client accept failed")
		return
	}

	g.metrics.RecordWSUpgrade()
	log.Info().Str("target", target).Msg("websocket relay established")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- relayFrames(ctx, client, backend) }()
	go func() { errc <- relayFrames(ctx, backend, client) }()

	err = <-errc
	cancel()
	<-errc

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		log.Debug().Msg("websocket relay closed")
	default:
		if err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Msg("websocket relay ended")
		}
	}

	_ = client.Close(websocket.StatusNormalClosure, "")
	_ = backend.Close(websocket.StatusNormalClosure, "")
}

// relayFrames copies messages from src to dst until either side closes,
// preserving the frame type.
func relayFrames(ctx context.Context, src, dst *websocket.Conn) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}
