// Request dispatch.
//
// DESIGN: One entry handler classifies the path and fans out: gateway-local
// endpoints, WebSocket relay, dev-server proxy, processed generation routes,
// or transparent passthrough. Every proxied path passes SSRF validation
// before an upstream call is made.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentchat/dev-gateway/internal/config"
	"github.com/agentchat/dev-gateway/internal/utils"
)

// clientRequest is the JSON body the chat UI sends to the generation routes.
type clientRequest struct {
	Messages       []Message `json:"messages"`
	UseChatHistory bool      `json:"use_chat_history"`
	OptionalParams string    `json:"optional_params"`
}

// writeError sends a structured JSON error response.
func (g *Gateway) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "gateway_error",
		},
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("failed to write error response")
	}
}

// handleRequest is the root handler behind the middleware chain.
func (g *Gateway) handleRequest(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/gateway/health":
		g.handleHealth(w, r)
		return
	case "/gateway/stats":
		g.handleStats(w, r)
		return
	}

	if websocketRequested(r) {
		switch {
		case g.routes.MatchesWSPath(r.URL.Path):
			g.handleUpgrade(w, r)
		case g.isAPIPath(r.URL.Path):
			// Upgrades are only relayed on the dedicated socket path; an
			// upgrade against an API route is refused before any handshake.
			log.Warn().Str("path", r.URL.Path).Msg("rejected websocket upgrade on api path")
			writeRawForbidden(w)
		default:
			// Framework sockets (HMR and friends) upgrade against the dev
			// server directly.
			g.devProxy.ServeHTTP(w, r)
		}
		return
	}

	decision := g.routes.Classify(r.URL.Path)

	if decision.Kind == DecideDevServer {
		g.devProxy.ServeHTTP(w, r)
		return
	}

	if err := g.routes.ValidateProxyPath(r.URL.Path); err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("rejected proxy path")
		g.writeError(w, "forbidden path", http.StatusForbidden)
		return
	}

	switch decision.Kind {
	case DecideProcessor:
		g.handleProcessed(w, r, decision)
	case DecidePassthrough:
		if decision.Route.Target == config.TargetDevServer {
			g.devProxy.ServeHTTP(w, r)
		} else {
			g.metrics.RecordPassthrough()
			g.backendProxy.ServeHTTP(w, r)
		}
	}
}

// handleHealth reports gateway liveness and upstream configuration.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"backend":    g.config.Upstreams.Backend,
		"dev_server": g.config.Upstreams.DevServer,
		"uptime":     time.Since(g.startedAt).Round(time.Second).String(),
	})
}

// handleStats exposes the in-process counters.
func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(g.metrics.Stats())
}

// handleProcessed reads the client request, builds the backend payload for
// the decided route, and hands the response to the route's processor.
func (g *Gateway) handleProcessed(w http.ResponseWriter, r *http.Request, decision Decision) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize))
	if err != nil {
		g.writeError(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req clientRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			g.writeError(w, "invalid JSON request body", http.StatusBadRequest)
			return
		}
	}

	var payload []byte
	switch decision.Route.Name {
	case config.RouteChat:
		payload, err = BuildChatPayload(req.Messages, false, req.UseChatHistory, req.OptionalParams)
	case config.RouteChatStream:
		payload, err = BuildChatPayload(req.Messages, true, req.UseChatHistory, req.OptionalParams)
	case config.RouteGenerate, config.RouteGenerateStream:
		payload, err = BuildGeneratePayload(req.Messages, req.UseChatHistory)
	case config.RouteWorkflowCall:
		payload, err = BuildWorkflowPayload(req.Messages)
	default:
		g.writeError(w, "unknown route", http.StatusNotFound)
		return
	}
	if err != nil {
		g.writeError(w, "failed to build backend payload", http.StatusInternalServerError)
		return
	}

	if decision.Route.Name == config.RouteWorkflowCall {
		conversationID := r.Header.Get(HeaderConversationID)
		if err := g.ensureWorkflowInit(r.Context(), conversationID); err != nil {
			var ue *upstreamStatusError
			if errors.As(err, &ue) {
				log.Warn().Int("status", ue.Status).Msg("workflow init rejected by backend")
				if ue.ContentType != "" {
					w.Header().Set("Content-Type", ue.ContentType)
				}
				w.WriteHeader(ue.Status)
				_, _ = w.Write(ue.Body)
				return
			}
			g.writeError(w, "workflow initialization failed", http.StatusBadGateway)
			return
		}
	}

	resp, err := g.forwardBackend(r, decision.BackendPath, payload)
	if err != nil {
		log.Error().Err(err).Str("route", decision.Route.Name).Msg("backend request failed")
		g.writeError(w, "backend unavailable", http.StatusBadGateway)
		return
	}

	switch decision.Route.Name {
	case config.RouteChat:
		g.processChat(w, resp)
	case config.RouteChatStream:
		g.streamTransform(w, resp, chatStreamLine)
	case config.RouteGenerate:
		g.processGenerate(w, resp)
	case config.RouteGenerateStream:
		g.streamTransform(w, resp, generateStreamLine)
	case config.RouteWorkflowCall:
		g.processWorkflowAnswer(w, resp)
	}
}

// forwardBackend issues the built payload against the backend. The client's
// context bounds the call so a disconnect cancels the upstream request; no
// client timeout is set because streams are open-ended.
func (g *Gateway) forwardBackend(r *http.Request, backendPath string, payload []byte) (*http.Response, error) {
	target := g.config.Upstreams.Backend + backendPath

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")
	for _, h := range []string{HeaderConversationID, HeaderTraceID, "Authorization"} {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	log.Debug().
		Str("target", target).
		Str("payload", utils.Truncate(string(payload), 300)).
		Msg("forwarding to backend")

	return g.httpClient.Do(req)
}

// upstreamStatusError carries a backend rejection so the caller can mirror
// it to the client.
type upstreamStatusError struct {
	Status      int
	ContentType string
	Body        []byte
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("backend returned status %d", e.Status)
}

// ensureWorkflowInit performs the one-time init call for the conversation
// before the first workflow call goes out.
func (g *Gateway) ensureWorkflowInit(ctx context.Context, conversationID string) error {
	key := ConversationKey(g.config.Workflow.InstanceID, conversationID)

	return g.initTracker.Ensure(ctx, key, func(ctx context.Context) error {
		g.metrics.RecordInitCall()

		body, err := utils.MarshalNoEscape(map[string]any{
			"instance_id":     g.config.Workflow.InstanceID,
			"conversation_id": conversationKeyPart(conversationID),
		})
		if err != nil {
			return err
		}

		target := g.config.Upstreams.Backend + "/workflow/init"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		log.Info().Str("key", key).Msg("initializing workflow conversation")

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("workflow init request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &upstreamStatusError{
				Status:      resp.StatusCode,
				ContentType: resp.Header.Get("Content-Type"),
				Body:        respBody,
			}
		}
		return nil
	})
}

// conversationKeyPart normalizes an absent conversation id to the default
// sentinel for the init payload.
func conversationKeyPart(conversationID string) string {
	if conversationID == "" {
		return DefaultConversationID
	}
	return conversationID
}
