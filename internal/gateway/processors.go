// Non-streaming response processors.
//
// DESIGN: Each processor converts one backend response shape into the
// client-facing format. The common failure rule: a non-success backend
// status is mirrored to the client verbatim (status code and raw body) and
// never reformatted; a body that fails to parse is passed through as raw
// text rather than failing the request.
package gateway

import (
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/agentchat/dev-gateway/internal/utils"
)

// mirrorUpstreamError copies a non-success backend response straight to the
// client. Returns true if the response was terminal.
func (g *Gateway) mirrorUpstreamError(w http.ResponseWriter, resp *http.Response) bool {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false
	}
	body, _ := io.ReadAll(resp.Body)
	log.Warn().
		Int("status", resp.StatusCode).
		Str("body", utils.Truncate(string(body), 500)).
		Msg("mirroring backend error response")
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
	return true
}

// copyTraceHeader propagates the backend's observability trace id header.
func copyTraceHeader(w http.ResponseWriter, resp *http.Response) {
	if id := resp.Header.Get(HeaderTraceID); id != "" {
		w.Header().Set(HeaderTraceID, id)
	}
}

// processChat extracts the assistant text from a non-streaming chat
// response: first choice's message content, then the generic
// message/answer/value fields, else the raw body.
func (g *Gateway) processChat(w http.ResponseWriter, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()
	if g.mirrorUpstreamError(w, resp) {
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		g.writeError(w, "failed to read backend response", http.StatusBadGateway)
		return
	}

	text := string(body)
	if gjson.ValidBytes(body) {
		for _, path := range []string{"choices.0.message.content", "message", "answer", "value"} {
			if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String {
				text = v.String()
				break
			}
		}
	}

	copyTraceHeader(w, resp)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
	g.metrics.RecordTokensOut(g.tokens.Count(text))
}

// processGenerate forwards the backend's raw JSON body unmodified; the wire
// payload already matches what the UI expects.
func (g *Gateway) processGenerate(w http.ResponseWriter, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()
	if g.mirrorUpstreamError(w, resp) {
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		g.writeError(w, "failed to read backend response", http.StatusBadGateway)
		return
	}

	copyTraceHeader(w, resp)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// processWorkflowAnswer extracts the stateful workflow's answer:
// state.chat.answer, then a top-level answer, else the raw body.
func (g *Gateway) processWorkflowAnswer(w http.ResponseWriter, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()
	if g.mirrorUpstreamError(w, resp) {
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		g.writeError(w, "failed to read backend response", http.StatusBadGateway)
		return
	}

	text := string(body)
	if gjson.ValidBytes(body) {
		if v := gjson.GetBytes(body, "state.chat.answer"); v.Exists() && v.Type == gjson.String {
			text = v.String()
		} else if v := gjson.GetBytes(body, "answer"); v.Exists() && v.Type == gjson.String {
			text = v.String()
		}
	}

	copyTraceHeader(w, resp)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
	g.metrics.RecordTokensOut(g.tokens.Count(text))
}
