// Streaming response processors.
//
// DESIGN: Backend streams are decoded incrementally and re-framed line by
// line into the single client-facing wire format. Each complete line is
// classified as one of:
//   - "data: " SSE chunk        → extracted content (chat) or the whole
//     original line (generate), with [DONE] terminating the response
//   - "intermediate_data: "     → IntermediateStepMessage wrapped in
//     <intermediatestep> sentinel tags
//   - "observability_trace: "   → trace id wrapped in
//     <observabilitytraceid> sentinel tags
//   - bare JSON object          → passed through verbatim
//
// Unparseable lines are dropped, never aborting the stream: a partial
// best-effort stream is more useful to the client than a broken one. A
// trailing buffered fragment that looks like JSON is flushed after EOF to
// recover error payloads that lack a final newline.
package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/agentchat/dev-gateway/internal/utils"
)

const (
	ssePrefix          = "data: "
	intermediatePrefix = "intermediate_data: "
	tracePrefix        = "observability_trace: "
	doneSentinel       = "[DONE]"

	intermediateOpenTag  = "<intermediatestep>"
	intermediateCloseTag = "</intermediatestep>"
	traceOpenTag         = "<observabilitytraceid>"
	traceCloseTag        = "</observabilitytraceid>"
)

// IntermediateStepContent names one workflow step and carries its payload.
type IntermediateStepContent struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// IntermediateStepMessage is the structured marker emitted in-band for
// workflow intermediate steps. Constructed per stream line; never stored.
type IntermediateStepMessage struct {
	ID                   string                  `json:"id"`
	Status               string                  `json:"status"`
	Error                string                  `json:"error"`
	ParentID             string                  `json:"parent_id"`
	IntermediateParentID string                  `json:"intermediate_parent_id"`
	Content              IntermediateStepContent `json:"content"`
	TimeStamp            string                  `json:"time_stamp"`
}

// intermediateStepFromJSON builds an IntermediateStepMessage from one
// backend intermediate_data payload. Missing fields default to empty
// strings; status defaults to in_progress.
func intermediateStepFromJSON(payload string) IntermediateStepMessage {
	msg := IntermediateStepMessage{Status: "in_progress"}
	msg.ID = gjson.Get(payload, "id").String()
	if s := gjson.Get(payload, "status"); s.Exists() {
		msg.Status = s.String()
	}
	msg.Error = gjson.Get(payload, "error").String()
	msg.ParentID = gjson.Get(payload, "parent_id").String()
	msg.IntermediateParentID = gjson.Get(payload, "intermediate_parent_id").String()
	msg.Content.Name = gjson.Get(payload, "name").String()
	if p := gjson.Get(payload, "payload"); p.Exists() {
		msg.Content.Payload = json.RawMessage(p.Raw)
	} else {
		msg.Content.Payload = json.RawMessage(`""`)
	}
	if ts := gjson.Get(payload, "time_stamp"); ts.Exists() {
		msg.TimeStamp = ts.String()
	} else {
		msg.TimeStamp = time.Now().UTC().Format(time.RFC3339)
	}
	return msg
}

// lineBuffer accumulates decoded stream bytes and yields complete lines,
// holding the trailing partial line across reads. Owned exclusively by the
// response-processing goroutine for one connection.
type lineBuffer struct {
	rest []byte
}

// feed appends a chunk and returns all newly completed lines, with line
// endings stripped.
func (b *lineBuffer) feed(chunk []byte) []string {
	b.rest = append(b.rest, chunk...)
	var lines []string
	for {
		idx := bytes.IndexByte(b.rest, '\n')
		if idx < 0 {
			return lines
		}
		line := strings.TrimSuffix(string(b.rest[:idx]), "\r")
		b.rest = b.rest[idx+1:]
		lines = append(lines, line)
	}
}

// tail returns the buffered partial line, if any.
func (b *lineBuffer) tail() string {
	return string(b.rest)
}

// lineResult is the rendering outcome for one stream line. An empty out with
// done=false means the line was dropped.
type lineResult struct {
	out  string
	done bool
}

// commonStreamLine handles the line classes shared by both streaming
// processors. handled is false only for "data: " lines, which each
// processor renders differently.
func commonStreamLine(line string) (res lineResult, handled bool) {
	switch {
	case strings.HasPrefix(line, ssePrefix):
		return lineResult{}, false

	case strings.HasPrefix(line, intermediatePrefix):
		payload := strings.TrimSpace(strings.TrimPrefix(line, intermediatePrefix))
		if !gjson.Valid(payload) {
			return lineResult{}, true
		}
		msg := intermediateStepFromJSON(payload)
		encoded, err := utils.MarshalNoEscape(msg)
		if err != nil {
			return lineResult{}, true
		}
		return lineResult{out: intermediateOpenTag + string(encoded) + intermediateCloseTag}, true

	case strings.HasPrefix(line, tracePrefix):
		payload := strings.TrimSpace(strings.TrimPrefix(line, tracePrefix))
		if !gjson.Valid(payload) {
			return lineResult{}, true
		}
		id := gjson.Get(payload, "trace_id")
		if !id.Exists() {
			id = gjson.Get(payload, "id")
		}
		if !id.Exists() || id.String() == "" {
			return lineResult{}, true
		}
		return lineResult{out: traceOpenTag + id.String() + traceCloseTag}, true

	default:
		// Bare-JSON framing from backends that do not speak SSE.
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "{") {
			return lineResult{out: line + "\n"}, true
		}
		return lineResult{}, true
	}
}

// chatStreamLine renders one line for the chat-stream route: SSE chunks are
// reduced to their bare text content.
func chatStreamLine(line string) lineResult {
	if res, handled := commonStreamLine(line); handled {
		return res
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, ssePrefix))
	if payload == doneSentinel || payload == "DONE" {
		return lineResult{done: true}
	}
	if !gjson.Valid(payload) {
		return lineResult{}
	}
	if v := gjson.Get(payload, "choices.0.delta.content"); v.Exists() {
		return lineResult{out: v.String()}
	}
	if v := gjson.Get(payload, "choices.0.message.content"); v.Exists() {
		return lineResult{out: v.String()}
	}
	return lineResult{}
}

// generateStreamLine renders one line for the generate-stream route: only
// SSE chunks carrying a string value field are forwarded, and the whole
// original line goes through so the client can re-parse it.
func generateStreamLine(line string) lineResult {
	if res, handled := commonStreamLine(line); handled {
		return res
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, ssePrefix))
	if payload == doneSentinel || payload == "DONE" {
		return lineResult{done: true}
	}
	if !gjson.Valid(payload) {
		return lineResult{}
	}
	if v := gjson.Get(payload, "value"); v.Exists() && v.Type == gjson.String {
		return lineResult{out: line + "\n"}
	}
	return lineResult{}
}

// streamTransform drives one backend stream through a line renderer and into
// the client response, flushing after every write. Bytes are emitted
// strictly in arrival order; a client disconnect stops further backend
// reads.
func (g *Gateway) streamTransform(w http.ResponseWriter, resp *http.Response, render func(string) lineResult) {
	defer func() { _ = resp.Body.Close() }()

	if g.mirrorUpstreamError(w, resp) {
		return
	}

	copyTraceHeader(w, resp)
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)

	var emitted strings.Builder
	lb := &lineBuffer{}
	buf := make([]byte, DefaultBufferSize)
	done := false
	clientGone := false

readLoop:
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range lb.feed(buf[:n]) {
				res := render(line)
				if res.out != "" {
					if _, werr := w.Write([]byte(res.out)); werr != nil {
						log.Debug().Err(werr).Msg("client disconnected mid-stream")
						clientGone = true
						break readLoop
					}
					if emitted.Len() < maxTokenAccountingBytes {
						emitted.WriteString(res.out)
					}
					if canFlush {
						flusher.Flush()
					}
				}
				if res.done {
					done = true
					break readLoop
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Debug().Err(readErr).Msg("error reading backend stream")
			}
			break
		}
	}

	// Backend closed without a DONE sentinel: flush a trailing JSON fragment
	// so late error payloads without a final newline still reach the client.
	if !done && !clientGone {
		if tail := strings.TrimSpace(lb.tail()); strings.HasPrefix(tail, "{") {
			if _, werr := w.Write([]byte(tail)); werr == nil && canFlush {
				flusher.Flush()
			}
		}
	}

	g.metrics.RecordStream()
	g.metrics.RecordTokensOut(g.tokens.Count(emitted.String()))
}
