// Request payload builders.
//
// DESIGN: Pure functions turning the UI's message list and free-form option
// string into the exact JSON body each backend endpoint expects. The chat
// builders own the model, temperature and stream keys; caller-supplied
// optional parameters can add anything else but can never override those
// three. A malformed optional-parameter string falls back to defaults
// rather than failing the request.
package gateway

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/agentchat/dev-gateway/internal/utils"
)

// Message is one entry of the UI's ordered chat transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	defaultChatModel       = "default_model"
	defaultChatTemperature = 0.0
)

// reservedParamKeys are owned by the builders; optional parameters carrying
// them are dropped so a caller cannot smuggle a different model or a
// contradictory stream flag.
var reservedParamKeys = map[string]bool{
	"messages": true,
	"model":    true,
	"stream":   true,
}

// lastMessageText returns the text of the final message, or "" for an empty
// transcript.
func lastMessageText(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
}

// BuildChatPayload builds the body for the chat and chat-stream endpoints.
// Without chat history only the final message is sent; with it the full
// ordered sequence goes out.
func BuildChatPayload(messages []Message, stream, useHistory bool, optional string) ([]byte, error) {
	msgs := messages
	if !useHistory {
		msgs = []Message{{Role: "user", Content: lastMessageText(messages)}}
	}
	if msgs == nil {
		msgs = []Message{}
	}

	body, err := utils.MarshalNoEscape(map[string]any{
		"messages":    msgs,
		"model":       defaultChatModel,
		"temperature": defaultChatTemperature,
		"stream":      stream,
	})
	if err != nil {
		return nil, err
	}

	for k, v := range parseOptionalParams(optional) {
		if reservedParamKeys[k] {
			continue
		}
		if merged, serr := sjson.SetBytes(body, k, v); serr == nil {
			body = merged
		}
	}
	return body, nil
}

// BuildGeneratePayload builds the body for the generate and generate-stream
// endpoints: a single input_message, or the full transcript in history mode.
func BuildGeneratePayload(messages []Message, useHistory bool) ([]byte, error) {
	if useHistory {
		msgs := messages
		if msgs == nil {
			msgs = []Message{}
		}
		return utils.MarshalNoEscape(map[string]any{"messages": msgs})
	}
	return utils.MarshalNoEscape(map[string]any{"input_message": lastMessageText(messages)})
}

// BuildWorkflowPayload wraps the final message into the stateful workflow's
// nested question shape.
func BuildWorkflowPayload(messages []Message) ([]byte, error) {
	return utils.MarshalNoEscape(map[string]any{
		"state": map[string]any{
			"chat": map[string]any{
				"question": lastMessageText(messages),
			},
		},
	})
}

// parseOptionalParams parses the free-form option string. A JSON object
// string is taken as-is; otherwise a comma-separated key=value list is
// accepted with first-match coercion: "true"/"false" to bool, numeric to
// number, everything else a string. Malformed JSON yields nil (defaults).
func parseOptionalParams(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if strings.HasPrefix(raw, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil
		}
		return m
	}

	m := make(map[string]any)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" {
			continue
		}
		switch {
		case v == "true":
			m[k] = true
		case v == "false":
			m[k] = false
		default:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				m[k] = f
			} else {
				m[k] = v
			}
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
