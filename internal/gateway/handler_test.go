package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/agentchat/dev-gateway/internal/config"
)

// fakeBackend mimics the agent backend's generation and init endpoints.
type fakeBackend struct {
	*httptest.Server
	initCalls atomic.Int32
	initFail  atomic.Bool
	lastBody  atomic.Value // string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	fb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fb.lastBody.Store(string(body))

		switch r.URL.Path {
		case "/chat":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
		case "/chat/stream":
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n"))
			_, _ = w.Write([]byte("data: [DONE]\n"))
		case "/generate":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"value":"generated"}`))
		case "/workflow/init":
			fb.initCalls.Add(1)
			if fb.initFail.Load() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"detail":"instance busy"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"initialized"}`))
		case "/workflow/call":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"state":{"chat":{"answer":"workflow answer"}}}`))
		case "/datastream/update":
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(fb.Server.Close)
	return fb
}

func newHandlerTest(t *testing.T) (*fakeBackend, *httptest.Server, http.Handler) {
	t.Helper()
	fb := newFakeBackend(t)

	dev := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Served-By", "dev-server")
		_, _ = w.Write([]byte("dev page"))
	}))
	t.Cleanup(dev.Close)

	cfg := config.Default()
	cfg.Upstreams.Backend = fb.URL
	cfg.Upstreams.DevServer = dev.URL
	require.NoError(t, cfg.Validate())

	g, err := New(cfg)
	require.NoError(t, err)
	return fb, dev, g.Handler()
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

const chatBody = `{"messages":[{"role":"user","content":"hi"}]}`

func TestHandler_ChatRoute(t *testing.T) {
	fb, _, h := newHandlerTest(t)

	w := postJSON(t, h, "/api/chat", chatBody)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())

	sent, _ := fb.lastBody.Load().(string)
	assert.Equal(t, "default_model", gjson.Get(sent, "model").String())
	assert.False(t, gjson.Get(sent, "stream").Bool())
}

func TestHandler_ChatStreamRoundTrip(t *testing.T) {
	_, _, h := newHandlerTest(t)

	w := postJSON(t, h, "/api/chat/stream", chatBody)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a", w.Body.String())
	assert.Equal(t, "text/event-stream; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestHandler_NonPrefixedGoesToDevServer(t *testing.T) {
	_, _, h := newHandlerTest(t)

	r := httptest.NewRequest(http.MethodGet, "/some/page", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dev page", w.Body.String())
	assert.Equal(t, "dev-server", w.Header().Get("X-Served-By"))
}

func TestHandler_PreflightShortCircuits(t *testing.T) {
	_, _, h := newHandlerTest(t)

	r := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	r.Header.Set("Origin", "http://localhost:3001")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3001", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), HeaderConversationID)
}

func TestHandler_RejectsTraversalPath(t *testing.T) {
	_, _, h := newHandlerTest(t)

	r := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(chatBody))
	r.URL.Path = "/api/../chat"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "gateway_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestHandler_RejectsUnlistedBackendPath(t *testing.T) {
	fb, _, h := newHandlerTest(t)

	w := postJSON(t, h, "/api/internal/admin", "{}")
	assert.Equal(t, http.StatusForbidden, w.Code)
	// Nothing ever reached the backend.
	assert.Nil(t, fb.lastBody.Load())
}

func TestHandler_BackendDownReturnsStructured502(t *testing.T) {
	fb, _, h := newHandlerTest(t)
	fb.Close()

	w := postJSON(t, h, "/api/chat", chatBody)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var resp map[string]map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "gateway_error", resp["error"]["type"])
	assert.NotEmpty(t, resp["error"]["message"])
}

func TestHandler_InvalidJSONBody(t *testing.T) {
	_, _, h := newHandlerTest(t)

	w := postJSON(t, h, "/api/chat", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_MethodNotAllowedOnProcessedRoute(t *testing.T) {
	_, _, h := newHandlerTest(t)

	r := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandler_WorkflowCallInitsOnce(t *testing.T) {
	fb, _, h := newHandlerTest(t)

	body := `{"messages":[{"role":"user","content":"question"}]}`
	for i := 0; i < 3; i++ {
		w := postJSON(t, h, "/api/workflow/call", body)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "workflow answer", w.Body.String())
	}
	assert.Equal(t, int32(1), fb.initCalls.Load())
}

func TestHandler_WorkflowInitPerConversation(t *testing.T) {
	fb, _, h := newHandlerTest(t)

	body := `{"messages":[{"role":"user","content":"q"}]}`
	for _, conv := range []string{"conv-a", "conv-b", "conv-a"} {
		r := httptest.NewRequest(http.MethodPost, "/api/workflow/call", strings.NewReader(body))
		r.Header.Set(HeaderConversationID, conv)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, int32(2), fb.initCalls.Load())
}

func TestHandler_WorkflowInitFailureMirroredAndRetried(t *testing.T) {
	fb, _, h := newHandlerTest(t)
	fb.initFail.Store(true)

	body := `{"messages":[{"role":"user","content":"q"}]}`
	w := postJSON(t, h, "/api/workflow/call", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "instance busy", gjson.Get(w.Body.String(), "detail").String())

	// The failed init must not mark the conversation; the next call retries
	// and succeeds.
	fb.initFail.Store(false)
	w = postJSON(t, h, "/api/workflow/call", body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "workflow answer", w.Body.String())
	assert.Equal(t, int32(2), fb.initCalls.Load())
}

func TestHandler_PassthroughRoute(t *testing.T) {
	_, _, h := newHandlerTest(t)

	w := postJSON(t, h, "/api/datastream/update", `{"rows":[1,2]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"ok":true}`, w.Body.String())
}

func TestHandler_FeedbackRoutesToDevServer(t *testing.T) {
	_, _, h := newHandlerTest(t)

	w := postJSON(t, h, "/api/feedback", `{"rating":5}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dev-server", w.Header().Get("X-Served-By"))
}

func TestHandler_HealthAndStats(t *testing.T) {
	_, _, h := newHandlerTest(t)

	r := httptest.NewRequest(http.MethodGet, "/gateway/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())

	r = httptest.NewRequest(http.MethodGet, "/gateway/stats", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "requests").Exists())
}

func TestHandler_ConversationHeaderForwarded(t *testing.T) {
	header := make(chan string, 1)
	captured := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat" {
			header <- r.Header.Get(HeaderConversationID)
		}
		_, _ = w.Write([]byte(`{"answer":"ok"}`))
	}))
	t.Cleanup(captured.Close)

	cfg := config.Default()
	cfg.Upstreams.Backend = captured.URL
	require.NoError(t, cfg.Validate())
	g, err := New(cfg)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(chatBody))
	r.Header.Set(HeaderConversationID, "conv-77")
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "conv-77", <-header)
}
