package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcplens/mcplens/internal/config"
	"github.com/mcplens/mcplens/internal/intercept"
	"github.com/mcplens/mcplens/internal/store/memory"
	"github.com/mcplens/mcplens/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records sends and lets tests inject upstream traffic.
type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	connected bool

	messages  chan []byte
	lifecycle chan transport.LifecycleEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		messages:  make(chan []byte, 16),
		lifecycle: make(chan transport.LifecycleEvent, 16),
	}
}

func (f *fakeTransport) Name() string                { return "fake" }
func (f *fakeTransport) Start(context.Context) error { return nil }
func (f *fakeTransport) Stop(context.Context) error  { return nil }
func (f *fakeTransport) Messages() <-chan []byte     { return f.messages }

func (f *fakeTransport) Lifecycle() <-chan transport.LifecycleEvent {
	return f.lifecycle
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *fakeTransport) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.WSPort = 0
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg, nil)
	require.NoError(t, err)

	fake := newFakeTransport()
	up := &upstream{name: "fake", tr: fake, ic: intercept.New()}
	srv.upstreams = append(srv.upstreams, up)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.pipe.Start(ctx)
	require.NoError(t, srv.wsServer.Start(""))
	go srv.readLoop(up)
	go srv.lifecycleLoop(ctx, up)

	t.Cleanup(func() {
		_ = srv.pipe.Stop(context.Background())
		_ = srv.wsServer.Stop(context.Background())
	})
	return srv, fake
}

func postFrame(t *testing.T, handler http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) { cfg.Auth.APIKey = "sekrit" })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "ok", st.Status)
	require.Len(t, st.Upstreams, 1)
	assert.True(t, st.Upstreams[0].Connected)
}

func TestForwardRequiresAPIKey(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) { cfg.Auth.APIKey = "sekrit" })
	handler := srv.Router()
	frame := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	rec := postFrame(t, handler, frame, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postFrame(t, handler, frame, map[string]string{"X-Api-Key": "sekrit"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = postFrame(t, handler, frame, map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestForwardCreatesAndReusesSession(t *testing.T) {
	srv, fake := newTestServer(t, nil)
	handler := srv.Router()
	headers := map[string]string{"X-Agent-Id": "agent-1", "X-User-Id": "user-1"}

	rec := postFrame(t, handler, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, headers)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var first struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.NotEmpty(t, first.SessionID)
	assert.Equal(t, 1, srv.sessions.Count())

	rec = postFrame(t, handler, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, headers)
	var second struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, srv.sessions.Count())
	assert.Equal(t, 2, fake.sentCount())
}

func TestForwardBodyTooLarge(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) { cfg.Server.MaxBodySize = "1KB" })
	rec := postFrame(t, srv.Router(), strings.Repeat("x", 2048), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestForwardEmptyBody(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := postFrame(t, srv.Router(), "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNonRPCBodyIsForwardedButNotRecorded(t *testing.T) {
	srv, fake := newTestServer(t, nil)
	rec := postFrame(t, srv.Router(), "definitely not json-rpc", map[string]string{"X-User-Id": "u1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, fake.sentCount())

	require.NoError(t, srv.pipe.Flush(context.Background()))
	st := srv.store.(*memory.Store)
	for _, sess := range srv.sessions.Active() {
		assert.Empty(t, st.Events(sess.ID))
	}
}

func TestResponseFlowRecordsLatencyEvent(t *testing.T) {
	srv, fake := newTestServer(t, nil)
	headers := map[string]string{"X-Agent-Id": "agent-1", "X-User-Id": "user-1"}

	rec := postFrame(t, srv.Router(), `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"search"}}`, headers)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	fake.messages <- []byte(`{"jsonrpc":"2.0","id":5,"result":{"ok":true}}`)

	st := srv.store.(*memory.Store)
	require.Eventually(t, func() bool {
		return len(st.Events(resp.SessionID)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	events := st.Events(resp.SessionID)
	assert.Equal(t, "tools/call", events[1].Method)
	assert.Equal(t, "search", events[1].ToolName)
}

func TestNewSessionAnnouncedOnLiveChannel(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	wsSrv := httptest.NewServer(http.HandlerFunc(srv.wsServer.HandleUpgrade))
	defer wsSrv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(wsSrv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "subscribe",
		"payload": map[string]string{"userId": "user-1"},
	}))
	readWSFrame(t, conn, "subscribed")

	headers := map[string]string{"X-Agent-Id": "agent-1", "X-User-Id": "user-1"}
	rec := postFrame(t, srv.Router(), `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, headers)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	frame := readWSFrame(t, conn, "session:start")
	var sess struct {
		ID     string `json:"id"`
		UserID string `json:"userId"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &sess))
	assert.Equal(t, resp.SessionID, sess.ID)
	assert.Equal(t, "user-1", sess.UserID)

	// Reusing the session does not announce it again.
	rec = postFrame(t, srv.Router(), `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, headers)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, srv.pipe.Flush(context.Background()))

	for {
		frame, ok := tryReadWSFrame(t, conn)
		if !ok {
			break
		}
		assert.NotEqual(t, "session:start", frame.Type)
	}
}

type wsTestFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readWSFrame reads frames until one of the wanted type arrives.
func readWSFrame(t *testing.T, conn *websocket.Conn, wantType string) wsTestFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame, ok := tryReadWSFrame(t, conn)
		if ok && frame.Type == wantType {
			return frame
		}
	}
	t.Fatalf("no %s frame arrived", wantType)
	return wsTestFrame{}
}

func tryReadWSFrame(t *testing.T, conn *websocket.Conn) (wsTestFrame, bool) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return wsTestFrame{}, false
	}
	var frame wsTestFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame, true
}

func TestUpstreamExitEndsSession(t *testing.T) {
	srv, fake := newTestServer(t, nil)
	headers := map[string]string{"X-Agent-Id": "agent-1", "X-User-Id": "user-1"}

	rec := postFrame(t, srv.Router(), `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, headers)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, srv.sessions.Count())

	fake.lifecycle <- transport.LifecycleEvent{Kind: transport.LifecycleExit, Detail: "exit status 0"}

	require.Eventually(t, func() bool {
		return srv.sessions.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// A new frame after the exit opens a fresh session.
	rec = postFrame(t, srv.Router(), `{"jsonrpc":"2.0","id":2,"method":"initialize"}`, headers)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, srv.sessions.Count())
}

func TestInvalidateRulesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/rules/invalidate", bytes.NewReader([]byte(`{"userId":"u1"}`)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSHeadersForDashboardOrigin(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.DashboardURL = "https://dash.example.com"
	})
	handler := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
