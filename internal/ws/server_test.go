package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, apiKey string) (*Server, string) {
	t.Helper()
	s := NewServer(Config{APIKey: apiKey}, nil)
	require.NoError(t, s.Start(""))

	httpSrv := httptest.NewServer(http.HandlerFunc(s.HandleUpgrade))
	t.Cleanup(httpSrv.Close)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	return s, "ws" + strings.TrimPrefix(httpSrv.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) inboundFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f inboundFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func subscribe(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Frame{Type: "subscribe", Payload: subscribePayload{UserID: userID}}))
	ack := readFrame(t, conn)
	require.Equal(t, "subscribed", ack.Type)
}

func TestRejectsBadToken(t *testing.T) {
	_, url := startTestServer(t, "secret")

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=wrong", nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closeUnauthorized, closeErr.Code)
}

func TestAcceptsTokenQueryAndBearer(t *testing.T) {
	s, url := startTestServer(t, "secret")

	c1 := dial(t, url+"?token=secret", nil)
	subscribe(t, c1, "u1")

	header := http.Header{"Authorization": []string{"Bearer secret"}}
	c2 := dial(t, url, header)
	subscribe(t, c2, "u2")

	assert.Eventually(t, func() bool { return s.ClientCount() == 2 }, time.Second, 10*time.Millisecond)
}

func TestBroadcastToUserIsScoped(t *testing.T) {
	s, url := startTestServer(t, "")

	c1 := dial(t, url, nil)
	subscribe(t, c1, "u1")
	c2 := dial(t, url, nil)
	subscribe(t, c2, "u2")

	s.BroadcastToUser("u1", EventFrame(map[string]string{"hello": "u1"}))

	frame := readFrame(t, c1)
	assert.Equal(t, "event", frame.Type)

	_ = c2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := c2.ReadMessage()
	assert.Error(t, err, "other user's client must not receive the frame")
}

func TestUserIDIsSetOnce(t *testing.T) {
	_, url := startTestServer(t, "")

	conn := dial(t, url, nil)
	subscribe(t, conn, "u1")

	require.NoError(t, conn.WriteJSON(Frame{Type: "subscribe", Payload: subscribePayload{UserID: "u2"}}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
}

func TestPingFrame(t *testing.T) {
	_, url := startTestServer(t, "")
	conn := dial(t, url, nil)

	require.NoError(t, conn.WriteJSON(Frame{Type: "ping"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame.Type)
}

func TestMalformedFrameIsIgnored(t *testing.T) {
	_, url := startTestServer(t, "")
	conn := dial(t, url, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{{{")))

	// Connection stays usable.
	require.NoError(t, conn.WriteJSON(Frame{Type: "ping"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame.Type)
}

func TestSessionStartFrameShape(t *testing.T) {
	f := SessionStartFrame(map[string]any{"id": "s1"})
	assert.Equal(t, "session:start", f.Type)
	payload, ok := f.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "s1", payload["id"])
}

func TestSessionEndFrameShape(t *testing.T) {
	f := SessionEndFrame("s1", 1.5)
	assert.Equal(t, "session:end", f.Type)
	payload, ok := f.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "s1", payload["sessionId"])
	assert.Equal(t, 1.5, payload["totalCostEstimate"])
}

func TestHeartbeatSweepDropsDeadClients(t *testing.T) {
	s := NewServer(Config{}, nil)
	require.NoError(t, s.Start(""))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	httpSrv := httptest.NewServer(http.HandlerFunc(s.HandleUpgrade))
	t.Cleanup(httpSrv.Close)
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	// First sweep marks the client stale, second terminates it.
	s.sweep()
	_ = conn.Close() // dead peer: pong never arrives
	s.sweep()
	s.sweep()
	assert.Eventually(t, func() bool { return s.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}
