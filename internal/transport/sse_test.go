package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseTestServer streams fixed events on GET and records POSTed bodies.
type sseTestServer struct {
	mu     sync.Mutex
	posted [][]byte
	events []string
	hold   chan struct{}
}

func (s *sseTestServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, ev := range s.events {
				fmt.Fprintf(w, "data: %s\n\n", ev)
			}
			flusher.Flush()
			if s.hold != nil {
				<-s.hold
			}
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			s.mu.Lock()
			s.posted = append(s.posted, body)
			s.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
		}
	}
}

func TestSSEReceivesDataFrames(t *testing.T) {
	backend := &sseTestServer{
		events: []string{
			`{"jsonrpc":"2.0","id":1,"result":{}}`,
			`{"jsonrpc":"2.0","id":2,"result":{}}`,
		},
		hold: make(chan struct{}),
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()
	defer close(backend.hold)

	tr, err := NewSSE(SSEConfig{Name: "remote", URL: srv.URL}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))

	waitLifecycle(t, tr, LifecycleConnected)
	require.True(t, tr.Connected())

	for i := 1; i <= 2; i++ {
		select {
		case msg := <-tr.Messages():
			assert.Contains(t, string(msg), fmt.Sprintf(`"id":%d`, i))
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestSSESendPosts(t *testing.T) {
	backend := &sseTestServer{hold: make(chan struct{})}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()
	defer close(backend.hold)

	tr, err := NewSSE(SSEConfig{Name: "remote", URL: srv.URL}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))
	waitLifecycle(t, tr, LifecycleConnected)

	msg := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.NoError(t, tr.Send(msg))

	assert.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.posted) == 1 && string(backend.posted[0]) == string(msg)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSSESendWhenDisconnected(t *testing.T) {
	tr, err := NewSSE(SSEConfig{Name: "remote", URL: "http://127.0.0.1:0"}, nil)
	require.NoError(t, err)
	assert.Error(t, tr.Send([]byte("{}")))
}

func TestSSEMultiLineData(t *testing.T) {
	backend := &sseTestServer{hold: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"a\":\ndata: 1}\n\n")
		w.(http.Flusher).Flush()
		<-backend.hold
	}))
	defer srv.Close()
	defer close(backend.hold)

	tr, err := NewSSE(SSEConfig{Name: "remote", URL: srv.URL}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))

	select {
	case msg := <-tr.Messages():
		assert.Equal(t, "{\"a\":\n1}", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("multi-line event never arrived")
	}
}

func TestSSEReconnectExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr, err := NewSSE(SSEConfig{Name: "remote", URL: srv.URL}, nil)
	require.NoError(t, err)
	tr.maxAttempts = 3
	tr.initialBackoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))

	ev := waitLifecycle(t, tr, LifecycleError)
	assert.ErrorContains(t, ev.Err, "giving up after 3 attempts")

	ev = waitLifecycle(t, tr, LifecycleExit)
	assert.Equal(t, "reconnect attempts exhausted", ev.Detail)

	// The transport is done for good: channels close, no further reconnects.
	select {
	case _, open := <-tr.Messages():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel never closed")
	}
	_, open := <-tr.Lifecycle()
	assert.False(t, open)
	assert.False(t, tr.Connected())
}

func TestSSEStopEndsTransport(t *testing.T) {
	backend := &sseTestServer{hold: make(chan struct{})}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()
	defer close(backend.hold)

	tr, err := NewSSE(SSEConfig{Name: "remote", URL: srv.URL}, nil)
	require.NoError(t, err)

	require.NoError(t, tr.Start(context.Background()))
	waitLifecycle(t, tr, LifecycleConnected)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Stop(stopCtx))

	// Channels close once the transport is done.
	_, open := <-tr.Messages()
	assert.False(t, open)
}
