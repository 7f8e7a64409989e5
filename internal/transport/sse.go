package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxReconnectAttempts bounds consecutive failed connections before the
// transport gives up for good.
const maxReconnectAttempts = 10

// SSE connects to a remote MCP server over server-sent events. Upstream
// messages arrive as data frames on a long-lived GET; outbound messages are
// POSTed to the same endpoint.
type SSE struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu        sync.Mutex
	connected bool
	started   bool
	cancel    context.CancelFunc

	// maxAttempts and initialBackoff govern the reconnect loop. Tests
	// shrink them to exercise exhaustion without real waits.
	maxAttempts    int
	initialBackoff time.Duration

	messages  chan []byte
	lifecycle chan LifecycleEvent
	done      chan struct{}
}

type SSEConfig struct {
	Name    string
	URL     string
	Headers map[string]string

	// Client overrides the HTTP client, used by tests.
	Client *http.Client
}

func NewSSE(cfg SSEConfig, logger *slog.Logger) (*SSE, error) {
	if cfg.URL == "" {
		return nil, errors.New("sse url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		// No overall timeout: the GET stream is long-lived by design.
		client = &http.Client{}
	}
	return &SSE{
		name:           cfg.Name,
		url:            cfg.URL,
		headers:        cfg.Headers,
		client:         client,
		logger:         logger.With("upstream", cfg.Name),
		maxAttempts:    maxReconnectAttempts,
		initialBackoff: time.Second,
		messages:       make(chan []byte, 256),
		lifecycle:      make(chan LifecycleEvent, 16),
		done:           make(chan struct{}),
	}, nil
}

func (t *SSE) Name() string { return t.name }

func (t *SSE) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("sse transport already started")
	}
	t.started = true

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.run(runCtx)
	return nil
}

// run connects and reconnects with exponential backoff. Each successful
// connection resets the attempt counter; maxAttempts consecutive failures
// end the transport.
func (t *SSE) run(ctx context.Context) {
	defer t.close()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.initialBackoff
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		established, err := t.stream(ctx)
		t.setConnected(false)
		if ctx.Err() != nil {
			return
		}

		if established {
			attempts = 0
			bo.Reset()
		}
		attempts++
		if attempts >= t.maxAttempts {
			t.logger.Error("upstream unreachable, giving up",
				"attempts", attempts, "error", err)
			t.emit(LifecycleEvent{
				Kind: LifecycleError,
				Err:  fmt.Errorf("giving up after %d attempts: %w", attempts, err),
			})
			t.emit(LifecycleEvent{Kind: LifecycleExit, Detail: "reconnect attempts exhausted"})
			return
		}

		wait := bo.NextBackOff()
		t.logger.Warn("upstream disconnected, reconnecting",
			"attempt", attempts, "wait", wait, "error", err)
		t.emit(LifecycleEvent{Kind: LifecycleDisconnected, Err: err})

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// stream opens the event stream and dispatches data frames until the
// connection drops. The bool reports whether the stream was established,
// which resets the caller's failure count.
func (t *SSE) stream(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	t.setConnected(true)
	t.logger.Info("upstream connected", "url", t.url)
	t.emit(LifecycleEvent{Kind: LifecycleConnected})

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				t.dispatch(strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry: and comments are not used here.
		}
	}
	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("read stream: %w", err)
	}
	return true, errors.New("stream closed")
}

func (t *SSE) dispatch(data string) {
	if data == "" || data == "[DONE]" {
		return
	}
	select {
	case t.messages <- []byte(data):
	case <-t.done:
	}
}

// Send POSTs one message to the upstream endpoint.
func (t *SSE) Send(data []byte) error {
	if !t.Connected() {
		return fmt.Errorf("upstream %s not connected", t.name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to upstream %s: %w", t.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("upstream %s rejected message: status %d", t.name, resp.StatusCode)
	}
	return nil
}

func (t *SSE) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *SSE) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *SSE) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

func (t *SSE) Messages() <-chan []byte          { return t.messages }
func (t *SSE) Lifecycle() <-chan LifecycleEvent { return t.lifecycle }

func (t *SSE) emit(ev LifecycleEvent) {
	select {
	case t.lifecycle <- ev:
	default:
		t.logger.Debug("lifecycle channel full, dropping event", "kind", ev.Kind)
	}
}

func (t *SSE) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return
	default:
	}
	close(t.done)
	close(t.messages)
	close(t.lifecycle)
}
