// Package intercept parses JSON-RPC 2.0 frames flowing through the proxy and
// correlates responses with their originating requests to recover method,
// tool identity, and latency.
package intercept

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/mcplens/mcplens/pkg/types"
)

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Envelope is the JSON-RPC 2.0 envelope. ID is kept raw so string and
// numeric ids round-trip unchanged.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Message is one accepted frame, annotated with whatever classification and
// correlation data could be recovered.
type Message struct {
	Raw       []byte
	Envelope  Envelope
	Direction types.Direction
	Timestamp time.Time

	// Method is the request method, or the matched request's method on a
	// correlated response.
	Method   string
	ToolName string

	// Matched is true when a response was correlated with a pending request.
	Matched   bool
	LatencyMs int64
}

type pendingRequest struct {
	method   string
	toolName string
	at       time.Time
}

// Interceptor tracks in-flight requests for a single transport connection.
// Ids only need to be unique within that connection, so each transport owns
// its own instance.
type Interceptor struct {
	mu      sync.Mutex
	pending map[string]pendingRequest
	now     func() time.Time
}

func New() *Interceptor {
	return &Interceptor{
		pending: make(map[string]pendingRequest),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Parse decodes a raw frame. Invalid JSON and wrong-version envelopes return
// nil: malformed bytes on a live stream are expected and must not surface as
// errors.
func (i *Interceptor) Parse(raw []byte, dir types.Direction) *Message {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	if env.JSONRPC != "2.0" {
		return nil
	}

	ts := i.now()
	msg := &Message{Raw: raw, Envelope: env, Direction: dir, Timestamp: ts}

	key, hasID := idKey(env.ID)

	switch {
	case dir == types.DirectionRequest && env.Method != "" && hasID:
		msg.Method = env.Method
		msg.ToolName = extractToolName(env.Method, env.Params)
		i.mu.Lock()
		i.pending[key] = pendingRequest{method: env.Method, toolName: msg.ToolName, at: ts}
		i.mu.Unlock()

	case dir == types.DirectionRequest && env.Method != "":
		// Notification: classified and passed through, never tracked.
		msg.Method = env.Method
		msg.ToolName = extractToolName(env.Method, env.Params)

	case dir == types.DirectionResponse && hasID:
		i.mu.Lock()
		if p, ok := i.pending[key]; ok {
			delete(i.pending, key)
			msg.Matched = true
			msg.Method = p.method
			msg.ToolName = p.toolName
			msg.LatencyMs = ts.Sub(p.at).Milliseconds()
		}
		i.mu.Unlock()
	}

	return msg
}

// ClearStale drops pending entries older than maxAge and returns how many
// were removed. Bounds memory when an upstream never answers.
func (i *Interceptor) ClearStale(maxAge time.Duration) int {
	cutoff := i.now().Add(-maxAge)
	i.mu.Lock()
	defer i.mu.Unlock()
	removed := 0
	for key, p := range i.pending {
		if p.at.Before(cutoff) {
			delete(i.pending, key)
			removed++
		}
	}
	return removed
}

// PendingCount reports the in-flight request count.
func (i *Interceptor) PendingCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// idKey canonicalizes a JSON-RPC id (string or number) into a map key.
func idKey(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return "s:" + s, true
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return "n:" + strconv.FormatFloat(n, 'g', -1, 64), true
	}
	return "", false
}

// extractToolName pulls a tool identity out of a request for classification.
// tools/call carries the tool's declared name; resources/read is mapped to a
// synthetic identifier built from the URI.
func extractToolName(method string, params json.RawMessage) string {
	switch method {
	case "tools/call":
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return ""
		}
		return p.Name
	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return ""
		}
		if p.URI == "" {
			return ""
		}
		return "resource:" + p.URI
	}
	return ""
}
