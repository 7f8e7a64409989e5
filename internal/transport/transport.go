// Package transport connects the proxy to upstream MCP servers. Two
// transports are supported: a child process speaking line-delimited JSON-RPC
// on stdio, and a remote server speaking server-sent events.
package transport

import "context"

// LifecycleKind classifies out-of-band transport events.
type LifecycleKind string

const (
	LifecycleConnected    LifecycleKind = "connected"
	LifecycleDisconnected LifecycleKind = "disconnected"
	LifecycleExit         LifecycleKind = "exit"
	LifecycleError        LifecycleKind = "error"
	LifecycleStderr       LifecycleKind = "stderr"
)

// LifecycleEvent reports a transport state change. Err is set for error
// events; Detail carries stderr lines and exit descriptions.
type LifecycleEvent struct {
	Kind   LifecycleKind
	Detail string
	Err    error
}

// Transport is one upstream connection. Messages carries every payload the
// upstream sends; Lifecycle carries state changes. Both channels close when
// the transport stops for good.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Send(data []byte) error
	Stop(ctx context.Context) error
	Connected() bool
	Messages() <-chan []byte
	Lifecycle() <-chan LifecycleEvent
}
