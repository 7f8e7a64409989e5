package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is the JSON message unit on the live channel, both directions.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// inboundFrame defers payload decoding until the frame type is known.
type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	UserID     string   `json:"userId,omitempty"`
	SessionIDs []string `json:"sessionIds,omitempty"`
}

type client struct {
	conn *websocket.Conn

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	mu            sync.Mutex
	alive         bool
	authenticated bool
	userID        string
	subscriptions map[string]struct{}
}

func newClient(conn *websocket.Conn, authenticated bool) *client {
	return &client{
		conn:          conn,
		alive:         true,
		authenticated: authenticated,
		subscriptions: make(map[string]struct{}),
	}
}

func (c *client) send(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

// setUserID binds the connection to an owner exactly once. A second attempt
// with a different id is rejected so a shared connection cannot be re-pointed
// at another user's stream.
func (c *client) setUserID(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" && c.userID != id {
		return false
	}
	c.userID = id
	return true
}

func (c *client) subscribe(sessionIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range sessionIDs {
		c.subscriptions[id] = struct{}{}
	}
}

func (c *client) unsubscribe(sessionIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range sessionIDs {
		delete(c.subscriptions, id)
	}
}

func (c *client) owner() (userID string, authenticated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.authenticated
}

func (c *client) markAlive(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = v
}

func (c *client) isAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}
