// Package ws implements the live event channel. Clients connect over
// WebSocket, bind to a user id, and receive event and alert frames for
// sessions owned by that user.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	heartbeatInterval = 30 * time.Second

	// closeUnauthorized is sent before dropping a connection that failed
	// token auth.
	closeUnauthorized = 4401
)

type Server struct {
	apiKey string
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	started bool
	stop    chan struct{}

	httpServer *http.Server
}

type Config struct {
	// APIKey, when set, is required from clients via Authorization bearer
	// or the token query parameter.
	APIKey string
}

func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		apiKey: cfg.APIKey,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Start runs the heartbeat loop and, when addr is non-empty, a standalone
// listener serving the upgrade endpoint at /.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("ws server already started")
	}
	s.started = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	go s.heartbeatLoop()

	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HandleUpgrade)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ws listener failed", "error", err)
		}
	}()
	s.logger.Info("ws server listening", "addr", addr)
	return nil
}

// Stop closes the listener and every connected client.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stop)
	conns := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// HandleUpgrade upgrades the request and runs the client read loop. It is
// mounted on the main router at /ws and on the standalone listener.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", "error", err)
		return
	}

	if s.apiKey != "" && !s.authorized(r) {
		_ = conn.WriteJSON(Frame{Type: "error", Payload: map[string]string{"message": "unauthorized"}})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeUnauthorized, "unauthorized"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	c := newClient(conn, true)
	conn.SetPongHandler(func(string) error {
		c.markAlive(true)
		return nil
	})

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.readLoop(c)
}

func (s *Server) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
			token = t
		}
	}
	return token == s.apiKey
}

func (s *Server) readLoop(c *client) {
	defer s.remove(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.markAlive(true)
		s.handleFrame(c, data)
	}
}

func (s *Server) handleFrame(c *client, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		// Malformed control frames are ignored rather than fatal.
		return
	}

	switch frame.Type {
	case "subscribe":
		var sub subscribePayload
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &sub); err != nil {
				return
			}
		}
		if sub.UserID != "" && !c.setUserID(sub.UserID) {
			_ = c.send(Frame{Type: "error", Payload: map[string]string{
				"message": "connection already bound to a user",
			}})
			return
		}
		c.subscribe(sub.SessionIDs)
		userID, _ := c.owner()
		_ = c.send(Frame{Type: "subscribed", Payload: map[string]string{"userId": userID}})

	case "unsubscribe":
		var sub subscribePayload
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &sub); err != nil {
				return
			}
		}
		c.unsubscribe(sub.SessionIDs)

	case "ping":
		_ = c.send(Frame{Type: "pong"})
	}
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	_ = c.conn.Close()
}

func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep terminates clients that missed the previous ping and pings the rest.
func (s *Server) sweep() {
	s.mu.Lock()
	conns := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.isAlive() {
			s.logger.Debug("ws client missed heartbeat, terminating")
			s.remove(c)
			continue
		}
		c.markAlive(false)
		if err := c.ping(); err != nil {
			s.remove(c)
		}
	}
}

// Broadcast sends a frame to every connected client.
func (s *Server) Broadcast(frame Frame) {
	s.each(func(c *client) bool { return true }, frame)
}

// BroadcastToUser sends a frame to clients bound to userID.
func (s *Server) BroadcastToUser(userID string, frame Frame) {
	s.each(func(c *client) bool {
		owner, _ := c.owner()
		return owner == userID
	}, frame)
}

func (s *Server) each(match func(*client) bool, frame Frame) {
	s.mu.Lock()
	conns := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !match(c) {
			continue
		}
		if err := c.send(frame); err != nil {
			s.logger.Debug("ws send failed, dropping client", "error", err)
			s.remove(c)
		}
	}
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// EventFrame wraps an enriched event for the live channel.
func EventFrame(payload any) Frame { return Frame{Type: "event", Payload: payload} }

// AlertFrame wraps a triggered alert for the live channel.
func AlertFrame(payload any) Frame { return Frame{Type: "alert", Payload: payload} }

// SessionStartFrame announces a newly created session.
func SessionStartFrame(session any) Frame {
	return Frame{Type: "session:start", Payload: session}
}

// SessionEndFrame announces a finished session with its final cost.
func SessionEndFrame(sessionID string, totalCost float64) Frame {
	return Frame{Type: "session:end", Payload: map[string]any{
		"sessionId":         sessionID,
		"totalCostEstimate": totalCost,
	}}
}
