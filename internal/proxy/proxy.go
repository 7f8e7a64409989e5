// Package proxy wires the whole system together: upstream transports, the
// interceptor, the event pipeline, alerting, session tracking, the live
// channel, and the HTTP ingress.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mcplens/mcplens/internal/alert"
	"github.com/mcplens/mcplens/internal/config"
	"github.com/mcplens/mcplens/internal/intercept"
	"github.com/mcplens/mcplens/internal/metrics"
	"github.com/mcplens/mcplens/internal/pipeline"
	"github.com/mcplens/mcplens/internal/session"
	"github.com/mcplens/mcplens/internal/store"
	"github.com/mcplens/mcplens/internal/store/memory"
	"github.com/mcplens/mcplens/internal/store/sqlite"
	"github.com/mcplens/mcplens/internal/transport"
	"github.com/mcplens/mcplens/internal/ws"
	"github.com/mcplens/mcplens/pkg/types"
)

const (
	// staleRequestAge bounds how long an unanswered request stays in the
	// correlation table.
	staleRequestAge = 30 * time.Second

	maintenanceInterval = 10 * time.Second
	retentionInterval   = 24 * time.Hour
)

// upstream pairs a transport with its own correlation table and the session
// currently bound to it.
type upstream struct {
	name string
	tr   transport.Transport
	ic   *intercept.Interceptor

	mu        sync.Mutex
	sessionID string
	userID    string
}

func (u *upstream) bind(sessionID, userID string) {
	u.mu.Lock()
	u.sessionID = sessionID
	u.userID = userID
	u.mu.Unlock()
}

func (u *upstream) binding() (sessionID, userID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessionID, u.userID
}

func (u *upstream) reset() {
	u.mu.Lock()
	u.sessionID = ""
	u.userID = ""
	u.mu.Unlock()
}

type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	store     store.Store
	sessions  *session.Manager
	pipe      *pipeline.Pipeline
	evaluator *alert.Evaluator
	wsServer  *ws.Server
	metrics   *metrics.Collector

	upstreams []*upstream
	maxBody   int64

	mu         sync.Mutex
	bound      map[string]string // agent\x00user -> session id
	started    bool
	cancel     context.CancelFunc
	httpServer *http.Server
}

// New builds a fully wired but not yet started server.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	maxBody, err := config.ParseByteSize(cfg.Server.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("max body size: %w", err)
	}

	collector := metrics.New()
	wsServer := ws.NewServer(ws.Config{APIKey: cfg.Auth.APIKey}, logger)
	sessions := session.NewManager(st, logger)
	webhooks := alert.NewWebhookDeliverer(nil, collector, logger)
	evaluator := alert.NewEvaluator(st, wsServer, webhooks, collector, logger)
	pipe := pipeline.New(pipeline.Config{
		MaxEventsPerSession: cfg.Storage.MaxEventsPerSession,
		Rates:               cfg.Costs,
	}, st, sessions, evaluator, wsServer, collector, logger)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		sessions:  sessions,
		pipe:      pipe,
		evaluator: evaluator,
		wsServer:  wsServer,
		metrics:   collector,
		maxBody:   maxBody,
		bound:     make(map[string]string),
	}

	for _, spec := range cfg.Upstream {
		tr, err := buildTransport(spec, logger)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", spec.Name, err)
		}
		s.upstreams = append(s.upstreams, &upstream{
			name: spec.Name,
			tr:   tr,
			ic:   intercept.New(),
		})
	}
	return s, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Kind {
	case "sqlite":
		st, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default:
		return memory.New(), nil
	}
}

func buildTransport(spec config.UpstreamSpec, logger *slog.Logger) (transport.Transport, error) {
	switch spec.Transport {
	case "sse":
		return transport.NewSSE(transport.SSEConfig{
			Name:    spec.Name,
			URL:     spec.URL,
			Headers: spec.Headers,
		}, logger)
	default:
		return transport.NewStdio(transport.StdioConfig{
			Name:    spec.Name,
			Command: spec.Command,
			Args:    spec.Args,
			Env:     spec.Env,
		}, logger)
	}
}

// Start brings up every component and begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("proxy already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	wsAddr := ""
	if s.cfg.Server.WSPort > 0 {
		wsAddr = fmt.Sprintf(":%d", s.cfg.Server.WSPort)
	}
	if err := s.wsServer.Start(wsAddr); err != nil {
		return fmt.Errorf("start ws server: %w", err)
	}

	s.pipe.Start(runCtx)

	for _, up := range s.upstreams {
		if err := up.tr.Start(runCtx); err != nil {
			return fmt.Errorf("start upstream %s: %w", up.name, err)
		}
		go s.readLoop(up)
		go s.lifecycleLoop(runCtx, up)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()

	go s.maintenanceLoop(runCtx)
	go s.retentionLoop(runCtx)

	s.logger.Info("proxy started",
		"port", s.cfg.Server.Port,
		"ws_port", s.cfg.Server.WSPort,
		"upstreams", len(s.upstreams),
		"storage", s.cfg.Storage.Kind)
	return nil
}

// readLoop feeds upstream messages through the interceptor into the pipeline.
func (s *Server) readLoop(up *upstream) {
	for raw := range up.tr.Messages() {
		msg := up.ic.Parse(raw, types.DirectionResponse)
		if msg == nil {
			// Malformed frames on a live stream are dropped silently.
			continue
		}
		sessionID, userID := up.binding()
		if sessionID == "" {
			continue
		}
		s.pipe.Process(msg, sessionID, userID)
	}
}

// lifecycleLoop watches transport state. An exit or terminal error ends the
// bound session and announces the final cost on the live channel.
func (s *Server) lifecycleLoop(ctx context.Context, up *upstream) {
	for ev := range up.tr.Lifecycle() {
		switch ev.Kind {
		case transport.LifecycleConnected:
			s.logger.Info("upstream connected", "upstream", up.name)
		case transport.LifecycleDisconnected:
			s.logger.Warn("upstream disconnected", "upstream", up.name, "error", ev.Err)
		case transport.LifecycleStderr:
			s.logger.Debug("upstream stderr", "upstream", up.name, "line", ev.Detail)
		case transport.LifecycleError:
			s.logger.Error("upstream error", "upstream", up.name, "error", ev.Err)
		case transport.LifecycleExit:
			s.logger.Info("upstream exited", "upstream", up.name, "detail", ev.Detail)
			s.endBoundSession(ctx, up)
		}
	}
}

func (s *Server) endBoundSession(ctx context.Context, up *upstream) {
	sessionID, userID := up.binding()
	up.reset()
	if sessionID == "" {
		return
	}

	finalCost := 0.0
	if sess, ok := s.sessions.Get(sessionID); ok {
		finalCost = sess.TotalCostEstimate
	}
	if err := s.sessions.End(ctx, sessionID); err != nil {
		s.logger.Warn("ending session failed", "session_id", sessionID, "error", err)
	}
	s.pipe.ClearSessionCount(sessionID)

	s.mu.Lock()
	for key, id := range s.bound {
		if id == sessionID {
			delete(s.bound, key)
		}
	}
	s.mu.Unlock()

	if userID != "" {
		s.wsServer.BroadcastToUser(userID, ws.SessionEndFrame(sessionID, finalCost))
	}
}

// ensureSession returns the session bound to the agent/user pair, creating
// one on first contact.
func (s *Server) ensureSession(ctx context.Context, agentID, userID string) (types.Session, error) {
	key := agentID + "\x00" + userID

	s.mu.Lock()
	id, ok := s.bound[key]
	s.mu.Unlock()
	if ok {
		if sess, live := s.sessions.Get(id); live {
			return sess, nil
		}
	}

	sess, err := s.sessions.Start(ctx, agentID, userID, nil)
	if err != nil {
		return types.Session{}, err
	}
	s.mu.Lock()
	s.bound[key] = sess.ID
	s.mu.Unlock()

	if userID != "" {
		s.wsServer.BroadcastToUser(userID, ws.SessionStartFrame(sess))
	}
	s.logger.Info("session started", "session_id", sess.ID, "agent_id", agentID, "user_id", userID)
	return sess, nil
}

func (s *Server) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, up := range s.upstreams {
				if n := up.ic.ClearStale(staleRequestAge); n > 0 {
					s.logger.Debug("cleared stale pending requests", "upstream", up.name, "count", n)
				}
			}
			if n := s.evaluator.EvictCounters(); n > 0 {
				s.logger.Debug("evicted alert counters", "count", n)
			}
		}
	}
}

// retentionLoop prunes old data at startup and daily thereafter.
func (s *Server) retentionLoop(ctx context.Context) {
	s.runRetention(ctx)
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runRetention(ctx)
		}
	}
}

func (s *Server) runRetention(ctx context.Context) {
	removed, err := s.store.CleanupOldData(ctx, s.cfg.Storage.LogRetentionDays)
	if err != nil {
		s.logger.Warn("retention cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("retention cleanup done",
			"removed", removed, "retention_days", s.cfg.Storage.LogRetentionDays)
	}
}

// SetCostRates updates event pricing at runtime, used by the hot-reload
// watcher.
func (s *Server) SetCostRates(rates types.CostRates) {
	s.pipe.SetCostRates(rates)
}

// InvalidateAlertRules drops cached rules so edits take effect immediately.
func (s *Server) InvalidateAlertRules(userID string) {
	s.evaluator.InvalidateRules(userID)
}

// UpstreamStatus is one upstream's health entry.
type UpstreamStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Pending   int    `json:"pendingRequests"`
}

// Status summarizes the running proxy for /health and the CLI.
type Status struct {
	Status         string           `json:"status"`
	Upstreams      []UpstreamStatus `json:"upstreams"`
	ActiveSessions int              `json:"activeSessions"`
	WSClients      int              `json:"wsClients"`
	Metrics        metrics.Snapshot `json:"metrics"`
}

func (s *Server) Status() Status {
	st := Status{
		Status:         "ok",
		ActiveSessions: s.sessions.Count(),
		WSClients:      s.wsServer.ClientCount(),
		Metrics:        s.metrics.Snapshot(),
	}
	for _, up := range s.upstreams {
		st.Upstreams = append(st.Upstreams, UpstreamStatus{
			Name:      up.name,
			Connected: up.tr.Connected(),
			Pending:   up.ic.PendingCount(),
		})
	}
	return st
}

// Stop shuts everything down in dependency order.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	httpServer := s.httpServer
	s.mu.Unlock()

	var errs []error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	for _, up := range s.upstreams {
		if err := up.tr.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop upstream %s: %w", up.name, err))
		}
	}
	if err := s.pipe.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop pipeline: %w", err))
	}
	s.sessions.EndAll(ctx)
	if err := s.wsServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop ws server: %w", err))
	}
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
