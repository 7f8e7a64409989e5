// Package session tracks active proxy sessions. The manager owns the live
// index; the store keeps the durable copy.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcplens/mcplens/internal/store"
	"github.com/mcplens/mcplens/pkg/types"
	"golang.org/x/sync/errgroup"
)

type Manager struct {
	mu     sync.RWMutex
	active map[string]*types.Session

	store  store.Store
	logger *slog.Logger
}

func NewManager(st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		active: make(map[string]*types.Session),
		store:  st,
		logger: logger,
	}
}

// Start creates a session with a fresh id, persists it, and indexes it.
func (m *Manager) Start(ctx context.Context, agentID, userID string, metadata map[string]any) (types.Session, error) {
	sess, err := m.store.CreateSession(ctx, types.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		StartedAt: time.Now().UTC(),
		Metadata:  metadata,
	})
	if err != nil {
		return types.Session{}, fmt.Errorf("create session: %w", err)
	}

	m.mu.Lock()
	s := sess
	m.active[s.ID] = &s
	m.mu.Unlock()
	return sess, nil
}

// End finalizes the accumulated cost to storage and drops the session from
// the active index. Unknown ids are a no-op.
func (m *Manager) End(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := m.store.EndSession(ctx, id, sess.TotalCostEstimate); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// EndAll ends every active session concurrently, tolerating individual
// failures. Used at shutdown.
func (m *Manager) EndAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.End(ctx, id); err != nil {
				m.logger.Warn("end session failed", "session_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Get returns a snapshot of an active session.
func (m *Manager) Get(id string) (types.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.active[id]
	if !ok {
		return types.Session{}, false
	}
	return *sess, true
}

// Active returns snapshots of all active sessions.
func (m *Manager) Active() []types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Session, 0, len(m.active))
	for _, sess := range m.active {
		out = append(out, *sess)
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// AddCost bumps a session's running cost estimate. Costs only ever grow
// while a session is live.
func (m *Manager) AddCost(id string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.active[id]; ok {
		sess.TotalCostEstimate += delta
	}
}
