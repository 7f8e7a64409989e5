// Package memory provides the in-memory store used when no database is
// configured, and doubles as the storage fake in tests. All tables are
// bounded: sessions evict ended-first at capacity, per-session events drop
// silently at their cap, and the alert log halves itself when full.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcplens/mcplens/pkg/types"
)

const (
	maxSessions         = 1000
	maxEventsPerSession = 5000
	maxAlerts           = 10000
)

type Store struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
	events   map[string][]types.Event
	rules    []types.AlertRule
	alerts   []types.Alert
}

func New() *Store {
	return &Store{
		sessions: make(map[string]*types.Session),
		events:   make(map[string][]types.Event),
	}
}

func (s *Store) CreateSession(_ context.Context, data types.Session) (types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) >= maxSessions {
		s.evictOldSessions()
	}
	data.TotalCostEstimate = 0
	sess := data
	s.sessions[sess.ID] = &sess
	s.events[sess.ID] = nil
	return sess, nil
}

func (s *Store) EndSession(_ context.Context, id string, totalCostEstimate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		now := time.Now().UTC()
		sess.EndedAt = &now
		sess.TotalCostEstimate = totalCostEstimate
	}
	return nil
}

func (s *Store) CreateEvent(_ context.Context, ev types.Event) (types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	list := s.events[ev.SessionID]
	if len(list) >= maxEventsPerSession {
		// Silent drop at the cap; the caller already enforces its own limit.
		return ev, nil
	}
	s.events[ev.SessionID] = append(list, ev)
	return ev, nil
}

func (s *Store) GetAlertRules(_ context.Context, userID string) ([]types.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AlertRule
	for _, r := range s.rules {
		if !r.Enabled {
			continue
		}
		if userID != "" && r.UserID != userID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// PutAlertRule registers a rule. Rules are owned by external tooling; this
// entry point exists for that tooling and for tests.
func (s *Store) PutAlertRule(rule types.AlertRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	for idx, r := range s.rules {
		if r.ID == rule.ID {
			s.rules[idx] = rule
			return
		}
	}
	s.rules = append(s.rules, rule)
}

func (s *Store) CreateAlert(_ context.Context, a types.Alert) (types.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if len(s.alerts) >= maxAlerts {
		s.alerts = append([]types.Alert(nil), s.alerts[maxAlerts/2:]...)
	}
	s.alerts = append(s.alerts, a)
	return a, nil
}

func (s *Store) GetActiveSessions(_ context.Context) ([]types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Session
	for _, sess := range s.sessions {
		if sess.EndedAt == nil {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *Store) GetSessionEventCount(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[sessionID]), nil
}

func (s *Store) UpdateSessionCost(_ context.Context, sessionID string, costDelta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.TotalCostEstimate += costDelta
	return nil
}

func (s *Store) CleanupOldData(_ context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.EndedAt != nil && sess.EndedAt.Before(cutoff) {
			removed += len(s.events[id]) + 1
			delete(s.sessions, id)
			delete(s.events, id)
		}
	}

	kept := s.alerts[:0]
	for _, a := range s.alerts {
		if a.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	s.alerts = kept

	return removed, nil
}

func (s *Store) Close() error { return nil }

// Events returns a copy of a session's stored events in insertion order.
func (s *Store) Events(sessionID string) []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Event(nil), s.events[sessionID]...)
}

// Alerts returns a copy of the stored alerts.
func (s *Store) Alerts() []types.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Alert(nil), s.alerts...)
}

// Session returns the stored session, if any.
func (s *Store) Session(id string) (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return types.Session{}, false
	}
	return *sess, true
}

// evictOldSessions removes ended sessions oldest-first, falling back to the
// single oldest session when nothing has ended yet. Caller holds the lock.
func (s *Store) evictOldSessions() {
	type entry struct {
		id string
		at time.Time
	}
	var ended []entry
	for id, sess := range s.sessions {
		if sess.EndedAt != nil {
			ended = append(ended, entry{id, *sess.EndedAt})
		}
	}
	if len(ended) > 0 {
		sort.Slice(ended, func(i, j int) bool { return ended[i].at.Before(ended[j].at) })
		n := len(ended) / 2
		if n < 1 {
			n = 1
		}
		for _, e := range ended[:n] {
			delete(s.sessions, e.id)
			delete(s.events, e.id)
		}
		return
	}

	var oldest entry
	for id, sess := range s.sessions {
		if oldest.id == "" || sess.StartedAt.Before(oldest.at) {
			oldest = entry{id, sess.StartedAt}
		}
	}
	if oldest.id != "" {
		delete(s.sessions, oldest.id)
		delete(s.events, oldest.id)
	}
}
