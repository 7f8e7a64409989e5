package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mcplens/mcplens/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	st := New()
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, types.Session{ID: "s1", UserID: "u1", StartedAt: time.Now()})
	require.NoError(t, err)

	active, err := st.GetActiveSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, st.EndSession(ctx, sess.ID, 1.25))
	got, ok := st.Session(sess.ID)
	require.True(t, ok)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, 1.25, got.TotalCostEstimate)

	active, err = st.GetActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestEventsKeepInsertionOrder(t *testing.T) {
	st := New()
	ctx := context.Background()
	_, err := st.CreateSession(ctx, types.Session{ID: "s1", StartedAt: time.Now()})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := st.CreateEvent(ctx, types.Event{SessionID: "s1", Method: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	events := st.Events("s1")
	require.Len(t, events, 3)
	assert.Equal(t, "m0", events[0].Method)
	assert.Equal(t, "m2", events[2].Method)

	n, err := st.GetSessionEventCount(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAlertRuleFiltering(t *testing.T) {
	st := New()
	st.PutAlertRule(types.AlertRule{ID: "r1", UserID: "u1", Enabled: true})
	st.PutAlertRule(types.AlertRule{ID: "r2", UserID: "u2", Enabled: true})
	st.PutAlertRule(types.AlertRule{ID: "r3", UserID: "u1", Enabled: false})

	rules, err := st.GetAlertRules(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].ID)

	all, err := st.GetAlertRules(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSessionEvictionPrefersEnded(t *testing.T) {
	st := New()
	ctx := context.Background()

	for i := 0; i < maxSessions; i++ {
		id := fmt.Sprintf("s%d", i)
		_, err := st.CreateSession(ctx, types.Session{ID: id, StartedAt: time.Now()})
		require.NoError(t, err)
		if i < 10 {
			require.NoError(t, st.EndSession(ctx, id, 0))
		}
	}

	_, err := st.CreateSession(ctx, types.Session{ID: "overflow", StartedAt: time.Now()})
	require.NoError(t, err)

	// Half the ended sessions are gone; the new one and live ones survive.
	_, ok := st.Session("overflow")
	assert.True(t, ok)
	_, ok = st.Session("s0")
	assert.False(t, ok)
	_, ok = st.Session("s999")
	assert.True(t, ok)
}

func TestAlertCapHalves(t *testing.T) {
	st := New()
	ctx := context.Background()
	for i := 0; i < maxAlerts; i++ {
		_, err := st.CreateAlert(ctx, types.Alert{Message: fmt.Sprintf("a%d", i)})
		require.NoError(t, err)
	}
	_, err := st.CreateAlert(ctx, types.Alert{Message: "latest"})
	require.NoError(t, err)

	alerts := st.Alerts()
	assert.Equal(t, maxAlerts/2+1, len(alerts))
	assert.Equal(t, "latest", alerts[len(alerts)-1].Message)
}

func TestCleanupOldData(t *testing.T) {
	st := New()
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -10)
	_, err := st.CreateSession(ctx, types.Session{ID: "old", StartedAt: old})
	require.NoError(t, err)
	_, err = st.CreateEvent(ctx, types.Event{SessionID: "old"})
	require.NoError(t, err)
	st.mu.Lock()
	st.sessions["old"].EndedAt = &old
	st.mu.Unlock()

	_, err = st.CreateSession(ctx, types.Session{ID: "fresh", StartedAt: time.Now()})
	require.NoError(t, err)

	_, err = st.CreateAlert(ctx, types.Alert{ID: "stale", CreatedAt: old})
	require.NoError(t, err)
	_, err = st.CreateAlert(ctx, types.Alert{ID: "recent", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	removed, err := st.CleanupOldData(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, removed) // old session + its event + stale alert

	_, ok := st.Session("old")
	assert.False(t, ok)
	_, ok = st.Session("fresh")
	assert.True(t, ok)
	require.Len(t, st.Alerts(), 1)
	assert.Equal(t, "recent", st.Alerts()[0].ID)
}
