// Package store defines the storage contract the proxy core depends on.
// Implementations live in the subpackages; the core only ever sees this
// interface and the entity shapes in pkg/types.
package store

import (
	"context"

	"github.com/mcplens/mcplens/pkg/types"
)

type Store interface {
	CreateSession(ctx context.Context, s types.Session) (types.Session, error)
	EndSession(ctx context.Context, id string, totalCostEstimate float64) error
	CreateEvent(ctx context.Context, ev types.Event) (types.Event, error)

	// GetAlertRules returns enabled rules for one owner, or all enabled
	// rules when userID is empty.
	GetAlertRules(ctx context.Context, userID string) ([]types.AlertRule, error)
	CreateAlert(ctx context.Context, a types.Alert) (types.Alert, error)

	GetActiveSessions(ctx context.Context) ([]types.Session, error)
	GetSessionEventCount(ctx context.Context, sessionID string) (int, error)
	UpdateSessionCost(ctx context.Context, sessionID string, costDelta float64) error

	// CleanupOldData removes sessions ended more than retentionDays ago,
	// their dependent events, and alerts older than the same horizon.
	// Returns the number of records removed.
	CleanupOldData(ctx context.Context, retentionDays int) (int, error)

	Close() error
}
