// Package sqlite is the durable store. One writer connection, WAL mode,
// schema created on open.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mcplens/mcplens/pkg/types"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			agent_id TEXT,
			started_ns INTEGER NOT NULL,
			ended_ns INTEGER,
			metadata_json TEXT,
			total_cost REAL NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_ns);`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			ts_ns INTEGER NOT NULL,
			direction TEXT NOT NULL,
			method TEXT,
			tool_name TEXT,
			params_json TEXT,
			result_json TEXT,
			error_json TEXT,
			latency_ms INTEGER,
			token_estimate INTEGER,
			cost_estimate REAL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_tool ON events(tool_name);`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			condition_json TEXT NOT NULL,
			webhook_url TEXT,
			enabled INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alert_rules_user ON alert_rules(user_id);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			event_id TEXT,
			message TEXT NOT NULL,
			severity TEXT NOT NULL,
			created_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_session ON alerts(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_ns);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, data types.Session) (types.Session, error) {
	if data.ID == "" {
		data.ID = uuid.NewString()
	}
	if data.StartedAt.IsZero() {
		data.StartedAt = time.Now().UTC()
	}
	data.TotalCostEstimate = 0

	var metadata any
	if len(data.Metadata) > 0 {
		b, err := json.Marshal(data.Metadata)
		if err != nil {
			return types.Session{}, fmt.Errorf("marshal session metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(id, user_id, agent_id, started_ns, metadata_json, total_cost)
		VALUES(?,?,?,?,?,0);`,
		data.ID,
		nullable(data.UserID),
		nullable(data.AgentID),
		data.StartedAt.UTC().UnixNano(),
		metadata,
	)
	if err != nil {
		return types.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return data, nil
}

func (s *Store) EndSession(ctx context.Context, id string, totalCostEstimate float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_ns = ?, total_cost = ? WHERE id = ?;`,
		time.Now().UTC().UnixNano(), totalCostEstimate, id,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (s *Store) CreateEvent(ctx context.Context, ev types.Event) (types.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	params, err := marshalJSONColumn(ev.Params)
	if err != nil {
		return types.Event{}, fmt.Errorf("marshal event params: %w", err)
	}
	result, err := marshalJSONColumn(ev.Result)
	if err != nil {
		return types.Event{}, fmt.Errorf("marshal event result: %w", err)
	}
	errCol, err := marshalJSONColumn(ev.Error)
	if err != nil {
		return types.Event{}, fmt.Errorf("marshal event error: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events(
			id, session_id, ts_ns, direction, method, tool_name,
			params_json, result_json, error_json,
			latency_ms, token_estimate, cost_estimate
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?);`,
		ev.ID,
		ev.SessionID,
		ev.Timestamp.UTC().UnixNano(),
		string(ev.Direction),
		nullable(ev.Method),
		nullable(ev.ToolName),
		params,
		result,
		errCol,
		nullableInt64(ev.LatencyMs),
		nullableInt(ev.TokenEstimate),
		nullableFloat(ev.CostEstimate),
	)
	if err != nil {
		return types.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

func (s *Store) GetAlertRules(ctx context.Context, userID string) ([]types.AlertRule, error) {
	query := `SELECT id, user_id, name, condition_json, webhook_url, enabled FROM alert_rules WHERE enabled = 1`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alert rules: %w", err)
	}
	defer rows.Close()

	var out []types.AlertRule
	for rows.Next() {
		var r types.AlertRule
		var condition string
		var webhook sql.NullString
		var enabled int
		if err := rows.Scan(&r.ID, &r.UserID, &r.Name, &condition, &webhook, &enabled); err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		if err := json.Unmarshal([]byte(condition), &r.Condition); err != nil {
			return nil, fmt.Errorf("unmarshal rule condition: %w", err)
		}
		r.WebhookURL = webhook.String
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("alert rules rows: %w", err)
	}
	return out, nil
}

// PutAlertRule upserts a rule. Rules are managed by external tooling; the
// proxy core only reads them.
func (s *Store) PutAlertRule(ctx context.Context, rule types.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	condition, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("marshal rule condition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alert_rules(id, user_id, name, condition_json, webhook_url, enabled)
		VALUES(?,?,?,?,?,?);`,
		rule.ID, rule.UserID, rule.Name, string(condition), nullable(rule.WebhookURL), boolToInt(rule.Enabled),
	)
	if err != nil {
		return fmt.Errorf("put alert rule: %w", err)
	}
	return nil
}

func (s *Store) CreateAlert(ctx context.Context, a types.Alert) (types.Alert, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts(id, rule_id, session_id, event_id, message, severity, created_ns)
		VALUES(?,?,?,?,?,?,?);`,
		a.ID, a.RuleID, a.SessionID, nullable(a.EventID), a.Message, string(a.Severity),
		a.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return types.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	return a, nil
}

func (s *Store) GetActiveSessions(ctx context.Context) ([]types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, agent_id, started_ns, metadata_json, total_cost
		FROM sessions WHERE ended_ns IS NULL;`)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		var sess types.Session
		var userID, agentID, metadata sql.NullString
		var startedNs int64
		if err := rows.Scan(&sess.ID, &userID, &agentID, &startedNs, &metadata, &sess.TotalCostEstimate); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.UserID = userID.String
		sess.AgentID = agentID.String
		sess.StartedAt = time.Unix(0, startedNs).UTC()
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &sess.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal session metadata: %w", err)
			}
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active sessions rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetSessionEventCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE session_id = ?;`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *Store) UpdateSessionCost(ctx context.Context, sessionID string, costDelta float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET total_cost = total_cost + ? WHERE id = ?;`,
		costDelta, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session cost: %w", err)
	}
	return nil
}

// CleanupOldData deletes sessions ended before the retention horizon together
// with their events, plus alerts created before the horizon. Active sessions
// are never touched.
func (s *Store) CleanupOldData(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).UnixNano()
	removed := 0

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE session_id IN
			(SELECT id FROM sessions WHERE ended_ns IS NOT NULL AND ended_ns < ?);`, cutoff)
	if err != nil {
		return removed, fmt.Errorf("cleanup events: %w", err)
	}
	removed += rowsAffected(res)

	res, err = s.db.ExecContext(ctx, `DELETE FROM alerts WHERE created_ns < ?;`, cutoff)
	if err != nil {
		return removed, fmt.Errorf("cleanup alerts: %w", err)
	}
	removed += rowsAffected(res)

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE ended_ns IS NOT NULL AND ended_ns < ?;`, cutoff)
	if err != nil {
		return removed, fmt.Errorf("cleanup sessions: %w", err)
	}
	removed += rowsAffected(res)

	return removed, nil
}

func rowsAffected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}

func marshalJSONColumn(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}

func nullableInt64(i int64) any {
	if i == 0 {
		return nil
	}
	return i
}

func nullableFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
