// Package alert evaluates user-defined rules against the event stream and
// fans triggered alerts out to the live channel and to webhooks.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mcplens/mcplens/internal/metrics"
	"github.com/mcplens/mcplens/internal/store"
	"github.com/mcplens/mcplens/internal/ws"
	"github.com/mcplens/mcplens/pkg/types"
)

const (
	rulesCacheTTL = 30 * time.Second
	maxCounters   = 10000

	// defaultWindowSeconds is the evaluation window when a rule does not
	// set one.
	defaultWindowSeconds = 300
)

// Broadcaster pushes frames to live channel clients of one user.
type Broadcaster interface {
	BroadcastToUser(userID string, frame ws.Frame)
}

// condition is the validated form of a rule's condition document.
type condition struct {
	Type      string
	Threshold float64
	Window    time.Duration
	ToolName  string
}

// counter accumulates per-session, per-condition-type state inside the
// rule's window. Reset is lazy: a stale counter restarts when next touched.
type counter struct {
	errors    int
	total     int
	totalCost float64
	lastReset time.Time
}

type Evaluator struct {
	store       store.Store
	broadcaster Broadcaster
	webhooks    *WebhookDeliverer
	metrics     *metrics.Collector
	logger      *slog.Logger

	mu       sync.Mutex
	counters map[string]*counter
	cache    map[string]cachedRules

	now func() time.Time
}

type cachedRules struct {
	rules    []types.AlertRule
	cachedAt time.Time
}

func NewEvaluator(st store.Store, broadcaster Broadcaster, webhooks *WebhookDeliverer, collector *metrics.Collector, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:       st,
		broadcaster: broadcaster,
		webhooks:    webhooks,
		metrics:     collector,
		logger:      logger,
		counters:    make(map[string]*counter),
		cache:       make(map[string]cachedRules),
		now:         time.Now,
	}
}

// InvalidateRules drops cached rules for a user, or all users when userID
// is empty. Called when external tooling changes the rule set.
func (e *Evaluator) InvalidateRules(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if userID == "" {
		e.cache = make(map[string]cachedRules)
		return
	}
	delete(e.cache, userID)
}

// Evaluate runs every enabled rule for userID against the event. Triggered
// rules persist an alert, notify the user's live channel clients, and
// deliver the webhook when one is configured and safe.
func (e *Evaluator) Evaluate(ctx context.Context, ev types.Event, sessionID, userID string) {
	rules, err := e.cachedRules(ctx, userID)
	if err != nil {
		e.logger.Warn("loading alert rules failed", "error", err)
		return
	}

	for _, rule := range rules {
		cond, ok := parseCondition(rule.Condition)
		if !ok {
			continue
		}
		if !e.checkCondition(cond, ev, sessionID) {
			continue
		}

		alert, err := e.store.CreateAlert(ctx, types.Alert{
			RuleID:    rule.ID,
			SessionID: sessionID,
			EventID:   ev.ID,
			Message:   buildMessage(rule, cond, ev),
			Severity:  severityFor(cond),
			CreatedAt: e.now().UTC(),
		})
		if err != nil {
			e.logger.Warn("persisting alert failed", "rule_id", rule.ID, "error", err)
			continue
		}
		e.metrics.IncAlertTriggered()
		e.logger.Info("alert triggered",
			"rule", rule.Name, "severity", alert.Severity, "session_id", sessionID)

		if e.broadcaster != nil && userID != "" {
			e.broadcaster.BroadcastToUser(userID, ws.AlertFrame(alertNotification{
				Alert:    alert,
				RuleName: rule.Name,
			}))
		}
		if rule.WebhookURL != "" && e.webhooks != nil {
			e.webhooks.Deliver(rule, alert)
		}
	}
}

// alertNotification is the live channel payload for a triggered alert.
type alertNotification struct {
	types.Alert
	RuleName string `json:"ruleName"`
}

func (e *Evaluator) cachedRules(ctx context.Context, userID string) ([]types.AlertRule, error) {
	key := userID
	if key == "" {
		key = "__global__"
	}

	e.mu.Lock()
	cached, ok := e.cache[key]
	e.mu.Unlock()
	if ok && e.now().Sub(cached.cachedAt) < rulesCacheTTL {
		return cached.rules, nil
	}

	rules, err := e.store.GetAlertRules(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get alert rules: %w", err)
	}

	e.mu.Lock()
	e.cache[key] = cachedRules{rules: rules, cachedAt: e.now()}
	e.mu.Unlock()
	return rules, nil
}

// checkCondition updates the session's window counter and reports whether
// the condition fired.
func (e *Evaluator) checkCondition(cond condition, ev types.Event, sessionID string) bool {
	key := sessionID + ":" + cond.Type
	now := e.now()

	e.mu.Lock()
	c, ok := e.counters[key]
	if !ok || now.Sub(c.lastReset) > cond.Window {
		c = &counter{lastReset: now}
		e.counters[key] = c
	}
	c.total++
	if ev.Errored() {
		c.errors++
	}
	c.totalCost += ev.CostEstimate
	errors, total, totalCost := c.errors, c.total, c.totalCost
	e.mu.Unlock()

	switch cond.Type {
	case "error_rate":
		return total >= 5 && float64(errors)/float64(total) > cond.Threshold
	case "latency":
		return float64(ev.LatencyMs) > cond.Threshold
	case "cost_spike":
		return totalCost > cond.Threshold
	case "tool_failure":
		if cond.ToolName != "" && ev.ToolName != cond.ToolName {
			return false
		}
		return ev.Errored()
	case "session_duration":
		// Needs the session start time, which the event stream does not
		// carry. Rules of this type never fire here.
		return false
	case "event_count":
		return float64(total) > cond.Threshold
	default:
		return false
	}
}

// EvictCounters trims the counter table to half its cap when it has grown
// past it, dropping the longest-idle windows first. Called periodically by
// the proxy's maintenance loop.
func (e *Evaluator) EvictCounters() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.counters) <= maxCounters {
		return 0
	}

	type entry struct {
		key       string
		lastReset time.Time
	}
	entries := make([]entry, 0, len(e.counters))
	for k, c := range e.counters {
		entries = append(entries, entry{k, c.lastReset})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastReset.Before(entries[j].lastReset)
	})

	removed := 0
	for _, en := range entries[:len(entries)-maxCounters/2] {
		delete(e.counters, en.key)
		removed++
	}
	return removed
}

// CounterCount reports the live counter table size.
func (e *Evaluator) CounterCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.counters)
}

// parseCondition validates the free-form condition document. Unknown types
// and non-finite thresholds disable the rule rather than erroring.
func parseCondition(doc map[string]any) (condition, bool) {
	if doc == nil {
		return condition{}, false
	}
	typ, ok := doc["type"].(string)
	if !ok {
		return condition{}, false
	}
	switch typ {
	case "error_rate", "latency", "cost_spike", "tool_failure", "session_duration", "event_count":
	default:
		return condition{}, false
	}
	threshold, ok := asFloat(doc["threshold"])
	if !ok || math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return condition{}, false
	}

	cond := condition{
		Type:      typ,
		Threshold: threshold,
		Window:    defaultWindowSeconds * time.Second,
	}
	if w, ok := asFloat(doc["window"]); ok && w > 0 {
		cond.Window = time.Duration(w * float64(time.Second))
	}
	if tn, ok := doc["toolName"].(string); ok {
		cond.ToolName = tn
	}
	return cond, true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func buildMessage(rule types.AlertRule, cond condition, ev types.Event) string {
	switch cond.Type {
	case "error_rate":
		return fmt.Sprintf("Alert %q: Error rate exceeded %.0f%% threshold", rule.Name, cond.Threshold*100)
	case "latency":
		return fmt.Sprintf("Alert %q: Latency %dms exceeded %.0fms threshold", rule.Name, ev.LatencyMs, cond.Threshold)
	case "cost_spike":
		return fmt.Sprintf("Alert %q: Cost spike detected, total $%.4f", rule.Name, ev.CostEstimate)
	case "tool_failure":
		return fmt.Sprintf("Alert %q: Tool %q failed", rule.Name, ev.ToolName)
	case "event_count":
		return fmt.Sprintf("Alert %q: Event count threshold exceeded", rule.Name)
	default:
		return fmt.Sprintf("Alert %q triggered", rule.Name)
	}
}

func severityFor(cond condition) types.Severity {
	switch cond.Type {
	case "error_rate", "tool_failure":
		return types.SeverityCritical
	case "cost_spike", "latency":
		return types.SeverityWarning
	default:
		return types.SeverityInfo
	}
}
