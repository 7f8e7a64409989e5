// Package types defines the entity shapes shared between the proxy core,
// the storage backends, and the live channel protocol.
package types

import "time"

// Direction marks which way an intercepted message was travelling.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// Severity classifies a triggered alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Session is one logical connection lifetime to an upstream. The active copy
// lives in the session manager; the durable copy in the store.
type Session struct {
	ID                string         `json:"id"`
	UserID            string         `json:"userId,omitempty"`
	AgentID           string         `json:"agentId,omitempty"`
	StartedAt         time.Time      `json:"startedAt"`
	EndedAt           *time.Time     `json:"endedAt,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	TotalCostEstimate float64        `json:"totalCostEstimate"`
}

// Event is one intercepted message, enriched and persisted. Immutable once
// created.
type Event struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	Timestamp     time.Time `json:"timestamp"`
	Direction     Direction `json:"direction"`
	Method        string    `json:"method,omitempty"`
	ToolName      string    `json:"toolName,omitempty"`
	Params        any       `json:"params,omitempty"`
	Result        any       `json:"result,omitempty"`
	Error         any       `json:"error,omitempty"`
	LatencyMs     int64     `json:"latencyMs,omitempty"`
	TokenEstimate int       `json:"tokenEstimate,omitempty"`
	CostEstimate  float64   `json:"costEstimate,omitempty"`
}

// Errored reports whether the event carries a JSON-RPC error object.
func (e Event) Errored() bool { return e.Error != nil }

// AlertRule is owned by external tooling and read-only to the proxy core.
type AlertRule struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	Name       string         `json:"name"`
	Condition  map[string]any `json:"condition"`
	WebhookURL string         `json:"webhookUrl,omitempty"`
	Enabled    bool           `json:"enabled"`
}

// Alert records a satisfied rule condition.
type Alert struct {
	ID        string    `json:"id"`
	RuleID    string    `json:"ruleId"`
	SessionID string    `json:"sessionId"`
	EventID   string    `json:"eventId,omitempty"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"createdAt"`
}

// CostRates are the per-1k-token estimate rates applied by the pipeline.
// Requests are priced as input, responses as output.
type CostRates struct {
	InputPer1kTokens  float64 `json:"inputPer1kTokens" yaml:"input_per_1k_tokens"`
	OutputPer1kTokens float64 `json:"outputPer1kTokens" yaml:"output_per_1k_tokens"`
}
