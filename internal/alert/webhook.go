package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mcplens/mcplens/internal/metrics"
	"github.com/mcplens/mcplens/pkg/types"
)

const webhookTimeout = 10 * time.Second

// WebhookDeliverer posts triggered alerts to rule-configured URLs. Delivery
// is fire-and-forget; failures are counted and logged but never block
// evaluation.
type WebhookDeliverer struct {
	client  *http.Client
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewWebhookDeliverer(client *http.Client, collector *metrics.Collector, logger *slog.Logger) *WebhookDeliverer {
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDeliverer{client: client, metrics: collector, logger: logger}
}

// webhookPayload is the document posted to the rule's URL.
type webhookPayload struct {
	Event     string      `json:"event"`
	RuleID    string      `json:"ruleId"`
	RuleName  string      `json:"ruleName"`
	Alert     types.Alert `json:"alert"`
	Timestamp string      `json:"timestamp"`
}

// Deliver posts the alert asynchronously. URLs that fail the SSRF check are
// dropped without a network attempt.
func (d *WebhookDeliverer) Deliver(rule types.AlertRule, alert types.Alert) {
	if err := CheckWebhookURL(rule.WebhookURL); err != nil {
		d.logger.Warn("webhook url rejected", "rule_id", rule.ID, "error", err)
		d.metrics.IncWebhookFailure()
		return
	}
	go d.post(rule, alert)
}

func (d *WebhookDeliverer) post(rule types.AlertRule, alert types.Alert) {
	body, err := json.Marshal(webhookPayload{
		Event:     "alert.triggered",
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Alert:     alert,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		d.logger.Warn("marshal webhook payload", "rule_id", rule.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rule.WebhookURL, bytes.NewReader(body))
	if err != nil {
		d.logger.Warn("build webhook request", "rule_id", rule.ID, "error", err)
		d.metrics.IncWebhookFailure()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("webhook delivery failed", "rule_id", rule.ID, "url", rule.WebhookURL, "error", err)
		d.metrics.IncWebhookFailure()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Warn("webhook rejected", "rule_id", rule.ID, "status", resp.StatusCode)
		d.metrics.IncWebhookFailure()
	}
}

var private172 = regexp.MustCompile(`^172\.(1[6-9]|2\d|3[0-1])\.`)

// CheckWebhookURL rejects URLs pointing at internal or link-local
// destinations so a rule cannot be used to probe the proxy's network.
func CheckWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url scheme %q not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	switch host {
	case "", "localhost", "127.0.0.1", "0.0.0.0", "::1":
		return fmt.Errorf("webhook host %q not allowed", host)
	}
	if strings.HasPrefix(host, "10.") ||
		strings.HasPrefix(host, "192.168.") ||
		strings.HasPrefix(host, "169.254.") ||
		private172.MatchString(host) {
		return fmt.Errorf("webhook host %q is in a private range", host)
	}
	if strings.HasSuffix(host, ".internal") || strings.HasSuffix(host, ".local") {
		return fmt.Errorf("webhook host %q resolves internally", host)
	}
	return nil
}
