// Package metrics keeps process-local counters for the proxy. Snapshots are
// surfaced on the health endpoint.
package metrics

import (
	"sync/atomic"
	"time"
)

type Collector struct {
	startedAt time.Time

	eventsProcessed   atomic.Uint64
	eventsDroppedFull atomic.Uint64
	eventsDroppedCap  atomic.Uint64
	alertsTriggered   atomic.Uint64
	webhookFailures   atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncEventProcessed() {
	if c == nil {
		return
	}
	c.eventsProcessed.Add(1)
}

// IncEventDroppedQueueFull counts drops at the pipeline queue cap.
func (c *Collector) IncEventDroppedQueueFull() {
	if c == nil {
		return
	}
	c.eventsDroppedFull.Add(1)
}

// IncEventDroppedSessionCap counts drops at the per-session event cap.
func (c *Collector) IncEventDroppedSessionCap() {
	if c == nil {
		return
	}
	c.eventsDroppedCap.Add(1)
}

func (c *Collector) IncAlertTriggered() {
	if c == nil {
		return
	}
	c.alertsTriggered.Add(1)
}

func (c *Collector) IncWebhookFailure() {
	if c == nil {
		return
	}
	c.webhookFailures.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	UptimeSeconds          int64  `json:"uptimeSeconds"`
	EventsProcessed        uint64 `json:"eventsProcessed"`
	EventsDroppedQueueFull uint64 `json:"eventsDroppedQueueFull"`
	EventsDroppedSession   uint64 `json:"eventsDroppedSessionCap"`
	AlertsTriggered        uint64 `json:"alertsTriggered"`
	WebhookFailures        uint64 `json:"webhookFailures"`
}

func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		UptimeSeconds:          int64(time.Since(c.startedAt).Seconds()),
		EventsProcessed:        c.eventsProcessed.Load(),
		EventsDroppedQueueFull: c.eventsDroppedFull.Load(),
		EventsDroppedSession:   c.eventsDroppedCap.Load(),
		AlertsTriggered:        c.alertsTriggered.Load(),
		WebhookFailures:        c.webhookFailures.Load(),
	}
}
