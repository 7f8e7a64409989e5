package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	c := New()
	c.IncEventProcessed()
	c.IncEventProcessed()
	c.IncEventDroppedQueueFull()
	c.IncEventDroppedSessionCap()
	c.IncAlertTriggered()
	c.IncWebhookFailure()

	snap := c.Snapshot()
	assert.Equal(t, uint64(2), snap.EventsProcessed)
	assert.Equal(t, uint64(1), snap.EventsDroppedQueueFull)
	assert.Equal(t, uint64(1), snap.EventsDroppedSession)
	assert.Equal(t, uint64(1), snap.AlertsTriggered)
	assert.Equal(t, uint64(1), snap.WebhookFailures)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.IncEventProcessed()
	c.IncAlertTriggered()
	assert.Equal(t, Snapshot{}, c.Snapshot())
}
