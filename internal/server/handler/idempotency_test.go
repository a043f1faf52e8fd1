package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/swaprouter/internal/orchestrator"
)

func TestIdempotencyCacheLifecycle(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewIdempotencyCache(time.Minute)
	c.now = func() time.Time { return now }

	_, replay, inFlight := c.Reserve("k1")
	assert.False(t, replay)
	assert.False(t, inFlight)

	_, replay, inFlight = c.Reserve("k1")
	assert.False(t, replay)
	assert.True(t, inFlight, "second request while the first is pending")

	c.Complete("k1", orchestrator.Accepted{OrderID: "ord-9"})
	prev, replay, _ := c.Reserve("k1")
	assert.True(t, replay)
	assert.Equal(t, "ord-9", prev.OrderID)

	now = now.Add(2 * time.Minute)
	_, replay, inFlight = c.Reserve("k1")
	assert.False(t, replay, "expired keys start over")
	assert.False(t, inFlight)

	c.Release("k1")
	c.Reserve("k2")
	now = now.Add(2 * time.Minute)
	c.Cleanup()
	assert.Zero(t, c.Len())
}
