package handler

import (
	"sync"
	"time"

	"github.com/alanyoungcy/swaprouter/internal/orchestrator"
)

// IdempotencyHeader lets a client retry order creation without creating a
// second order.
const IdempotencyHeader = "Idempotency-Key"

type idempotencyEntry struct {
	accepted orchestrator.Accepted
	pending  bool
	at       time.Time
}

// IdempotencyCache remembers the order created for each key within ttl. It is
// safe for concurrent use.
type IdempotencyCache struct {
	mu   sync.Mutex
	seen map[string]idempotencyEntry
	ttl  time.Duration
	now  func() time.Time
}

// NewIdempotencyCache creates a cache whose keys expire after ttl.
func NewIdempotencyCache(ttl time.Duration) *IdempotencyCache {
	return &IdempotencyCache{
		seen: make(map[string]idempotencyEntry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Reserve claims key for a new request. It returns the earlier result when
// key already produced an order, and inFlight when another request holding
// key has not finished.
func (c *IdempotencyCache) Reserve(key string) (prev orchestrator.Accepted, replay, inFlight bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok && now.Sub(e.at) < c.ttl {
		if e.pending {
			return orchestrator.Accepted{}, false, true
		}
		return e.accepted, true, false
	}
	c.seen[key] = idempotencyEntry{pending: true, at: now}
	return orchestrator.Accepted{}, false, false
}

// Complete stores the order created under key.
func (c *IdempotencyCache) Complete(key string, accepted orchestrator.Accepted) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[key] = idempotencyEntry{accepted: accepted, at: c.now()}
}

// Release forgets key so a failed request can be retried.
func (c *IdempotencyCache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, key)
}

// Cleanup drops expired keys. Call it periodically.
func (c *IdempotencyCache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, e := range c.seen {
		if now.Sub(e.at) >= c.ttl {
			delete(c.seen, key)
		}
	}
}

// Len returns the number of remembered keys.
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
