// Package cache implements the User Discovery Cache (spec §4.3): short-lived
// memoization of checkUser results, keyed by normalized email, so a single
// ceremony doesn't round-trip to the IdP more than once for the same lookup.
package cache

import (
	"sync"
	"time"

	"github.com/thepia/flows-auth/pkg/model"
)

// DefaultTTL is the cache entry lifetime. It must stay well under the
// shortest plausible PIN validity window (spec: "order of minutes, must be
// < PIN validity") so a cached lookup never outlives the PIN it describes.
const DefaultTTL = 2 * time.Minute

type entry struct {
	result   model.DiscoveryResult
	cachedAt time.Time
}

// Cache is a TTL-bounded map from normalized email to its last DiscoveryResult.
// The zero value is not usable; construct with New.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

// New returns a Cache with DefaultTTL.
func New() *Cache {
	return NewWithTTL(DefaultTTL)
}

// NewWithTTL returns a Cache with a caller-chosen TTL, for callers that need
// a tighter bound than DefaultTTL (e.g. to track a shorter-lived PIN policy).
func NewWithTTL(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[string]entry), now: time.Now}
}

// Get returns the cached result for email and true, or the zero value and
// false if there is no entry or it has aged past the TTL.
func (c *Cache) Get(email string) (model.DiscoveryResult, bool) {
	key := model.NormalizeEmail(email)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return model.DiscoveryResult{}, false
	}
	if c.now().Sub(e.cachedAt) >= c.ttl {
		delete(c.entries, key)
		return model.DiscoveryResult{}, false
	}
	return e.result, true
}

// Set stores or refreshes the entry for email.
func (c *Cache) Set(email string, result model.DiscoveryResult) {
	key := model.NormalizeEmail(email)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{result: result, cachedAt: c.now()}
}

// Invalidate removes any cached entry for email. The IdP Client must call
// this immediately after any operation that could change the user's
// existence or credential set, per spec §4.3.
func (c *Cache) Invalidate(email string) {
	key := model.NormalizeEmail(email)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// ClearAll empties the cache.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}
