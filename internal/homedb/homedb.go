// Package homedb implements the Home-Database Cache (spec §4.5, component
// I): a short-TTL, principal-keyed cache of which database a server
// resolved "no database requested" to, so a routing provider does not pay
// a rediscovery round-trip on every session for a client that never names
// a database explicitly. It is grounded on the vendored neo4j router's
// GetNameOfDefaultDatabase/storeRoutingTable TTL bookkeeping, reworked in
// the teacher's idle-reaper idiom (internal/pool's ticker-driven sweep of
// expired entries) instead of lazily expiring entries only on read.
package homedb

import (
	"context"
	"sync"
	"time"

	"github.com/graphdriver/core/internal/auth"
	"github.com/graphdriver/core/internal/channel"
)

// anonymousPrincipal is the cache key used when a request carries neither
// an impersonated user nor an auth token (spec §4.5 "anonymous callers
// share one entry").
const anonymousPrincipal = "\x00anonymous"

// PrincipalKey derives the cache key for a request (spec §4.5 "Principal
// key"): the impersonated user name takes precedence, else the auth
// token's fingerprint, else the anonymous sentinel.
func PrincipalKey(impersonatedUser string, token *channel.AuthToken) string {
	if impersonatedUser != "" {
		return "user:" + impersonatedUser
	}
	if token != nil {
		return "token:" + auth.Fingerprint(*token)
	}
	return anonymousPrincipal
}

type entry struct {
	database string
	expires  time.Time
}

// Cache maps principal -> resolved database name, each entry expiring
// independently (spec §4.5).
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]entry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewCache creates a Cache with the given per-entry TTL and starts its
// background sweeper. Call Stop when the cache is no longer needed.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		stopCh:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached database for principal, if present and not
// expired (spec §4.5 "Freshness check").
func (c *Cache) Get(_ context.Context, principal string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[principal]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.database, true
}

// Put records database as the resolved home database for principal,
// refreshing its TTL (spec §4.5 "Commit").
func (c *Cache) Put(principal, database string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[principal] = entry{database: database, expires: time.Now().Add(c.ttl)}
}

// Forget evicts principal's entry outright, used when a routing refresh
// for its resolved database fails (spec §4.5 "Invalidation").
func (c *Cache) Forget(principal string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, principal)
}

// Len reports the current entry count, used by diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) sweepLoop() {
	interval := c.ttl
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

// Stop terminates the background sweeper.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
