// Package cache holds the two caching layers of the capture pipeline: the
// result cache (request fingerprint -> signed URL) and the flat-file content
// cache that serves intercepted subresource requests.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
)

// cleanupEvery is how often expired result entries are swept opportunistically.
const cleanupEvery = 5 * time.Minute

// evictFraction of capacity is removed when the cache is full.
const evictFraction = 0.1

type resultEntry struct {
	url        string
	signedURL  string
	createdAt  time.Time
	lastAccess time.Time
}

// ResultCache maps screenshot request fingerprints to previously signed URLs.
type ResultCache struct {
	mu          sync.Mutex
	entries     map[string]*resultEntry
	maxItems    int
	ttl         time.Duration
	lastCleanup time.Time
	logger      arbor.ILogger

	hits      int64
	misses    int64
	evictions int64

	now func() time.Time
}

// NewResultCache creates a result cache from configuration.
func NewResultCache(cfg common.CacheConfig, logger arbor.ILogger) *ResultCache {
	return &ResultCache{
		entries:     make(map[string]*resultEntry),
		maxItems:    cfg.MaxItems,
		ttl:         cfg.TTL,
		lastCleanup: time.Now(),
		logger:      logger,
		now:         time.Now,
	}
}

// fingerprint derives the cache key from the request parameters.
func fingerprint(url string, width, height int, format string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%s", url, width, height, format)))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached signed URL for the request parameters, if present
// and unexpired.
func (c *ResultCache) Get(url string, width, height int, format string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeCleanup()

	key := fingerprint(url, width, height, format)
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	if c.now().Sub(e.createdAt) > c.ttl {
		delete(c.entries, key)
		c.misses++
		return "", false
	}

	e.lastAccess = c.now()
	c.hits++
	return e.signedURL, true
}

// Set stores a signed URL under the request fingerprint, evicting the
// least-recently-accessed tenth of the cache when at capacity.
func (c *ResultCache) Set(url string, width, height int, format string, signedURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeCleanup()

	key := fingerprint(url, width, height, format)
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxItems {
		c.evictOldest()
	}

	now := c.now()
	c.entries[key] = &resultEntry{
		url:        url,
		signedURL:  signedURL,
		createdAt:  now,
		lastAccess: now,
	}
}

// Invalidate removes all entries for the exact URL, across all viewport and
// format variants. An empty URL clears the whole cache. Returns the number
// of entries removed.
func (c *ResultCache) Invalidate(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if url == "" {
		n := len(c.entries)
		c.entries = make(map[string]*resultEntry)
		return n
	}

	n := 0
	for key, e := range c.entries {
		if e.url == url {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// maybeCleanup removes expired entries at most once per cleanup interval.
// Caller holds the lock.
func (c *ResultCache) maybeCleanup() {
	now := c.now()
	if now.Sub(c.lastCleanup) < cleanupEvery {
		return
	}
	c.lastCleanup = now

	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("Result cache cleanup")
	}
}

// evictOldest removes the least-recently-accessed 10% of entries (at least
// one). Caller holds the lock.
func (c *ResultCache) evictOldest() {
	type aged struct {
		key        string
		lastAccess time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, e := range c.entries {
		all = append(all, aged{key, e.lastAccess})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lastAccess.Before(all[j].lastAccess) })

	n := int(float64(c.maxItems) * evictFraction)
	if n < 1 {
		n = 1
	}
	if n > len(all) {
		n = len(all)
	}
	for _, a := range all[:n] {
		delete(c.entries, a.key)
		c.evictions++
	}
}

// Stats returns hit/miss counters and occupancy.
func (c *ResultCache) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return map[string]interface{}{
		"items":     len(c.entries),
		"max_items": c.maxItems,
		"hits":      c.hits,
		"misses":    c.misses,
		"evictions": c.evictions,
		"hit_rate":  hitRate,
	}
}
