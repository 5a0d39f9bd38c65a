package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
)

func newTestResultCache(maxItems int, ttl time.Duration) (*ResultCache, *fixedClock) {
	clock := &fixedClock{t: time.Unix(1700000000, 0)}
	c := NewResultCache(common.CacheConfig{Enabled: true, MaxItems: maxItems, TTL: ttl}, arbor.NewLogger())
	c.now = clock.now
	c.lastCleanup = clock.t
	return c, clock
}

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestResultCacheSetGet(t *testing.T) {
	c, _ := newTestResultCache(10, time.Hour)

	c.Set("https://example.com", 1280, 720, "png", "https://img/abc")
	got, ok := c.Get("https://example.com", 1280, 720, "png")
	require.True(t, ok)
	assert.Equal(t, "https://img/abc", got)

	// A different viewport is a different fingerprint.
	_, ok = c.Get("https://example.com", 800, 600, "png")
	assert.False(t, ok)
}

func TestResultCacheExpiry(t *testing.T) {
	c, clock := newTestResultCache(10, time.Hour)
	c.Set("https://example.com", 1280, 720, "png", "https://img/abc")

	clock.advance(61 * time.Minute)
	_, ok := c.Get("https://example.com", 1280, 720, "png")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats["misses"])
}

func TestResultCacheEvictsOldestTenthAtCapacity(t *testing.T) {
	c, clock := newTestResultCache(10, time.Hour)

	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("https://example.com/%d", i), 1280, 720, "png", fmt.Sprintf("signed-%d", i))
		clock.advance(time.Second)
	}

	// Touch entry 0 so entry 1 becomes the least recently accessed.
	_, ok := c.Get("https://example.com/0", 1280, 720, "png")
	require.True(t, ok)

	c.Set("https://example.com/new", 1280, 720, "png", "signed-new")

	_, ok = c.Get("https://example.com/1", 1280, 720, "png")
	assert.False(t, ok, "least recently accessed entry should be evicted")
	_, ok = c.Get("https://example.com/0", 1280, 720, "png")
	assert.True(t, ok, "recently touched entry should survive")
	assert.Equal(t, 10, c.Stats()["items"])
}

func TestResultCacheInvalidateByURL(t *testing.T) {
	c, _ := newTestResultCache(10, time.Hour)

	c.Set("https://example.com", 1280, 720, "png", "a")
	c.Set("https://example.com", 800, 600, "jpeg", "b")
	c.Set("https://other.com", 1280, 720, "png", "c")

	removed := c.Invalidate("https://example.com")
	assert.Equal(t, 2, removed)

	_, ok := c.Get("https://other.com", 1280, 720, "png")
	assert.True(t, ok)
}

func TestResultCacheInvalidateAll(t *testing.T) {
	c, _ := newTestResultCache(10, time.Hour)
	c.Set("https://example.com", 1280, 720, "png", "a")
	c.Set("https://other.com", 1280, 720, "png", "b")

	assert.Equal(t, 2, c.Invalidate(""))
	assert.Equal(t, 0, c.Stats()["items"])
}

func TestResultCacheHitRate(t *testing.T) {
	c, _ := newTestResultCache(10, time.Hour)
	c.Set("https://example.com", 1280, 720, "png", "a")

	c.Get("https://example.com", 1280, 720, "png")
	c.Get("https://missing.com", 1280, 720, "png")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats["hits"])
	assert.Equal(t, int64(1), stats["misses"])
	assert.InDelta(t, 0.5, stats["hit_rate"].(float64), 1e-9)
}
