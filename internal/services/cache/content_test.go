package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
)

func newTestContentCache(t *testing.T, cfg common.ContentCacheConfig) (*ContentCache, *fixedClock) {
	t.Helper()
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	c, err := NewContentCache(cfg, t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	clock := &fixedClock{t: time.Unix(1700000000, 0)}
	c.now = clock.now
	return c, clock
}

func defaultContentConfig() common.ContentCacheConfig {
	return common.ContentCacheConfig{
		Enabled:     true,
		MaxSize:     1024 * 1024,
		MaxFileSize: 64 * 1024,
		TTL:         24 * time.Hour,
	}
}

func TestContentEligibility(t *testing.T) {
	cfg := defaultContentConfig()
	cfg.PriorityDomains = []string{"cdn.example.com"}
	c, _ := newTestContentCache(t, cfg)

	cases := []struct {
		name         string
		url          string
		resourceType string
		want         bool
	}{
		{"static asset extension", "https://site.com/app.js", "script", true},
		{"es module extension", "https://site.com/app.mjs", "script", true},
		{"image extension", "https://site.com/logo.png", "image", true},
		{"audio extension", "https://site.com/intro.mp3", "media", true},
		{"ogg extension", "https://site.com/clip.ogg", "media", true},
		{"cacheable resource type without extension", "https://site.com/bundle", "stylesheet", true},
		{"media type without extension", "https://site.com/stream", "media", false},
		{"document not cacheable", "https://site.com/page", "document", false},
		{"json only in all-content mode", "https://site.com/config.json", "fetch", false},
		{"api path never cached", "https://site.com/api/data.json", "script", false},
		{"auth path never cached", "https://site.com/auth/style.css", "stylesheet", false},
		{"websocket path never cached", "https://site.com/ws/feed.js", "script", false},
		{"dynamic timestamp query", "https://site.com/app.js?timestamp=123", "script", false},
		{"dynamic token query", "https://site.com/app.js?token=abc", "script", false},
		{"static query ok", "https://site.com/app.js?v=2", "script", true},
		{"priority domain always cached", "https://cdn.example.com/anything", "document", true},
		{"priority subdomain cached", "https://assets.cdn.example.com/x", "other", true},
		{"non-http scheme", "data:text/plain,hello", "other", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Eligible(tc.url, tc.resourceType))
		})
	}
}

func TestContentEligibilityAllContentMode(t *testing.T) {
	cfg := defaultContentConfig()
	cfg.AllContent = true
	c, _ := newTestContentCache(t, cfg)

	// Documents, data, archives and build artifacts become cacheable.
	assert.True(t, c.Eligible("https://site.com/page.html", "document"))
	assert.True(t, c.Eligible("https://site.com/config.json", "fetch"))
	assert.True(t, c.Eligible("https://site.com/export.csv", "fetch"))
	assert.True(t, c.Eligible("https://site.com/bundle.tar", "other"))
	assert.True(t, c.Eligible("https://site.com/lib.wasm", "other"))
	// Unlisted extensions stay out even in all-content mode.
	assert.False(t, c.Eligible("https://site.com/setup.exe", "other"))
	assert.False(t, c.Eligible("https://site.com/page", "document"))
	// Never-cache segments still apply in all-content mode.
	assert.False(t, c.Eligible("https://site.com/api/data.json", "fetch"))
}

func TestContentStoreLookup(t *testing.T) {
	c, _ := newTestContentCache(t, defaultContentConfig())

	body := []byte("body { color: red }")
	c.Store("https://site.com/app.css", 200, map[string]string{"Content-Type": "text/css"}, body)

	resp, ok := c.Lookup("https://site.com/app.css")
	require.True(t, ok)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "text/css", resp.Headers["Content-Type"])
	assert.Equal(t, body, resp.Body)
}

func TestContentStoreSkipsNon200AndOversized(t *testing.T) {
	cfg := defaultContentConfig()
	cfg.MaxFileSize = 10
	c, _ := newTestContentCache(t, cfg)

	c.Store("https://site.com/missing.js", 404, nil, []byte("not found"))
	_, ok := c.Lookup("https://site.com/missing.js")
	assert.False(t, ok)

	c.Store("https://site.com/big.js", 200, nil, []byte("this payload exceeds ten bytes"))
	_, ok = c.Lookup("https://site.com/big.js")
	assert.False(t, ok)
}

func TestContentExpiryOnLookup(t *testing.T) {
	c, clock := newTestContentCache(t, defaultContentConfig())

	c.Store("https://site.com/app.js", 200, nil, []byte("x"))
	clock.advance(25 * time.Hour)

	_, ok := c.Lookup("https://site.com/app.js")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats()["items"])
}

func TestContentEvictsLRUAboveHighWater(t *testing.T) {
	cfg := defaultContentConfig()
	cfg.MaxSize = 100 // high water at 80 bytes
	c, clock := newTestContentCache(t, cfg)

	payload := make([]byte, 30)
	c.Store("https://site.com/a.js", 200, nil, payload)
	clock.advance(time.Second)
	c.Store("https://site.com/b.js", 200, nil, payload)
	clock.advance(time.Second)

	// Touch a.js so b.js becomes least recently used.
	_, ok := c.Lookup("https://site.com/a.js")
	require.True(t, ok)
	clock.advance(time.Second)

	c.Store("https://site.com/c.js", 200, nil, payload) // 90 bytes > 80

	_, ok = c.Lookup("https://site.com/b.js")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Lookup("https://site.com/a.js")
	assert.True(t, ok)
	_, ok = c.Lookup("https://site.com/c.js")
	assert.True(t, ok)
}

func TestContentIndexRebuiltFromDisk(t *testing.T) {
	dir := t.TempDir()
	cfg := defaultContentConfig()
	cfg.CleanupInterval = time.Minute

	first, err := NewContentCache(cfg, dir, arbor.NewLogger())
	require.NoError(t, err)
	first.Store("https://site.com/app.js", 200, map[string]string{"Content-Type": "text/javascript"}, []byte("code"))

	second, err := NewContentCache(cfg, dir, arbor.NewLogger())
	require.NoError(t, err)

	resp, ok := second.Lookup("https://site.com/app.js")
	require.True(t, ok)
	assert.Equal(t, []byte("code"), resp.Body)
	assert.Equal(t, "text/javascript", resp.Headers["Content-Type"])
}

func TestContentDisabledNeverEligible(t *testing.T) {
	cfg := defaultContentConfig()
	cfg.Enabled = false
	c, _ := newTestContentCache(t, cfg)

	assert.False(t, c.Eligible("https://site.com/app.js", "script"))
}
