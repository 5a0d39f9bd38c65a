package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
)

// highWaterFraction of the configured size triggers LRU eviction.
const highWaterFraction = 0.8

// cacheSubdir under the screenshot directory holds content payloads.
const cacheSubdir = "browser_cache"

// neverCacheSegments are path components whose responses must never be
// cached: stateful or user-specific endpoints.
var neverCacheSegments = map[string]struct{}{
	"api": {}, "graphql": {}, "auth": {}, "login": {}, "logout": {},
	"ws": {}, "websocket": {}, "analytics": {}, "track": {}, "admin": {},
}

// dynamicQueryKeys mark a URL as uncacheable regardless of extension.
var dynamicQueryKeys = map[string]struct{}{
	"timestamp": {}, "time": {}, "now": {}, "rand": {}, "token": {}, "session": {},
}

// cacheableExtensions are static asset suffixes worth persisting:
// stylesheets, scripts, fonts, images and media.
var cacheableExtensions = map[string]struct{}{
	".css": {},
	".js":  {}, ".mjs": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".ico": {},
	".mp4": {}, ".webm": {}, ".ogg": {}, ".mp3": {}, ".wav": {},
}

// allContentExtensions are additionally cacheable in all-content mode:
// documents, data, archives and the odd build artifact.
var allContentExtensions = map[string]struct{}{
	".html": {}, ".pdf": {}, ".json": {}, ".xml": {},
	".csv": {}, ".tsv": {},
	".zip": {}, ".gz": {}, ".tar": {},
	".wasm": {}, ".map": {},
}

// cacheableResourceTypes are browser resource classes worth persisting even
// without a recognizable extension.
var cacheableResourceTypes = map[string]struct{}{
	"stylesheet": {}, "script": {}, "image": {}, "font": {},
}

// CachedResponse is a stored subresource response replayed into the page.
type CachedResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"-"`
}

// contentMeta is the JSON sidecar persisted next to each payload file.
type contentMeta struct {
	URL      string            `json:"url"`
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers"`
	Size     int64             `json:"size"`
	StoredAt time.Time         `json:"stored_at"`
}

type contentEntry struct {
	meta       contentMeta
	lastAccess time.Time
}

// ContentCache persists eligible subresource responses to disk so repeat
// captures of the same origins skip the network.
type ContentCache struct {
	cfg    common.ContentCacheConfig
	dir    string
	logger arbor.ILogger

	mu        sync.Mutex
	index     map[string]*contentEntry
	totalSize int64

	hits      int64
	misses    int64
	stores    int64
	evictions int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	now func() time.Time
}

// NewContentCache creates the cache and rebuilds its index from any payloads
// already on disk.
func NewContentCache(cfg common.ContentCacheConfig, screenshotDir string, logger arbor.ILogger) (*ContentCache, error) {
	dir := filepath.Join(screenshotDir, cacheSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, common.NewServiceError(common.ErrStorage, "failed to create content cache directory", err)
	}

	c := &ContentCache{
		cfg:    cfg,
		dir:    dir,
		logger: logger,
		index:  make(map[string]*contentEntry),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
	c.rebuildIndex()
	return c, nil
}

// rebuildIndex loads sidecar metadata for surviving payload files.
func (c *ContentCache) rebuildIndex() {
	metas, err := filepath.Glob(filepath.Join(c.dir, "*.meta"))
	if err != nil {
		return
	}
	for _, metaPath := range metas {
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var meta contentMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			os.Remove(metaPath)
			continue
		}
		key := strings.TrimSuffix(filepath.Base(metaPath), ".meta")
		if _, err := os.Stat(c.payloadPath(key)); err != nil {
			os.Remove(metaPath)
			continue
		}
		c.index[key] = &contentEntry{meta: meta, lastAccess: meta.StoredAt}
		c.totalSize += meta.Size
	}
	if len(c.index) > 0 {
		c.logger.Info().
			Int("entries", len(c.index)).
			Int64("bytes", c.totalSize).
			Msg("Content cache index rebuilt from disk")
	}
}

// Start launches the periodic cleanup loop.
func (c *ContentCache) Start() {
	common.SafeGo(c.logger, "content-cache-cleanup", func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.cleanup()
			}
		}
	})
}

// Shutdown stops the cleanup loop. Payloads stay on disk for the next run.
func (c *ContentCache) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *ContentCache) payloadPath(key string) string {
	return filepath.Join(c.dir, key+".cache")
}

func (c *ContentCache) metaPath(key string) string {
	return filepath.Join(c.dir, key+".meta")
}

func contentKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// Eligible reports whether a response for the URL and resource type should
// be cached at all.
func (c *ContentCache) Eligible(rawURL, resourceType string) bool {
	if !c.cfg.Enabled {
		return false
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}

	lowerPath := strings.ToLower(u.Path)
	for _, seg := range strings.Split(lowerPath, "/") {
		if _, never := neverCacheSegments[seg]; never {
			return false
		}
	}

	query := u.Query()
	for key := range query {
		if _, dynamic := dynamicQueryKeys[strings.ToLower(key)]; dynamic {
			return false
		}
	}

	host := strings.ToLower(u.Hostname())
	for _, domain := range c.cfg.PriorityDomains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}

	ext := strings.ToLower(filepath.Ext(u.Path))
	if _, ok := cacheableExtensions[ext]; ok {
		return true
	}
	if c.cfg.AllContent {
		if _, ok := allContentExtensions[ext]; ok {
			return true
		}
	}
	if _, ok := cacheableResourceTypes[strings.ToLower(resourceType)]; ok {
		return true
	}
	return false
}

// Lookup returns the cached response for the URL, if present and unexpired.
func (c *ContentCache) Lookup(rawURL string) (*CachedResponse, bool) {
	key := contentKey(rawURL)

	c.mu.Lock()
	e, ok := c.index[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	if c.now().Sub(e.meta.StoredAt) > c.cfg.TTL {
		c.removeLocked(key, e)
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	e.lastAccess = c.now()
	meta := e.meta
	c.mu.Unlock()

	body, err := os.ReadFile(c.payloadPath(key))
	if err != nil {
		c.mu.Lock()
		if cur, still := c.index[key]; still {
			c.removeLocked(key, cur)
		}
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return &CachedResponse{Status: meta.Status, Headers: meta.Headers, Body: body}, true
}

// Store persists an eligible response. Oversized payloads and write failures
// are skipped silently: the cache is best-effort.
func (c *ContentCache) Store(rawURL string, status int, headers map[string]string, body []byte) {
	if status != 200 {
		return
	}
	if int64(len(body)) > c.cfg.MaxFileSize {
		return
	}

	key := contentKey(rawURL)
	if err := os.WriteFile(c.payloadPath(key), body, 0o644); err != nil {
		c.logger.Warn().Err(err).Str("url", rawURL).Msg("Content cache write failed")
		return
	}

	meta := contentMeta{
		URL:      rawURL,
		Status:   status,
		Headers:  headers,
		Size:     int64(len(body)),
		StoredAt: c.now(),
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		os.Remove(c.payloadPath(key))
		return
	}
	if err := os.WriteFile(c.metaPath(key), metaData, 0o644); err != nil {
		os.Remove(c.payloadPath(key))
		return
	}

	c.mu.Lock()
	if prev, ok := c.index[key]; ok {
		c.totalSize -= prev.meta.Size
	}
	c.index[key] = &contentEntry{meta: meta, lastAccess: meta.StoredAt}
	c.totalSize += meta.Size
	c.stores++
	needEvict := float64(c.totalSize) > float64(c.cfg.MaxSize)*highWaterFraction
	c.mu.Unlock()

	if needEvict {
		c.evictLRU()
	}
}

// removeLocked deletes an entry and its files. Caller holds the lock.
func (c *ContentCache) removeLocked(key string, e *contentEntry) {
	delete(c.index, key)
	c.totalSize -= e.meta.Size
	os.Remove(c.payloadPath(key))
	os.Remove(c.metaPath(key))
}

// cleanup drops expired entries.
func (c *ContentCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.index {
		if now.Sub(e.meta.StoredAt) > c.cfg.TTL {
			c.removeLocked(key, e)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("Content cache cleanup")
	}
}

// evictLRU removes least-recently-accessed entries until the cache is back
// under its high-water mark.
func (c *ContentCache) evictLRU() {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := int64(float64(c.cfg.MaxSize) * highWaterFraction)
	if c.totalSize <= target {
		return
	}

	type aged struct {
		key        string
		entry      *contentEntry
		lastAccess time.Time
	}
	all := make([]aged, 0, len(c.index))
	for key, e := range c.index {
		all = append(all, aged{key, e, e.lastAccess})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lastAccess.Before(all[j].lastAccess) })

	for _, a := range all {
		if c.totalSize <= target {
			break
		}
		c.removeLocked(a.key, a.entry)
		c.evictions++
	}
}

// Stats returns cache occupancy and counters.
func (c *ContentCache) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return map[string]interface{}{
		"enabled":     c.cfg.Enabled,
		"all_content": c.cfg.AllContent,
		"items":       len(c.index),
		"total_bytes": c.totalSize,
		"max_bytes":   c.cfg.MaxSize,
		"hits":        c.hits,
		"misses":      c.misses,
		"stores":      c.stores,
		"evictions":   c.evictions,
		"hit_rate":    hitRate,
	}
}
