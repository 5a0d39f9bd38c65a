package browser

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
	"github.com/ternarybob/shutter/internal/interfaces"
)

// tabPollInterval is how often a blocked tab acquisition re-scans the slots.
const tabPollInterval = 100 * time.Millisecond

// tabAcquireDeadline bounds how long a tab acquisition may poll.
const tabAcquireDeadline = 30 * time.Second

// maxUsagePerTab bounds captures per page before the tab is recycled.
const maxUsagePerTab = 50

// tabResetTimeout bounds the blank-navigation reset on release.
const tabResetTimeout = 5 * time.Second

// managedTab is one reusable page with its lifecycle state.
type managedTab struct {
	id        string
	page      interfaces.Page
	bctx      interfaces.BrowserContext
	owner     *tabBrowser
	createdAt time.Time
	lastUsed  time.Time
	usage     int
	inUse     bool
}

// tabBrowser is one leased browser hosting tab slots.
type tabBrowser struct {
	lease    *Lease
	tabs     map[string]*managedTab
	creating int
}

func (b *tabBrowser) slotCount() int { return len(b.tabs) + b.creating }

// TabPool reuses pages across captures so each request skips browser and
// context startup. It leases browsers from the process pool and opens up to
// max_per_browser tabs in each.
type TabPool struct {
	settings *common.Settings
	pool     *Pool
	logger   arbor.ILogger

	mu       sync.Mutex
	browsers map[string]*tabBrowser
	closed   bool

	created  int64
	reused   int64
	recycled int64
	timeouts int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTabPool creates a tab pool over the given browser pool.
func NewTabPool(settings *common.Settings, pool *Pool, logger arbor.ILogger) *TabPool {
	return &TabPool{
		settings: settings,
		pool:     pool,
		logger:   logger,
		browsers: make(map[string]*tabBrowser),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Start begins the periodic tab cleanup loop.
func (t *TabPool) Start() {
	cfg := t.settings.Snapshot()
	common.SafeGo(t.logger, "tab-pool-cleanup", func() {
		defer close(t.doneCh)
		ticker := time.NewTicker(cfg.Tabs.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.cleanup()
			}
		}
	})
}

// Tab is a checked-out page slot. Exactly one Release per Tab.
type Tab struct {
	pool *TabPool
	tab  *managedTab
}

// Page returns the tab's page.
func (t *Tab) Page() interfaces.Page { return t.tab.page }

// Release returns the tab for reuse, or recycles it when unhealthy or worn.
func (t *Tab) Release(ctx context.Context, healthy bool) {
	t.pool.release(ctx, t.tab, healthy)
}

// Get returns a free tab, creating one when under capacity. When every slot
// is busy the call polls until a slot frees up or the deadline passes.
func (t *TabPool) Get(ctx context.Context, opts interfaces.ContextOptions) (*Tab, error) {
	deadline := t.now().Add(tabAcquireDeadline)

	for {
		tab, err := t.tryGet(ctx, opts)
		if err != nil {
			return nil, err
		}
		if tab != nil {
			return tab, nil
		}

		if t.now().After(deadline) {
			t.mu.Lock()
			t.timeouts++
			stats := t.statsLocked()
			t.mu.Unlock()
			t.logger.Warn().Msg("Tab acquisition timed out")
			return nil, common.PoolExhaustedError(stats)
		}
		if err := t.sleep(ctx, tabPollInterval); err != nil {
			return nil, err
		}
	}
}

// tryGet attempts one pass: reuse a free slot, then open a new tab in a
// browser with spare capacity, then lease a fresh browser. Returns (nil,nil)
// when all slots are busy and the pool is at capacity.
func (t *TabPool) tryGet(ctx context.Context, opts interfaces.ContextOptions) (*Tab, error) {
	cfg := t.settings.Snapshot()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, common.NewServiceError(common.ErrBrowser, "tab pool is shut down", nil)
	}

	// Reuse path: any free, fresh slot.
	for _, tb := range t.browsers {
		for _, mt := range tb.tabs {
			if mt.inUse {
				continue
			}
			if t.tabStale(mt, cfg) || mt.page.IsClosed() {
				delete(tb.tabs, mt.id)
				t.recycled++
				t.mu.Unlock()
				t.closeTab(mt)
				t.mu.Lock()
				continue
			}
			mt.inUse = true
			mt.lastUsed = t.now()
			t.reused++
			t.mu.Unlock()
			return &Tab{pool: t, tab: mt}, nil
		}
	}

	// Create path: a leased browser with a spare slot.
	for _, tb := range t.browsers {
		if tb.slotCount() < cfg.Tabs.MaxPerBrowser {
			tb.creating++
			t.mu.Unlock()
			return t.createTab(ctx, tb, opts)
		}
	}
	t.mu.Unlock()

	// Grow path: lease another browser if one is free right now. Blocking
	// inside the browser pool's backoff would stall the poll loop.
	lease, err := t.pool.tryAcquire(ctx)
	if err == errNoSlot {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tb := &tabBrowser{lease: lease, tabs: make(map[string]*managedTab), creating: 1}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		lease.Release(true)
		return nil, common.NewServiceError(common.ErrBrowser, "tab pool is shut down", nil)
	}
	t.browsers[lease.ID()] = tb
	t.mu.Unlock()

	return t.createTab(ctx, tb, opts)
}

// createTab opens a fresh context and page in the reserved slot.
func (t *TabPool) createTab(ctx context.Context, tb *tabBrowser, opts interfaces.ContextOptions) (*Tab, error) {
	cfg := t.settings.Snapshot()
	createCtx, cancel := context.WithTimeout(ctx, cfg.Pool.ContextTimeout)
	defer cancel()

	fail := func(err error, msg string) (*Tab, error) {
		t.mu.Lock()
		tb.creating--
		t.maybeReleaseBrowserLocked(tb, false)
		t.mu.Unlock()
		return nil, common.NewServiceError(common.ErrBrowser, msg, err)
	}

	bctx, err := tb.lease.Browser().NewContext(createCtx, opts)
	if err != nil {
		return fail(err, "failed to create tab context")
	}
	page, err := bctx.NewPage(createCtx)
	if err != nil {
		bctx.Close(createCtx)
		return fail(err, "failed to open tab page")
	}

	now := t.now()
	mt := &managedTab{
		id:        "tab-" + uuid.New().String()[:8],
		page:      page,
		bctx:      bctx,
		owner:     tb,
		createdAt: now,
		lastUsed:  now,
		inUse:     true,
	}

	t.mu.Lock()
	tb.creating--
	tb.tabs[mt.id] = mt
	t.created++
	t.mu.Unlock()

	t.logger.Debug().Str("tab", mt.id).Str("browser", tb.lease.ID()).Msg("Created tab")
	return &Tab{pool: t, tab: mt}, nil
}

// tabStale reports whether a tab must be recycled rather than reused.
func (t *TabPool) tabStale(mt *managedTab, cfg *common.Config) bool {
	if mt.usage >= maxUsagePerTab {
		return true
	}
	return t.now().Sub(mt.createdAt) > cfg.Tabs.MaxAge
}

// release resets a tab for reuse or recycles it.
func (t *TabPool) release(ctx context.Context, mt *managedTab, healthy bool) {
	cfg := t.settings.Snapshot()

	t.mu.Lock()
	mt.usage++
	mt.lastUsed = t.now()
	reusable := cfg.Tabs.Reuse && healthy && !t.closed && !t.tabStale(mt, cfg) && !mt.page.IsClosed()
	t.mu.Unlock()

	if reusable {
		// A failed reset means unknown page state; do not hand it to the
		// next request.
		if err := mt.page.Reset(ctx, tabResetTimeout); err != nil {
			t.logger.Debug().Str("tab", mt.id).Err(err).Msg("Tab reset failed, recycling")
			reusable = false
		}
	}

	t.mu.Lock()
	if reusable {
		mt.inUse = false
		t.mu.Unlock()
		return
	}
	delete(mt.owner.tabs, mt.id)
	t.recycled++
	owner := mt.owner
	t.mu.Unlock()

	t.closeTab(mt)

	t.mu.Lock()
	t.maybeReleaseBrowserLocked(owner, healthy)
	t.mu.Unlock()
}

// closeTab tears down the page and its context.
func (t *TabPool) closeTab(mt *managedTab) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mt.page.Close(ctx)
	mt.bctx.Close(ctx)
	t.logger.Debug().Str("tab", mt.id).Int("usage", mt.usage).Msg("Closed tab")
}

// maybeReleaseBrowserLocked returns the lease to the browser pool once no
// tabs or pending creations remain. Caller holds the lock.
func (t *TabPool) maybeReleaseBrowserLocked(tb *tabBrowser, healthy bool) {
	if tb.slotCount() > 0 {
		return
	}
	if _, ok := t.browsers[tb.lease.ID()]; !ok {
		return
	}
	delete(t.browsers, tb.lease.ID())
	tb.lease.Release(healthy)
}

// cleanup recycles idle and worn free tabs, returning empty browsers to the
// process pool.
func (t *TabPool) cleanup() {
	cfg := t.settings.Snapshot()
	now := t.now()

	var stale []*managedTab
	t.mu.Lock()
	for _, tb := range t.browsers {
		for _, mt := range tb.tabs {
			if mt.inUse {
				continue
			}
			if t.tabStale(mt, cfg) || now.Sub(mt.lastUsed) > cfg.Tabs.IdleTimeout || mt.page.IsClosed() {
				delete(tb.tabs, mt.id)
				t.recycled++
				stale = append(stale, mt)
			}
		}
	}
	t.mu.Unlock()

	for _, mt := range stale {
		t.closeTab(mt)
	}

	t.mu.Lock()
	for _, tb := range t.browsers {
		t.maybeReleaseBrowserLocked(tb, true)
	}
	t.mu.Unlock()

	if len(stale) > 0 {
		t.logger.Debug().Int("recycled", len(stale)).Msg("Tab pool cleanup")
	}
}

// statsLocked builds the stats map. Caller holds the lock.
func (t *TabPool) statsLocked() map[string]interface{} {
	total, inUse := 0, 0
	for _, tb := range t.browsers {
		total += len(tb.tabs)
		for _, mt := range tb.tabs {
			if mt.inUse {
				inUse++
			}
		}
	}
	return map[string]interface{}{
		"browsers":    len(t.browsers),
		"tabs":        total,
		"tabs_in_use": inUse,
		"created":     t.created,
		"reused":      t.reused,
		"recycled":    t.recycled,
		"timeouts":    t.timeouts,
	}
}

// Stats returns a snapshot of tab pool occupancy and counters.
func (t *TabPool) Stats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked()
}

// Shutdown closes every tab and returns all leases to the browser pool.
func (t *TabPool) Shutdown(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.doneCh

	t.mu.Lock()
	t.closed = true
	var tabs []*managedTab
	var leases []*Lease
	for _, tb := range t.browsers {
		for _, mt := range tb.tabs {
			tabs = append(tabs, mt)
		}
		leases = append(leases, tb.lease)
	}
	t.browsers = make(map[string]*tabBrowser)
	t.mu.Unlock()

	for _, mt := range tabs {
		t.closeTab(mt)
	}
	for _, lease := range leases {
		lease.Release(true)
	}

	t.logger.Info().Int("tabs_closed", len(tabs)).Msg("Tab pool shut down")
	return nil
}
