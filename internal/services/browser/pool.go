// Package browser manages the pool of headless browser processes, the tab
// pool layered on top of it, and the automation-library bindings.
package browser

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
	"github.com/ternarybob/shutter/internal/interfaces"
)

// maxUsagePerBrowser bounds how many captures one process serves before it
// is recycled to contain renderer memory growth.
const maxUsagePerBrowser = 50

// highLoadUtilization is the point where the cleanup loop pre-grows the pool.
const highLoadUtilization = 0.8

// maxPreGrow caps how many browsers one cleanup pass may add under load.
const maxPreGrow = 5

// managedBrowser wraps one owned browser process with its lifecycle state.
type managedBrowser struct {
	id         string
	browser    interfaces.Browser
	createdAt  time.Time
	lastUsed   time.Time
	usage      int
	markRecycl bool
}

func (m *managedBrowser) String() string { return m.id }

// Pool owns a bounded set of browser processes with FIFO reuse. Acquisition
// has three paths: pop an idle process, grow below the (dynamic) maximum, or
// wait with exponential backoff until a slot frees up.
type Pool struct {
	settings *common.Settings
	factory  interfaces.BrowserFactory
	logger   arbor.ILogger

	mu        sync.Mutex
	available []*managedBrowser // FIFO: acquire from head, release to tail
	inUse     map[string]*managedBrowser
	launching int
	closed    bool

	launched     int64
	recycled     int64
	acquisitions int64
	waits        int64
	exhaustions  int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	now   func() time.Time
	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPool creates a browser pool. Call Start to warm it to minimum size and
// begin the cleanup loop.
func NewPool(settings *common.Settings, factory interfaces.BrowserFactory, logger arbor.ILogger) *Pool {
	return &Pool{
		settings:  settings,
		factory:   factory,
		logger:    logger,
		available: make([]*managedBrowser, 0),
		inUse:     make(map[string]*managedBrowser),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		now:       time.Now,
		rand:      func() float64 { return 0.5 },
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start warms the pool to its minimum size and begins periodic cleanup.
func (p *Pool) Start(ctx context.Context) error {
	cfg := p.settings.Snapshot()
	for i := 0; i < cfg.Pool.MinSize; i++ {
		mb, err := p.launch(ctx)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.available = append(p.available, mb)
		p.mu.Unlock()
	}

	common.SafeGo(p.logger, "browser-pool-cleanup", func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(cfg.Pool.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.cleanup()
			}
		}
	})

	p.logger.Info().
		Int("min_size", cfg.Pool.MinSize).
		Int("max_size", cfg.Pool.MaxSize).
		Msg("Browser pool started")
	return nil
}

// launch starts one browser process under the configured launch timeout.
func (p *Pool) launch(ctx context.Context) (*managedBrowser, error) {
	cfg := p.settings.Snapshot()

	launchCtx, cancel := context.WithTimeout(ctx, cfg.Pool.LaunchTimeout)
	defer cancel()

	b, err := p.factory.Launch(launchCtx, cfg.Browser.Engine, cfg.Browser.Headless, LaunchArgs(cfg.Browser))
	if err != nil {
		return nil, common.NewServiceError(common.ErrBrowser, "browser launch failed", err)
	}

	now := p.now()
	mb := &managedBrowser{
		id:        "browser-" + uuid.New().String()[:8],
		browser:   b,
		createdAt: now,
		lastUsed:  now,
	}

	p.mu.Lock()
	p.launched++
	p.mu.Unlock()

	p.logger.Debug().Str("browser", mb.id).Msg("Launched browser")
	return mb, nil
}

// utilizationLocked is in-use over the current maximum. Caller holds the lock.
func (p *Pool) utilizationLocked() float64 {
	max := p.settings.PoolMaxSize()
	if max <= 0 {
		return 1
	}
	return float64(len(p.inUse)) / float64(max)
}

// Lease is a checked-out browser. Exactly one Release per Lease.
type Lease struct {
	pool *Pool
	mb   *managedBrowser
}

// Browser returns the leased process.
func (l *Lease) Browser() interfaces.Browser { return l.mb.browser }

// ID returns the pool-internal browser identifier.
func (l *Lease) ID() string { return l.mb.id }

// Release returns the browser to the pool. Pass healthy=false when the
// process misbehaved; it is then recycled instead of reused.
func (l *Lease) Release(healthy bool) {
	l.pool.release(l.mb, healthy)
}

// errNoSlot is the internal signal that neither the fast nor the grow path
// produced a browser.
var errNoSlot = fmt.Errorf("no slot")

// Acquire checks out a browser, waiting with backoff when the pool is at
// capacity. Exhausting the bounded wait returns a system_overloaded error
// carrying pool stats.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	lease, err := p.tryAcquire(ctx)
	if err == nil {
		return lease, nil
	}
	if err != errNoSlot {
		return nil, err
	}

	// Wait path. More attempts and longer base waits under load, so heavy
	// traffic spreads out instead of stampeding the next free slot.
	p.mu.Lock()
	util := p.utilizationLocked()
	p.waits++
	p.mu.Unlock()

	attempts := 5 + int(5*util)
	if attempts > 10 {
		attempts = 10
	}

	for retry := 0; retry < attempts; retry++ {
		p.mu.Lock()
		util = p.utilizationLocked()
		p.mu.Unlock()

		baseWait := 0.2 * (1 + util)
		wait := baseWait * math.Pow(2, float64(retry))
		if wait > 8.0 {
			wait = 8.0
		}
		wait *= 1 + 0.2*(p.rand()*2-1)

		if err := p.sleep(ctx, time.Duration(wait*float64(time.Second))); err != nil {
			return nil, err
		}

		lease, err := p.tryAcquire(ctx)
		if err == nil {
			return lease, nil
		}
		if err != errNoSlot {
			return nil, err
		}
	}

	p.mu.Lock()
	p.exhaustions++
	stats := p.statsLocked()
	p.mu.Unlock()

	p.logger.Warn().Int("attempts", attempts).Msg("Browser pool exhausted")
	return nil, common.PoolExhaustedError(stats)
}

// tryAcquire attempts the fast path (idle browser) then the grow path
// (launch below maximum). Returns errNoSlot when both fail.
func (p *Pool) tryAcquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, common.NewServiceError(common.ErrBrowser, "pool is shut down", nil)
	}

	cfg := p.settings.Snapshot()
	for len(p.available) > 0 {
		mb := p.available[0]
		p.available = p.available[1:]

		if p.staleLocked(mb, cfg) {
			p.recycled++
			p.mu.Unlock()
			p.closeBrowser(mb)
			p.mu.Lock()
			continue
		}

		p.inUse[mb.id] = mb
		p.acquisitions++
		p.mu.Unlock()
		return &Lease{pool: p, mb: mb}, nil
	}

	total := len(p.available) + len(p.inUse) + p.launching
	if total < p.settings.PoolMaxSize() {
		p.launching++
		p.mu.Unlock()

		mb, err := p.launch(ctx)

		p.mu.Lock()
		p.launching--
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.inUse[mb.id] = mb
		p.acquisitions++
		p.mu.Unlock()
		return &Lease{pool: p, mb: mb}, nil
	}

	p.mu.Unlock()
	return nil, errNoSlot
}

// staleLocked reports whether a browser must be recycled rather than reused.
func (p *Pool) staleLocked(mb *managedBrowser, cfg *common.Config) bool {
	if mb.markRecycl {
		return true
	}
	if mb.usage >= maxUsagePerBrowser {
		return true
	}
	return p.now().Sub(mb.createdAt) > cfg.Pool.MaxAge
}

// release returns a browser to the pool or recycles it.
func (p *Pool) release(mb *managedBrowser, healthy bool) {
	p.mu.Lock()
	delete(p.inUse, mb.id)
	mb.usage++
	mb.lastUsed = p.now()

	cfg := p.settings.Snapshot()
	if p.closed || !healthy || p.staleLocked(mb, cfg) {
		p.recycled++
		p.mu.Unlock()
		p.closeBrowser(mb)
		return
	}

	p.available = append(p.available, mb)
	p.mu.Unlock()
}

// closeBrowser terminates a process without holding the pool lock.
func (p *Pool) closeBrowser(mb *managedBrowser) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mb.browser.Close(ctx); err != nil {
		p.logger.Warn().Str("browser", mb.id).Err(err).Msg("Browser close failed")
	}
	p.logger.Debug().
		Str("browser", mb.id).
		Int("usage", mb.usage).
		Msg("Closed browser")
}

// cleanup recycles idle and aged browsers, keeps the pool at minimum size,
// and pre-grows under sustained load.
func (p *Pool) cleanup() {
	cfg := p.settings.Snapshot()
	now := p.now()

	var toClose []*managedBrowser
	p.mu.Lock()
	kept := p.available[:0]
	for _, mb := range p.available {
		total := len(kept) + len(p.inUse) + p.launching
		idle := now.Sub(mb.lastUsed) > cfg.Pool.IdleTimeout
		if p.staleLocked(mb, cfg) || (idle && total >= cfg.Pool.MinSize) {
			toClose = append(toClose, mb)
			p.recycled++
			continue
		}
		kept = append(kept, mb)
	}
	p.available = kept

	util := p.utilizationLocked()
	total := len(p.available) + len(p.inUse) + p.launching
	grow := 0
	if total < cfg.Pool.MinSize {
		grow = cfg.Pool.MinSize - total
	} else if util > highLoadUtilization {
		grow = p.settings.PoolMaxSize() - total
		if grow > maxPreGrow {
			grow = maxPreGrow
		}
	}
	p.launching += grow
	p.mu.Unlock()

	for _, mb := range toClose {
		p.closeBrowser(mb)
	}

	for i := 0; i < grow; i++ {
		mb, err := p.launch(context.Background())
		p.mu.Lock()
		p.launching--
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn().Err(err).Msg("Pool pre-grow launch failed")
			continue
		}
		if p.closed {
			p.mu.Unlock()
			p.closeBrowser(mb)
			continue
		}
		p.available = append(p.available, mb)
		p.mu.Unlock()
	}
}

// ForceRecycle recycles up to n browsers, idle ones immediately, then marks
// in-use ones so they are closed on release. Returns how many were affected.
func (p *Pool) ForceRecycle(n int) int {
	var toClose []*managedBrowser

	p.mu.Lock()
	for n > len(toClose) && len(p.available) > 0 {
		mb := p.available[0]
		p.available = p.available[1:]
		toClose = append(toClose, mb)
		p.recycled++
	}

	affected := len(toClose)
	for _, mb := range p.inUse {
		if affected >= n {
			break
		}
		if !mb.markRecycl {
			mb.markRecycl = true
			affected++
		}
	}
	p.mu.Unlock()

	for _, mb := range toClose {
		p.closeBrowser(mb)
	}

	if affected > 0 {
		p.logger.Info().Int("count", affected).Msg("Force recycled browsers")
	}
	return affected
}

// RecycleOlderThan closes idle browsers older than age and marks in-use ones
// for recycle on release. Returns how many were affected.
func (p *Pool) RecycleOlderThan(age time.Duration) int {
	cutoff := p.now().Add(-age)
	var toClose []*managedBrowser

	p.mu.Lock()
	kept := p.available[:0]
	for _, mb := range p.available {
		if mb.createdAt.Before(cutoff) {
			toClose = append(toClose, mb)
			p.recycled++
			continue
		}
		kept = append(kept, mb)
	}
	p.available = kept

	affected := len(toClose)
	for _, mb := range p.inUse {
		if mb.createdAt.Before(cutoff) && !mb.markRecycl {
			mb.markRecycl = true
			affected++
		}
	}
	p.mu.Unlock()

	for _, mb := range toClose {
		p.closeBrowser(mb)
	}
	return affected
}

// statsLocked builds the stats map. Caller holds the lock.
func (p *Pool) statsLocked() map[string]interface{} {
	return map[string]interface{}{
		"available":    len(p.available),
		"in_use":       len(p.inUse),
		"launching":    p.launching,
		"max_size":     p.settings.PoolMaxSize(),
		"utilization":  p.utilizationLocked(),
		"launched":     p.launched,
		"recycled":     p.recycled,
		"acquisitions": p.acquisitions,
		"waits":        p.waits,
		"exhaustions":  p.exhaustions,
	}
}

// Stats returns a snapshot of pool occupancy and counters.
func (p *Pool) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// InUse returns the number of checked-out browsers.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Utilization returns in-use over the current maximum.
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.utilizationLocked()
}

// Shutdown stops the cleanup loop and closes every browser. In-use browsers
// are expected to have been released by the time this is called; any
// stragglers are closed too.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh

	p.mu.Lock()
	p.closed = true
	all := make([]*managedBrowser, 0, len(p.available)+len(p.inUse))
	all = append(all, p.available...)
	for _, mb := range p.inUse {
		all = append(all, mb)
	}
	p.available = nil
	p.inUse = make(map[string]*managedBrowser)
	p.mu.Unlock()

	for _, mb := range all {
		p.closeBrowser(mb)
	}

	p.logger.Info().Int("closed", len(all)).Msg("Browser pool shut down")
	return nil
}

// ManagedContext is a scoped acquisition: browser lease, isolated context
// and page, torn down together by Close.
type ManagedContext struct {
	lease *Lease
	bctx  interfaces.BrowserContext
	page  interfaces.Page
}

// Page returns the managed page.
func (m *ManagedContext) Page() interfaces.Page { return m.page }

// Close tears down the page and context and releases the browser.
func (m *ManagedContext) Close(ctx context.Context, healthy bool) {
	if m.page != nil {
		m.page.Close(ctx)
	}
	if m.bctx != nil {
		m.bctx.Close(ctx)
	}
	m.lease.Release(healthy)
}

// AcquirePage checks out a browser and opens a fresh isolated page in it.
// Used when the tab pool is disabled or cannot supply a tab.
func (p *Pool) AcquirePage(ctx context.Context, opts interfaces.ContextOptions) (*ManagedContext, error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	cfg := p.settings.Snapshot()
	ctxTimeout, cancel := context.WithTimeout(ctx, cfg.Pool.ContextTimeout)
	defer cancel()

	bctx, err := lease.Browser().NewContext(ctxTimeout, opts)
	if err != nil {
		lease.Release(false)
		return nil, common.NewServiceError(common.ErrBrowser, "failed to create browser context", err)
	}

	page, err := bctx.NewPage(ctxTimeout)
	if err != nil {
		bctx.Close(ctxTimeout)
		lease.Release(false)
		return nil, common.NewServiceError(common.ErrBrowser, "failed to open page", err)
	}

	return &ManagedContext{lease: lease, bctx: bctx, page: page}, nil
}
