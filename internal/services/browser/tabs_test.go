package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
	"github.com/ternarybob/shutter/internal/interfaces"
)

func newTestTabPool(t *testing.T, poolMax, maxPerBrowser int) (*TabPool, *Pool) {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Pool.MinSize = 0
	cfg.Pool.MaxSize = poolMax
	cfg.Pool.CleanupInterval = time.Minute
	cfg.Tabs.MaxPerBrowser = maxPerBrowser
	cfg.Tabs.CleanupInterval = time.Minute
	settings := common.NewSettings(cfg)

	pool := NewPool(settings, &fakeFactory{}, arbor.NewLogger())
	pool.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	require.NoError(t, pool.Start(context.Background()))

	tp := NewTabPool(settings, pool, arbor.NewLogger())
	tp.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	tp.Start()
	return tp, pool
}

func TestTabPoolCreatesAndReusesTab(t *testing.T) {
	tp, pool := newTestTabPool(t, 2, 4)

	tab, err := tp.Get(context.Background(), interfaces.ContextOptions{})
	require.NoError(t, err)
	page := tab.Page().(*fakePage)
	assert.Equal(t, 1, pool.InUse(), "tab pool holds a browser lease")

	tab.Release(context.Background(), true)

	again, err := tp.Get(context.Background(), interfaces.ContextOptions{})
	require.NoError(t, err)
	assert.Same(t, page, again.Page().(*fakePage), "released tab is reused")
	page.mu.Lock()
	resets := page.resets
	page.mu.Unlock()
	assert.Equal(t, 1, resets, "reuse requires a reset to blank")

	again.Release(context.Background(), true)
	stats := tp.Stats()
	assert.Equal(t, int64(1), stats["created"])
	assert.Equal(t, int64(1), stats["reused"])
}

func TestTabPoolRespectsMaxPerBrowser(t *testing.T) {
	tp, pool := newTestTabPool(t, 1, 2)

	a, err := tp.Get(context.Background(), interfaces.ContextOptions{})
	require.NoError(t, err)
	b, err := tp.Get(context.Background(), interfaces.ContextOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, pool.InUse(), "both tabs share the single browser")
	assert.Equal(t, 2, tp.Stats()["tabs"])

	// A third acquisition has no slot; release one mid-poll.
	released := false
	tp.sleep = func(ctx context.Context, d time.Duration) error {
		if !released {
			released = true
			a.Release(ctx, true)
		}
		return nil
	}

	c, err := tp.Get(context.Background(), interfaces.ContextOptions{})
	require.NoError(t, err)
	assert.Same(t, a.Page(), c.Page())

	b.Release(context.Background(), true)
	c.Release(context.Background(), true)
}

func TestTabPoolTimesOutWhenSaturated(t *testing.T) {
	tp, _ := newTestTabPool(t, 1, 1)

	tab, err := tp.Get(context.Background(), interfaces.ContextOptions{})
	require.NoError(t, err)

	clock := &tabClock{t: time.Unix(1700000000, 0)}
	tp.now = clock.now
	tp.sleep = func(ctx context.Context, d time.Duration) error {
		clock.advance(time.Second)
		return nil
	}

	_, err = tp.Get(context.Background(), interfaces.ContextOptions{})
	require.Error(t, err)
	assert.Equal(t, common.ErrSystemOverloaded, common.CodeOf(err))
	assert.Equal(t, int64(1), tp.Stats()["timeouts"])

	tab.Release(context.Background(), true)
}

type tabClock struct {
	t time.Time
}

func (c *tabClock) now() time.Time          { return c.t }
func (c *tabClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTabPoolUnhealthyReleaseClosesTabAndBrowserLease(t *testing.T) {
	tp, pool := newTestTabPool(t, 2, 4)

	tab, err := tp.Get(context.Background(), interfaces.ContextOptions{})
	require.NoError(t, err)
	page := tab.Page().(*fakePage)

	tab.Release(context.Background(), false)
	assert.True(t, page.IsClosed())
	assert.Equal(t, 0, pool.InUse(), "empty browser is returned to the pool")
	assert.Equal(t, 0, tp.Stats()["tabs"])
}

func TestTabPoolFailedResetRecycles(t *testing.T) {
	tp, _ := newTestTabPool(t, 2, 4)

	tab, err := tp.Get(context.Background(), interfaces.ContextOptions{})
	require.NoError(t, err)
	page := tab.Page().(*fakePage)
	page.mu.Lock()
	page.failNext = true
	page.mu.Unlock()

	tab.Release(context.Background(), true)
	assert.True(t, page.IsClosed(), "a tab that cannot reset must not be reused")
}

func TestTabPoolCleanupRecyclesIdleTabs(t *testing.T) {
	tp, pool := newTestTabPool(t, 2, 4)

	tab, err := tp.Get(context.Background(), interfaces.ContextOptions{})
	require.NoError(t, err)
	page := tab.Page().(*fakePage)
	tab.Release(context.Background(), true)

	clock := &tabClock{t: time.Now().Add(10 * time.Minute)}
	tp.now = clock.now
	tp.cleanup()

	assert.True(t, page.IsClosed())
	assert.Equal(t, 0, tp.Stats()["tabs"])
	assert.Equal(t, 0, pool.InUse())
}

func TestTabPoolShutdown(t *testing.T) {
	tp, pool := newTestTabPool(t, 2, 4)

	tab, err := tp.Get(context.Background(), interfaces.ContextOptions{})
	require.NoError(t, err)
	tab.Release(context.Background(), true)

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Equal(t, 0, pool.InUse())

	_, err = tp.Get(context.Background(), interfaces.ContextOptions{})
	require.Error(t, err)
}
