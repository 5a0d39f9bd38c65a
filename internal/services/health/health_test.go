package health

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
)

func TestProbeRecordsSuccessAndFailure(t *testing.T) {
	var gotPath, gotQuery string
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewChecker(common.HealthConfig{
		Enabled:  true,
		Timeout:  5 * time.Second,
		TestURL:  "https://example.com",
		Interval: time.Minute,
	}, srv.URL, arbor.NewLogger())

	c.probe()
	assert.Equal(t, "/screenshot", gotPath)
	assert.Contains(t, gotQuery, "cache=false")
	assert.Contains(t, gotQuery, "url=https")

	status = http.StatusServiceUnavailable
	c.probe()

	stats := c.Stats()
	assert.Equal(t, 1, stats["successes"])
	assert.Equal(t, 1, stats["failures"])
	assert.InDelta(t, 0.5, stats["success_rate"].(float64), 0.001)
	assert.Contains(t, stats["last_error"].(string), "503")
}

func TestProbeCountsConnectionErrors(t *testing.T) {
	c := NewChecker(common.HealthConfig{
		Enabled: true,
		Timeout: time.Second,
		TestURL: "https://example.com",
	}, "http://127.0.0.1:1", arbor.NewLogger())

	c.probe()
	stats := c.Stats()
	assert.Equal(t, 0, stats["successes"])
	assert.Equal(t, 1, stats["failures"])
}

func TestCheckerDisabledStartStops(t *testing.T) {
	c := NewChecker(common.HealthConfig{Enabled: false}, "http://127.0.0.1:1", arbor.NewLogger())
	c.Start()
	c.Stop() // must not block
}

type fakePool struct {
	mu            sync.Mutex
	util          float64
	inUse         int
	forced        []int
	agedRequested []time.Duration
}

func (p *fakePool) Utilization() float64 { return p.util }
func (p *fakePool) InUse() int           { return p.inUse }

func (p *fakePool) ForceRecycle(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forced = append(p.forced, n)
	return n
}

func (p *fakePool) RecycleOlderThan(age time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agedRequested = append(p.agedRequested, age)
	return 0
}

func newTestWatchdog(pool *fakePool) *Watchdog {
	return NewWatchdog(common.WatchdogConfig{
		Enabled:         true,
		Interval:        30 * time.Second,
		UsageThreshold:  0.9,
		IdleThreshold:   2 * time.Minute,
		ForceRecycleAge: 2 * time.Hour,
	}, pool, arbor.NewLogger())
}

func TestWatchdogRecyclesStuckBrowsers(t *testing.T) {
	pool := &fakePool{util: 0.95, inUse: 8}
	w := newTestWatchdog(pool)

	// High utilization with no traffic for longer than the idle threshold.
	w.now = func() time.Time { return time.Now().Add(3 * time.Minute) }

	w.scan()
	require.Len(t, pool.forced, 1)
	assert.Equal(t, 4, pool.forced[0], "half of in-use browsers")
	assert.Equal(t, 1, w.Stats()["recoveries"])
}

func TestWatchdogLeavesBusyPoolAlone(t *testing.T) {
	pool := &fakePool{util: 0.95, inUse: 8}
	w := newTestWatchdog(pool)

	// Same utilization but a request just arrived.
	w.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	w.NoteRequest()

	w.scan()
	assert.Empty(t, pool.forced)
}

func TestWatchdogIgnoresLowUtilization(t *testing.T) {
	pool := &fakePool{util: 0.2, inUse: 1}
	w := newTestWatchdog(pool)
	w.now = func() time.Time { return time.Now().Add(time.Hour) }

	w.scan()
	assert.Empty(t, pool.forced)
}

func TestWatchdogRetiresOverAgeBrowsers(t *testing.T) {
	pool := &fakePool{util: 0.1}
	w := newTestWatchdog(pool)

	w.scan()
	require.Len(t, pool.agedRequested, 1)
	assert.Equal(t, 2*time.Hour, pool.agedRequested[0])
}

func TestWatchdogRecyclesAtLeastOne(t *testing.T) {
	pool := &fakePool{util: 1.0, inUse: 1}
	w := newTestWatchdog(pool)
	w.now = func() time.Time { return time.Now().Add(3 * time.Minute) }

	w.scan()
	require.Len(t, pool.forced, 1)
	assert.Equal(t, 1, pool.forced[0])
}
