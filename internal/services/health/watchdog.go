package health

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
)

// recyclablePool is the slice of the browser pool the watchdog acts on.
type recyclablePool interface {
	Utilization() float64
	InUse() int
	ForceRecycle(n int) int
	RecycleOlderThan(age time.Duration) int
}

// Watchdog detects stuck browsers: sustained high pool utilization while no
// requests arrive means leases are held by hung captures, so it force-recycles
// half of the in-use browsers to break the deadlock. It also retires any
// browser past the hard age cap regardless of load.
type Watchdog struct {
	cfg    common.WatchdogConfig
	pool   recyclablePool
	logger arbor.ILogger

	mu          sync.Mutex
	lastRequest time.Time
	recoveries  int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	now func() time.Time
}

// NewWatchdog builds a watchdog over the browser pool.
func NewWatchdog(cfg common.WatchdogConfig, pool recyclablePool, logger arbor.ILogger) *Watchdog {
	now := time.Now
	return &Watchdog{
		cfg:         cfg,
		pool:        pool,
		logger:      logger,
		lastRequest: now(),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		now:         now,
	}
}

// NoteRequest records request arrival; called by the pipeline observer so the
// watchdog can distinguish "busy" from "stuck".
func (w *Watchdog) NoteRequest() {
	w.mu.Lock()
	w.lastRequest = w.now()
	w.mu.Unlock()
}

// Start launches the scan loop.
func (w *Watchdog) Start() {
	if !w.cfg.Enabled {
		close(w.doneCh)
		return
	}

	common.SafeGo(w.logger, "pool-watchdog", func() {
		defer close(w.doneCh)
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.scan()
			}
		}
	})
}

// scan runs one watchdog pass.
func (w *Watchdog) scan() {
	util := w.pool.Utilization()

	w.mu.Lock()
	idle := w.now().Sub(w.lastRequest)
	w.mu.Unlock()

	if util > w.cfg.UsageThreshold && idle > w.cfg.IdleThreshold {
		target := w.pool.InUse() / 2
		if target < 1 {
			target = 1
		}
		recycled := w.pool.ForceRecycle(target)

		w.mu.Lock()
		w.recoveries++
		w.mu.Unlock()

		w.logger.Warn().
			Float64("utilization", util).
			Dur("idle", idle).
			Int("recycled", recycled).
			Msg("Stuck browsers suspected, force recycling")
	}

	if w.cfg.ForceRecycleAge > 0 {
		if aged := w.pool.RecycleOlderThan(w.cfg.ForceRecycleAge); aged > 0 {
			w.logger.Info().Int("count", aged).Msg("Recycled over-age browsers")
		}
	}
}

// Stats returns watchdog counters.
func (w *Watchdog) Stats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]interface{}{
		"enabled":      w.cfg.Enabled,
		"recoveries":   w.recoveries,
		"last_request": w.lastRequest.UTC().Format(time.RFC3339),
	}
}

// Stop halts the scan loop and waits for it to exit.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}
