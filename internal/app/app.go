package app

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
	"github.com/ternarybob/shutter/internal/services/batch"
	"github.com/ternarybob/shutter/internal/services/browser"
	"github.com/ternarybob/shutter/internal/services/cache"
	"github.com/ternarybob/shutter/internal/services/health"
	"github.com/ternarybob/shutter/internal/services/metrics"
	"github.com/ternarybob/shutter/internal/services/ratelimit"
	"github.com/ternarybob/shutter/internal/services/retry"
	"github.com/ternarybob/shutter/internal/services/screenshot"
	"github.com/ternarybob/shutter/internal/services/storage"
	"github.com/ternarybob/shutter/internal/services/throttle"
)

// statsInterval is how often component snapshots are pushed to the collector.
const statsInterval = 15 * time.Second

// App wires every service and owns the startup/shutdown order.
type App struct {
	Config   *common.Config
	Settings *common.Settings
	Logger   arbor.ILogger

	Metrics      *metrics.Collector
	Throttle     *throttle.Throttle
	Retrier      *retry.Retrier
	ResultCache  *cache.ResultCache
	ContentCache *cache.ContentCache
	Pool         *browser.Pool
	Tabs         *browser.TabPool
	Pipeline     *screenshot.Pipeline
	Limiter      *ratelimit.Limiter
	Batch        *batch.Service
	Checker      *health.Checker
	Watchdog     *health.Watchdog
	Sweeper      *storage.Sweeper
	Store        *storage.LocalStore
	Signer       *storage.ImgproxySigner
	Rewriter     *storage.HostRewriter

	stopStats chan struct{}
	statsDone chan struct{}
}

// requestObserver fans pipeline outcomes out to the collector and watchdog.
type requestObserver struct {
	collector *metrics.Collector
	watchdog  *health.Watchdog
}

func (o *requestObserver) RecordRequest(operation string, duration time.Duration, err error) {
	o.watchdog.NoteRequest()
	o.collector.RecordRequest(operation, duration, err)
}

// New builds the full service graph. Nothing is running yet; call Start.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config:    cfg,
		Settings:  common.NewSettings(cfg),
		Logger:    logger,
		stopStats: make(chan struct{}),
		statsDone: make(chan struct{}),
	}

	a.Metrics = metrics.NewCollector(logger)

	store, err := storage.NewLocalStore(cfg.Storage.ScreenshotDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize screenshot storage: %w", err)
	}
	a.Store = store

	a.Signer, err = storage.NewImgproxySigner(cfg.Signer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize url signer: %w", err)
	}
	a.Rewriter = storage.NewHostRewriter(cfg.Rewrite.Hosts)

	a.ResultCache = cache.NewResultCache(cfg.Cache, logger)
	a.ContentCache, err = cache.NewContentCache(cfg.Content, cfg.Storage.ScreenshotDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize content cache: %w", err)
	}

	factory := browser.NewChromeFactory(logger)
	a.Pool = browser.NewPool(a.Settings, factory, logger)
	if cfg.Tabs.Enabled {
		a.Tabs = browser.NewTabPool(a.Settings, a.Pool, logger)
	}

	a.Throttle = throttle.New(cfg.Throttle, logger)
	a.Retrier = retry.NewRetrier(
		retry.PolicyFromConfig(cfg.Retry),
		retry.NewBreakerSet(cfg.Breaker.Threshold, cfg.Breaker.ResetTime),
		logger,
	)

	a.Watchdog = health.NewWatchdog(cfg.Watchdog, a.Pool, logger)
	a.Checker = health.NewChecker(cfg.Health,
		fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port), logger)

	a.Pipeline = screenshot.NewPipeline(screenshot.Options{
		Settings: a.Settings,
		Throttle: a.Throttle,
		Retrier:  a.Retrier,
		Results:  a.ResultCache,
		Content:  a.ContentCache,
		Pool:     a.Pool,
		Tabs:     a.Tabs,
		Store:    a.Store,
		Signer:   a.Signer,
		Rewriter: a.Rewriter,
		Observer: &requestObserver{collector: a.Metrics, watchdog: a.Watchdog},
		Logger:   logger,
	})

	a.Limiter = ratelimit.NewLimiter(cfg.RateLimit, logger)
	a.Batch = batch.NewService(a.Settings,
		batch.NewStore(cfg.Batch, logger), a.Pipeline, a.Limiter, logger)

	a.Sweeper = storage.NewSweeper(cfg.Storage, logger)

	return a, nil
}

// Start brings services up: pools first so the pipeline has capacity, then
// the batch engine, then the self-monitoring loops.
func (a *App) Start(ctx context.Context) error {
	if err := a.Pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser pool: %w", err)
	}
	if a.Tabs != nil {
		a.Tabs.Start()
	}
	a.ContentCache.Start()
	a.Batch.Start()
	a.Sweeper.Start()
	a.Watchdog.Start()
	a.Checker.Start()

	common.SafeGo(a.Logger, "stats-publisher", func() {
		defer close(a.statsDone)
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopStats:
				return
			case <-ticker.C:
				a.publishStats()
			}
		}
	})

	a.Logger.Info().
		Int("pool_min", a.Config.Pool.MinSize).
		Int("pool_max", a.Config.Pool.MaxSize).
		Bool("tabs", a.Tabs != nil).
		Msg("Application started")
	return nil
}

// publishStats pushes component snapshots into the collector so alerts and
// time series see pool and cache state, not just request outcomes.
func (a *App) publishStats() {
	a.Metrics.UpdateStats("pool", a.Pool.Stats())
	if a.Tabs != nil {
		a.Metrics.UpdateStats("tabs", a.Tabs.Stats())
	}
	a.Metrics.UpdateStats("throttle", a.Throttle.Stats())
	a.Metrics.UpdateStats("result_cache", a.ResultCache.Stats())
	a.Metrics.UpdateStats("content_cache", a.ContentCache.Stats())
	a.Metrics.UpdateStats("batch", a.Batch.Stats())
	a.Metrics.UpdateStats("breakers", a.Retrier.Breakers().Stats())
	a.Metrics.UpdateStats("system", systemStats())
}

// systemStats samples process memory and goroutine counts.
func systemStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memoryPercent := 0.0
	if m.Sys > 0 {
		memoryPercent = float64(m.HeapAlloc) / float64(m.Sys) * 100
	}

	return map[string]interface{}{
		"heap_alloc_bytes": m.HeapAlloc,
		"sys_bytes":        m.Sys,
		"memory_percent":   memoryPercent,
		"goroutines":       runtime.NumGoroutine(),
		"tracked":          common.GetGoroutineCount(),
	}
}

// Status aggregates component stats for the status endpoint.
func (a *App) Status() map[string]interface{} {
	status := map[string]interface{}{
		"version":      common.GetVersion(),
		"environment":  a.Config.Environment,
		"pool":         a.Pool.Stats(),
		"throttle":     a.Throttle.Stats(),
		"result_cache": a.ResultCache.Stats(),
		"batch":        a.Batch.Stats(),
		"health":       a.Checker.Stats(),
		"watchdog":     a.Watchdog.Stats(),
	}
	if a.Tabs != nil {
		status["tabs"] = a.Tabs.Stats()
	}
	if a.ContentCache != nil {
		status["content_cache"] = a.ContentCache.Stats()
	}
	return status
}

// Close shuts services down in dependency order: stop admission and
// monitoring first, drain the batch engine, then tear the pools down.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.Checker.Stop()
	a.Watchdog.Stop()
	a.Sweeper.Stop()

	close(a.stopStats)
	<-a.statsDone

	if err := a.Batch.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Batch shutdown failed")
	}

	a.ContentCache.Shutdown()

	if a.Tabs != nil {
		if err := a.Tabs.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Tab pool shutdown failed")
		}
	}
	if err := a.Pool.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Browser pool shutdown failed")
	}

	a.Logger.Info().Msg("Application stopped")
}
