// Package screenshot implements the single-capture pipeline: admission,
// caching, page acquisition, navigation with progressive fallback, capture,
// upload and URL signing.
package screenshot

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
	"github.com/ternarybob/shutter/internal/interfaces"
	"github.com/ternarybob/shutter/internal/models"
	"github.com/ternarybob/shutter/internal/services/browser"
	"github.com/ternarybob/shutter/internal/services/cache"
	"github.com/ternarybob/shutter/internal/services/retry"
	"github.com/ternarybob/shutter/internal/services/throttle"
)

// captureRetryDelay is the pause before the single capture retry.
const captureRetryDelay = time.Second

// Observer receives per-request outcomes; satisfied by the metrics collector.
type Observer interface {
	RecordRequest(operation string, duration time.Duration, err error)
}

// navStep is one attempt in the progressive navigation fallback: a wait
// condition and the fraction of the navigation budget it may spend.
type navStep struct {
	wait     interfaces.WaitUntil
	fraction float64
}

// navPlan is the fallback sequence. A timeout on one step falls through to
// the next condition with its own slice of the budget; the page keeps
// whatever content loaded.
var navPlan = []navStep{
	{interfaces.WaitCommit, 0.4},
	{interfaces.WaitDOMContentLoaded, 0.7},
	{interfaces.WaitNetworkIdle, 0.5},
	{interfaces.WaitLoad, 0.9},
}

// complexHosts render mostly client-side and get the extended budget.
var complexHosts = []string{
	"twitter.com", "x.com", "facebook.com", "instagram.com",
	"youtube.com", "maps.google.com", "linkedin.com",
}

// analyticsHosts are blocked when analytics blocking is on.
var analyticsHosts = []string{
	"google-analytics.com", "googletagmanager.com", "doubleclick.net",
	"facebook.net", "hotjar.com", "segment.io", "mixpanel.com",
}

// adHosts are blocked when ad blocking is on.
var adHosts = []string{
	"googlesyndication.com", "adservice.google.com", "amazon-adsystem.com",
	"adnxs.com", "criteo.com", "taboola.com", "outbrain.com",
}

// socialHosts serve embedded widgets, not page content.
var socialHosts = []string{
	"platform.twitter.com", "connect.facebook.net", "platform.linkedin.com",
	"assets.pinterest.com", "platform.instagram.com", "widgets.wp.com",
}

// Pipeline is the capture orchestrator.
type Pipeline struct {
	settings *common.Settings
	validate *validator.Validate
	throttle *throttle.Throttle
	retrier  *retry.Retrier
	results  interfaces.ResultCache
	content  *cache.ContentCache
	pool     *browser.Pool
	tabs     *browser.TabPool
	store    interfaces.ObjectStore
	signer   interfaces.URLSigner
	rewriter interfaces.URLRewriter
	observer Observer
	logger   arbor.ILogger
}

// Options bundles the pipeline collaborators. Tabs and Observer may be nil.
type Options struct {
	Settings *common.Settings
	Throttle *throttle.Throttle
	Retrier  *retry.Retrier
	Results  interfaces.ResultCache
	Content  *cache.ContentCache
	Pool     *browser.Pool
	Tabs     *browser.TabPool
	Store    interfaces.ObjectStore
	Signer   interfaces.URLSigner
	Rewriter interfaces.URLRewriter
	Observer Observer
	Logger   arbor.ILogger
}

// NewPipeline wires the capture pipeline.
func NewPipeline(opts Options) *Pipeline {
	return &Pipeline{
		settings: opts.Settings,
		validate: validator.New(),
		throttle: opts.Throttle,
		retrier:  opts.Retrier,
		results:  opts.Results,
		content:  opts.Content,
		pool:     opts.Pool,
		tabs:     opts.Tabs,
		store:    opts.Store,
		signer:   opts.Signer,
		rewriter: opts.Rewriter,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
}

// Capture runs the full pipeline for one request.
func (p *Pipeline) Capture(ctx context.Context, req models.ScreenshotRequest) (result models.ScreenshotResult, err error) {
	start := time.Now()
	defer func() {
		if p.observer != nil {
			p.observer.RecordRequest("screenshot", time.Since(start), err)
		}
	}()

	req.Normalize()
	if verr := p.validate.Struct(req); verr != nil {
		return result, common.NewServiceError(common.ErrValidation, "invalid screenshot request", verr)
	}

	if err = p.throttle.Acquire(ctx); err != nil {
		return result, err
	}
	defer p.throttle.Release()

	target := req.URL
	if p.rewriter != nil {
		target = p.rewriter.Transform(req.URL)
	}

	cfg := p.settings.Snapshot()
	useCache := req.UseCache && cfg.Cache.Enabled
	if useCache {
		if signed, ok := p.results.Get(req.URL, req.Width, req.Height, req.Format); ok {
			p.logger.Debug().Str("url", req.URL).Msg("Result cache hit")
			return models.ScreenshotResult{URL: signed, Cached: true}, nil
		}
	}

	signed, err := p.capture(ctx, req, target, cfg)
	if err != nil {
		return result, err
	}

	if useCache {
		p.results.Set(req.URL, req.Width, req.Height, req.Format, signed)
	}
	return models.ScreenshotResult{URL: signed, Cached: false}, nil
}

// capture drives one page through navigation and capture to a signed URL.
func (p *Pipeline) capture(ctx context.Context, req models.ScreenshotRequest, target string, cfg *common.Config) (string, error) {
	opts := interfaces.ContextOptions{
		UserAgent: cfg.Browser.UserAgent,
		Width:     req.Width,
		Height:    req.Height,
	}

	page, release, err := p.acquirePage(ctx, opts)
	if err != nil {
		return "", err
	}
	healthy := false
	defer func() { release(healthy) }()

	if err := page.SetViewport(ctx, req.Width, req.Height); err != nil {
		return "", common.NewServiceError(common.ErrBrowser, "failed to set viewport", err)
	}

	if p.content != nil || p.anyBlocking(cfg) {
		mainHost := ""
		if u, perr := url.Parse(target); perr == nil {
			mainHost = strings.ToLower(u.Hostname())
		}
		if err := page.SetInterceptor(ctx, p.routeHandler(cfg, mainHost)); err != nil {
			p.logger.Warn().Err(err).Msg("Request interception unavailable, continuing without")
		}
	}

	if err := p.navigate(ctx, page, target, cfg); err != nil {
		return "", err
	}

	tmpPath := filepath.Join(os.TempDir(), common.NewArtifactName(req.Format))
	if err := p.captureWithRetry(ctx, page, tmpPath, req.Format, cfg); err != nil {
		return "", err
	}

	healthy = true

	key, err := p.store.Upload(ctx, tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	signed, err := p.signer.Sign(key, req.Width, req.Height, req.Format)
	if err != nil {
		return "", common.NewServiceError(common.ErrInternal, "failed to sign delivery URL", err)
	}
	return signed, nil
}

// acquirePage prefers a pooled tab and falls back to a dedicated context.
func (p *Pipeline) acquirePage(ctx context.Context, opts interfaces.ContextOptions) (interfaces.Page, func(bool), error) {
	if p.tabs != nil && p.settings.Snapshot().Tabs.Enabled {
		tab, err := p.tabs.Get(ctx, opts)
		if err == nil {
			return tab.Page(), func(healthy bool) { tab.Release(context.Background(), healthy) }, nil
		}
		p.logger.Debug().Err(err).Msg("Tab acquisition failed, falling back to dedicated context")
	}

	mc, err := p.pool.AcquirePage(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return mc.Page(), func(healthy bool) { mc.Close(context.Background(), healthy) }, nil
}

// isComplex reports whether the URL needs the extended navigation budget.
func isComplex(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, c := range complexHosts {
		if host == c || strings.HasSuffix(host, "."+c) {
			return true
		}
	}
	// Hash-routed single page apps load their content after the fragment.
	return strings.Contains(u.Fragment, "/")
}

// navigate walks the fallback plan under the retry engine. The domain's
// circuit breaker fails navigation fast while the origin is down.
func (p *Pipeline) navigate(ctx context.Context, page interfaces.Page, target string, cfg *common.Config) error {
	budget := cfg.Screenshot.NavTimeout
	if isComplex(target) {
		budget = cfg.Screenshot.ComplexNavTimeout
	}

	domain := ""
	if u, err := url.Parse(target); err == nil {
		domain = u.Hostname()
	}

	err := p.retrier.ExecuteNavigation(ctx, "navigate", domain, func(ctx context.Context) error {
		var lastErr error
		for _, step := range navPlan {
			timeout := time.Duration(float64(budget) * step.fraction)
			lastErr = page.Navigate(ctx, target, step.wait, timeout)
			if lastErr == nil {
				return nil
			}
			p.logger.Debug().
				Str("url", target).
				Str("wait_until", string(step.wait)).
				Err(lastErr).
				Msg("Navigation step failed, trying next condition")
		}
		return lastErr
	})
	if err != nil {
		if common.CodeOf(err) == common.ErrCircuitBreakerOpen || common.CodeOf(err) == common.ErrMaxRetriesExceeded {
			return err
		}
		return common.NewServiceError(common.ErrNavigation, "navigation failed", err)
	}
	return nil
}

// captureWithRetry takes the screenshot, retrying once after a short pause;
// transient renderer hiccups usually clear within a second.
func (p *Pipeline) captureWithRetry(ctx context.Context, page interfaces.Page, path, format string, cfg *common.Config) error {
	captureCtx, cancel := context.WithTimeout(ctx, cfg.Screenshot.CaptureTimeout)
	defer cancel()

	err := page.Screenshot(captureCtx, path, format)
	if err == nil {
		return nil
	}

	p.logger.Debug().Err(err).Msg("Capture failed, retrying once")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(captureRetryDelay):
	}

	retryCtx, cancel2 := context.WithTimeout(ctx, cfg.Screenshot.CaptureTimeout)
	defer cancel2()
	if err := page.Screenshot(retryCtx, path, format); err != nil {
		return common.NewServiceError(common.ErrScreenshot, "screenshot capture failed", err)
	}
	return nil
}

// anyBlocking reports whether any resource blocking flag is on.
func (p *Pipeline) anyBlocking(cfg *common.Config) bool {
	s := cfg.Screenshot
	return s.BlockFonts || s.BlockMedia || s.BlockAnalytics || s.BlockThirdParty ||
		s.BlockAds || s.BlockSocial
}

// routeHandler builds the interception handler: block configured resource
// classes, serve eligible requests from the content cache, and persist
// fetched payloads back into it.
func (p *Pipeline) routeHandler(cfg *common.Config, mainHost string) interfaces.RouteHandler {
	return func(route interfaces.Route) bool {
		rawURL := route.URL()
		resourceType := route.ResourceType()

		if p.blocked(cfg, rawURL, resourceType, mainHost) {
			route.Fulfill(200, map[string]string{"Content-Type": "text/plain"}, nil)
			return true
		}

		// Cache keys use the public form of the URL so entries fetched
		// through an internal-host rewrite stay canonical.
		keyURL := rawURL
		if p.rewriter != nil {
			keyURL = p.rewriter.Reverse(rawURL)
		}

		if p.content == nil || !p.content.Eligible(keyURL, resourceType) {
			return false
		}

		if route.ResponseStatus() == 0 {
			// Request stage: answer from cache when possible.
			if cached, ok := p.content.Lookup(keyURL); ok {
				route.Fulfill(cached.Status, cached.Headers, cached.Body)
				return true
			}
			return false
		}

		// Response stage: persist the fetched payload.
		if body, err := route.ResponseBody(); err == nil {
			p.content.Store(keyURL, route.ResponseStatus(), route.ResponseHeaders(), body)
		}
		return false
	}
}

// blocked applies the configured resource blocking rules.
func (p *Pipeline) blocked(cfg *common.Config, rawURL, resourceType, mainHost string) bool {
	s := cfg.Screenshot
	if s.BlockFonts && resourceType == "font" {
		return true
	}
	if s.BlockMedia && resourceType == "media" {
		return true
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())

	if s.BlockAnalytics && hostMatchesAny(host, analyticsHosts) {
		return true
	}
	if s.BlockAds && hostMatchesAny(host, adHosts) {
		return true
	}
	if s.BlockSocial && hostMatchesAny(host, socialHosts) {
		return true
	}

	// Third-party blocking never touches the document itself.
	if s.BlockThirdParty && mainHost != "" && resourceType != "document" {
		if host != mainHost && !strings.HasSuffix(host, "."+mainHost) {
			return true
		}
	}
	return false
}

func hostMatchesAny(host string, hosts []string) bool {
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
