package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
	"github.com/ternarybob/shutter/internal/interfaces"
)

// LaunchArgs returns the Chromium flag set for headless capture workloads.
func LaunchArgs(cfg common.BrowserConfig) []string {
	args := []string{
		"--disable-dev-shm-usage",
		"--disable-gpu",
		"--disable-extensions",
		"--disable-background-networking",
		"--disable-background-timer-throttling",
		"--disable-backgrounding-occluded-windows",
		"--disable-breakpad",
		"--disable-client-side-phishing-detection",
		"--disable-default-apps",
		"--disable-hang-monitor",
		"--disable-ipc-flooding-protection",
		"--disable-popup-blocking",
		"--disable-prompt-on-repost",
		"--disable-renderer-backgrounding",
		"--disable-sync",
		"--metrics-recording-only",
		"--mute-audio",
		"--no-first-run",
		"--hide-scrollbars",
	}
	if cfg.NoSandbox {
		args = append(args, "--no-sandbox")
	}
	return args
}

// ChromeFactory launches Chromium processes over the DevTools protocol.
type ChromeFactory struct {
	logger arbor.ILogger
}

// NewChromeFactory creates the factory.
func NewChromeFactory(logger arbor.ILogger) *ChromeFactory {
	return &ChromeFactory{logger: logger}
}

// Launch starts a Chromium process. Other engines are not supported by the
// DevTools bindings.
func (f *ChromeFactory) Launch(ctx context.Context, engine string, headless bool, args []string) (interfaces.Browser, error) {
	if engine != "" && engine != "chromium" {
		return nil, fmt.Errorf("unsupported browser engine %q", engine)
	}

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	}
	if headless {
		opts = append(opts, chromedp.Headless)
	}
	for _, arg := range args {
		name := strings.TrimPrefix(arg, "--")
		if k, v, found := strings.Cut(name, "="); found {
			opts = append(opts, chromedp.Flag(k, v))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Starting the process eagerly doubles as a launch self-test; a broken
	// Chromium install fails here instead of on the first capture.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromium startup failed: %w", err)
	}

	select {
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, ctx.Err()
	default:
	}

	return &chromeBrowser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		logger:      f.logger,
	}, nil
}

// chromeBrowser is one Chromium process.
type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      arbor.ILogger

	closeOnce sync.Once
}

// NewContext opens a new tab. The DevTools protocol gives each tab its own
// target; viewport and headers are applied per page.
func (b *chromeBrowser) NewContext(ctx context.Context, opts interfaces.ContextOptions) (interfaces.BrowserContext, error) {
	if b.ctx.Err() != nil {
		return nil, errors.New("browser process has exited")
	}
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)

	p := &chromePage{ctx: tabCtx, cancel: tabCancel, logger: b.logger}
	if opts.Width > 0 && opts.Height > 0 {
		if err := p.SetViewport(ctx, opts.Width, opts.Height); err != nil {
			tabCancel()
			return nil, err
		}
	}
	if opts.UserAgent != "" {
		if err := chromedp.Run(tabCtx, emulation.SetUserAgentOverride(opts.UserAgent)); err != nil {
			tabCancel()
			return nil, err
		}
	}

	return &chromeContext{page: p}, nil
}

// Close terminates the process. Safe to call more than once.
func (b *chromeBrowser) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.allocCancel()
	})
	return nil
}

// chromeContext owns one tab; the tab is the page.
type chromeContext struct {
	page *chromePage
}

func (c *chromeContext) NewPage(ctx context.Context) (interfaces.Page, error) {
	if c.page.IsClosed() {
		return nil, errors.New("tab has been closed")
	}
	return c.page, nil
}

func (c *chromeContext) Close(ctx context.Context) error {
	return c.page.Close(ctx)
}

// chromePage drives one tab.
type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger arbor.ILogger

	mu           sync.Mutex
	handlers     []interfaces.RouteHandler
	intercepting bool
	closed       bool
}

func (p *chromePage) SetViewport(ctx context.Context, width, height int) error {
	return chromedp.Run(p.ctx, chromedp.EmulateViewport(int64(width), int64(height)))
}

func (p *chromePage) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	h := make(network.Headers, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return chromedp.Run(p.ctx, network.Enable(), network.SetExtraHTTPHeaders(h))
}

// navigate issues the raw navigation, returning once it is committed.
func navigate(url string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		_, _, errText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return fmt.Errorf("navigation failed: %s", errText)
		}
		return nil
	}
}

func (p *chromePage) Navigate(ctx context.Context, url string, waitUntil interfaces.WaitUntil, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	switch waitUntil {
	case interfaces.WaitCommit:
		return chromedp.Run(tctx, navigate(url))
	case interfaces.WaitDOMContentLoaded:
		return chromedp.Run(tctx, navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
	case interfaces.WaitNetworkIdle:
		return p.navigateUntilLifecycle(tctx, url, "networkIdle")
	default:
		return chromedp.Run(tctx, chromedp.Navigate(url))
	}
}

// navigateUntilLifecycle navigates and blocks until the named lifecycle
// event fires for the tab.
func (p *chromePage) navigateUntilLifecycle(ctx context.Context, url, event string) error {
	fired := make(chan struct{}, 1)
	lctx, lcancel := context.WithCancel(ctx)
	defer lcancel()

	chromedp.ListenTarget(lctx, func(ev interface{}) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && string(e.Name) == event {
			select {
			case fired <- struct{}{}:
			default:
			}
		}
	})

	if err := chromedp.Run(ctx,
		page.SetLifecycleEventsEnabled(true),
		navigate(url),
	); err != nil {
		return err
	}

	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *chromePage) Screenshot(ctx context.Context, filepath string, format string) error {
	var buf []byte
	capture := chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormat(format))
		if format == "jpeg" || format == "webp" {
			params = params.WithQuality(90)
		}
		var err error
		buf, err = params.Do(ctx)
		return err
	})

	if err := chromedp.Run(p.ctx, capture); err != nil {
		return common.NewServiceError(common.ErrScreenshot, "screenshot capture failed", err)
	}
	if err := os.WriteFile(filepath, buf, 0o644); err != nil {
		return common.NewServiceError(common.ErrStorage, "failed to write screenshot", err)
	}
	return nil
}

func (p *chromePage) SetInterceptor(ctx context.Context, handler interfaces.RouteHandler) error {
	p.mu.Lock()
	p.handlers = append(p.handlers, handler)
	alreadyOn := p.intercepting
	p.intercepting = true
	p.mu.Unlock()

	if alreadyOn {
		return nil
	}

	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		// The listener must not block; each paused request is resolved on
		// its own goroutine against the tab's executor.
		common.SafeGo(p.logger, "fetch-intercept", func() {
			p.resolveRoute(e)
		})
	})

	return chromedp.Run(p.ctx, fetch.Enable().WithPatterns([]*fetch.RequestPattern{
		{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
		{URLPattern: "*", RequestStage: fetch.RequestStageResponse},
	}))
}

// resolveRoute runs the installed handlers for one paused request and
// continues it when none act.
func (p *chromePage) resolveRoute(e *fetch.EventRequestPaused) {
	p.mu.Lock()
	handlers := make([]interfaces.RouteHandler, len(p.handlers))
	copy(handlers, p.handlers)
	closed := p.closed
	p.mu.Unlock()

	c := chromedp.FromContext(p.ctx)
	ectx := cdp.WithExecutor(p.ctx, c.Target)
	route := &chromeRoute{ev: e, ctx: ectx}

	if !closed {
		for _, h := range handlers {
			if h(route) {
				return
			}
		}
	}
	route.Continue()
}

func (p *chromePage) ClearInterceptors(ctx context.Context) error {
	p.mu.Lock()
	p.handlers = nil
	p.mu.Unlock()
	return nil
}

func (p *chromePage) Reset(ctx context.Context, timeout time.Duration) error {
	if err := p.ClearInterceptors(ctx); err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	return chromedp.Run(tctx, chromedp.Navigate("about:blank"))
}

func (p *chromePage) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	return nil
}

func (p *chromePage) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed || p.ctx.Err() != nil
}

// chromeRoute is one paused fetch, at either the request or response stage.
type chromeRoute struct {
	ev  *fetch.EventRequestPaused
	ctx context.Context
}

func (r *chromeRoute) URL() string { return r.ev.Request.URL }

func (r *chromeRoute) ResourceType() string {
	return strings.ToLower(string(r.ev.ResourceType))
}

// atResponseStage reports whether the upstream response is available.
func (r *chromeRoute) atResponseStage() bool {
	return r.ev.ResponseStatusCode != 0 || len(r.ev.ResponseHeaders) > 0
}

func (r *chromeRoute) Fulfill(status int, headers map[string]string, body []byte) error {
	entries := make([]*fetch.HeaderEntry, 0, len(headers))
	for k, v := range headers {
		entries = append(entries, &fetch.HeaderEntry{Name: k, Value: v})
	}
	return fetch.FulfillRequest(r.ev.RequestID, int64(status)).
		WithResponseHeaders(entries).
		WithBody(base64.StdEncoding.EncodeToString(body)).
		Do(r.ctx)
}

func (r *chromeRoute) Continue() error {
	if r.atResponseStage() {
		return fetch.ContinueResponse(r.ev.RequestID).Do(r.ctx)
	}
	return fetch.ContinueRequest(r.ev.RequestID).Do(r.ctx)
}

func (r *chromeRoute) ResponseStatus() int {
	return int(r.ev.ResponseStatusCode)
}

// ResponseHeaders returns the upstream headers with lowercased names, so
// cached entries replay identically regardless of server casing.
func (r *chromeRoute) ResponseHeaders() map[string]string {
	headers := make(map[string]string, len(r.ev.ResponseHeaders))
	for _, h := range r.ev.ResponseHeaders {
		headers[strings.ToLower(h.Name)] = h.Value
	}
	return headers
}

func (r *chromeRoute) ResponseBody() ([]byte, error) {
	if !r.atResponseStage() {
		return nil, errors.New("response not available at request stage")
	}
	return fetch.GetResponseBody(r.ev.RequestID).Do(r.ctx)
}
