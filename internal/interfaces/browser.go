// Package interfaces defines the service contracts used across the
// application. The core models browser, context and page as abstract
// capabilities so tests can inject doubles and the automation library
// stays an implementation detail of internal/services/browser.
package interfaces

import (
	"context"
	"time"
)

// WaitUntil names a navigation completion condition.
type WaitUntil string

const (
	WaitCommit           WaitUntil = "commit"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle      WaitUntil = "networkidle"
	WaitLoad             WaitUntil = "load"
)

// ContextOptions configure an isolated cookie/storage partition.
type ContextOptions struct {
	UserAgent string
	Width     int
	Height    int
}

// BrowserFactory launches browser processes.
type BrowserFactory interface {
	// Launch starts a browser process. engine is one of "chromium",
	// "firefox", "webkit"; unsupported engines return an error.
	Launch(ctx context.Context, engine string, headless bool, args []string) (Browser, error)
}

// Browser is one owned browser process.
type Browser interface {
	// NewContext creates an isolated context inside this process.
	NewContext(ctx context.Context, opts ContextOptions) (BrowserContext, error)
	// Close terminates the process. Safe to call more than once.
	Close(ctx context.Context) error
}

// BrowserContext is an isolated cookie/storage partition; multiple pages
// may share a context.
type BrowserContext interface {
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// Page is one renderable document, the unit of screenshot capture.
type Page interface {
	SetViewport(ctx context.Context, width, height int) error
	SetExtraHeaders(ctx context.Context, headers map[string]string) error

	// Navigate loads the URL and waits for the given condition within the
	// timeout. A timeout error leaves the page with whatever content loaded.
	Navigate(ctx context.Context, url string, waitUntil WaitUntil, timeout time.Duration) error

	// Screenshot captures the viewport to filepath in the given format.
	Screenshot(ctx context.Context, filepath string, format string) error

	// SetInterceptor installs a route handler for sub-resource fetches.
	SetInterceptor(ctx context.Context, handler RouteHandler) error
	// ClearInterceptors removes all installed route handlers.
	ClearInterceptors(ctx context.Context) error

	// Reset navigates to a blank document and clears route handlers so the
	// page can be reused by the tab pool.
	Reset(ctx context.Context, timeout time.Duration) error

	Close(ctx context.Context) error
	IsClosed() bool
}

// Route is one intercepted sub-resource request.
type Route interface {
	URL() string
	// ResourceType is the browser's classification: "stylesheet", "script",
	// "font", "image", "media", "document", ...
	ResourceType() string

	// Fulfill answers the request from cache without touching the network.
	Fulfill(status int, headers map[string]string, body []byte) error
	// Continue lets the request proceed upstream.
	Continue() error

	// Response accessors are valid only after the request completed
	// upstream; used to persist fetched payloads into the content cache.
	ResponseStatus() int
	ResponseHeaders() map[string]string
	ResponseBody() ([]byte, error)
}

// RouteHandler decides what to do with an intercepted request. Returning
// false means the handler did not act and the request should continue.
type RouteHandler func(route Route) bool
