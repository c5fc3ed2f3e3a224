// Package browser is the Browser driver collaborator (spec §6): it turns a
// types.CreateSessionRequest into a live browser handle, honoring a per-
// session proxy spec, and hands back a Page the extractor contract can
// drive. Local sessions are backed by chromedp/cdproto exactly the way the
// teacher's pkg/browser.BrowserPool drives Chrome (allocator context + tab
// context, proxy-server exec flag, auth extracted from the proxy URL);
// remote sessions dial a browser-as-a-service endpoint over the CDP
// websocket the provider hands back. Request interception for the shared
// cache and per-proxy rate limiting both live here, the one place that
// actually issues network RPCs.
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/time/rate"

	"github.com/mushstyle/fleetscrape/internal/cache"
	"github.com/mushstyle/fleetscrape/internal/types"
)

// Default per-page-load timeouts (spec §5: "15s default for paginate, 30s
// for scrape-item item pages").
const (
	PaginateNavigateTimeout = 15 * time.Second
	ItemNavigateTimeout     = 30 * time.Second
)

// Options configures a Driver.
type Options struct {
	// RemoteEndpoint is the browser-as-a-service CDP websocket base URL
	// used for BrowserKind=remote sessions. Empty disables remote sessions.
	RemoteEndpoint string
	// RatePerSecond bounds how many navigations a single proxy may serve
	// per second across all sessions using it; 0 disables rate limiting.
	RatePerSecond float64
}

// Driver opens and closes browser sessions and the pages within them.
type Driver struct {
	opts Options

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDriver builds a Driver. The returned *Driver.Open and *Driver.Close
// methods satisfy session.Opener and session.Closer respectively.
func NewDriver(opts Options) *Driver {
	return &Driver{opts: opts, limiters: make(map[string]*rate.Limiter)}
}

// instance is the concrete handle stored in types.Session.Handle.
type instance struct {
	id          string
	kind        types.BrowserKind
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	createdAt   time.Time
	proxyID     string
}

// Open implements session.Opener: it launches (local) or dials (remote) one
// browser session per request.
func (d *Driver) Open(req types.CreateSessionRequest, id string) (any, error) {
	switch req.BrowserKind {
	case types.BrowserRemote:
		return d.openRemote(req, id)
	default:
		return d.openLocal(req, id)
	}
}

func (d *Driver) openLocal(req types.CreateSessionRequest, id string) (any, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", req.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	var proxyID string
	if req.Proxy != nil && req.Proxy.URL != "" {
		proxyID = req.Proxy.ID
		opts = append(opts,
			chromedp.ProxyServer(req.Proxy.URL),
			chromedp.Flag("proxy-bypass-list", "<-loopback>"),
		)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("browser: start local session %s: %w", id, err)
	}

	if req.Proxy != nil && req.Proxy.Credentials != "" {
		user, pass := splitCredentials(req.Proxy.Credentials)
		if err := chromedp.Run(tabCtx, network.SetExtraHTTPHeaders(network.Headers{}), authenticateProxy(user, pass)); err != nil {
			tabCancel()
			allocCancel()
			return nil, fmt.Errorf("browser: authenticate proxy for session %s: %w", id, err)
		}
	}

	return &instance{
		id:          id,
		kind:        types.BrowserLocal,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		createdAt:   time.Now(),
		proxyID:     proxyID,
	}, nil
}

func (d *Driver) openRemote(req types.CreateSessionRequest, id string) (any, error) {
	if d.opts.RemoteEndpoint == "" {
		return nil, fmt.Errorf("browser: remote session requested but no remote endpoint configured")
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), d.opts.RemoteEndpoint)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("browser: dial remote session %s: %w", id, err)
	}

	var proxyID string
	if req.Proxy != nil {
		proxyID = req.Proxy.ID
	}
	return &instance{
		id:          id,
		kind:        types.BrowserRemote,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		createdAt:   time.Now(),
		proxyID:     proxyID,
	}, nil
}

// Close implements session.Closer: it tears down both contexts for a
// handle previously returned by Open.
func (d *Driver) Close(handle any) error {
	inst, ok := handle.(*instance)
	if !ok || inst == nil {
		return fmt.Errorf("browser: close called with unrecognized handle")
	}
	if inst.tabCancel != nil {
		inst.tabCancel()
	}
	if inst.allocCancel != nil {
		inst.allocCancel()
	}
	return nil
}

// limiterFor returns (creating if needed) the token bucket for proxyID.
func (d *Driver) limiterFor(proxyID string) *rate.Limiter {
	if proxyID == "" || d.opts.RatePerSecond <= 0 {
		return nil
	}
	d.limMu.Lock()
	defer d.limMu.Unlock()
	lim, ok := d.limiters[proxyID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.opts.RatePerSecond), 1)
		d.limiters[proxyID] = lim
	}
	return lim
}

// Page is the loaded-page handle passed to extractor.Extractor methods. It
// satisfies extractor.Page (an empty interface) by being any concrete type;
// extractors type-assert it back to *browser.Page.
type Page struct {
	ctx     context.Context
	driver  *Driver
	inst    *instance
	timeout time.Duration
}

// OpenPage navigates handle's session to url, honoring the shared request
// cache and blockImages policy via Fetch-domain interception, and the
// per-proxy rate limiter before the navigation itself (spec DOMAIN STACK:
// "per-proxy token-bucket pacing before each chromedp.Navigate"). When c is
// nil no interception is attached, so blockImages has no effect either.
func (d *Driver) OpenPage(ctx context.Context, handle any, url string, c *cache.Cache, blockImages bool, timeout time.Duration) (any, error) {
	inst, ok := handle.(*instance)
	if !ok || inst == nil {
		return nil, fmt.Errorf("browser: OpenPage called with unrecognized handle")
	}

	if lim := d.limiterFor(inst.proxyID); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("browser: rate limiter wait: %w", err)
		}
	}

	if c != nil {
		if err := attachCache(inst.tabCtx, c, blockImages); err != nil {
			return nil, fmt.Errorf("browser: attach request cache: %w", err)
		}
	}

	navCtx, cancel := context.WithTimeout(inst.tabCtx, timeout)
	defer cancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		return nil, fmt.Errorf("browser: navigate %s: %w", url, err)
	}

	return &Page{ctx: inst.tabCtx, driver: d, inst: inst, timeout: timeout}, nil
}

// Navigate advances the page's current tab to url in-place (used by
// extractor.Paginate implementations that click through to the next page
// rather than re-navigating).
func (p *Page) Navigate(ctx context.Context, url string) error {
	if lim := p.driver.limiterFor(p.inst.proxyID); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("browser: rate limiter wait: %w", err)
		}
	}
	navCtx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	return chromedp.Run(navCtx, chromedp.Navigate(url))
}

// Eval runs script against the page and decodes the result into out.
func (p *Page) Eval(ctx context.Context, script string, out interface{}) error {
	return chromedp.Run(p.ctx, chromedp.Evaluate(script, out))
}

// HTML returns the current page's outer HTML.
func (p *Page) HTML(ctx context.Context) (string, error) {
	var html string
	if err := chromedp.Run(p.ctx, chromedp.OuterHTML("html", &html)); err != nil {
		return "", fmt.Errorf("browser: read HTML: %w", err)
	}
	return html, nil
}

// Click clicks the first element matching selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	return chromedp.Run(p.ctx, chromedp.Click(selector, chromedp.NodeVisible))
}

// attachCache wires the shared request cache into the page's Fetch-domain
// interception, the way the teacher's pool.go wires network.ClearBrowserCookies
// into its reset path — here the intercepted event is every request, not a
// one-shot reset. Two request patterns are registered so each navigation
// pauses twice: once at the Request stage (serve a cache hit, or let a miss
// through) and once at the Response stage (capture the real response body
// for a miss so the next Lookup for that URL can hit).
func attachCache(tabCtx context.Context, c *cache.Cache, blockImages bool) error {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		pausedEv, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go handlePaused(tabCtx, pausedEv, c, blockImages)
	})
	return chromedp.Run(tabCtx, fetch.Enable().WithPatterns([]*fetch.RequestPattern{
		{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
		{URLPattern: "*", RequestStage: fetch.RequestStageResponse},
	}))
}

// handlePaused dispatches a Fetch.requestPaused event to the Request- or
// Response-stage handler: the response fields are only populated once the
// real network response has come back, so their absence is how the two
// stages are told apart.
func handlePaused(ctx context.Context, ev *fetch.EventRequestPaused, c *cache.Cache, blockImages bool) {
	if ev.ResponseStatusCode == 0 && ev.ResponseErrorReason == "" {
		handleRequestStage(ctx, ev, c, blockImages)
		return
	}
	handleResponseStage(ctx, ev, c)
}

func handleRequestStage(ctx context.Context, ev *fetch.EventRequestPaused, c *cache.Cache, blockImages bool) {
	if blockImages && cache.IsImageResourceType(string(ev.ResourceType)) {
		_ = fetch.FailRequest(ev.RequestID, "BlockedByClient").Do(ctx)
		return
	}

	if strings.EqualFold(ev.Request.Method, "GET") {
		if entry, ok := c.Lookup(ev.Request.URL, time.Now()); ok {
			headers := make([]*fetch.HeaderEntry, 0, len(entry.ResponseHeaders))
			for k, v := range entry.ResponseHeaders {
				headers = append(headers, &fetch.HeaderEntry{Name: k, Value: v})
			}
			_ = fetch.FulfillRequest(ev.RequestID, int64(entry.Status)).
				WithResponseHeaders(headers).
				WithBody(string(entry.BodyBytes)).
				Do(ctx)
			return
		}
	}

	_ = fetch.ContinueRequest(ev.RequestID).Do(ctx)
}

// handleResponseStage only reaches requests that missed the cache at the
// Request stage (a hit was already fulfilled there and never reaches this
// stage): it fetches the real response body and stores it so the next
// Lookup for the same URL hits, then lets the response through unmodified.
func handleResponseStage(ctx context.Context, ev *fetch.EventRequestPaused, c *cache.Cache) {
	defer func() {
		_ = fetch.ContinueResponse(ev.RequestID).Do(ctx)
	}()

	if ev.Request == nil || !cache.ShouldCache(ev.Request.Method, stringHeaders(ev.Request.Headers), int(ev.ResponseStatusCode)) {
		return
	}

	body, base64Encoded, err := fetch.GetResponseBody(ev.RequestID).Do(ctx)
	if err != nil {
		return
	}
	bodyBytes := []byte(body)
	if base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return
		}
		bodyBytes = decoded
	}

	headers := make(map[string]string, len(ev.ResponseHeaders))
	for _, h := range ev.ResponseHeaders {
		headers[h.Name] = h.Value
	}

	c.Store(ev.Request.URL, cache.Entry{
		BodyBytes:       bodyBytes,
		ResponseHeaders: headers,
		Status:          int(ev.ResponseStatusCode),
		SizeBytes:       int64(len(bodyBytes)),
	})
}

// stringHeaders narrows network.Headers (a map of arbitrary JSON values) to
// the map[string]string cache.ShouldCache expects.
func stringHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func splitCredentials(creds string) (user, pass string) {
	parts := strings.SplitN(creds, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

// authenticateProxy installs Fetch.authRequired handling for proxies that
// require Basic auth rather than embedding credentials in the proxy URL.
func authenticateProxy(user, pass string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if user == "" && pass == "" {
			return nil
		}
		chromedp.ListenTarget(ctx, func(ev interface{}) {
			switch e := ev.(type) {
			case *fetch.EventAuthRequired:
				go func() {
					_ = fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
						Response: fetch.AuthChallengeResponseResponseProvideCredentials,
						Username: user,
						Password: pass,
					}).Do(ctx)
				}()
			}
		})
		return fetch.Enable().Do(ctx)
	})
}
