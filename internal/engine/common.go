// Package engine implements the two batch-loop collaborators spec §4.4 and
// §4.5 describe: Paginate (listing pages -> item URLs) and ScrapeItem (item
// pages -> structured records). Both share one distribute/create/destroy
// session lifecycle, so this file holds what they have in common: the
// Engine type itself, the Driver contract an engine drives pages through,
// and the proxy-selection/session-request helpers every new session a
// batch opens must go through to keep the distributor's second pass
// consistent with the first.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mushstyle/fleetscrape/internal/cache"
	"github.com/mushstyle/fleetscrape/internal/etl"
	"github.com/mushstyle/fleetscrape/internal/extractor"
	"github.com/mushstyle/fleetscrape/internal/obslog"
	"github.com/mushstyle/fleetscrape/internal/proxypool"
	"github.com/mushstyle/fleetscrape/internal/session"
	"github.com/mushstyle/fleetscrape/internal/site"
	"github.com/mushstyle/fleetscrape/internal/telemetry"
	"github.com/mushstyle/fleetscrape/internal/types"
)

// Driver is the page-opening surface an engine drives. internal/browser.Driver
// satisfies it; tests supply a fake.
type Driver interface {
	Open(req types.CreateSessionRequest, id string) (any, error)
	Close(handle any) error
	OpenPage(ctx context.Context, handle any, url string, c *cache.Cache, blockImages bool, timeout time.Duration) (any, error)
}

// Engine bundles every collaborator a batch loop needs: the session and
// site managers, the extractor registry, a page-opening Driver, the proxy
// pool, the external store (for since-filtering and item uploads), metrics,
// and a logger.
type Engine struct {
	Sessions   *session.Manager
	Sites      *site.Manager
	Extractors *extractor.Registry
	Driver     Driver
	Proxies    *proxypool.Pool
	Store      etl.Client
	Metrics    *telemetry.Collector
	Log        *obslog.Logger
}

// New builds an Engine. log may be nil (obslog.NewDefault is used then);
// metrics may be nil (telemetry.Default is used then).
func New(sessions *session.Manager, sites *site.Manager, extractors *extractor.Registry, driver Driver, proxies *proxypool.Pool, store etl.Client, metrics *telemetry.Collector, log *obslog.Logger) *Engine {
	if log == nil {
		log = obslog.NewDefault()
	}
	if metrics == nil {
		metrics = telemetry.Default()
	}
	return &Engine{
		Sessions:   sessions,
		Sites:      sites,
		Extractors: extractors,
		Driver:     driver,
		Proxies:    proxies,
		Store:      store,
		Metrics:    metrics,
		Log:        log,
	}
}

// BatchOptions is the set of knobs shared by Paginate and ScrapeItem (spec
// §4.4/§4.5's common parameters).
type BatchOptions struct {
	Sites   []string
	Exclude []string
	Since   time.Time
	Force   bool

	InstanceLimit     int
	CacheSizeMB       int
	CacheTTLSeconds   int
	DisableCache      bool
	BlockImages       bool
	NoSave            bool
	BrowserKind       types.BrowserKind
	Headed            bool
	SessionTimeoutSec int
	MaxRetries        int
	NoProxy           bool
}

func (o *BatchOptions) applyDefaults() {
	if o.InstanceLimit <= 0 {
		o.InstanceLimit = 10
	}
	if o.CacheSizeMB <= 0 {
		o.CacheSizeMB = 250
	}
	if o.CacheTTLSeconds <= 0 {
		o.CacheTTLSeconds = 300
	}
	if o.SessionTimeoutSec <= 0 {
		o.SessionTimeoutSec = 120
	}
	if o.BrowserKind == "" {
		o.BrowserKind = types.BrowserLocal
	}
}

// chooseSites applies the sites/exclude filters and, unless force is set,
// drops any domain whose latest run is newer than since (spec §4.4 step 1:
// "apply sites, exclude, since/force").
func (e *Engine) chooseSites(ctx context.Context, opts BatchOptions) []string {
	all := e.Sites.Domains()

	include := make(map[string]struct{}, len(opts.Sites))
	for _, s := range opts.Sites {
		include[strings.ToLower(s)] = struct{}{}
	}
	exclude := make(map[string]struct{}, len(opts.Exclude))
	for _, s := range opts.Exclude {
		exclude[strings.ToLower(s)] = struct{}{}
	}

	var chosen []string
	for _, d := range all {
		if len(include) > 0 {
			if _, ok := include[d]; !ok {
				continue
			}
		}
		if _, ok := exclude[d]; ok {
			continue
		}
		if !opts.Force && !opts.Since.IsZero() {
			runs, err := e.Store.ListRuns(ctx, etl.RunFilter{Domain: d, Since: opts.Since})
			if err == nil && len(runs) > 0 {
				continue
			}
		}
		chosen = append(chosen, d)
	}
	return chosen
}

// pickProxy picks a proxy for req using the same strategy->ProxyType mapping
// the distributor's sessionMatches uses, so a session built from the
// resulting proxy will match the site on the distributor's later pass.
func (e *Engine) pickProxy(req *types.ProxyRequirement, excluded map[string]struct{}) *types.Proxy {
	if req == nil || e.Proxies == nil {
		return nil
	}
	switch req.Strategy {
	case "", types.ProxyNone:
		return nil
	case types.ProxyDatacenter:
		if p, ok := e.Proxies.Next(types.ProxyTypeDatacenter, req.Geo, excluded); ok {
			return &p
		}
	case types.ProxyResidentialStable, types.ProxyResidentialRotating:
		if p, ok := e.Proxies.Next(types.ProxyTypeResidential, req.Geo, excluded); ok {
			return &p
		}
	case types.ProxyDatacenterToResidential:
		if p, ok := e.Proxies.Next(types.ProxyTypeDatacenter, req.Geo, excluded); ok {
			return &p
		}
		if p, ok := e.Proxies.Next(types.ProxyTypeResidential, req.Geo, excluded); ok {
			return &p
		}
	}
	return nil
}

// buildSessionRequests turns a per-domain deficit count into concrete
// CreateSessionRequests, picking a compatible proxy per request from sites'
// configuration (spec §4.4 step f: "create that many sessions with each
// domain's required proxy and browser options").
func (e *Engine) buildSessionRequests(domainCounts map[string]int, sites map[string]*types.SiteConfig, opts BatchOptions) []types.CreateSessionRequest {
	var out []types.CreateSessionRequest
	for domain, n := range domainCounts {
		cfg := sites[domain]
		var excluded map[string]struct{}
		if cfg != nil {
			excluded = cfg.BlockedProxyIDs
		}
		for i := 0; i < n; i++ {
			var proxy *types.Proxy
			if !opts.NoProxy && cfg != nil {
				proxy = e.pickProxy(cfg.Proxy, excluded)
			}
			out = append(out, types.CreateSessionRequest{
				Domain:      domain,
				Proxy:       proxy,
				BrowserKind: opts.BrowserKind,
				Headless:    !opts.Headed,
				TimeoutSec:  opts.SessionTimeoutSec,
			})
		}
	}
	return out
}

// sessionInfos projects a batch of live sessions down to the distributor's
// SessionInfo view.
func sessionInfos(sessions []*types.Session) []types.SessionInfo {
	out := make([]types.SessionInfo, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	return out
}

// sessionByID indexes a session slice for O(1) lookup by ID within a batch.
func sessionByID(sessions []*types.Session) map[string]*types.Session {
	out := make(map[string]*types.Session, len(sessions))
	for _, s := range sessions {
		out[s.ID] = s
	}
	return out
}

func logDomainFields(domain, url, sessionID string) []zap.Field {
	return []zap.Field{zap.String("domain", domain), zap.String("url", url), zap.String("session_id", sessionID)}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%v", err)
}
