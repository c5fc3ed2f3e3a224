package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mushstyle/fleetscrape/internal/browser"
	"github.com/mushstyle/fleetscrape/internal/cache"
	"github.com/mushstyle/fleetscrape/internal/classify"
	"github.com/mushstyle/fleetscrape/internal/distributor"
	"github.com/mushstyle/fleetscrape/internal/extractor"
	"github.com/mushstyle/fleetscrape/internal/site"
	"github.com/mushstyle/fleetscrape/internal/types"
)

// defaultBlocklistCooldown is the fallback cooldown ConfigsWithBlocklist
// applies when a site doesn't set its own ProxyRequirement.CooldownMinutes.
const defaultBlocklistCooldown = 30 * time.Minute

// PaginateOptions configures one Paginate batch run (spec §4.4).
type PaginateOptions struct {
	BatchOptions
	// MaxPages caps how many listing pages a single start page walks before
	// stopping, regardless of whether Paginate still reports another page.
	// Zero means unlimited.
	MaxPages int
}

// PaginateResult reports what one Paginate call did.
type PaginateResult struct {
	SitesProcessed []string
	SitesCommitted []string
	URLsBySite     map[string][]string
	Errors         map[string]string // start page URL or domain -> error
	CacheStats     cache.Stats
}

// Paginate runs spec §4.4's main loop: repeatedly distribute unprocessed
// start pages across sessions (creating sessions for any deficit), walk
// each start page's listing pages collecting item URLs, and commit any
// site whose PartialRun becomes fully completed.
func (e *Engine) Paginate(ctx context.Context, opts PaginateOptions) PaginateResult {
	opts.applyDefaults()
	result := PaginateResult{URLsBySite: map[string][]string{}, Errors: map[string]string{}}

	sites := e.chooseSites(ctx, opts.BatchOptions)
	result.SitesProcessed = sites
	if len(sites) == 0 {
		return result
	}

	var reqCache *cache.Cache
	if !opts.DisableCache {
		reqCache = cache.New(int64(opts.CacheSizeMB)*1024*1024, time.Duration(opts.CacheTTLSeconds)*time.Second)
	}

	for _, d := range sites {
		cfg := e.Sites.Config(d)
		if cfg == nil {
			result.Errors[d] = "unknown domain"
			continue
		}
		e.Sites.StartPagination(d, cfg.StartPages)
	}

	defer e.Sessions.DestroyAll()

	for {
		pending := e.Sites.GetUnprocessedStartPagesWithLimits(sites)
		if len(pending) == 0 {
			break
		}

		start := time.Now()
		targets, urlToDomain := flattenPending(pending)

		active := e.Sessions.GetActive()
		for _, s := range active {
			e.Sessions.SetInUse(s.ID, false)
		}

		siteCfgs := e.Sites.ConfigsWithBlocklist(sites, defaultBlocklistCooldown)
		if opts.NoProxy {
			siteCfgs = withoutProxyRequirement(siteCfgs)
		}

		firstPass := distributor.Distribute(targets, sessionInfos(active), siteCfgs, nil)
		matched := make(map[string]struct{}, len(firstPass.Assignments))
		for _, a := range firstPass.Assignments {
			matched[a.SessionID] = struct{}{}
		}
		for id := range matched {
			e.Sessions.SetInUse(id, true)
		}

		var kept []*types.Session
		for _, s := range active {
			if _, ok := matched[s.ID]; ok {
				kept = append(kept, s)
			} else {
				e.Sessions.Destroy(s.ID)
			}
		}

		assignments := firstPass.Assignments
		allSessions := kept

		remaining := opts.InstanceLimit - len(firstPass.Assignments)
		if remaining > 0 && len(firstPass.Unmatched) > 0 {
			counts := domainCountsFor(firstPass.Unmatched, urlToDomain, remaining)
			requests := e.buildSessionRequests(counts, siteCfgs, opts.BatchOptions)
			created := e.Sessions.CreateSessions(requests)
			for _, s := range created {
				e.Sessions.SetInUse(s.ID, true)
			}
			allSessions = append(allSessions, created...)

			secondPass := distributor.Distribute(targets, sessionInfos(allSessions), siteCfgs, nil)
			assignments = secondPass.Assignments
			for _, url := range secondPass.Unmatched {
				result.Errors[url] = "no compatible session available"
			}
		} else {
			for _, url := range firstPass.Unmatched {
				result.Errors[url] = "no compatible session available"
			}
		}

		if len(assignments) == 0 {
			e.Log.WarnContext(ctx, "pagination batch made no progress", zap.Int("pending", len(targets)))
			break
		}

		byID := sessionByID(allSessions)
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, a := range assignments {
			sess, ok := byID[a.SessionID]
			if !ok {
				continue
			}
			domain := urlToDomain[a.URL]
			cfg := siteCfgs[domain]
			wg.Add(1)
			go func(url, domain string, sess *types.Session, cfg *types.SiteConfig) {
				defer wg.Done()
				e.processPaginationUnit(ctx, url, domain, sess, cfg, reqCache, opts, &result, &mu)
			}(a.URL, domain, sess, cfg)
		}
		wg.Wait()

		if e.Metrics != nil {
			e.Metrics.ObserveBatch(time.Since(start))
		}

		if !opts.NoSave {
			for _, d := range sites {
				cfg := e.Sites.Config(d)
				if cfg == nil {
					continue
				}
				run, err := e.Sites.Commit(ctx, d, cfg.StartPages, false)
				if err == nil {
					result.SitesCommitted = append(result.SitesCommitted, d)
					result.URLsBySite[d] = urlsOf(run.Items)
					continue
				}
				if errors.Is(err, site.ErrNotAllCompleted) || errors.Is(err, site.ErrUnknownDomain) {
					continue
				}
				result.Errors[d] = errString(err)
			}
		}
	}

	if reqCache != nil {
		result.CacheStats = reqCache.Stats()
	}
	return result
}

func (e *Engine) processPaginationUnit(ctx context.Context, url, domain string, sess *types.Session, cfg *types.SiteConfig, reqCache *cache.Cache, opts PaginateOptions, result *PaginateResult, mu *sync.Mutex) {
	attempt := 0
	for {
		page, err := e.Driver.OpenPage(ctx, sess.Handle, url, reqCache, opts.BlockImages, browser.PaginateNavigateTimeout)
		if err == nil {
			var ex extractor.Extractor
			ex, err = e.extractorFor(cfg)
			if err == nil {
				var collected []string
				collected, err = paginateCollect(ctx, page, opts.MaxPages, ex)
				if err == nil {
					_ = e.Sites.UpdatePaginationState(url, site.PaginationPatch{CollectedURLs: collected, Completed: true})
					mu.Lock()
					result.URLsBySite[domain] = append(result.URLsBySite[domain], collected...)
					mu.Unlock()
					return
				}
			}
		}

		action := classify.Decide(err, attempt, opts.MaxRetries)
		e.Log.WarnContext(ctx, "pagination unit failed", append(logDomainFields(domain, url, sess.ID), zap.String("class", action.Class.String()), zap.String("error", errString(err)))...)
		if e.Metrics != nil {
			e.Metrics.RetryTotal.WithLabelValues(action.Class.String()).Inc()
		}

		switch {
		case action.InvalidateSession:
			e.Sessions.Destroy(sess.ID)
			return
		case action.Retry:
			select {
			case <-time.After(action.Backoff):
			case <-ctx.Done():
				return
			}
			attempt++
			continue
		case action.MarkInvalid:
			_ = e.Sites.UpdatePaginationState(url, site.PaginationPatch{Completed: true})
			recordPaginateError(result, mu, url, err)
			return
		case action.MarkFailed:
			if action.BlockProxyIfDatacenter && sess.Proxy != nil {
				e.Sites.AddBlock(domain, sess.Proxy.ID, sess.Proxy.Type, errString(err))
				if e.Metrics != nil {
					e.Metrics.ProxyBlockedTotal.WithLabelValues(domain).Inc()
				}
			}
			_ = e.Sites.UpdatePaginationState(url, site.PaginationPatch{FailureMsg: errString(err)})
			if e.Sites.FailureCount(url) >= failureThreshold(cfg) {
				_ = e.Sites.UpdatePaginationState(url, site.PaginationPatch{Completed: true})
			}
			recordPaginateError(result, mu, url, err)
			return
		default:
			recordPaginateError(result, mu, url, err)
			return
		}
	}
}

// defaultFailureThreshold bounds how many times a start page retries across
// batches before the engine gives up on it, when the site sets none of its
// own. Without a cap a start page whose every navigation fails would stay
// "unprocessed" forever and spin the main loop indefinitely.
const defaultFailureThreshold = 3

func failureThreshold(cfg *types.SiteConfig) int {
	if cfg != nil && cfg.Proxy != nil && cfg.Proxy.FailureThreshold > 0 {
		return cfg.Proxy.FailureThreshold
	}
	return defaultFailureThreshold
}

func (e *Engine) extractorFor(cfg *types.SiteConfig) (extractor.Extractor, error) {
	if cfg == nil {
		return nil, extractor.ErrMissingExtractor
	}
	return e.Extractors.Get(cfg.ExtractorID)
}

// paginateCollect walks a start page's listing pages, collecting the union
// of item URLs, until Paginate reports no further page or maxPages (if
// nonzero) is reached.
func paginateCollect(ctx context.Context, page any, maxPages int, ex extractor.Extractor) ([]string, error) {
	seen := make(map[string]struct{})
	var all []string
	pages := 0
	for {
		urls, err := ex.GetItemURLs(ctx, page)
		if err != nil {
			return nil, err
		}
		for _, u := range urls {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			all = append(all, u)
		}
		pages++
		if maxPages > 0 && pages >= maxPages {
			break
		}
		advanced, err := ex.Paginate(ctx, page)
		if err != nil {
			return nil, err
		}
		if !advanced {
			break
		}
	}
	return all, nil
}

func recordPaginateError(result *PaginateResult, mu *sync.Mutex, url string, err error) {
	mu.Lock()
	defer mu.Unlock()
	result.Errors[url] = errString(err)
}

// flattenPending turns GetUnprocessedStartPagesWithLimits' per-domain map
// into the flat ScrapeTarget slice Distribute expects, remembering each
// URL's owning domain for bookkeeping after the distributor strips it away.
func flattenPending(pending map[string][]string) ([]types.ScrapeTarget, map[string]string) {
	urlToDomain := make(map[string]string)
	var targets []types.ScrapeTarget
	for domain, urls := range pending {
		for _, u := range urls {
			targets = append(targets, types.ScrapeTarget{URL: u})
			urlToDomain[u] = domain
		}
	}
	return targets, urlToDomain
}

// domainCountsFor tallies how many additional sessions each domain needs,
// one per still-unmatched URL, capped at remaining total across all domains.
func domainCountsFor(unmatched []string, urlToDomain map[string]string, remaining int) map[string]int {
	counts := make(map[string]int)
	total := 0
	for _, u := range unmatched {
		if total >= remaining {
			break
		}
		d := urlToDomain[u]
		counts[d]++
		total++
	}
	return counts
}

// withoutProxyRequirement clones each site config with its proxy
// requirement stripped, so the distributor treats every session as
// eligible (spec's noProxy override: run without proxies this batch).
func withoutProxyRequirement(in map[string]*types.SiteConfig) map[string]*types.SiteConfig {
	out := make(map[string]*types.SiteConfig, len(in))
	for d, cfg := range in {
		clone := *cfg
		clone.Proxy = nil
		out[d] = &clone
	}
	return out
}

func urlsOf(items []types.ScrapeTarget) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.URL
	}
	return out
}
