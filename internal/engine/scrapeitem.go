package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mushstyle/fleetscrape/internal/browser"
	"github.com/mushstyle/fleetscrape/internal/cache"
	"github.com/mushstyle/fleetscrape/internal/classify"
	"github.com/mushstyle/fleetscrape/internal/distributor"
	"github.com/mushstyle/fleetscrape/internal/etl"
	"github.com/mushstyle/fleetscrape/internal/extractor"
	"github.com/mushstyle/fleetscrape/internal/types"
)

// ScrapeItemOptions configures one ScrapeItem batch run (spec §4.5).
type ScrapeItemOptions struct {
	BatchOptions
	// RetryFailedItems includes previously-failed (but not invalid) items
	// in this run's pending set, not just never-attempted ones.
	RetryFailedItems bool
	// UploadBatchSize caps how many scraped records accumulate before an
	// intermediate AddItems flush; 0 means upload at the end of every batch.
	UploadBatchSize int
}

// ScrapeItemResult reports what one ScrapeItem call did.
type ScrapeItemResult struct {
	SitesProcessed []string
	ItemsScraped   int
	ItemsFailed    int
	Errors         map[string]string // item URL or domain -> error
	CacheStats     cache.Stats
}

type scrapedItem struct {
	domain string
	runID  string
	record types.ItemRecord
}

// ScrapeItem runs spec §4.5's main loop: the same distribute/create/destroy
// session lifecycle as Paginate, but over pending items from each domain's
// latest committed run, calling Extractor.ScrapeItem per target and
// batch-uploading the results.
func (e *Engine) ScrapeItem(ctx context.Context, opts ScrapeItemOptions) ScrapeItemResult {
	opts.applyDefaults()
	result := ScrapeItemResult{Errors: map[string]string{}}

	sites := e.chooseSites(ctx, opts.BatchOptions)
	result.SitesProcessed = sites
	if len(sites) == 0 {
		return result
	}

	var reqCache *cache.Cache
	if !opts.DisableCache {
		reqCache = cache.New(int64(opts.CacheSizeMB)*1024*1024, time.Duration(opts.CacheTTLSeconds)*time.Second)
	}

	runIDs := make(map[string]string, len(sites))
	for _, d := range sites {
		run, err := e.Sites.LatestRun(ctx, d)
		if err != nil {
			result.Errors[d] = errString(err)
			continue
		}
		runIDs[d] = run.ID
	}

	defer e.Sessions.DestroyAll()

	var scraped []scrapedItem
	var scrapedMu sync.Mutex
	var resultMu sync.Mutex
	flush := func() {
		scrapedMu.Lock()
		batch := scraped
		scraped = nil
		scrapedMu.Unlock()
		if opts.NoSave {
			return
		}
		e.uploadBatch(ctx, batch, &result)
	}

	for {
		pending, err := e.Sites.GetPendingItemsWithLimits(ctx, sites, opts.InstanceLimit, opts.RetryFailedItems)
		if err != nil {
			e.Log.WarnContext(ctx, "fetch pending items failed", zap.Error(err))
			break
		}
		if len(pending) == 0 {
			break
		}

		start := time.Now()
		targets, urlToDomain := flattenItemTargets(pending)

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
			e.Log.WarnContext(ctx, "scrape-item batch made no progress", zap.Int("pending", len(targets)))
			break
		}

		byID := sessionByID(allSessions)
		var wg sync.WaitGroup
		for _, a := range assignments {
			sess, ok := byID[a.SessionID]
			if !ok {
				continue
			}
			domain := urlToDomain[a.URL]
			cfg := siteCfgs[domain]
			runID := runIDs[domain]
			wg.Add(1)
			go func(url, domain, runID string, sess *types.Session, cfg *types.SiteConfig) {
				defer wg.Done()
				e.processItemUnit(ctx, url, domain, runID, sess, cfg, reqCache, opts, &result, &resultMu, &scraped, &scrapedMu)
			}(a.URL, domain, runID, sess, cfg)
		}
		wg.Wait()

		if e.Metrics != nil {
			e.Metrics.ObserveBatch(time.Since(start))
		}

		if opts.UploadBatchSize <= 0 || len(scraped) >= opts.UploadBatchSize {
			flush()
		}
	}

	flush()

	if reqCache != nil {
		result.CacheStats = reqCache.Stats()
	}
	return result
}

func (e *Engine) processItemUnit(ctx context.Context, url, domain, runID string, sess *types.Session, cfg *types.SiteConfig, reqCache *cache.Cache, opts ScrapeItemOptions, result *ScrapeItemResult, resultMu *sync.Mutex, scraped *[]scrapedItem, scrapedMu *sync.Mutex) {
	attempt := 0
	for {
		page, err := e.Driver.OpenPage(ctx, sess.Handle, url, reqCache, opts.BlockImages, browser.ItemNavigateTimeout)
		if err == nil {
			var ex extractor.Extractor
			ex, err = e.extractorFor(cfg)
			if err == nil {
				var record types.ItemRecord
				record, err = ex.ScrapeItem(ctx, page)
				if err == nil {
					if record.SourceURL == "" {
						record.SourceURL = url
					}
					record.Domain = domain
					scrapedMu.Lock()
					*scraped = append(*scraped, scrapedItem{domain: domain, runID: runID, record: record})
					scrapedMu.Unlock()
					resultMu.Lock()
					result.ItemsScraped++
					resultMu.Unlock()
					return
				}
			}
		}

		action := classify.Decide(err, attempt, opts.MaxRetries)
		e.Log.WarnContext(ctx, "scrape-item unit failed", append(logDomainFields(domain, url, sess.ID), zap.String("class", action.Class.String()), zap.String("error", errString(err)))...)
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
			recordItemOutcome(ctx, e, runID, url, false, true)
			recordItemFailure(result, resultMu, url, err)
			return
		case action.MarkFailed:
			if action.BlockProxyIfDatacenter && sess.Proxy != nil {
				e.Sites.AddBlock(domain, sess.Proxy.ID, sess.Proxy.Type, errString(err))
				if e.Metrics != nil {
					e.Metrics.ProxyBlockedTotal.WithLabelValues(domain).Inc()
				}
			}
			recordItemOutcome(ctx, e, runID, url, false, false)
			recordItemFailure(result, resultMu, url, err)
			return
		default:
			recordItemFailure(result, resultMu, url, err)
			return
		}
	}
}

func recordItemFailure(result *ScrapeItemResult, mu *sync.Mutex, url string, err error) {
	mu.Lock()
	defer mu.Unlock()
	result.ItemsFailed++
	result.Errors[url] = errString(err)
}

// recordItemOutcome patches the external store's per-item status. A failed
// (non-invalid) outcome always writes Failed=1 rather than an incremented
// count, since UpdateRunItem replaces the field wholesale and the engine
// has no cheap way to read the item's prior count without an extra fetch.
func recordItemOutcome(ctx context.Context, e *Engine, runID, url string, done, invalid bool) {
	if runID == "" {
		return
	}
	changes := etl.ItemChanges{}
	if done {
		changes.Done = &done
	}
	if invalid {
		changes.Invalid = &invalid
	}
	if !done && !invalid {
		failed := 1
		changes.Failed = &failed
	}
	_ = e.Store.UpdateRunItem(ctx, runID, url, changes)
}

// uploadBatch commits scraped records to the external store and only then
// marks each successfully-persisted URL done in the run store; a URL that
// AddItems rejects or that fails outright is left exactly as it was, so a
// later GetPendingItemsWithLimits call offers it again instead of treating
// an unpersisted record as finished.
func (e *Engine) uploadBatch(ctx context.Context, batch []scrapedItem, result *ScrapeItemResult) {
	if len(batch) == 0 {
		return
	}
	records := make([]types.ItemRecord, len(batch))
	for i, s := range batch {
		records[i] = s.record
	}
	uploadResult, err := e.Store.AddItems(ctx, records)
	if err != nil {
		e.Log.WarnContext(ctx, "upload item batch failed", zap.Int("count", len(batch)), zap.Error(err))
		for _, s := range batch {
			result.Errors[s.record.SourceURL] = errString(err)
		}
		return
	}
	for url, uploadErr := range uploadResult.Failed {
		result.Errors[url] = errString(uploadErr)
	}
	for _, s := range batch {
		if _, failed := uploadResult.Failed[s.record.SourceURL]; failed {
			continue
		}
		recordItemOutcome(ctx, e, s.runID, s.record.SourceURL, true, false)
	}
}

// flattenItemTargets turns GetPendingItemsWithLimits' per-domain map into
// the flat ScrapeTarget slice Distribute expects, remembering each target's
// owning domain.
func flattenItemTargets(pending map[string][]types.ScrapeTarget) ([]types.ScrapeTarget, map[string]string) {
	urlToDomain := make(map[string]string)
	var targets []types.ScrapeTarget
	for domain, items := range pending {
		for _, it := range items {
			targets = append(targets, it)
			urlToDomain[it.URL] = domain
		}
	}
	return targets, urlToDomain
}
