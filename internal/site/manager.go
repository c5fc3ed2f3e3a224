// Package site implements the Site Manager (spec §4.3): per-site config
// cache, proxy blocklist, in-flight pagination tracking (PartialRun), and
// the atomic commit of a completed PartialRun to the external run store.
package site

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mushstyle/fleetscrape/internal/etl"
	"github.com/mushstyle/fleetscrape/internal/types"
)

// Sentinel errors for commit and patch failures, checked with errors.Is by
// callers (the engines) rather than string-matched.
var (
	ErrNoPartialRun      = errors.New("site: no partial run owns that start page")
	ErrNotAllCompleted   = errors.New("site: not all paginations completed")
	ErrAbortingEntireRun = errors.New("site: aborting entire run: a completed pagination collected zero urls")
	ErrUnknownDomain     = errors.New("site: unknown domain")
)

// PaginationPatch is applied to one start page's PaginationState.
type PaginationPatch struct {
	CollectedURLs []string
	Completed     bool
	FailureMsg    string // if non-empty, recorded as a failure
}

// Manager owns the site table, blocklist, and all in-flight PartialRuns
// under a single mutex, per the concurrency model's "one mutex per table"
// rule.
type Manager struct {
	mu sync.Mutex

	configs map[string]*types.SiteConfig

	blocklist map[string]map[string]*types.ProxyBlocklistEntry // domain -> proxyID -> entry

	partialRuns    map[string]*types.PartialRun // domain -> run
	startPageIndex map[string]string            // start page URL -> domain
	lastRunID      map[string]string            // domain -> most recently committed run id

	store etl.Client
	log   *zap.Logger
}

// New builds a Manager backed by store for commit/run lookups.
func New(store etl.Client, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		configs:        make(map[string]*types.SiteConfig),
		blocklist:      make(map[string]map[string]*types.ProxyBlocklistEntry),
		partialRuns:    make(map[string]*types.PartialRun),
		startPageIndex: make(map[string]string),
		lastRunID:      make(map[string]string),
		store:          store,
		log:            log,
	}
}

// LoadConfigs replaces the cached site config table wholesale — the shape
// a config-reload callback uses (internal/config's Reloader swaps
// in a fresh snapshot on every file write).
func (m *Manager) LoadConfigs(configs []*types.SiteConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs = make(map[string]*types.SiteConfig, len(configs))
	for _, c := range configs {
		m.configs[c.Domain] = c
	}
}

// Config returns the cached config for domain, or nil if unknown.
func (m *Manager) Config(domain string) *types.SiteConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configs[domain]
}

// Domains returns every domain with a cached config, in no particular order.
func (m *Manager) Domains() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.configs))
	for d := range m.configs {
		out = append(out, d)
	}
	return out
}

// ConfigsWithBlocklist returns a snapshot of site configs for domains,
// each augmented with its currently-unexpired blocklist as the distributor
// expects (spec §4.1: "siteConfigs optionally augmented with
// blockedProxyIds"). defaultCooldown is the fallback cooldown when a site's own
// ProxyRequirement.CooldownMinutes is zero.
func (m *Manager) ConfigsWithBlocklist(domains []string, defaultCooldown time.Duration) map[string]*types.SiteConfig {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*types.SiteConfig, len(domains))
	for _, d := range domains {
		cfg, ok := m.configs[d]
		if !ok {
			continue
		}
		cooldown := defaultCooldown
		if cfg.Proxy != nil && cfg.Proxy.CooldownMinutes > 0 {
			cooldown = time.Duration(cfg.Proxy.CooldownMinutes) * time.Minute
		}
		blocked := m.activeBlocklistLocked(d, cooldown, now)
		clone := *cfg
		clone.BlockedProxyIDs = blocked
		out[d] = &clone
	}
	return out
}

// AddBlock penalizes proxyID for domain, but only when the proxy is a
// datacenter proxy — rotating residential pools aren't penalized for a
// single URL failure (spec §4.3).
func (m *Manager) AddBlock(domain string, proxyID string, proxyType types.ProxyType, errMsg string) {
	if proxyType != types.ProxyTypeDatacenter {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byProxy, ok := m.blocklist[domain]
	if !ok {
		byProxy = make(map[string]*types.ProxyBlocklistEntry)
		m.blocklist[domain] = byProxy
	}
	if entry, exists := byProxy[proxyID]; exists {
		entry.FailureCount++
		entry.LastError = errMsg
		return
	}
	byProxy[proxyID] = &types.ProxyBlocklistEntry{
		ProxyID:      proxyID,
		FailedAt:     time.Now(),
		FailureCount: 1,
		LastError:    errMsg,
	}
}

// GetBlocklist lazily expires entries whose cooldown has elapsed, then
// returns the remaining blocked proxy IDs for domain.
func (m *Manager) GetBlocklist(domain string, cooldown time.Duration) map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeBlocklistLocked(domain, cooldown, time.Now())
}

func (m *Manager) activeBlocklistLocked(domain string, cooldown time.Duration, now time.Time) map[string]struct{} {
	byProxy, ok := m.blocklist[domain]
	if !ok {
		return nil
	}
	out := make(map[string]struct{})
	for id, entry := range byProxy {
		if entry.Expired(cooldown, now) {
			delete(byProxy, id)
			continue
		}
		out[id] = struct{}{}
	}
	return out
}

// StartPagination initializes a fresh PartialRun for domain with one
// PaginationState per start page. Concurrent domains are independent.
func (m *Manager) StartPagination(domain string, startPages []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pr := types.NewPartialRun(domain, startPages)
	m.partialRuns[domain] = pr
	for _, sp := range startPages {
		m.startPageIndex[sp] = domain
	}
}

// UpdatePaginationState locates the PartialRun owning startPageURL and
// applies patch to its PaginationState.
func (m *Manager) UpdatePaginationState(startPageURL string, patch PaginationPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	domain, ok := m.startPageIndex[startPageURL]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPartialRun, startPageURL)
	}
	pr, ok := m.partialRuns[domain]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPartialRun, startPageURL)
	}
	state, ok := pr.PaginationStates[startPageURL]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPartialRun, startPageURL)
	}

	if len(patch.CollectedURLs) > 0 {
		state.AddURLs(patch.CollectedURLs)
	}
	if patch.Completed {
		state.Completed = true
	}
	if patch.FailureMsg != "" {
		state.RecordFailure(patch.FailureMsg)
	}
	return nil
}

// FailureCount reports how many times startPageURL has failed so far, or 0
// if it owns no PaginationState (already committed, or never seen).
func (m *Manager) FailureCount(startPageURL string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	domain, ok := m.startPageIndex[startPageURL]
	if !ok {
		return 0
	}
	pr, ok := m.partialRuns[domain]
	if !ok {
		return 0
	}
	state, ok := pr.PaginationStates[startPageURL]
	if !ok {
		return 0
	}
	return state.FailureCount
}

// Commit atomically validates and finalizes domain's PartialRun: every
// pagination must be completed and at least one must have collected a
// non-empty URL set. On success the union of collected URLs becomes a new
// ScrapeRun in the external store and the PartialRun is cleared. On
// failure the PartialRun is left untouched so the caller can retry the
// offending start page (spec S6).
func (m *Manager) Commit(ctx context.Context, domain string, startPageOrder []string, noSave bool) (types.ScrapeRun, error) {
	// lock -> snapshot -> unlock -> I/O -> lock -> commit, per §5.
	m.mu.Lock()
	pr, ok := m.partialRuns[domain]
	if !ok {
		m.mu.Unlock()
		return types.ScrapeRun{}, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	if !pr.AllCompleted() {
		m.mu.Unlock()
		return types.ScrapeRun{}, fmt.Errorf("%s: %w", domain, ErrNotAllCompleted)
	}
	if !pr.AnyCollected() {
		m.mu.Unlock()
		return types.ScrapeRun{}, fmt.Errorf("%s: %w", domain, ErrAbortingEntireRun)
	}
	urls := pr.UnionURLs(startPageOrder)
	m.mu.Unlock()

	if noSave {
		m.mu.Lock()
		m.clearPartialRunLocked(domain)
		m.mu.Unlock()
		return types.ScrapeRun{Domain: domain, Status: types.RunCompleted, Items: targetsFromURLs(urls)}, nil
	}

	run, err := m.store.CreateRun(ctx, domain, urls)
	if err != nil {
		return types.ScrapeRun{}, fmt.Errorf("site: create run for %s: %w", domain, err)
	}

	m.mu.Lock()
	m.clearPartialRunLocked(domain)
	m.lastRunID[domain] = run.ID
	m.mu.Unlock()

	return run, nil
}

func (m *Manager) clearPartialRunLocked(domain string) {
	if pr, ok := m.partialRuns[domain]; ok {
		for sp := range pr.PaginationStates {
			delete(m.startPageIndex, sp)
		}
	}
	delete(m.partialRuns, domain)
}

func targetsFromURLs(urls []string) []types.ScrapeTarget {
	out := make([]types.ScrapeTarget, len(urls))
	for i, u := range urls {
		out[i] = types.ScrapeTarget{URL: u}
	}
	return out
}

// GetUnprocessedStartPagesWithLimits returns, per domain in domains, up to
// that site's sessionLimit not-yet-completed start pages drawn from the
// active PartialRun.
func (m *Manager) GetUnprocessedStartPagesWithLimits(domains []string) map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]string, len(domains))
	for _, d := range domains {
		pr, ok := m.partialRuns[d]
		if !ok {
			continue
		}
		limit := 1
		if cfg, ok := m.configs[d]; ok {
			limit = cfg.Proxy.EffectiveSessionLimit()
		}
		var pages []string
		for sp, state := range pr.PaginationStates {
			if state.Completed {
				continue
			}
			pages = append(pages, sp)
			if len(pages) >= limit {
				break
			}
		}
		if len(pages) > 0 {
			out[d] = pages
		}
	}
	return out
}

// GetPendingItemsWithLimits returns, per domain, up to perDomainMax pending
// items (optionally including previously-failed-but-not-invalid items) from
// the latest run for that domain, capped additionally at the site's
// sessionLimit (spec §4.5: "batch size per domain is capped at the site's
// sessionLimit").
func (m *Manager) GetPendingItemsWithLimits(ctx context.Context, domains []string, perDomainMax int, includeFailed bool) (map[string][]types.ScrapeTarget, error) {
	m.mu.Lock()
	limit := make(map[string]int, len(domains))
	runIDs := make(map[string]string, len(domains))
	for _, d := range domains {
		siteLimit := perDomainMax
		if cfg, ok := m.configs[d]; ok {
			if sl := cfg.Proxy.EffectiveSessionLimit(); sl < siteLimit {
				siteLimit = sl
			}
		}
		limit[d] = siteLimit
		runIDs[d] = m.lastRunID[d]
	}
	m.mu.Unlock()

	out := make(map[string][]types.ScrapeTarget, len(domains))
	for _, d := range domains {
		runID := runIDs[d]
		var run types.ScrapeRun
		var err error
		if runID != "" {
			run, err = m.store.FetchRun(ctx, runID)
		} else {
			runs, listErr := m.store.ListRuns(ctx, etl.RunFilter{Domain: d})
			err = listErr
			run = latestRun(runs)
		}
		if err != nil {
			m.log.Warn("fetch latest run failed", zap.String("domain", d), zap.Error(err))
			continue
		}

		var pending []types.ScrapeTarget
		for _, item := range run.Items {
			if item.Invalid || item.Done {
				continue
			}
			if item.Failed > 0 && !includeFailed {
				continue
			}
			pending = append(pending, item)
			if len(pending) >= limit[d] {
				break
			}
		}
		if len(pending) > 0 {
			out[d] = pending
		}
	}
	return out, nil
}

// LatestRun returns the most recently committed run for domain, preferring
// the cached run ID from a prior Commit and falling back to a store list
// when none is cached yet (e.g. after a process restart). Used by callers
// that need the run ID itself, such as ScrapeItem's per-item status
// updates after GetPendingItemsWithLimits already chose which items to work.
func (m *Manager) LatestRun(ctx context.Context, domain string) (types.ScrapeRun, error) {
	m.mu.Lock()
	runID := m.lastRunID[domain]
	m.mu.Unlock()

	if runID != "" {
		return m.store.FetchRun(ctx, runID)
	}
	runs, err := m.store.ListRuns(ctx, etl.RunFilter{Domain: domain})
	if err != nil {
		return types.ScrapeRun{}, err
	}
	run := latestRun(runs)
	if run.ID == "" {
		return types.ScrapeRun{}, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	return run, nil
}

func latestRun(runs []types.ScrapeRun) types.ScrapeRun {
	var latest types.ScrapeRun
	for _, r := range runs {
		if r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	return latest
}
