// Package types holds the shared data model for the fleet orchestration
// core: targets, site configuration, proxies, sessions, and runs. Nothing
// in this package performs I/O; it is pure data plus small invariant
// helpers, imported by every other internal package.
package types

import "time"

// ScrapeTarget is a unit of work: a URL that either still needs to be
// visited, has succeeded, has failed retryably, or is permanently invalid.
type ScrapeTarget struct {
	URL     string
	Done    bool
	Failed  int
	Invalid bool
}

// Pending reports whether the target still needs processing.
func (t ScrapeTarget) Pending() bool {
	return !t.Done && !t.Invalid
}

// ProxyStrategy names how a site wants its sessions proxied.
type ProxyStrategy string

const (
	ProxyNone                     ProxyStrategy = "none"
	ProxyDatacenter               ProxyStrategy = "datacenter"
	ProxyResidentialStable        ProxyStrategy = "residential-stable"
	ProxyResidentialRotating      ProxyStrategy = "residential-rotating"
	ProxyDatacenterToResidential  ProxyStrategy = "datacenter-to-residential"
)

// ProxyRequirement describes the proxy constraints a site imposes on any
// session that is allowed to serve it.
type ProxyRequirement struct {
	Strategy         ProxyStrategy
	Geo              string // ISO-2, optional
	SessionLimit     int    // concurrent sessions this site may hold; default 1
	CooldownMinutes  int
	FailureThreshold int
}

// EffectiveSessionLimit returns the configured limit or the spec default of 1.
func (r *ProxyRequirement) EffectiveSessionLimit() int {
	if r == nil || r.SessionLimit <= 0 {
		return 1
	}
	return r.SessionLimit
}

// SiteConfig is the immutable per-site configuration for one run.
type SiteConfig struct {
	Domain      string
	StartPages  []string
	Proxy       *ProxyRequirement
	ExtractorID string

	// BlockedProxyIDs is populated by the site manager ahead of a
	// distributor call; it is not part of the site's persisted config.
	BlockedProxyIDs map[string]struct{}
}

// HasBlockedProxy reports whether proxyID is currently blocked for this site.
func (c *SiteConfig) HasBlockedProxy(proxyID string) bool {
	if c == nil || proxyID == "" || len(c.BlockedProxyIDs) == 0 {
		return false
	}
	_, blocked := c.BlockedProxyIDs[proxyID]
	return blocked
}

// ProxyType is the kind of proxy a Proxy or Session carries.
type ProxyType string

const (
	ProxyTypeNone        ProxyType = "none"
	ProxyTypeDatacenter  ProxyType = "datacenter"
	ProxyTypeResidential ProxyType = "residential"
)

// Proxy is one entry in the startup-loaded proxy pool.
type Proxy struct {
	ID          string
	Type        ProxyType
	Geo         string
	URL         string
	Credentials string
}

// SessionInfo is the distributor's view of a live session: just enough to
// check proxy/geo compatibility, never the browser handle itself.
type SessionInfo struct {
	ID        string
	ProxyType ProxyType
	ProxyID   string
	ProxyGeo  string
}

// BrowserKind selects which driver backs a Session: a local headless
// Chrome process, or a remote browser-as-a-service provider.
type BrowserKind string

const (
	BrowserLocal  BrowserKind = "local"
	BrowserRemote BrowserKind = "remote"
)

// CreateSessionRequest is one entry in a createSessions batch call.
type CreateSessionRequest struct {
	Domain      string
	Proxy       *Proxy
	BrowserKind BrowserKind
	Headless    bool
	TimeoutSec  int
}

// Session is a live, tracked browser session. Handle is the opaque driver
// object (the browser package's unexported *instance in practice); the
// session manager never
// inspects it, only stores and returns it.
type Session struct {
	ID          string
	Domain      string
	Proxy       *Proxy
	BrowserKind BrowserKind
	Headless    bool
	TimeoutSec  int
	CreatedAt   time.Time
	InUse       bool
	Handle      any
}

// Info projects a Session down to the fields the distributor needs.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{ID: s.ID}
	if s.Proxy != nil {
		info.ProxyType = s.Proxy.Type
		info.ProxyID = s.Proxy.ID
		info.ProxyGeo = s.Proxy.Geo
	} else {
		info.ProxyType = ProxyTypeNone
	}
	return info
}

// RunStatus is the lifecycle state of a ScrapeRun in the external store.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunProcessing RunStatus = "processing"
	RunCompleted  RunStatus = "completed"
)

// ScrapeRun is the durable object the ETL API persists: one pagination's
// URL set plus per-item progress.
type ScrapeRun struct {
	ID        string
	Domain    string
	CreatedAt time.Time
	Status    RunStatus
	Items     []ScrapeTarget
}

// ItemRecord is the structured product record an extractor produces.
type ItemRecord struct {
	SourceURL string
	Domain    string
	Fields    map[string]any
}

// PaginationState tracks one start page's in-progress pagination.
type PaginationState struct {
	CollectedURLs  []string
	collected      map[string]struct{}
	Completed      bool
	FailureCount   int
	FailureHistory []string
}

// NewPaginationState returns an empty, ready-to-use state.
func NewPaginationState() *PaginationState {
	return &PaginationState{collected: make(map[string]struct{})}
}

// AddURLs unions urls into the collected set, preserving first-seen order.
func (p *PaginationState) AddURLs(urls []string) {
	if p.collected == nil {
		p.collected = make(map[string]struct{})
		for _, u := range p.CollectedURLs {
			p.collected[u] = struct{}{}
		}
	}
	for _, u := range urls {
		if _, ok := p.collected[u]; ok {
			continue
		}
		p.collected[u] = struct{}{}
		p.CollectedURLs = append(p.CollectedURLs, u)
	}
}

// RecordFailure appends to the failure history and bumps the counter.
func (p *PaginationState) RecordFailure(msg string) {
	p.FailureCount++
	p.FailureHistory = append(p.FailureHistory, msg)
}

// PartialRun is the in-memory container for one domain's in-flight
// pagination, keyed by start page URL.
type PartialRun struct {
	Domain          string
	PaginationStates map[string]*PaginationState // keyed by start page URL
	Committed       bool
}

// NewPartialRun initializes one PaginationState per start page.
func NewPartialRun(domain string, startPages []string) *PartialRun {
	pr := &PartialRun{
		Domain:          domain,
		PaginationStates: make(map[string]*PaginationState, len(startPages)),
	}
	for _, sp := range startPages {
		pr.PaginationStates[sp] = NewPaginationState()
	}
	return pr
}

// AllCompleted reports whether every pagination state is marked completed.
func (pr *PartialRun) AllCompleted() bool {
	for _, st := range pr.PaginationStates {
		if !st.Completed {
			return false
		}
	}
	return true
}

// AnyCollected reports whether at least one pagination state collected a URL.
func (pr *PartialRun) AnyCollected() bool {
	for _, st := range pr.PaginationStates {
		if len(st.CollectedURLs) > 0 {
			return true
		}
	}
	return false
}

// UnionURLs returns the union of all collected URLs, ordered by start-page
// insertion order then per-pagination collection order.
func (pr *PartialRun) UnionURLs(order []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sp := range order {
		st, ok := pr.PaginationStates[sp]
		if !ok {
			continue
		}
		for _, u := range st.CollectedURLs {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// ProxyBlocklistEntry is one per-site, per-proxy cooldown record.
type ProxyBlocklistEntry struct {
	ProxyID      string
	FailedAt     time.Time
	FailureCount int
	LastError    string
}

// Expired reports whether the entry's cooldown has elapsed as of now.
func (e *ProxyBlocklistEntry) Expired(cooldown time.Duration, now time.Time) bool {
	return now.After(e.FailedAt.Add(cooldown))
}

// CacheEntry is one stored response in the shared request cache.
type CacheEntry struct {
	URLKey          string
	BodyBytes       []byte
	ResponseHeaders map[string]string
	Status          int
	InsertedAt      time.Time
	SizeBytes       int64
}
